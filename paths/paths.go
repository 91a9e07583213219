// Package paths resolves where notebook-mcp keeps its own files.
//
// Two directories matter:
//
//   - Config (XDG_CONFIG_HOME): config.yaml with allowed roots and engines
//   - State (XDG_STATE_HOME): logs/ with the server log and kernel stderr logs
//
// Resolution order:
//  1. NOTEBOOK_MCP_HOME set → everything lives under that directory
//  2. ~/.notebook-mcp/ exists → flat home layout
//  3. Any XDG variable set → XDG layout
//  4. Otherwise → ~/.notebook-mcp/
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const (
	appName    = "notebook-mcp"
	homeEnvVar = "NOTEBOOK_MCP_HOME"
)

var (
	mu     sync.Mutex
	cached *layout
)

type layout struct {
	config string
	state  string
	flat   bool
}

func flatLayout(dir string) *layout {
	return &layout{config: dir, state: dir, flat: true}
}

func current() (*layout, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	if override := os.Getenv(homeEnvVar); override != "" {
		cached = flatLayout(override)
		return cached, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	homeDir := filepath.Join(home, "."+appName)

	if info, err := os.Stat(homeDir); err == nil && info.IsDir() {
		cached = flatLayout(homeDir)
		return cached, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgConfig == "" && xdgState == "" {
		cached = flatLayout(homeDir)
		return cached, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	cached = &layout{
		config: filepath.Join(xdgConfig, appName),
		state:  filepath.Join(xdgState, appName),
	}
	return cached, nil
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return l.config, nil
}

// StateDir returns the directory for runtime state.
func StateDir() (string, error) {
	l, err := current()
	if err != nil {
		return "", err
	}
	return l.state, nil
}

// ConfigFilePath returns the default config file path.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsFlatLayout reports whether config and state share one directory.
func IsFlatLayout() bool {
	l, err := current()
	if err != nil {
		return true
	}
	return l.flat
}

// Reset clears the cached resolution. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}
