package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/notebook-mcp/paths"
)

// Defaults for the kernel timeouts.
const (
	DefaultExecutionTimeout   = 60 * time.Second
	DefaultStartupTimeout     = 30 * time.Second
	DefaultStatusProbeTimeout = 1 * time.Second
	DefaultEngine             = "python3"
)

// EngineConfig declares an execution engine available to notebooks whose
// kernelspec name matches Name.
type EngineConfig struct {
	Name        string `yaml:"name" validate:"required"`
	DisplayName string `yaml:"display_name,omitempty"`
	Language    string `yaml:"language,omitempty"`
	// Command is the interpreter invocation, split with shell quoting rules.
	Command string `yaml:"command" validate:"required"`
	// Native engines speak the kernel line protocol themselves; others are
	// Python interpreters that run the embedded bridge.
	Native bool `yaml:"native,omitempty"`
}

// Config holds the server configuration
type Config struct {
	AllowedDirs        []string       `yaml:"allowed_dirs,omitempty"`
	Debug              bool           `yaml:"debug,omitempty"`
	LogFile            string         `yaml:"log_file,omitempty"`
	ExecutionTimeout   time.Duration  `yaml:"execution_timeout,omitempty" validate:"gt=0s"`
	StartupTimeout     time.Duration  `yaml:"startup_timeout,omitempty" validate:"gt=0s"`
	StatusProbeTimeout time.Duration  `yaml:"status_probe_timeout,omitempty" validate:"gt=0s"`
	DefaultEngine      string         `yaml:"default_engine,omitempty" validate:"required"`
	Engines            []EngineConfig `yaml:"engines,omitempty" validate:"unique=Name,dive"`
	MetricsAddr        string         `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`

	mu       sync.RWMutex
	filePath string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ensureInitialized()
	return cfg
}

// Load reads the config file at path. An empty path means the default
// location; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureInitialized fills zero values with defaults. Only called before the
// Config is shared.
func (c *Config) ensureInitialized() {
	if c.AllowedDirs == nil {
		c.AllowedDirs = []string{}
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StatusProbeTimeout == 0 {
		c.StatusProbeTimeout = DefaultStatusProbeTimeout
	}
	if c.DefaultEngine == "" {
		c.DefaultEngine = DefaultEngine
	}
	if c.Engines == nil {
		c.Engines = []EngineConfig{}
	}
}

// Validate checks struct constraints and reports them as one error.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	for _, dir := range c.AllowedDirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("invalid config: empty allowed directory")
		}
	}
	return nil
}

// FilePath returns the file the config was loaded from.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// MergeAllowedDirs appends dirs given on the command line, skipping entries
// that refer to a directory already present.
func (c *Config) MergeAllowedDirs(dirs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			abs = d
		}
		dup := false
		for _, existing := range c.AllowedDirs {
			if sameDir(existing, abs) {
				dup = true
				break
			}
		}
		if !dup {
			c.AllowedDirs = append(c.AllowedDirs, abs)
		}
	}
}

// GetAllowedDirs returns a copy of the configured allowed directories.
func (c *Config) GetAllowedDirs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.AllowedDirs...)
}

// Engine returns the engine config with the given name.
func (c *Config) Engine(name string) (EngineConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return EngineConfig{}, false
}

// sameDir reports whether a and b name one directory, following symlinks
// and case-insensitive filesystems. Missing paths only match textually.
func sameDir(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(infoA, infoB)
}
