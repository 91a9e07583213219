package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zhubert/notebook-mcp/logger"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	fromFile := filepath.Join(dir, "notebooks")
	fromFlag := filepath.Join(dir, "extra")
	path := filepath.Join(dir, "config.yaml")
	content := "debug: true\nexecution_timeout: 90s\nallowed_dirs:\n  - " + fromFile + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	opts := &options{}
	root := newRootCommand(opts)
	if err := root.ParseFlags([]string{"--config", path, "--execution-timeout", "5s", "--allowed-dirs", fromFlag, "--allowed-dirs", fromFile}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := loadConfig(root, opts)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ExecutionTimeout != 5*time.Second {
		t.Errorf("ExecutionTimeout = %v, want the flag value", cfg.ExecutionTimeout)
	}
	if !cfg.Debug {
		t.Error("debug from the file should survive when the flag is unset")
	}
	if diff := cmp.Diff([]string{fromFile, fromFlag}, cfg.GetAllowedDirs()); diff != "" {
		t.Errorf("allowed dirs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_InvalidFlag(t *testing.T) {
	opts := &options{}
	root := newRootCommand(opts)
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if err := root.ParseFlags([]string{"--config", missing, "--metrics-addr", "not an address"}); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(root, opts); err == nil {
		t.Error("expected a validation error for the metrics address")
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand(&options{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"check", "cleanup", "clear-logs", "serve"} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing subcommand %q in %v", want, names)
		}
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.Contains(out.String(), "notebook-mcp") {
		t.Errorf("unexpected version output %q", out.String())
	}
}
