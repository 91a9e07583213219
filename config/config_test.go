package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/notebook-mcp/paths"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ExecutionTimeout != 60*time.Second {
		t.Errorf("ExecutionTimeout = %v, want 60s", cfg.ExecutionTimeout)
	}
	if cfg.StartupTimeout != 30*time.Second {
		t.Errorf("StartupTimeout = %v, want 30s", cfg.StartupTimeout)
	}
	if cfg.StatusProbeTimeout != time.Second {
		t.Errorf("StatusProbeTimeout = %v, want 1s", cfg.StatusProbeTimeout)
	}
	if cfg.DefaultEngine != "python3" {
		t.Errorf("DefaultEngine = %q, want python3", cfg.DefaultEngine)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FilePath() != path {
		t.Errorf("FilePath = %q, want %q", cfg.FilePath(), path)
	}
	if len(cfg.GetAllowedDirs()) != 0 {
		t.Errorf("expected no allowed dirs, got %v", cfg.GetAllowedDirs())
	}
}

func TestLoad_DefaultLocation(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NOTEBOOK_MCP_HOME", home)
	paths.Reset()
	t.Cleanup(paths.Reset)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(home, "config.yaml"); cfg.FilePath() != want {
		t.Errorf("FilePath = %q, want %q", cfg.FilePath(), want)
	}
}

func TestLoad_ParsesFields(t *testing.T) {
	path := writeConfig(t, `
allowed_dirs:
  - /sandbox
  - /data/notebooks
debug: true
execution_timeout: 90s
status_probe_timeout: 500ms
default_engine: python3
engines:
  - name: deno
    display_name: Deno
    language: typescript
    command: deno jupyter --kernel
    native: true
metrics_addr: localhost:9090
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.GetAllowedDirs(); len(got) != 2 || got[0] != "/sandbox" {
		t.Errorf("AllowedDirs = %v", got)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
	if cfg.ExecutionTimeout != 90*time.Second {
		t.Errorf("ExecutionTimeout = %v, want 90s", cfg.ExecutionTimeout)
	}
	if cfg.StartupTimeout != DefaultStartupTimeout {
		t.Errorf("StartupTimeout should fall back to default, got %v", cfg.StartupTimeout)
	}
	if cfg.StatusProbeTimeout != 500*time.Millisecond {
		t.Errorf("StatusProbeTimeout = %v, want 500ms", cfg.StatusProbeTimeout)
	}

	eng, ok := cfg.Engine("deno")
	if !ok {
		t.Fatal("engine deno not found")
	}
	if !eng.Native || eng.Language != "typescript" || eng.Command != "deno jupyter --kernel" {
		t.Errorf("unexpected engine %+v", eng)
	}
	if _, ok := cfg.Engine("julia"); ok {
		t.Error("unknown engine should not be found")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			content: "allowed_dirs: [unclosed",
			wantErr: "failed to parse config",
		},
		{
			name:    "bad duration",
			content: "execution_timeout: soon\n",
			wantErr: "failed to parse config",
		},
		{
			name:    "negative timeout",
			content: "execution_timeout: -5s\n",
			wantErr: "ExecutionTimeout",
		},
		{
			name: "engine without command",
			content: `engines:
  - name: deno
`,
			wantErr: "Command",
		},
		{
			name: "duplicate engine names",
			content: `engines:
  - name: deno
    command: deno
  - name: deno
    command: deno2
`,
			wantErr: "Engines",
		},
		{
			name:    "bad metrics addr",
			content: "metrics_addr: not an address\n",
			wantErr: "MetricsAddr",
		},
		{
			name:    "blank allowed dir",
			content: "allowed_dirs: ['  ']\n",
			wantErr: "empty allowed directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestMergeAllowedDirs(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(dir, link); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.AllowedDirs = []string{dir}

	cfg.MergeAllowedDirs([]string{dir, link, other})

	got := cfg.GetAllowedDirs()
	if len(got) != 2 {
		t.Fatalf("AllowedDirs = %v, want 2 entries", got)
	}
	if got[1] != other {
		t.Errorf("AllowedDirs[1] = %q, want %q", got[1], other)
	}
}

func TestMergeAllowedDirs_MakesAbsolute(t *testing.T) {
	cfg := Default()
	cfg.MergeAllowedDirs([]string{"relative/dir"})

	got := cfg.GetAllowedDirs()
	if len(got) != 1 || !filepath.IsAbs(got[0]) {
		t.Errorf("expected one absolute dir, got %v", got)
	}
}

func TestGetAllowedDirs_ReturnsCopy(t *testing.T) {
	cfg := Default()
	cfg.AllowedDirs = []string{"/a"}

	got := cfg.GetAllowedDirs()
	got[0] = "/mutated"

	if cfg.GetAllowedDirs()[0] != "/a" {
		t.Error("GetAllowedDirs should return a copy")
	}
}

func TestSameDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(sub, link); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical missing paths", "/no/such/dir", "/no/such/dir", true},
		{"trailing slash", dir, dir + "/", true},
		{"dot dot", dir, filepath.Join(sub, ".."), true},
		{"symlink", sub, link, true},
		{"different dirs", dir, sub, false},
		{"one missing", dir, "/no/such/dir", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameDir(tt.a, tt.b); got != tt.want {
				t.Errorf("sameDir(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
