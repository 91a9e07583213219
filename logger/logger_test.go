package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhubert/notebook-mcp/paths"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) string {
	t.Helper()
	Reset()

	logPath := filepath.Join(t.TempDir(), "test-debug.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	t.Cleanup(Reset)
	return logPath
}

// isolateHome points the default log location at a temp dir.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("NOTEBOOK_MCP_HOME", home)
	paths.Reset()
	t.Cleanup(paths.Reset)
	return home
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	return string(content)
}

func TestGet_StructuredLogging(t *testing.T) {
	logPath := setupTestLogger(t)

	Get().Info("notebook saved", "cells", 3, "backup", false)

	content := readLog(t, logPath)
	for _, want := range []string{"notebook saved", "cells=3", "backup=false", "time="} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q, got: %s", want, content)
		}
	}
}

func TestPath(t *testing.T) {
	logPath := setupTestLogger(t)
	if got := Path(); got != logPath {
		t.Errorf("Path() = %q, want %q", got, logPath)
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	logPath := setupTestLogger(t)

	SetDebug(false)
	Get().Debug("debug-filtered")
	Get().Info("info-visible")

	SetDebug(true)
	Get().Debug("debug-visible")
	SetDebug(false)

	content := readLog(t, logPath)
	if strings.Contains(content, "debug-filtered") {
		t.Error("Debug message should be filtered at Info level")
	}
	if !strings.Contains(content, "info-visible") {
		t.Error("Info message should be visible at Info level")
	}
	if !strings.Contains(content, "debug-visible") {
		t.Error("Debug message should be visible after SetDebug(true)")
	}
}

func TestScopedLoggers(t *testing.T) {
	logPath := setupTestLogger(t)

	WithComponent("kernel").Info("engine resolved", "engine", "python3")
	WithSession("sess-123").Info("kernel ready")
	WithNotebook("/work/a.ipynb").Warn("validation warning")

	content := readLog(t, logPath)
	for _, want := range []string{
		"component=kernel",
		"engine=python3",
		"sessionID=sess-123",
		"notebook=/work/a.ipynb",
		"level=WARN",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("log should contain %q", want)
		}
	}
}

func TestReset(t *testing.T) {
	tmpDir := t.TempDir()
	logPath1 := filepath.Join(tmpDir, "log1.log")
	if err := Init(logPath1); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	Get().Info("message to log1")

	Reset()

	logPath2 := filepath.Join(tmpDir, "log2.log")
	if err := Init(logPath2); err != nil {
		t.Fatalf("Failed to reinit logger: %v", err)
	}
	Get().Info("message to log2")
	Reset()

	if c := readLog(t, logPath1); strings.Contains(c, "message to log2") {
		t.Error("log1 should NOT contain 'message to log2'")
	}
	if c := readLog(t, logPath2); !strings.Contains(c, "message to log2") || strings.Contains(c, "message to log1") {
		t.Errorf("log2 has unexpected content: %s", c)
	}
}

func TestEnsureInit_DefaultPath(t *testing.T) {
	home := isolateHome(t)
	Reset()
	defer Reset()

	Get().Info("default path test")

	want := filepath.Join(home, "logs", "notebook-mcp.log")
	if got := Path(); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestConcurrent_InitAndGet(t *testing.T) {
	for range 5 {
		Reset()
		logPath := filepath.Join(t.TempDir(), "concurrent.log")

		done := make(chan bool, 15)
		for range 5 {
			go func() {
				_ = Init(logPath)
				done <- true
			}()
			go func() {
				WithSession("sess").Info("concurrent session")
				done <- true
			}()
			go func() {
				WithComponent("comp").Info("concurrent component")
				done <- true
			}()
		}
		for range 15 {
			<-done
		}
	}
	Reset()
}

func TestKernelLogPath(t *testing.T) {
	home := isolateHome(t)

	got, err := KernelLogPath("abc")
	if err != nil {
		t.Fatalf("KernelLogPath returned error: %v", err)
	}
	if want := filepath.Join(home, "logs", "kernel-abc.log"); got != want {
		t.Errorf("KernelLogPath = %q, want %q", got, want)
	}
}

func TestClearLogs(t *testing.T) {
	home := isolateHome(t)
	logsDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"notebook-mcp.log", "kernel-a.log", "kernel-b.log", "other.txt"} {
		if err := os.WriteFile(filepath.Join(logsDir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	count, err := ClearLogs()
	if err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if count != 3 {
		t.Errorf("ClearLogs removed %d files, want 3", count)
	}
	if _, err := os.Stat(filepath.Join(logsDir, "other.txt")); err != nil {
		t.Error("unrelated files must be left alone")
	}
}
