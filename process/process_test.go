package process

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zhubert/notebook-mcp/exec"
)

func TestExtractFlag(t *testing.T) {
	tests := []struct {
		name     string
		cmdLine  string
		flag     string
		expected string
	}{
		{"separate value", "python3 -u -c ? --kernel-session abc123 --server-pid 42", "--kernel-session", "abc123"},
		{"equals", "kernel --kernel-session=xyz789", "--kernel-session", "xyz789"},
		{"at end", "python3 --server-pid 42", "--server-pid", "42"},
		{"last occurrence wins", "python3 -c print('--kernel-session fake') --kernel-session real", "--kernel-session", "real"},
		{"prefix of another flag", "python3 --kernel-session-x nope", "--kernel-session", ""},
		{"missing", "python3 script.py", "--kernel-session", ""},
		{"no value", "python3 --kernel-session", "--kernel-session", ""},
		{"empty", "", "--kernel-session", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractFlag(tt.cmdLine, tt.flag); got != tt.expected {
				t.Errorf("extractFlag(%q) = %q, want %q", tt.cmdLine, got, tt.expected)
			}
		})
	}
}

const processTable = `    1 /sbin/init
  100 /usr/bin/python3 -u -c import sys --kernel-session aaa --server-pid 10
  101 /usr/bin/python3 -u -c import sys --kernel-session bbb --server-pid 20
  102 /opt/kernel --kernel-session ccc --server-pid 30
  103 /usr/bin/python3 -u -c import sys --kernel-session ddd
garbage line
`

func TestParseProcessTable(t *testing.T) {
	got := parseProcessTable(processTable)

	want := []KernelProcess{
		{PID: 100, SessionID: "aaa", ServerPID: 10, Command: "/usr/bin/python3 -u -c import sys --kernel-session aaa --server-pid 10"},
		{PID: 101, SessionID: "bbb", ServerPID: 20, Command: "/usr/bin/python3 -u -c import sys --kernel-session bbb --server-pid 20"},
		{PID: 102, SessionID: "ccc", ServerPID: 30, Command: "/opt/kernel --kernel-session ccc --server-pid 30"},
		{PID: 103, SessionID: "ddd", Command: "/usr/bin/python3 -u -c import sys --kernel-session ddd"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("processes mismatch (-want +got):\n%s", diff)
	}
}

func mockTable() *exec.MockExecutor {
	mock := exec.NewMockExecutor()
	mock.AddPrefixMatch("ps", nil, exec.MockResponse{Stdout: []byte(processTable)})
	// Server 20 is still running; every other kill -0 fails.
	mock.AddExactMatch("kill", []string{"-0", "20"}, exec.MockResponse{})
	mock.AddPrefixMatch("kill", []string{"-0"}, exec.MockResponse{Err: &exec.MockExitError{Code: 1}})
	return mock
}

func TestFindOrphanedKernels(t *testing.T) {
	if !Supported() {
		t.Skip("process scanning not supported on this platform")
	}

	orphans, err := FindOrphanedKernels(context.Background(), mockTable(), 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var pids []int
	for _, o := range orphans {
		pids = append(pids, o.PID)
	}
	// 101 belongs to a live server and 102 to this one.
	if diff := cmp.Diff([]int{100, 103}, pids); diff != "" {
		t.Errorf("orphans mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanupOrphanedKernels(t *testing.T) {
	if !Supported() {
		t.Skip("process scanning not supported on this platform")
	}

	mock := mockTable()
	mock.AddExactMatch("kill", []string{"-9", "103"}, exec.MockResponse{Err: &exec.MockExitError{Code: 1}})

	killed, err := CleanupOrphanedKernels(context.Background(), mock, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if killed != 1 {
		t.Errorf("killed = %d, want 1", killed)
	}

	var kills []string
	for _, c := range mock.GetCalls() {
		if c.Name == "kill" && c.Args[0] == "-9" {
			kills = append(kills, c.Args[1])
		}
	}
	if diff := cmp.Diff([]string{"100", "103"}, kills); diff != "" {
		t.Errorf("kill calls mismatch (-want +got):\n%s", diff)
	}
}

func TestAlive(t *testing.T) {
	mock := mockTable()
	ctx := context.Background()

	if !Alive(ctx, mock, 20) {
		t.Error("server 20 should be alive")
	}
	if Alive(ctx, mock, 10) {
		t.Error("server 10 should be gone")
	}
	if Alive(ctx, mock, 0) {
		t.Error("pid 0 is never alive")
	}
}
