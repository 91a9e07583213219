package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRealExecutor_Output(t *testing.T) {
	executor := NewRealExecutor()
	if _, err := executor.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}

	output, err := executor.Output(context.Background(), "", "echo", "world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != "world\n" {
		t.Errorf("expected 'world\\n', got %q", string(output))
	}
}

func TestRealExecutor_ExitCode(t *testing.T) {
	executor := NewRealExecutor()
	if _, err := executor.LookPath("false"); err != nil {
		t.Skip("false not available")
	}

	err := executor.Run(context.Background(), "", "false")
	if code := ExitCode(err); code != 1 {
		t.Errorf("ExitCode = %d, want 1", code)
	}
}

func TestRealExecutor_LookPathMissing(t *testing.T) {
	_, err := NewRealExecutor().LookPath("definitely-not-a-real-interpreter-xyz")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMockExecutor_Output(t *testing.T) {
	mock := NewMockExecutor()
	mock.AddExactMatch("python3", []string{"--version"}, MockResponse{
		Stdout: []byte("Python 3.12.1\n"),
	})

	out, err := mock.Output(context.Background(), "/work", "python3", "--version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "Python 3.12.1\n" {
		t.Errorf("got %q", out)
	}

	calls := mock.GetCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Dir != "/work" || calls[0].Name != "python3" {
		t.Errorf("unexpected call %+v", calls[0])
	}
}

func TestMockExecutor_PrefixMatch(t *testing.T) {
	mock := NewMockExecutor()
	mock.AddPrefixMatch("ps", []string{"-eo"}, MockResponse{Stdout: []byte("1 init\n")})

	out, _ := mock.Output(context.Background(), "", "ps", "-eo", "pid=,args=")
	if string(out) != "1 init\n" {
		t.Errorf("prefix rule should match, got %q", out)
	}

	out, _ = mock.Output(context.Background(), "", "ps", "aux")
	if out != nil {
		t.Errorf("unmatched command should return no output, got %q", out)
	}
}

func TestMockExecutor_RuleOrder(t *testing.T) {
	mock := NewMockExecutor()
	mock.AddPrefixMatch("kill", nil, MockResponse{Err: &MockExitError{Code: 1}})
	mock.AddPrefixMatch("kill", []string{"-9"}, MockResponse{})

	err := mock.Run(context.Background(), "", "kill", "-9", "42")
	if ExitCode(err) != 1 {
		t.Errorf("first registered rule should win, got %v", err)
	}
}

func TestMockExecutor_LookPath(t *testing.T) {
	mock := NewMockExecutor()
	mock.AddPath("python3", "/usr/bin/python3")

	if p, err := mock.LookPath("python3"); err != nil || p != "/usr/bin/python3" {
		t.Errorf("LookPath = %q, %v", p, err)
	}
	if _, err := mock.LookPath("julia"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, -1},
		{"plain error", errors.New("boom"), -1},
		{"mock exit", &MockExitError{Code: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDefaultExecutor(t *testing.T) {
	original := GetDefaultExecutor()
	defer SetDefaultExecutor(original)

	if _, ok := original.(*RealExecutor); !ok {
		t.Errorf("default should be RealExecutor, got %T", original)
	}

	mock := NewMockExecutor()
	SetDefaultExecutor(mock)
	if GetDefaultExecutor() != mock {
		t.Error("SetDefaultExecutor did not take effect")
	}
}

func TestDefaultExecutorConcurrentAccess(t *testing.T) {
	original := GetDefaultExecutor()
	defer SetDefaultExecutor(original)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetDefaultExecutor(NewMockExecutor())
		}()
		go func() {
			defer wg.Done()
			_ = GetDefaultExecutor()
		}()
	}
	wg.Wait()
}
