// Package exec abstracts the external commands the server runs outside its
// kernels: engine version checks and process table scans. Production code
// uses RealExecutor; tests inject a MockExecutor with recorded responses.
package exec

import (
	"context"
	"errors"
	"os/exec"
	"slices"
	"strconv"
	"sync"
)

// ErrNotFound is returned by LookPath when a command is not on the PATH.
var ErrNotFound = exec.ErrNotFound

// CommandExecutor runs short-lived commands.
type CommandExecutor interface {
	// LookPath resolves a command name against PATH.
	LookPath(name string) (string, error)

	// Output runs a command and returns its stdout.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// Run runs a command, discarding its output.
	Run(ctx context.Context, dir string, name string, args ...string) error
}

// ExitCode returns the exit status carried by err, or -1 when err did not
// come from a command that exited.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var mockErr *MockExitError
	if errors.As(err, &mockErr) {
		return mockErr.Code
	}
	return -1
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// LookPath implements CommandExecutor.
func (e *RealExecutor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Output implements CommandExecutor.
func (e *RealExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Run implements CommandExecutor.
func (e *RealExecutor) Run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Err    error
}

// MockExitError simulates a command that exited with a non-zero status.
type MockExitError struct {
	Code int
}

func (e *MockExitError) Error() string {
	return "exit status " + strconv.Itoa(e.Code)
}

// CommandMatcher is a function that determines if a command matches.
type CommandMatcher func(dir, name string, args []string) bool

// MockRule defines a matching rule and its response.
type MockRule struct {
	Match    CommandMatcher
	Response MockResponse
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// MockExecutor returns pre-recorded responses for commands. Rules are
// matched in registration order; unmatched commands succeed with no output.
type MockExecutor struct {
	mu    sync.RWMutex
	rules []MockRule
	calls []MockCall
	paths map[string]string
}

// NewMockExecutor creates a MockExecutor with no commands on its PATH.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{paths: make(map[string]string)}
}

// AddPath makes LookPath resolve name to path.
func (e *MockExecutor) AddPath(name, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths[name] = path
}

// AddRule adds a matching rule with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, MockRule{Match: match, Response: response})
}

// AddExactMatch adds a rule that matches a specific command exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, response)
}

// AddPrefixMatch adds a rule that matches commands starting with specific args.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddRule(func(dir, n string, a []string) bool {
		return n == name && len(a) >= len(prefixArgs) && slices.Equal(a[:len(prefixArgs)], prefixArgs)
	}, response)
}

// GetCalls returns all recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.calls)
}

func (e *MockExecutor) respond(dir, name string, args []string) MockResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: args})
	for _, rule := range e.rules {
		if rule.Match(dir, name, args) {
			return rule.Response
		}
	}
	return MockResponse{}
}

// LookPath implements CommandExecutor.
func (e *MockExecutor) LookPath(name string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.paths[name]; ok {
		return p, nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// Output implements CommandExecutor.
func (e *MockExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	resp := e.respond(dir, name, args)
	return resp.Stdout, resp.Err
}

// Run implements CommandExecutor.
func (e *MockExecutor) Run(ctx context.Context, dir string, name string, args ...string) error {
	return e.respond(dir, name, args).Err
}

var _ CommandExecutor = (*RealExecutor)(nil)
var _ CommandExecutor = (*MockExecutor)(nil)

// defaultExecutorMu protects defaultExecutor for concurrent access.
var defaultExecutorMu sync.RWMutex

// defaultExecutor is the global default executor (can be swapped for testing).
var defaultExecutor CommandExecutor = NewRealExecutor()

// GetDefaultExecutor returns the global default executor.
func GetDefaultExecutor() CommandExecutor {
	defaultExecutorMu.RLock()
	defer defaultExecutorMu.RUnlock()
	return defaultExecutor
}

// SetDefaultExecutor sets the global default executor.
func SetDefaultExecutor(e CommandExecutor) {
	defaultExecutorMu.Lock()
	defer defaultExecutorMu.Unlock()
	defaultExecutor = e
}
