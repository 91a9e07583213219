package kernel

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zhubert/notebook-mcp/logger"
)

//go:embed bridge.py
var bridgeSource string

// Command line markers carried by every engine process. Orphan cleanup
// matches on them.
const (
	SessionFlag   = "--kernel-session"
	ServerPIDFlag = "--server-pid"
)

// stopGracePeriod is how long Stop waits for the engine to exit after
// closing its stdin before killing it.
const stopGracePeriod = 2 * time.Second

// maxStderrBytes bounds the captured stderr tail.
const maxStderrBytes = 8 * 1024

// LaunchOptions identifies the engine process being started.
type LaunchOptions struct {
	SessionID string
	// Dir is the working directory, normally the notebook's directory.
	Dir       string
	ServerPID int
}

// Conn is a running engine speaking the line protocol.
type Conn interface {
	// Send writes one request line.
	Send(msg Message) error
	// Messages yields every message the engine emits. It is closed when
	// the engine exits.
	Messages() <-chan Message
	// Interrupt asks the engine to abandon the running execution.
	Interrupt() error
	// Stop shuts the engine down. Safe to call more than once.
	Stop()
	// Stderr returns the tail of what the engine wrote to stderr.
	Stderr() string
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(spec EngineSpec, opts LaunchOptions) (Conn, error)
}

// ProcessLauncher launches engines as local subprocesses.
type ProcessLauncher struct {
	Log *slog.Logger
}

// Launch implements Launcher.
func (l ProcessLauncher) Launch(spec EngineSpec, opts LaunchOptions) (Conn, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	p := NewProcess(spec, opts, log)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildCommandArgs builds the arguments that follow the interpreter for an
// engine process.
func BuildCommandArgs(spec EngineSpec, opts LaunchOptions) []string {
	args := append([]string{}, spec.Argv[1:]...)
	if !spec.Native {
		args = append(args, "-u", "-c", bridgeSource)
	}
	return append(args,
		SessionFlag, opts.SessionID,
		ServerPIDFlag, strconv.Itoa(opts.ServerPID),
	)
}

// Process manages the lifecycle of one engine subprocess.
type Process struct {
	spec EngineSpec
	opts LaunchOptions
	log  *slog.Logger

	// Process state (protected by mu)
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	stderr   io.ReadCloser
	stderrT  tail
	running  bool
	waitDone chan struct{}

	messages chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcess creates a Process; call Start to launch it.
func NewProcess(spec EngineSpec, opts LaunchOptions, log *slog.Logger) *Process {
	return &Process{
		spec:     spec,
		opts:     opts,
		log:      log,
		messages: make(chan Message, 256),
	}
}

// Start launches the engine process and its reader goroutines.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.cmd != nil {
		return fmt.Errorf("engine process already used")
	}
	if len(p.spec.Argv) == 0 {
		return fmt.Errorf("engine %s has no command", p.spec.Name)
	}

	args := BuildCommandArgs(p.spec, p.opts)
	startTime := time.Now()
	p.log.Debug("starting engine process", "engine", p.spec.Name, "command", p.spec.Argv[0])

	cmd := exec.Command(p.spec.Argv[0], args...)
	cmd.Dir = p.opts.Dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		p.log.Error("failed to start engine process", "engine", p.spec.Name, "error", err)
		return fmt.Errorf("failed to start %s: %v", p.spec.Argv[0], err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.stderr = stderr
	p.waitDone = make(chan struct{})
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.log.Info("engine process started", "engine", p.spec.Name, "pid", cmd.Process.Pid, "elapsed", time.Since(startTime))

	// The reader goroutines finish before monitorExit calls cmd.Wait, which
	// closes the pipes.
	var readers sync.WaitGroup
	readers.Add(2)
	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		defer readers.Done()
		p.readOutput()
	}()
	go func() {
		defer p.wg.Done()
		defer readers.Done()
		p.drainStderr()
	}()
	go func() {
		defer p.wg.Done()
		p.monitorExit(&readers)
	}()

	return nil
}

// Pid returns the engine's process id, or 0 when not running.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// IsRunning reports whether the engine process is alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Messages implements Conn.
func (p *Process) Messages() <-chan Message {
	return p.messages
}

// Send implements Conn.
func (p *Process) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	p.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %v", err)
	}
	return nil
}

// Interrupt sends SIGINT to the engine process.
func (p *Process) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}

	p.log.Info("sending SIGINT", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// Stderr implements Conn.
func (p *Process) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.stderrT.String())
}

// Stop asks the engine to shut down, closes its stdin, and kills it if it
// has not exited within the grace period. It waits for every goroutine.
func (p *Process) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	if !p.running {
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		return
	}
	p.running = false

	if p.stdin != nil {
		if req, err := newRequest(MsgShutdownRequest, nil); err == nil {
			if data, err := json.Marshal(req); err == nil {
				p.stdin.Write(append(data, '\n'))
			}
		}
		p.stdin.Close()
		p.stdin = nil
	}
	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	// Unblocks readOutput if nobody is consuming messages.
	cancel()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			p.log.Debug("engine exited gracefully")
		case <-time.After(stopGracePeriod):
			p.log.Debug("force killing engine", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
			<-waitDone
		}
	}
	p.wg.Wait()
}

// readOutput decodes stdout lines into messages until EOF or Stop.
func (p *Process) readOutput() {
	defer close(p.messages)

	p.mu.Lock()
	reader := p.stdout
	p.mu.Unlock()

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var msg Message
			if jerr := json.Unmarshal(line, &msg); jerr != nil {
				p.log.Debug("ignoring non-protocol output", "line", strings.TrimSpace(string(line)))
			} else {
				select {
				case p.messages <- msg:
				case <-p.ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug("error reading stdout", "error", err)
			}
			return
		}
	}
}

// drainStderr keeps the tail of stderr, logs each line at debug level and
// appends it to the kernel's own log file.
func (p *Process) drainStderr() {
	p.mu.Lock()
	stderr := p.stderr
	p.mu.Unlock()

	var capture *os.File
	opened := false
	defer func() {
		if capture != nil {
			capture.Close()
		}
	}()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.log.Debug("engine stderr", "line", line)
		if !opened {
			capture, opened = p.openStderrLog(), true
		}
		if capture != nil {
			fmt.Fprintln(capture, line)
		}
		p.mu.Lock()
		p.stderrT.WriteLine(line)
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("error reading stderr", "error", err)
		io.Copy(io.Discard, stderr)
	}
}

// openStderrLog opens the per-kernel stderr file, or returns nil.
func (p *Process) openStderrLog() *os.File {
	if p.opts.SessionID == "" {
		return nil
	}
	path, err := logger.KernelLogPath(p.opts.SessionID)
	if err != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		p.log.Debug("failed to create kernel log dir", "error", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		p.log.Debug("failed to open kernel log", "path", path, "error", err)
		return nil
	}
	return f
}

// monitorExit is the sole caller of cmd.Wait.
func (p *Process) monitorExit(readers *sync.WaitGroup) {
	p.mu.Lock()
	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	readers.Wait()
	err := cmd.Wait()

	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	p.mu.Unlock()
	close(waitDone)

	if wasRunning {
		p.log.Warn("engine process exited unexpectedly", "engine", p.spec.Name, "error", err)
	} else {
		p.log.Debug("engine process exited", "error", err)
	}
}

// tail keeps the last maxStderrBytes of written lines.
type tail struct {
	buf []byte
}

func (t *tail) WriteLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - maxStderrBytes; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tail) String() string {
	return string(t.buf)
}

var _ Conn = (*Process)(nil)
