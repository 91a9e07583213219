package kernel

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/logger"
	"github.com/zhubert/notebook-mcp/notebook"
)

// probeCode is the trivial execution used to check that a kernel responds.
const probeCode = "1+1"

// readOutcome distinguishes the results of a deadline-bounded read.
type readOutcome int

const (
	readMessage readOutcome = iota
	readTimeout
	readClosed
)

// StartOptions configures a new session.
type StartOptions struct {
	Dir            string
	StartupTimeout time.Duration
}

// Session is one live engine bound to a notebook. A Session is not safe for
// concurrent Execute calls; callers serialize them.
type Session struct {
	id        string
	spec      EngineSpec
	conn      Conn
	log       *slog.Logger
	startedAt time.Time
	info      KernelInfo
	live      bool

	stopOnce sync.Once
}

// Execution is the outcome of one successful execute request.
type Execution struct {
	ExecutionCount *int
	Outputs        []notebook.Output
	Duration       time.Duration
}

// HasError reports whether the execution produced an error output.
func (e *Execution) HasError() bool {
	return notebook.HasError(e.Outputs)
}

// Start launches an engine and waits until it answers a kernel_info request
// or the startup timeout elapses.
func Start(launcher Launcher, spec EngineSpec, opts StartOptions) (*Session, error) {
	id := uuid.New().String()
	log := logger.WithSession(id)

	conn, err := launcher.Launch(spec, LaunchOptions{
		SessionID: id,
		Dir:       opts.Dir,
		ServerPID: os.Getpid(),
	})
	if err != nil {
		return nil, errinfo.SessionStartFailure(fmt.Sprintf("failed to launch %s kernel", spec.Name), err)
	}

	s := &Session{
		id:        id,
		spec:      spec,
		conn:      conn,
		log:       log,
		startedAt: time.Now(),
	}

	if err := s.handshake(opts.StartupTimeout); err != nil {
		s.Shutdown()
		return nil, err
	}

	sessionsStarted.WithLabelValues(spec.Name).Inc()
	liveSessions.Inc()
	s.live = true
	log.Info("kernel ready", "engine", spec.Name, "implementation", s.info.Implementation, "elapsed", time.Since(s.startedAt))
	return s, nil
}

func (s *Session) handshake(timeout time.Duration) error {
	req, err := newRequest(MsgKernelInfoRequest, nil)
	if err != nil {
		return errinfo.SessionStartFailure("failed to build kernel_info request", err)
	}
	if err := s.conn.Send(req); err != nil {
		return errinfo.SessionStartFailure("failed to contact kernel", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		msg, outcome := s.next(deadline)
		switch outcome {
		case readTimeout:
			return errinfo.SessionStartFailure(fmt.Sprintf("kernel did not become ready within %s", timeout), nil)
		case readClosed:
			return errinfo.SessionStartFailure("kernel exited during startup", s.exitCause())
		}
		if msg.ParentID != req.MsgID || msg.MsgType != MsgKernelInfoReply {
			continue
		}
		if err := msg.Decode(&s.info); err != nil {
			s.log.Warn("malformed kernel_info_reply", "error", err)
		}
		return nil
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Spec returns the engine the session runs.
func (s *Session) Spec() EngineSpec { return s.spec }

// StartedAt returns when the engine was launched.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Info returns the engine's kernel_info reply.
func (s *Session) Info() KernelInfo { return s.info }

// next returns the next message, or readTimeout once deadline passes, or
// readClosed once the engine has exited and its output is drained.
func (s *Session) next(deadline time.Time) (Message, readOutcome) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		select {
		case msg, ok := <-s.conn.Messages():
			if !ok {
				return Message{}, readClosed
			}
			return msg, readMessage
		default:
			return Message{}, readTimeout
		}
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case msg, ok := <-s.conn.Messages():
		if !ok {
			return Message{}, readClosed
		}
		return msg, readMessage
	case <-timer.C:
		return Message{}, readTimeout
	}
}

// Execute runs code and collects its outputs until the kernel reports idle.
// On timeout the partial outputs are discarded; the engine may still be
// running the code.
func (s *Session) Execute(code string, timeout time.Duration) (*Execution, error) {
	start := time.Now()
	exec, err := s.run(code, false, timeout)
	if err != nil {
		observeExecution(s.spec.Name, outcomeOf(err), time.Since(start))
		return nil, err
	}
	exec.Duration = time.Since(start)

	outcome := "ok"
	if exec.HasError() {
		outcome = "error"
	}
	observeExecution(s.spec.Name, outcome, exec.Duration)
	return exec, nil
}

// Probe runs a silent trivial execution and reports whether the kernel went
// idle within timeout.
func (s *Session) Probe(timeout time.Duration) bool {
	_, err := s.run(probeCode, true, timeout)
	if err != nil {
		s.log.Debug("kernel probe failed", "error", err)
		return false
	}
	return true
}

func (s *Session) run(code string, silent bool, timeout time.Duration) (*Execution, error) {
	req, err := newRequest(MsgExecuteRequest, ExecuteRequest{Code: code, Silent: silent})
	if err != nil {
		return nil, errinfo.ExecutionFailure("failed to build execute request", err)
	}
	if err := s.conn.Send(req); err != nil {
		return nil, errinfo.ExecutionFailure("failed to send code to kernel", err)
	}

	deadline := time.Now().Add(timeout)
	exec := &Execution{Outputs: []notebook.Output{}}
	for {
		msg, outcome := s.next(deadline)
		switch outcome {
		case readTimeout:
			return nil, errinfo.ExecutionTimeout(fmt.Sprintf("execution timed out after %s", timeout))
		case readClosed:
			return nil, errinfo.ExecutionFailure("kernel died during execution", s.exitCause())
		}

		// Late replies to abandoned requests.
		if msg.ParentID != req.MsgID {
			continue
		}

		done, err := exec.apply(msg)
		if err != nil {
			s.log.Warn("ignoring malformed kernel message", "type", msg.MsgType, "error", err)
			continue
		}
		if done {
			return exec, nil
		}
	}
}

// apply folds one message into the execution and reports whether the
// kernel has gone idle.
func (e *Execution) apply(msg Message) (bool, error) {
	switch msg.MsgType {
	case MsgStatus:
		var c StatusContent
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		return c.ExecutionState == StateIdle, nil

	case MsgExecuteInput:
		var c ExecuteInputContent
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		n := c.ExecutionCount
		e.ExecutionCount = &n

	case MsgStream:
		var c StreamContent
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		// Consecutive writes to one stream become a single output.
		if last := len(e.Outputs) - 1; last >= 0 && e.Outputs[last].OutputType == notebook.OutputStream && e.Outputs[last].Name == c.Name {
			e.Outputs[last].Text += notebook.MultilineString(c.Text)
			return false, nil
		}
		e.Outputs = append(e.Outputs, notebook.Output{
			OutputType: notebook.OutputStream,
			Name:       c.Name,
			Text:       notebook.MultilineString(c.Text),
		})

	case MsgDisplayData, MsgExecuteResult:
		var c DataContent
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		out := notebook.Output{
			OutputType: notebook.OutputDisplayData,
			Data:       nonNil(c.Data),
			Metadata:   nonNil(c.Metadata),
		}
		if msg.MsgType == MsgExecuteResult {
			out.OutputType = notebook.OutputExecuteResult
			out.ExecutionCount = c.ExecutionCount
			if c.ExecutionCount != nil && e.ExecutionCount == nil {
				n := *c.ExecutionCount
				e.ExecutionCount = &n
			}
		}
		e.Outputs = append(e.Outputs, out)

	case MsgError:
		var c ErrorContent
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		if c.Traceback == nil {
			c.Traceback = []string{}
		}
		e.Outputs = append(e.Outputs, notebook.Output{
			OutputType: notebook.OutputError,
			EName:      c.EName,
			EValue:     c.EValue,
			Traceback:  c.Traceback,
		})
	}
	return false, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Interrupt signals the engine to abandon the running execution.
func (s *Session) Interrupt() error {
	if err := s.conn.Interrupt(); err != nil {
		return errinfo.ExecutionFailure("failed to interrupt kernel", err)
	}
	return nil
}

// Shutdown stops the engine. It is idempotent.
func (s *Session) Shutdown() {
	s.stopOnce.Do(func() {
		s.log.Debug("shutting down kernel", "engine", s.spec.Name)
		s.conn.Stop()
		if s.live {
			liveSessions.Dec()
		}
	})
}

func (s *Session) exitCause() error {
	if stderr := s.conn.Stderr(); stderr != "" {
		return fmt.Errorf("%s", stderr)
	}
	return nil
}

func outcomeOf(err error) string {
	if errinfo.Is(err, errinfo.KindExecutionTimeout) {
		return "timeout"
	}
	return "failed"
}
