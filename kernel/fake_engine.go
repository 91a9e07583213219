package kernel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// FakeLauncher is a test double for Launcher that runs a scripted engine in
// process instead of spawning an interpreter.
//
// The script language understands one statement per line:
//
//	name = <expr>      assignment
//	print('text')      writes text and a newline to stdout
//	display(<expr>)    publishes display data
//	raise Name         fails with an error output named Name
//	sleep              blocks until interrupted or stopped
//	<expr>             an expression; on the last line it becomes the result
//
// where <expr> is an integer, a variable, or a sum of those.
//
// NOTE: This file is used by tests in other packages.
type FakeLauncher struct {
	mu sync.Mutex

	// FailLaunch makes Launch return this error.
	FailLaunch error
	// SkipHandshake makes engines ignore kernel_info requests.
	SkipHandshake bool

	conns []*FakeConn
}

// NewFakeLauncher creates a fake launcher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{}
}

// Launch implements Launcher.
func (l *FakeLauncher) Launch(spec EngineSpec, opts LaunchOptions) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailLaunch != nil {
		return nil, l.FailLaunch
	}
	c := newFakeConn(spec, opts, l.SkipHandshake)
	l.conns = append(l.conns, c)
	return c, nil
}

// Launched returns every engine started so far.
func (l *FakeLauncher) Launched() []*FakeConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeConn{}, l.conns...)
}

// FakeConn is one scripted engine.
type FakeConn struct {
	Spec    EngineSpec
	Options LaunchOptions

	skipHandshake bool
	requests      chan Message
	messages      chan Message
	interrupt     chan struct{}
	stop          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once

	mu         sync.Mutex
	vars       map[string]int
	count      int
	interrupts int
	executed   []string
	stopped    bool
}

func newFakeConn(spec EngineSpec, opts LaunchOptions, skipHandshake bool) *FakeConn {
	c := &FakeConn{
		Spec:          spec,
		Options:       opts,
		skipHandshake: skipHandshake,
		requests:      make(chan Message, 16),
		messages:      make(chan Message, 256),
		interrupt:     make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		vars:          make(map[string]int),
	}
	go c.loop()
	return c
}

// Send implements Conn.
func (c *FakeConn) Send(msg Message) error {
	select {
	case c.requests <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("process not running")
	}
}

// Messages implements Conn.
func (c *FakeConn) Messages() <-chan Message { return c.messages }

// Interrupt implements Conn.
func (c *FakeConn) Interrupt() error {
	select {
	case <-c.done:
		return fmt.Errorf("process not running")
	default:
	}
	c.mu.Lock()
	c.interrupts++
	c.mu.Unlock()
	select {
	case c.interrupt <- struct{}{}:
	default:
	}
	return nil
}

// Stop implements Conn.
func (c *FakeConn) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.stop)
	})
	<-c.done
}

// Crash makes the engine exit as if the process died.
func (c *FakeConn) Crash() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Stderr implements Conn.
func (c *FakeConn) Stderr() string { return "" }

// Stopped reports whether Stop was called.
func (c *FakeConn) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Interrupts returns how many interrupts were delivered.
func (c *FakeConn) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Executed returns the code of every non-silent execute request.
func (c *FakeConn) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.executed...)
}

func (c *FakeConn) loop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		select {
		case <-c.stop:
			return
		case req := <-c.requests:
			if !c.handle(req) {
				return
			}
		}
	}
}

// handle processes one request and reports whether the engine keeps running.
func (c *FakeConn) handle(req Message) bool {
	switch req.MsgType {
	case MsgKernelInfoRequest:
		if c.skipHandshake {
			return true
		}
		info := KernelInfo{Implementation: "fake"}
		info.LanguageInfo.Name = c.Spec.Language
		return c.emit(req.MsgID, MsgKernelInfoReply, info)
	case MsgShutdownRequest:
		c.emit(req.MsgID, MsgShutdownReply, map[string]bool{"restart": false})
		return false
	case MsgExecuteRequest:
		var er ExecuteRequest
		if err := req.Decode(&er); err != nil {
			return true
		}
		return c.execute(req.MsgID, er)
	}
	return true
}

func (c *FakeConn) emit(parent, msgType string, content any) bool {
	data, _ := json.Marshal(content)
	msg := Message{MsgID: fmt.Sprintf("fake-%s-%s", msgType, parent), ParentID: parent, MsgType: msgType, Content: data}
	select {
	case c.messages <- msg:
		return true
	case <-c.stop:
		return false
	}
}

var (
	assignRe  = regexp.MustCompile(`^([A-Za-z_]\w*)\s*=\s*(.+)$`)
	printRe   = regexp.MustCompile(`^print\((?:'([^']*)'|"([^"]*)")\)$`)
	displayRe = regexp.MustCompile(`^display\((.+)\)$`)
	raiseRe   = regexp.MustCompile(`^raise\s+(\w+)`)
)

func (c *FakeConn) execute(parent string, er ExecuteRequest) bool {
	// An interrupt that arrived while idle does not carry over.
	select {
	case <-c.interrupt:
	default:
	}

	if !c.emit(parent, MsgStatus, StatusContent{ExecutionState: StateBusy}) {
		return false
	}
	c.mu.Lock()
	if !er.Silent {
		c.count++
		c.executed = append(c.executed, er.Code)
	}
	count := c.count
	c.mu.Unlock()

	if !er.Silent {
		if !c.emit(parent, MsgExecuteInput, ExecuteInputContent{Code: er.Code, ExecutionCount: count}) {
			return false
		}
	}

	var lines []string
	for _, l := range strings.Split(er.Code, "\n") {
		if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "#") {
			lines = append(lines, l)
		}
	}

	for i, line := range lines {
		last := i == len(lines)-1
		ok, alive := c.statement(parent, line, last, er.Silent, count)
		if !alive {
			return false
		}
		if !ok {
			break
		}
	}

	return c.emit(parent, MsgStatus, StatusContent{ExecutionState: StateIdle})
}

// statement runs one line. ok is false when the line raised.
func (c *FakeConn) statement(parent, line string, last, silent bool, count int) (ok, alive bool) {
	fail := func(ename, evalue string) (bool, bool) {
		return false, c.emit(parent, MsgError, ErrorContent{
			EName:     ename,
			EValue:    evalue,
			Traceback: []string{"Traceback (most recent call last):", ename + ": " + evalue},
		})
	}

	switch {
	case line == "sleep":
		select {
		case <-c.interrupt:
			return fail("KeyboardInterrupt", "")
		case <-c.stop:
			return false, false
		}

	case raiseRe.MatchString(line):
		return fail(raiseRe.FindStringSubmatch(line)[1], "raised by script")

	case printRe.MatchString(line):
		m := printRe.FindStringSubmatch(line)
		return true, c.emit(parent, MsgStream, StreamContent{Name: "stdout", Text: m[1] + m[2] + "\n"})

	case displayRe.MatchString(line):
		v, err := c.eval(displayRe.FindStringSubmatch(line)[1])
		if err != nil {
			return fail("NameError", err.Error())
		}
		return true, c.emit(parent, MsgDisplayData, DataContent{
			Data:     map[string]any{"text/plain": strconv.Itoa(v)},
			Metadata: map[string]any{},
		})

	case assignRe.MatchString(line) && !strings.Contains(line, "=="):
		m := assignRe.FindStringSubmatch(line)
		v, err := c.eval(m[2])
		if err != nil {
			return fail("NameError", err.Error())
		}
		c.mu.Lock()
		c.vars[m[1]] = v
		c.mu.Unlock()
		return true, true
	}

	v, err := c.eval(line)
	if err != nil {
		return fail("NameError", err.Error())
	}
	if last && !silent {
		n := count
		return true, c.emit(parent, MsgExecuteResult, DataContent{
			ExecutionCount: &n,
			Data:           map[string]any{"text/plain": strconv.Itoa(v)},
			Metadata:       map[string]any{},
		})
	}
	return true, true
}

func (c *FakeConn) eval(expr string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sum := 0
	for _, term := range strings.Split(expr, "+") {
		term = strings.TrimSpace(term)
		if n, err := strconv.Atoi(term); err == nil {
			sum += n
			continue
		}
		v, ok := c.vars[term]
		if !ok {
			return 0, fmt.Errorf("name '%s' is not defined", term)
		}
		sum += v
	}
	return sum, nil
}

var _ Conn = (*FakeConn)(nil)
