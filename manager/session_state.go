package manager

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhubert/notebook-mcp/kernel"
)

// State is the lifecycle state of one notebook's kernel.
type State int32

const (
	StateNoSession State = iota
	StateStarting
	StateReady
	StateBusy
	StateShuttingDown
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// SessionState holds the kernel bound to one notebook identity.
//
// Thread Safety:
// mu is the identity's critical section. Starting, executing and tearing
// down the kernel all hold it, so one caller drains the event stream at a
// time. The session pointer and state are also readable without mu so that
// interrupt and status can run while an execution is in flight.
type SessionState struct {
	mu sync.Mutex

	notebook string
	session  atomic.Pointer[kernel.Session]
	state    atomic.Int32
}

// Session returns the live kernel, or nil.
func (s *SessionState) Session() *kernel.Session {
	return s.session.Load()
}

// State returns the current lifecycle state.
func (s *SessionState) State() State {
	return State(s.state.Load())
}

func (s *SessionState) setState(st State) {
	s.state.Store(int32(st))
}

// SessionInfo describes one live kernel.
type SessionInfo struct {
	Notebook  string    `json:"notebook"`
	SessionID string    `json:"session_id"`
	Engine    string    `json:"engine"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// SessionRegistry maps notebook identities to their kernel state. It is
// created at server start and drained with Close at server stop.
type SessionRegistry struct {
	mu     sync.Mutex
	states map[string]*SessionState
	closed bool

	probes singleflight.Group
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		states: make(map[string]*SessionState),
	}
}

// GetOrCreate returns the state for an identity, creating it if needed.
func (r *SessionRegistry) GetOrCreate(id string) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[id]; ok {
		return st
	}
	st := &SessionState{notebook: id}
	r.states[id] = st
	return st
}

// GetIfExists returns the state for an identity, or nil.
func (r *SessionRegistry) GetIfExists(id string) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

// Closed reports whether Close has been called.
func (r *SessionRegistry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// attach binds sess to st unless the registry is closed. Close takes the
// same lock, so a kernel attached here is always seen by Close.
func (r *SessionRegistry) attach(st *SessionState, sess *kernel.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	st.session.Store(sess)
	return true
}

// Live returns every identity with a running kernel, sorted by notebook.
func (r *SessionRegistry) Live() []SessionInfo {
	r.mu.Lock()
	states := make([]*SessionState, 0, len(r.states))
	for _, st := range r.states {
		states = append(states, st)
	}
	r.mu.Unlock()

	var out []SessionInfo
	for _, st := range states {
		sess := st.Session()
		if sess == nil {
			continue
		}
		out = append(out, SessionInfo{
			Notebook:  st.notebook,
			SessionID: sess.ID(),
			Engine:    sess.Spec().Name,
			State:     st.State().String(),
			StartedAt: sess.StartedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Notebook < out[j].Notebook })
	return out
}

// Close marks the registry closed and detaches every kernel. It returns
// the detached sessions for the caller to shut down. Further calls return
// nothing.
func (r *SessionRegistry) Close() []*kernel.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var sessions []*kernel.Session
	for _, st := range r.states {
		if sess := st.session.Swap(nil); sess != nil {
			st.setState(StateShuttingDown)
			sessions = append(sessions, sess)
		}
	}
	return sessions
}
