package manager

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/zhubert/notebook-mcp/config"
	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/guard"
	"github.com/zhubert/notebook-mcp/kernel"
	"github.com/zhubert/notebook-mcp/logger"
	"github.com/zhubert/notebook-mcp/notebook"
)

// Kernel status values reported by Status.
const (
	StatusNotStarted         = "not_started"
	StatusIdle               = "idle"
	StatusBusyOrUnresponsive = "busy_or_unresponsive"
)

// Per-cell outcomes in batch results.
const (
	CellOK      = "ok"
	CellErrored = "error"
	CellSkipped = "skipped"
	CellFailed  = "failed"
)

// Options holds the kernel timeouts.
type Options struct {
	ExecutionTimeout   time.Duration
	StartupTimeout     time.Duration
	StatusProbeTimeout time.Duration
}

// OptionsFromConfig extracts the timeouts from the server config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ExecutionTimeout:   cfg.ExecutionTimeout,
		StartupTimeout:     cfg.StartupTimeout,
		StatusProbeTimeout: cfg.StatusProbeTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = config.DefaultExecutionTimeout
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = config.DefaultStartupTimeout
	}
	if o.StatusProbeTimeout <= 0 {
		o.StatusProbeTimeout = config.DefaultStatusProbeTimeout
	}
	return o
}

// SessionManager runs notebook code on per-notebook kernels. Kernels are
// started on first use and live until Restart or ShutdownAll.
type SessionManager struct {
	store    *notebook.Store
	engines  *kernel.Registry
	launcher kernel.Launcher
	registry *SessionRegistry
	opts     Options
	log      *slog.Logger
}

// NewSessionManager creates a session manager.
func NewSessionManager(store *notebook.Store, engines *kernel.Registry, launcher kernel.Launcher, registry *SessionRegistry, opts Options) *SessionManager {
	return &SessionManager{
		store:    store,
		engines:  engines,
		launcher: launcher,
		registry: registry,
		opts:     opts.withDefaults(),
		log:      logger.WithComponent("SessionManager"),
	}
}

// Registry returns the session registry.
func (m *SessionManager) Registry() *SessionRegistry {
	return m.registry
}

// Engines returns the engine registry.
func (m *SessionManager) Engines() *kernel.Registry {
	return m.engines
}

func (m *SessionManager) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return m.opts.ExecutionTimeout
	}
	return d
}

// ensureSession returns the identity's kernel, starting one if needed.
// Caller must hold st.mu.
func (m *SessionManager) ensureSession(st *SessionState, p guard.Path, doc *notebook.Document) (*kernel.Session, error) {
	if sess := st.Session(); sess != nil {
		return sess, nil
	}
	if m.registry.Closed() {
		return nil, errinfo.SessionStartFailure("server is shutting down", nil)
	}

	st.setState(StateStarting)
	log := logger.WithNotebook(p.String())

	res := m.engines.TryResolve(doc.KernelName())
	switch res.Resolution {
	case kernel.NotAvailable:
		st.setState(StateNoSession)
		return nil, errinfo.SessionStartFailure(fmt.Sprintf("no execution engine available for %q", res.Requested), fmt.Errorf("%s", res.Reason))
	case kernel.Fallback:
		log.Warn("requested engine unavailable, using default", "requested", res.Requested, "engine", res.Spec.Name, "reason", res.Reason)
	}

	sess, err := kernel.Start(m.launcher, res.Spec, kernel.StartOptions{
		Dir:            filepath.Dir(p.String()),
		StartupTimeout: m.opts.StartupTimeout,
	})
	if err != nil {
		st.setState(StateNoSession)
		log.Error("failed to start kernel", "engine", res.Spec.Name, "error", err)
		return nil, err
	}

	// ShutdownAll may have run while the kernel was starting.
	if !m.registry.attach(st, sess) {
		sess.Shutdown()
		st.setState(StateNoSession)
		log.Info("server shut down during kernel startup, kernel stopped", "sessionID", sess.ID())
		return nil, errinfo.SessionStartFailure("server is shutting down", nil)
	}
	st.setState(StateReady)
	log.Info("kernel started", "engine", res.Spec.Name, "sessionID", sess.ID())
	return sess, nil
}

// teardown stops the identity's kernel. Caller must hold st.mu.
func (m *SessionManager) teardown(st *SessionState) {
	sess := st.session.Swap(nil)
	if sess == nil {
		return
	}
	st.setState(StateShuttingDown)
	sess.Shutdown()
	st.setState(StateNoSession)
}

// execute runs code on the document's kernel inside the identity's
// critical section.
func (m *SessionManager) execute(p guard.Path, doc *notebook.Document, code string, timeout time.Duration) (*kernel.Execution, error) {
	st := m.registry.GetOrCreate(p.String())
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.ensureSession(st, p, doc)
	if err != nil {
		return nil, err
	}

	st.setState(StateBusy)
	exec, err := sess.Execute(code, m.timeout(timeout))
	if err != nil && errinfo.Is(err, errinfo.KindExecutionFailure) {
		// The kernel is gone; the next call starts a fresh one.
		if st.session.CompareAndSwap(sess, nil) {
			m.log.Warn("dropping failed kernel", "notebook", p.String(), "error", err)
			sess.Shutdown()
		}
		st.setState(StateNoSession)
		return nil, err
	}
	if st.Session() != nil {
		st.setState(StateReady)
	}
	return exec, err
}

// CellResult reports the execution of one cell.
type CellResult struct {
	CellIndex      int                   `json:"cell_index"`
	CellType       notebook.CellType     `json:"cell_type"`
	Status         string                `json:"status"`
	ExecutionCount *int                  `json:"execution_count"`
	ExecutionTime  float64               `json:"execution_time"`
	Outputs        []notebook.OutputView `json:"outputs"`
	Source         string                `json:"source"`
	Message        string                `json:"message,omitempty"`
}

// ExecuteCell runs the code cell at index and stores its outputs in the
// notebook. Markdown and raw cells succeed without starting a kernel.
func (m *SessionManager) ExecuteCell(path string, index int, timeout time.Duration) (*CellResult, error) {
	p, err := m.store.Resolve(path)
	if err != nil {
		return nil, err
	}
	doc, err := m.store.Load(path)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= doc.Len() {
		return nil, errinfo.OutOfRange("cell_index", index, doc.Len())
	}

	cell := doc.Cells[index]
	result := &CellResult{
		CellIndex: index,
		CellType:  cell.CellType,
		Outputs:   []notebook.OutputView{},
		Source:    string(cell.Source),
	}
	if !cell.IsCode() {
		result.Status = CellSkipped
		result.Message = fmt.Sprintf("Cell %d is a %s cell; nothing to execute", index, cell.CellType)
		return result, nil
	}

	exec, err := m.execute(p, doc, string(cell.Source), timeout)
	if err != nil {
		return nil, err
	}

	if err := m.storeOutputs(path, index, cell.Source, exec); err != nil {
		return nil, err
	}

	result.Status = CellOK
	if exec.HasError() {
		result.Status = CellErrored
	}
	result.ExecutionCount = exec.ExecutionCount
	result.ExecutionTime = seconds(exec.Duration)
	result.Outputs = notebook.Views(exec.Outputs)
	return result, nil
}

// storeOutputs merges an execution into the cell at index. The notebook is
// reloaded so edits made while the code ran are kept; if the cell itself
// changed, the outputs are dropped.
func (m *SessionManager) storeOutputs(path string, index int, source notebook.MultilineString, exec *kernel.Execution) error {
	return m.store.Update(path, func(doc *notebook.Document) error {
		if index >= doc.Len() || doc.Cells[index].Source != source || !doc.Cells[index].IsCode() {
			m.log.Warn("cell changed during execution, not storing outputs", "path", path, "index", index)
			return notebook.SkipSave
		}
		cell := &doc.Cells[index]
		cell.ExecutionCount = exec.ExecutionCount
		cell.Outputs = exec.Outputs
		return nil
	})
}

// CellError describes one failing cell in a batch.
type CellError struct {
	CellIndex int      `json:"cell_index"`
	ErrorType string   `json:"error_type"`
	Error     string   `json:"error"`
	Traceback []string `json:"traceback,omitempty"`
}

// BatchResult reports a run over several cells.
type BatchResult struct {
	TotalCells    int          `json:"total_cells"`
	ExecutedCells int          `json:"executed_cells"`
	TotalTime     float64      `json:"total_time"`
	ErrorsCount   int          `json:"errors_count"`
	StoppedEarly  bool         `json:"stopped_early"`
	Results       []CellResult `json:"results"`
	Errors        []CellError  `json:"errors"`

	StartIndex *int `json:"start_index,omitempty"`
	EndIndex   *int `json:"end_index,omitempty"`
	RangeSize  *int `json:"range_size,omitempty"`
}

// ExecuteAll runs every cell in order. Failures are recorded per cell; with
// stopOnError the run ends at the first failing cell.
func (m *SessionManager) ExecuteAll(path string, timeout time.Duration, stopOnError bool) (*BatchResult, error) {
	doc, err := m.store.Load(path)
	if err != nil {
		return nil, err
	}
	result := m.executeBatch(path, 0, doc.Len()-1, timeout, stopOnError)
	result.TotalCells = doc.Len()
	return result, nil
}

// ExecuteRange runs cells start through end inclusive.
func (m *SessionManager) ExecuteRange(path string, start, end int, timeout time.Duration, stopOnError bool) (*BatchResult, error) {
	doc, err := m.store.Load(path)
	if err != nil {
		return nil, err
	}
	n := doc.Len()
	if start < 0 || start >= n {
		return nil, errinfo.OutOfRange("start_index", start, n)
	}
	if end < 0 || end >= n {
		return nil, errinfo.OutOfRange("end_index", end, n)
	}
	if start > end {
		return nil, errinfo.New(errinfo.KindOutOfRange,
			fmt.Sprintf("start_index %d is after end_index %d", start, end)).WithIndex(start).WithField("start_index", fmt.Sprint(start))
	}

	result := m.executeBatch(path, start, end, timeout, stopOnError)
	size := end - start + 1
	result.TotalCells = n
	result.StartIndex = &start
	result.EndIndex = &end
	result.RangeSize = &size
	return result, nil
}

func (m *SessionManager) executeBatch(path string, start, end int, timeout time.Duration, stopOnError bool) *BatchResult {
	began := time.Now()
	result := &BatchResult{
		Results: []CellResult{},
		Errors:  []CellError{},
	}

	for i := start; i <= end; i++ {
		cr, err := m.ExecuteCell(path, i, timeout)
		if err != nil {
			result.Results = append(result.Results, CellResult{
				CellIndex: i,
				Status:    CellFailed,
				Outputs:   []notebook.OutputView{},
				Message:   err.Error(),
			})
			result.Errors = append(result.Errors, CellError{
				CellIndex: i,
				ErrorType: string(errinfo.KindOf(err)),
				Error:     err.Error(),
			})
			if stopOnError {
				result.StoppedEarly = i < end
				break
			}
			continue
		}

		result.Results = append(result.Results, *cr)
		if cr.Status == CellSkipped {
			continue
		}
		result.ExecutedCells++

		if cr.Status == CellErrored {
			for _, o := range cr.Outputs {
				if o.OutputType == notebook.OutputError {
					result.Errors = append(result.Errors, CellError{
						CellIndex: i,
						ErrorType: o.EName,
						Error:     o.EValue,
						Traceback: o.Traceback,
					})
				}
			}
			if stopOnError {
				result.StoppedEarly = i < end
				break
			}
		}
	}

	result.ErrorsCount = len(result.Errors)
	result.TotalTime = seconds(time.Since(began))
	return result
}

// SnippetResult reports a snippet execution.
type SnippetResult struct {
	Code           string                `json:"code"`
	ExecutionCount *int                  `json:"execution_count"`
	ExecutionTime  float64               `json:"execution_time"`
	Outputs        []notebook.OutputView `json:"outputs"`
}

// ExecuteSnippet runs code on the notebook's kernel without changing the
// notebook.
func (m *SessionManager) ExecuteSnippet(path, code string, timeout time.Duration) (*SnippetResult, error) {
	p, err := m.store.Resolve(path)
	if err != nil {
		return nil, err
	}
	doc, err := m.store.Load(path)
	if err != nil {
		return nil, err
	}

	exec, err := m.execute(p, doc, code, timeout)
	if err != nil {
		return nil, err
	}
	return &SnippetResult{
		Code:           code,
		ExecutionCount: exec.ExecutionCount,
		ExecutionTime:  seconds(exec.Duration),
		Outputs:        notebook.Views(exec.Outputs),
	}, nil
}

// RestartResult reports a restarted kernel.
type RestartResult struct {
	SessionID string `json:"session_id"`
	Engine    string `json:"engine"`
	Replaced  bool   `json:"replaced"`
	Message   string `json:"message"`
}

// Restart replaces the notebook's kernel with a fresh one, starting one even
// if none was running.
func (m *SessionManager) Restart(path string) (*RestartResult, error) {
	p, err := m.store.Resolve(path)
	if err != nil {
		return nil, err
	}
	doc, err := m.store.Load(path)
	if err != nil {
		return nil, err
	}

	st := m.registry.GetOrCreate(p.String())
	st.mu.Lock()
	defer st.mu.Unlock()

	replaced := st.Session() != nil
	m.teardown(st)

	sess, err := m.ensureSession(st, p, doc)
	if err != nil {
		return nil, err
	}
	return &RestartResult{
		SessionID: sess.ID(),
		Engine:    sess.Spec().Name,
		Replaced:  replaced,
		Message:   "Kernel restarted successfully",
	}, nil
}

// StatusResult reports a kernel's liveness.
type StatusResult struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Engine    string `json:"engine,omitempty"`
}

// Status reports not_started when the notebook has no kernel, idle when the
// kernel answers a trivial execution within the probe timeout, and
// busy_or_unresponsive otherwise. Concurrent calls for one notebook share a
// single probe.
func (m *SessionManager) Status(path string) (*StatusResult, error) {
	p, err := m.store.Resolve(path)
	if err != nil {
		return nil, err
	}
	id := p.String()

	st := m.registry.GetIfExists(id)
	if st == nil || st.Session() == nil {
		return &StatusResult{Status: StatusNotStarted}, nil
	}

	v, _, _ := m.registry.probes.Do(id, func() (any, error) {
		// An execution in flight holds the critical section.
		if !st.mu.TryLock() {
			return m.statusOf(st.Session(), StatusBusyOrUnresponsive), nil
		}
		defer st.mu.Unlock()

		sess := st.Session()
		if sess == nil {
			return &StatusResult{Status: StatusNotStarted}, nil
		}
		if sess.Probe(m.opts.StatusProbeTimeout) {
			return m.statusOf(sess, StatusIdle), nil
		}
		return m.statusOf(sess, StatusBusyOrUnresponsive), nil
	})
	return v.(*StatusResult), nil
}

func (m *SessionManager) statusOf(sess *kernel.Session, status string) *StatusResult {
	r := &StatusResult{Status: status}
	if sess != nil {
		r.SessionID = sess.ID()
		r.Engine = sess.Spec().Name
	}
	return r
}

// Interrupt signals the notebook's kernel. It does not wait for the
// running execution, which may be holding the critical section.
func (m *SessionManager) Interrupt(path string) error {
	p, err := m.store.Resolve(path)
	if err != nil {
		return err
	}

	st := m.registry.GetIfExists(p.String())
	if st == nil || st.Session() == nil {
		return errinfo.ExecutionFailure("no kernel is running for this notebook", nil).WithPath(p.String())
	}
	return st.Session().Interrupt()
}

// ShutdownAll stops every kernel. Executions in flight see their kernel
// exit and return. Safe to call more than once.
func (m *SessionManager) ShutdownAll() {
	sessions := m.registry.Close()
	if len(sessions) == 0 {
		return
	}

	m.log.Info("shutting down all kernels", "count", len(sessions))
	for _, sess := range sessions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("kernel shutdown failed", "sessionID", sess.ID(), "panic", r)
				}
			}()
			sess.Shutdown()
		}()
	}
	m.log.Info("shutdown complete")
}

// seconds converts d to seconds rounded to the millisecond.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
