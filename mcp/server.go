package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/notebook-mcp/cells"
	"github.com/zhubert/notebook-mcp/errinfo"
	"github.com/zhubert/notebook-mcp/logger"
	"github.com/zhubert/notebook-mcp/manager"
	"github.com/zhubert/notebook-mcp/notebook"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "notebook-mcp"
	ServerVersion   = notebook.CreatorVersion
)

// Server implements an MCP server for the notebook tools.
type Server struct {
	reader   *bufio.Reader
	writer   io.Writer
	store    *notebook.Store
	editor   *cells.Editor
	sessions *manager.SessionManager
	version  string
	tools    map[string]tool
	mu       sync.Mutex // serializes writes
	wg       sync.WaitGroup
	log      *slog.Logger
}

// ServerOption is a functional option for configuring Server
type ServerOption func(*Server)

// WithVersion overrides the version reported to clients.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		if version != "" {
			s.version = version
		}
	}
}

// NewServer creates a new MCP server reading requests from r and writing
// responses to w.
func NewServer(r io.Reader, w io.Writer, store *notebook.Store, editor *cells.Editor, sessions *manager.SessionManager, opts ...ServerOption) *Server {
	s := &Server{
		reader:   bufio.NewReader(r),
		writer:   w,
		store:    store,
		editor:   editor,
		sessions: sessions,
		version:  ServerVersion,
		log:      logger.WithComponent("mcp"),
	}
	s.tools = make(map[string]tool, len(toolTable))
	for _, t := range toolTable {
		s.tools[t.def.Name] = t
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the MCP server loop. It returns at EOF after every tool call
// in flight has answered.
func (s *Server) Run() error {
	s.log.Info("server starting", "allowedDirs", s.store.Guard().AllowedRoots())
	defer s.wg.Wait()

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			s.log.Error("read error", "error", err)
			return err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			s.handleLine(trimmed)
		}
		if err == io.EOF {
			s.log.Info("EOF received, shutting down")
			return nil
		}
	}
}

func (s *Server) handleLine(line string) {
	s.log.Debug("received message", "line", line)

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.Error("JSON parse error", "error", err)
		s.sendError(nil, CodeParseError, "Parse error", nil)
		return
	}

	if req.Method == "tools/call" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleToolsCall(&req)
		}()
		return
	}
	s.handleRequest(&req)
}

func (s *Server) handleRequest(req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized", "notifications/initialized":
		// Notification, no response needed
		s.log.Debug("initialized notification received")
	case "ping":
		s.sendResult(req.ID, struct{}{})
	case "tools/list":
		s.handleToolsList(req)
	default:
		if req.ID == nil {
			s.log.Debug("ignoring notification", "method", req.Method)
			return
		}
		s.log.Warn("unknown method", "method", req.Method)
		s.sendError(req.ID, CodeMethodNotFound, "Method not found", nil)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(req.ID, CodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	s.log.Info("client connected", "client", params.ClientInfo.Name, "clientVersion", params.ClientInfo.Version, "protocol", params.ProtocolVersion)

	s.sendResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capability{
			Tools: &ToolCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: s.version,
		},
		Instructions: "Create, edit, search and execute Jupyter notebooks inside the allowed directories. Paths may be absolute or relative to an allowed directory.",
	})
}

func (s *Server) handleToolsList(req *JSONRPCRequest) {
	tools := make([]ToolDefinition, 0, len(toolTable))
	for _, t := range toolTable {
		tools = append(tools, t.def)
	}
	s.sendResult(req.ID, ToolsListResult{Tools: tools})
}

func (s *Server) handleToolsCall(req *JSONRPCRequest) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.Error("failed to parse tool call params", "error", err)
		s.sendError(req.ID, CodeInvalidParams, "Invalid params", nil)
		return
	}

	t, ok := s.tools[params.Name]
	if !ok {
		s.log.Warn("unknown tool", "tool", params.Name)
		s.sendError(req.ID, CodeInvalidParams, "Unknown tool", params.Name)
		return
	}

	s.sendResult(req.ID, s.callTool(t, params.Arguments))
}

// callTool runs one tool and renders its payload.
func (s *Server) callTool(t tool, args json.RawMessage) ToolCallResult {
	name := t.def.Name
	log := s.log.With("tool", name)
	start := time.Now()

	result, err := s.invoke(t, args)
	elapsed := time.Since(start)
	toolDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	var payload map[string]any
	if err == nil {
		payload, err = successPayload(result)
	}
	if err != nil {
		kind := errinfo.KindOf(err)
		toolCalls.WithLabelValues(name, string(kind)).Inc()
		if kind == errinfo.KindInternal {
			log.Error("tool failed", "error", err, "duration", elapsed)
		} else {
			log.Warn("tool failed", "errorType", kind, "error", err, "duration", elapsed)
		}
		return textResult(errorPayload(err), true)
	}

	if p := s.notebookPath(args); p != "" {
		payload["notebook_path"] = p
	}
	toolCalls.WithLabelValues(name, "none").Inc()
	log.Info("tool completed", "duration", elapsed)
	return textResult(payload, false)
}

// invoke calls the handler, turning a panic into an internal error so one
// bad call cannot take the server down.
func (s *Server) invoke(t tool, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tool panicked", "tool", t.def.Name, "panic", r)
			err = errinfo.New(errinfo.KindInternal, "internal error").WithOp(t.def.Name)
		}
	}()
	return t.call(s, args)
}

// notebookPath returns the resolved notebook_path argument, if any.
func (s *Server) notebookPath(args json.RawMessage) string {
	var a struct {
		NotebookPath string `json:"notebook_path"`
	}
	if len(args) == 0 || json.Unmarshal(args, &a) != nil || a.NotebookPath == "" {
		return ""
	}
	if p, err := s.store.Resolve(a.NotebookPath); err == nil {
		return p.String()
	}
	return a.NotebookPath
}

// successPayload flattens a result into a JSON object with success set.
func successPayload(result any) (map[string]any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("result is not an object: %w", err)
	}
	payload["success"] = true
	return payload, nil
}

// errorPayload renders err for the client. Errors without a kind are
// reported as INTERNAL with their message only.
func errorPayload(err error) map[string]any {
	kind := errinfo.KindOf(err)
	details := map[string]any{"message": err.Error()}
	var ei *errinfo.Error
	if errors.As(err, &ei) {
		details = ei.Details()
	}
	return map[string]any{
		"success":    false,
		"error_type": string(kind),
		"error":      kind.Summary(),
		"details":    details,
	}
}

func textResult(payload map[string]any, isError bool) ToolCallResult {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		data = []byte(`{"success": false, "error_type": "INTERNAL", "error": "An unexpected error occurred"}`)
		isError = true
	}
	return ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: string(data)}},
		IsError: isError,
	}
}

func (s *Server) sendResult(id any, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}

	s.send(resp)
}

func (s *Server) sendError(id any, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}

	s.send(resp)
}

func (s *Server) send(resp JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = fmt.Fprintf(s.writer, "%s\n", data)
	if err != nil {
		s.log.Error("failed to write response", "error", err)
	} else {
		s.log.Debug("sent response", "bytes", len(data))
	}
}
