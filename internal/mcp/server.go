package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/keepmind9/clibridge/internal/core"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "clibridge"
)

const instructions = "Drives interactive Gemini CLI sessions. Start a session with start_session, " +
	"send messages with session_chat (returns a task_id immediately), then poll check_task_status " +
	"until the status is COMPLETE, ERROR or BLOCKED_ON_INTERACTION. Answer blocked tasks with " +
	"respond_to_interaction and release sessions with close_session."

// maxLineSize bounds one JSON-RPC message.
const maxLineSize = 4 * 1024 * 1024

// Backend is the engine surface the tools operate on. *core.Engine
// implements it.
type Backend interface {
	StartSession(ctx context.Context, id string, opts session.Options) (session.Info, error)
	Dispatch(sessionID, message string) (core.DispatchReceipt, error)
	PollTask(taskID string) core.TaskView
	RespondToInteraction(taskID, text string) error
	CloseSession(id string) error
	ListSessions() []core.SessionSummary
	Stats() core.Stats
}

// Server implements an MCP server over newline-delimited JSON-RPC
type Server struct {
	reader  *bufio.Reader
	writer  io.Writer
	backend Backend
	version string
	tools   []tool
	byName  map[string]tool
	mu      sync.Mutex
	calls   sync.WaitGroup
	log     *logrus.Entry
}

// NewServer creates a new MCP server reading r and writing w.
func NewServer(r io.Reader, w io.Writer, backend Backend, version string) *Server {
	s := &Server{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		backend: backend,
		version: version,
		log:     logger.Component("mcp"),
	}
	s.tools = s.toolset()
	s.byName = make(map[string]tool, len(s.tools))
	for _, t := range s.tools {
		s.byName[t.def.Name] = t
	}
	return s
}

// Run serves requests until EOF or ctx is cancelled. Tool calls run
// concurrently so a slow start_session does not stall polling; Run waits
// for them before returning.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("mcp-server-starting")
	defer s.calls.Wait()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := s.readLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("mcp-server-cancelled")
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				s.log.Info("mcp-server-eof")
				return nil
			}
			s.log.WithError(err).Error("mcp-read-failed")
			return err
		case line := <-lines:
			s.handleLine(ctx, line)
		}
	}
}

// readLine returns the next non-empty line. A final line without newline is
// still served before EOF.
func (s *Server) readLine() (string, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if len(line) > maxLineSize {
			return "", fmt.Errorf("message exceeds %d bytes", maxLineSize)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line string) {
	s.log.WithField("length", len(line)).Debug("mcp-message-received")

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.WithError(err).Warn("mcp-parse-error")
		s.sendError(nil, codeParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(req.ID, codeInvalidRequest, "Invalid Request", nil)
		return
	}
	s.handleRequest(ctx, &req)
}

func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized", "notifications/initialized", "notifications/cancelled":
		s.log.WithField("method", req.Method).Debug("mcp-notification")
	case "ping":
		s.sendResult(req.ID, struct{}{})
	case "tools/list":
		s.sendResult(req.ID, ToolsListResult{Tools: s.definitions()})
	case "tools/call":
		s.calls.Add(1)
		go func() {
			defer s.calls.Done()
			s.handleToolsCall(ctx, req)
		}()
	default:
		if req.IsNotification() {
			return
		}
		s.log.WithField("method", req.Method).Warn("mcp-unknown-method")
		s.sendError(req.ID, codeMethodNotFound, "Method not found", nil)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	s.sendResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capability{
			Tools: &ToolCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: s.version,
		},
		Instructions: instructions,
	})
}

func (s *Server) definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		defs = append(defs, t.def)
	}
	return defs
}

func (s *Server) handleToolsCall(ctx context.Context, req *JSONRPCRequest) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.WithError(err).Warn("mcp-invalid-tool-params")
		s.sendError(req.ID, codeInvalidParams, "Invalid params", nil)
		return
	}

	t, ok := s.byName[params.Name]
	if !ok {
		s.log.WithField("tool", params.Name).Warn("mcp-unknown-tool")
		s.sendError(req.ID, codeInvalidParams, "Unknown tool", params.Name)
		return
	}

	log := s.log.WithField("tool", params.Name)
	log.Debug("mcp-tool-call")

	text, err := s.invoke(ctx, t, args(params.Arguments))
	if err != nil {
		log.WithError(err).Info("mcp-tool-failed")
		s.sendToolResult(req.ID, true, err.Error())
		return
	}
	s.sendToolResult(req.ID, false, text)
}

// invoke runs a tool handler and turns a panic into a tool error.
func (s *Server) invoke(ctx context.Context, t tool, a args) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"tool": t.def.Name, "panic": r}).Error("mcp-tool-panic")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return t.handler(ctx, a)
}

func (s *Server) sendToolResult(id any, isError bool, text string) {
	s.sendResult(id, ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: text}},
		IsError: isError,
	})
}

func (s *Server) sendResult(id any, result any) {
	s.send(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id any, code int, message string, data any) {
	s.send(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) send(resp JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("mcp-marshal-failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.writer, "%s\n", data); err != nil {
		s.log.WithError(err).Error("mcp-write-failed")
	}
}
