package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/tracing"
	"github.com/zjrosen/hivemux/internal/pubsub"
)

// ToolHandler handles one tool call with parsed raw arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// ToolEvent records one tool invocation for observers.
type ToolEvent struct {
	At       time.Time       `json:"at"`
	Tool     string          `json:"tool"`
	Args     json.RawMessage `json:"args,omitempty"`
	IsError  bool            `json:"is_error"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Server dispatches the tool set over stdio and HTTP. Both transports
// share one registry and one dispatch path, so the exposed operations are
// identical by construction.
type Server struct {
	info         ImplementationInfo
	instructions string
	tracer       trace.Tracer

	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]ToolHandler
	writer   io.Writer

	initialized bool

	ctx    context.Context
	cancel context.CancelFunc

	broker *pubsub.Broker[ToolEvent]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the instructions string sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// WithTracer enables spans around tool calls.
func WithTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) { s.tracer = tracer }
}

// NewServer creates an MCP server.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:     ImplementationInfo{Name: name, Version: version},
		tools:    make(map[string]Tool),
		handlers: make(map[string]ToolHandler),
		ctx:      ctx,
		cancel:   cancel,
		broker:   pubsub.NewBrokerWithBuffer[ToolEvent](128),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool registers a tool with its handler.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
	log.Debug(log.CatRPC, "tool registered", "name", tool.Name)
}

// Broker exposes the tool event stream.
func (s *Server) Broker() *pubsub.Broker[ToolEvent] { return s.broker }

// Stop cancels in-flight tool calls.
func (s *Server) Stop() {
	s.cancel()
}

// Serve runs the stdio transport: newline-delimited JSON-RPC on the given
// reader/writer until EOF.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.writer = stdout
	s.mu.Unlock()

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(NewErrorResponse(nil, NewParseError(err.Error())))
			continue
		}

		if isNotification(req) {
			s.handleNotification(&req)
		} else {
			s.send(s.dispatch(&req))
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Handler returns the HTTP transport: one JSON-RPC request per POST body.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}

		var req Request
		var resp *Response
		if err := json.Unmarshal(body, &req); err != nil {
			resp = NewErrorResponse(nil, NewParseError(err.Error()))
		} else if isNotification(req) {
			s.handleNotification(&req)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{}"))
			return
		} else {
			resp = s.dispatch(&req)
		}

		w.Header().Set("Content-Type", "application/json")
		data, _ := json.Marshal(resp)
		if _, err := w.Write(data); err != nil {
			log.Debug(log.CatRPC, "response write failed", "error", err)
		}
	})
}

func isNotification(req Request) bool {
	return len(req.ID) == 0 || string(req.ID) == "null"
}

// dispatch routes one request; both transports funnel through here.
func (s *Server) dispatch(req *Request) *Response {
	log.Debug(log.CatRPC, "request", "method", req.Method)

	var result any
	var rpcErr *RPCError
	switch req.Method {
	case "initialize":
		result, rpcErr = s.handleInitialize(req.Params)
	case "tools/list":
		result, rpcErr = s.handleToolsList()
	case "tools/call":
		result, rpcErr = s.handleToolsCall(req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatRPC, "client initialized")
	case "notifications/cancelled":
		log.Debug(log.CatRPC, "request cancelled")
	default:
		// Unknown notifications are ignored per spec revision 2024-11-05.
		log.Debug(log.CatRPC, "unknown notification", "method", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}
	log.Debug(log.CatRPC, "initialize",
		"clientVersion", p.ProtocolVersion, "clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleToolsList() (any, *RPCError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return ToolsListResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	handler, ok := s.handlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	ctx := s.ctx
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, tracing.SpanPrefixTool+p.Name,
			trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(attribute.String(tracing.AttrToolName, p.Name))
	}

	start := time.Now()
	result, err := handler(ctx, p.Arguments)
	duration := time.Since(start)

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil && result.IsError {
			span.SetStatus(codes.Error, "tool reported failure")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	s.publishToolEvent(p.Name, p.Arguments, result, err, duration)

	if err != nil {
		log.Debug(log.CatRPC, "tool failed", "name", p.Name, "error", err)
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}

func (s *Server) publishToolEvent(tool string, args json.RawMessage, result *ToolCallResult, err error, duration time.Duration) {
	ev := ToolEvent{
		At:       time.Now(),
		Tool:     tool,
		Args:     args,
		Duration: duration,
	}
	if err != nil {
		ev.IsError = true
		ev.Error = err.Error()
	} else if result != nil && result.IsError {
		ev.IsError = true
	}
	s.broker.Publish(pubsub.CreatedEvent, ev)
}

// send marshals and writes one response on the stdio transport.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Debug(log.CatRPC, "marshal response failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return
	}
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		log.Debug(log.CatRPC, "response write failed", "error", err)
	}
}
