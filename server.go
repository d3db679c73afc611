package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server answers the tool protocol on every session produced by its transport. Each
// session has a single reader and a single worker, so requests of one connection are
// processed one at a time and answered in arrival order, while different connections
// run in parallel.
type Server struct {
	info         Info
	instructions string
	transport    ServerTransport
	registry     *ToolRegistry

	stateful    bool
	sendTimeout time.Duration
	queueSize   int

	poolSize int
	pool     *ants.Pool
	limiter  *rate.Limiter

	logger *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
	closeOnce         *sync.Once
}

type serverSession struct {
	session Session
	logger  *slog.Logger
	state   *SessionState

	inflightMu sync.Mutex
	inflight   map[MustString]context.CancelFunc
}

type sessionRequest struct {
	ctx context.Context
	msg JSONRPCMessage
}

var (
	defaultServerSendTimeout = 30 * time.Second
	defaultServerQueueSize   = 64

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a server that serves the tools of registry over transport.
func NewServer(info Info, transport ServerTransport, registry *ToolRegistry, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		closeOnce:         &sync.Once{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.queueSize <= 0 {
		s.queueSize = defaultServerQueueSize
	}
	if s.poolSize > 0 {
		pool, err := ants.NewPool(s.poolSize)
		if err != nil {
			s.logger.Error("failed to create worker pool, tools run unbounded",
				slog.Int("size", s.poolSize),
				slog.String("err", err.Error()))
		} else {
			s.pool = pool
		}
	}

	return s
}

// WithInstructions sets the instructions returned to clients during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithStatefulSessions controls whether a session keeps its SessionState across calls.
func WithStatefulSessions(stateful bool) ServerOption {
	return func(s *Server) {
		s.stateful = stateful
	}
}

// WithServerSendTimeout sets the timeout for sending a response to a client.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerQueueSize sets how many requests of one session may wait for its worker.
func WithServerQueueSize(size int) ServerOption {
	return func(s *Server) {
		s.queueSize = size
	}
}

// WithWorkerPoolSize bounds the number of tool handlers running at once across all
// sessions. Zero leaves tool execution unbounded.
func WithWorkerPoolSize(size int) ServerOption {
	return func(s *Server) {
		s.poolSize = size
	}
}

// WithToolRateLimit limits tool calls across all sessions to r per second with the given
// burst. Calls over the limit are answered with a JSON-RPC error.
func WithToolRateLimit(r rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(r, burst)
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID of the client.
func WithServerOnClientConnected(onClientConnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp-greet"),
			slog.String("component", "server"),
		)
	}
}

// Serve freezes the registry and serves every session the transport yields.
//
// Serve blocks until the transport is shut down.
func (s *Server) Serve() {
	s.registry.Freeze()

	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:  sess,
			logger:   s.logger.With(slog.String("sessionID", sess.ID())),
			inflight: make(map[MustString]context.CancelFunc),
		}
		if s.stateful {
			ss.state = newSessionState(sess.ID())
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(sess.ID())
			}
			s.serveSession(ss)
			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}
}

// Shutdown stops every session, closes the transport and waits for in-flight work to
// finish. It returns an error if ctx is done before that happens.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	if s.pool != nil {
		s.pool.Release()
	}

	return nil
}

func (s *Server) serveSession(ss *serverSession) {
	// This base context makes sure every request of the session is cancelled once the
	// connection is gone, so their responses are discarded.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	go func() {
		select {
		case <-s.done:
			ss.session.Stop()
		case <-baseCtx.Done():
		}
	}()

	queue := make(chan sessionRequest, s.queueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for req := range queue {
			s.handleRequest(req.ctx, ss, req.msg)
			ss.finish(req.msg.ID)
		}
	}()

	// This loop would break when the session is closed.
	for msg := range ss.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			ss.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			if msg.ID != "" {
				go s.send(ss, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msg.ID,
					Error: &JSONRPCError{
						Code:    jsonRPCInvalidRequestCode,
						Message: "Invalid request: jsonrpc must be \"2.0\"",
					},
				})
			}
			continue
		}

		switch {
		case msg.Method == methodPing && msg.ID != "":
			go s.send(ss, JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage("{}"),
			})
		case msg.Method == methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				ss.logger.Warn("failed to unmarshal cancellation", slog.String("err", err.Error()))
				continue
			}
			ss.cancel(params.RequestID)
		case msg.Method == methodNotificationsInitialized:
			ss.logger.Debug("client initialized")
		case msg.Method == "":
			// Responses from the client, the server never sends requests of its own.
			ss.logger.Debug("ignoring response from client", slog.String("id", string(msg.ID)))
		case msg.ID == "":
			ss.logger.Debug("ignoring notification", slog.String("method", msg.Method))
		default:
			ctx := ss.start(baseCtx, msg.ID)
			select {
			case queue <- sessionRequest{ctx: ctx, msg: msg}:
			case <-s.done:
			}
		}
	}

	close(queue)
	baseCancel()
	<-workerDone
	ss.session.Stop()
}

func (s *Server) handleRequest(ctx context.Context, ss *serverSession, msg JSONRPCMessage) {
	logger := ss.logger.With(slog.String("method", msg.Method), slog.String("id", string(msg.ID)))
	if ctx.Err() != nil {
		logger.Debug("dropping cancelled request")
		return
	}

	var result any
	var err error
	switch msg.Method {
	case methodInitialize:
		result, err = s.handleInitialize(msg, logger)
	case MethodToolsList:
		result, err = s.handleListTools(msg)
	case MethodToolsCall:
		result, err = s.handleCallTool(ctx, ss, msg, logger)
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("Method not found: %s", msg.Method),
		}
	}

	if ctx.Err() != nil {
		logger.Info("request cancelled, discarding response")
		return
	}

	res := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	if err == nil {
		res.Result, err = json.Marshal(result)
		if err != nil {
			err = fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	if err != nil {
		var jsonErr JSONRPCError
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: err.Error(),
			}
		}
		res.Result = nil
		res.Error = &jsonErr
	}

	s.send(ss, res)
}

func (s *Server) handleInitialize(msg JSONRPCMessage, logger *slog.Logger) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Invalid params: %v", err),
		}
	}

	version := negotiateProtocolVersion(params.ProtocolVersion)
	logger.Info("client initialized session",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("requestedProtocol", params.ProtocolVersion),
		slog.String("protocol", version),
	)

	return initializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleListTools(msg JSONRPCMessage) (ListToolsResult, error) {
	if len(msg.Params) > 0 {
		var params ListToolsParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("Invalid params: %v", err),
			}
		}
	}

	return ListToolsResult{Tools: s.registry.List()}, nil
}

func (s *Server) handleCallTool(
	ctx context.Context,
	ss *serverSession,
	msg JSONRPCMessage,
	logger *slog.Logger,
) (CallToolResult, error) {
	if len(msg.Params) == 0 {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "Invalid params: missing params",
		}
	}
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Invalid params: %v", err),
		}
	}
	if params.Name == "" {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "Invalid params: missing tool name",
		}
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCServerErrorCode,
			Message: "rate limit exceeded",
		}
	}

	state := ss.state
	if state == nil {
		state = newSessionState(uuid.New().String())
	}

	value, err := s.invoke(ContextWithState(ctx, state), params.Name, params.Arguments)
	switch {
	case errors.Is(err, ErrUnknownTool):
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("Unknown tool: %s", params.Name),
		}
	case errors.Is(err, ErrInvalidArguments):
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}
	case err != nil:
		logger.Warn("tool execution failed",
			slog.String("tool", params.Name),
			slog.String("err", err.Error()))
		return CallToolResult{
			Content: []Content{TextContent(err.Error())},
			IsError: true,
		}, nil
	}

	return toolResult(value), nil
}

func (s *Server) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if s.pool == nil {
		return s.registry.Invoke(ctx, name, args)
	}

	type outcome struct {
		value any
		err   error
	}
	results := make(chan outcome, 1)
	if err := s.pool.Submit(func() {
		value, err := s.registry.Invoke(ctx, name, args)
		results <- outcome{value: value, err: err}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule tool %s: %w", name, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-results:
		return o.value, o.err
	}
}

func (s *Server) send(ss *serverSession, msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := ss.session.Send(ctx, msg); err != nil {
		ss.logger.Error("failed to send message",
			slog.String("id", string(msg.ID)),
			slog.String("err", err.Error()))
	}
}

func (ss *serverSession) start(parent context.Context, id MustString) context.Context {
	ctx, cancel := context.WithCancel(parent)

	ss.inflightMu.Lock()
	defer ss.inflightMu.Unlock()

	ss.inflight[id] = cancel
	return ctx
}

func (ss *serverSession) cancel(id MustString) {
	ss.inflightMu.Lock()
	defer ss.inflightMu.Unlock()

	cancel, ok := ss.inflight[id]
	if !ok {
		return
	}
	ss.logger.Info("client cancelled request", slog.String("id", string(id)))
	cancel()
	delete(ss.inflight, id)
}

func (ss *serverSession) finish(id MustString) {
	ss.inflightMu.Lock()
	defer ss.inflightMu.Unlock()

	if cancel, ok := ss.inflight[id]; ok {
		cancel()
		delete(ss.inflight, id)
	}
}

// toolResult renders a handler's return value in its display form.
func toolResult(value any) CallToolResult {
	switch v := value.(type) {
	case nil:
		return CallToolResult{Content: []Content{}}
	case CallToolResult:
		if v.Content == nil {
			v.Content = []Content{}
		}
		return v
	case *CallToolResult:
		if v == nil {
			return CallToolResult{Content: []Content{}}
		}
		return toolResult(*v)
	case Content:
		return CallToolResult{Content: []Content{v}}
	case []Content:
		return toolResult(CallToolResult{Content: v})
	case string:
		return CallToolResult{Content: []Content{TextContent(v)}}
	case []byte:
		return CallToolResult{Content: []Content{TextContent(string(v))}}
	case fmt.Stringer:
		return CallToolResult{Content: []Content{TextContent(v.String())}}
	case error:
		return CallToolResult{Content: []Content{TextContent(v.Error())}}
	}

	bs, err := json.Marshal(value)
	if err != nil {
		return CallToolResult{Content: []Content{TextContent(fmt.Sprint(value))}}
	}
	return CallToolResult{Content: []Content{TextContent(string(bs))}}
}
