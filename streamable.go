package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// HeaderSessionID carries the session identifier of a stateful streamable HTTP session.
const HeaderSessionID = "Mcp-Session-Id"

// StreamableServer implements the streamable HTTP server transport. Every client message is
// its own POST on a single endpoint; the response to a request is written on the body of the
// POST that carried it, either as application/json or as a single server-sent event.
//
// In stateful mode the server issues a session ID on initialize and requires it on every
// later request, so all requests of a client share one Session. In stateless mode each POST
// gets a short-lived Session of its own.
type StreamableServer struct {
	stateful bool
	logger   *slog.Logger

	sessions    chan Session
	sessionsMap sync.Map

	started      atomic.Bool
	done         chan struct{}
	closed       chan struct{}
	shutdownOnce *sync.Once
}

// StreamableServerOption represents the options for the StreamableServer.
type StreamableServerOption func(*StreamableServer)

// StreamableClient implements the client side of the streamable HTTP transport.
// Instances should be created using NewStreamableClient.
type StreamableClient struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger
}

// StreamableClientOption represents the options for the StreamableClient.
type StreamableClientOption func(*StreamableClient)

type streamableServerSession struct {
	id       string
	logger   *slog.Logger
	incoming chan JSONRPCMessage

	waitersMu sync.Mutex
	waiters   map[MustString]chan JSONRPCMessage

	onStop   func()
	done     chan struct{}
	stopOnce *sync.Once
}

type streamableClientSession struct {
	id         string
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger

	sessionIDMu sync.Mutex
	sessionID   string

	messages chan JSONRPCMessage
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce *sync.Once
}

const streamableTerminateTimeout = 5 * time.Second

// NewStreamableServer creates a streamable HTTP server transport. The returned
// StreamableServer must be shut down using Shutdown.
func NewStreamableServer(stateful bool, options ...StreamableServerOption) *StreamableServer {
	s := &StreamableServer{
		stateful:     stateful,
		logger:       slog.Default(),
		sessions:     make(chan Session),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		shutdownOnce: &sync.Once{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStreamableServerLogger sets the logger for the streamable HTTP server.
func WithStreamableServerLogger(logger *slog.Logger) StreamableServerOption {
	return func(s *StreamableServer) {
		s.logger = logger.With(slog.String("component", "streamable-server"))
	}
}

// NewStreamableClient creates a client for the streamable HTTP endpoint at endpoint. If
// httpClient is nil, the default HTTP client is used.
func NewStreamableClient(endpoint string, httpClient *http.Client, options ...StreamableClientOption) *StreamableClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamableClient{
		httpClient: cli,
		endpoint:   endpoint,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithStreamableClientLogger sets the logger for the streamable HTTP client.
func WithStreamableClientLogger(logger *slog.Logger) StreamableClientOption {
	return func(c *StreamableClient) {
		c.logger = logger.With(slog.String("component", "streamable-client"))
	}
}

// Sessions returns an iterator over new sessions. It exits when Shutdown is called.
func (s *StreamableServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		s.started.Store(true)
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting sessions and waits for the Sessions iterator to exit.
func (s *StreamableServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	if !s.started.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close streamable server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// ServeHTTP dispatches POST and DELETE on the endpoint. The transport never opens a
// standalone server-to-client stream, so GET is answered with 405.
func (s *StreamableServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *StreamableServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusBadRequest, "", jsonRPCParseErrorCode,
			fmt.Sprintf("Parse error: %v", err))
		return
	}
	if err := msg.validate(); err != nil {
		s.logger.Warn("invalid message", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusBadRequest, msg.ID, jsonRPCInvalidRequestCode,
			fmt.Sprintf("Invalid request: %v", err))
		return
	}

	sess, ok := s.sessionFor(w, r, msg)
	if !ok {
		return
	}
	if !s.stateful {
		defer sess.Stop()
	}

	if !msg.isRequest() {
		if !s.deliver(w, r, sess, msg) {
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	results := sess.register(msg.ID)
	defer sess.unregister(msg.ID)

	if !s.deliver(w, r, sess, msg) {
		return
	}

	select {
	case res := <-results:
		s.writeResponse(w, r, res)
	case <-r.Context().Done():
		// The client abandoned the request, the engine must not keep working on it.
		s.logger.Info("client abandoned request", slog.String("sessionID", sess.id), slog.String("id", string(msg.ID)))
		params, _ := json.Marshal(notificationsCancelledParams{
			RequestID: msg.ID,
			Reason:    "client disconnected",
		})
		select {
		case sess.incoming <- JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsCancelled,
			Params:  params,
		}:
		case <-sess.done:
		case <-s.done:
		}
	case <-sess.done:
		writeJSONRPCError(w, http.StatusNotFound, msg.ID, jsonRPCInvalidRequestCode, "Session terminated")
	case <-s.done:
		writeJSONRPCError(w, http.StatusServiceUnavailable, msg.ID, jsonRPCInternalErrorCode, "Server is shutting down")
	}
}

func (s *StreamableServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.stateful {
		http.Error(w, "sessions are not tracked in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	v, ok := s.sessionsMap.Load(sessID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	sess, _ := v.(*streamableServerSession)
	sess.Stop()
	s.logger.Info("session terminated by client", slog.String("sessionID", sessID))
	w.WriteHeader(http.StatusNoContent)
}

// sessionFor resolves the session a message belongs to, creating it when needed. It writes
// the error response itself and reports false when the message cannot be routed.
func (s *StreamableServer) sessionFor(
	w http.ResponseWriter,
	r *http.Request,
	msg JSONRPCMessage,
) (*streamableServerSession, bool) {
	if !s.stateful {
		sess := s.newSession()
		return sess, s.announce(w, r, sess, msg)
	}

	sessID := r.Header.Get(HeaderSessionID)
	if sessID == "" {
		if msg.Method != methodInitialize {
			writeJSONRPCError(w, http.StatusBadRequest, msg.ID, jsonRPCInvalidRequestCode,
				"Bad Request: missing "+HeaderSessionID+" header")
			return nil, false
		}
		sess := s.newSession()
		sess.onStop = func() { s.sessionsMap.Delete(sess.id) }
		s.sessionsMap.Store(sess.id, sess)
		w.Header().Set(HeaderSessionID, sess.id)
		if !s.announce(w, r, sess, msg) {
			sess.Stop()
			return nil, false
		}
		return sess, true
	}

	v, ok := s.sessionsMap.Load(sessID)
	if !ok {
		writeJSONRPCError(w, http.StatusNotFound, msg.ID, jsonRPCInvalidRequestCode, "Session not found")
		return nil, false
	}
	sess, _ := v.(*streamableServerSession)
	return sess, true
}

func (s *StreamableServer) newSession() *streamableServerSession {
	id := uuid.New().String()
	return &streamableServerSession{
		id:       id,
		logger:   s.logger.With(slog.String("sessionID", id)),
		incoming: make(chan JSONRPCMessage, 8),
		waiters:  make(map[MustString]chan JSONRPCMessage),
		done:     make(chan struct{}),
		stopOnce: &sync.Once{},
	}
}

// announce hands a new session to the Sessions loop.
func (s *StreamableServer) announce(
	w http.ResponseWriter,
	r *http.Request,
	sess *streamableServerSession,
	msg JSONRPCMessage,
) bool {
	select {
	case s.sessions <- sess:
		return true
	case <-s.done:
		writeJSONRPCError(w, http.StatusServiceUnavailable, msg.ID, jsonRPCInternalErrorCode, "Server is shutting down")
	case <-r.Context().Done():
	}
	return false
}

func (s *StreamableServer) deliver(
	w http.ResponseWriter,
	r *http.Request,
	sess *streamableServerSession,
	msg JSONRPCMessage,
) bool {
	select {
	case sess.incoming <- msg:
		return true
	case <-sess.done:
		writeJSONRPCError(w, http.StatusNotFound, msg.ID, jsonRPCInvalidRequestCode, "Session terminated")
	case <-s.done:
		writeJSONRPCError(w, http.StatusServiceUnavailable, msg.ID, jsonRPCInternalErrorCode, "Server is shutting down")
	case <-r.Context().Done():
	}
	return false
}

func (s *StreamableServer) writeResponse(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	if !acceptsJSON(r) {
		sseSess, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade response stream", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgBs, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("failed to marshal response", slog.String("err", err.Error()))
			return
		}
		ev := &sse.Message{Type: sse.Type("message")}
		ev.AppendData(string(msgBs))
		if err := sseSess.Send(ev); err != nil {
			s.logger.Warn("failed to send response event", slog.String("err", err.Error()))
			return
		}
		if err := sseSess.Flush(); err != nil {
			s.logger.Warn("failed to flush response event", slog.String("err", err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

// acceptsJSON reports whether the response may be plain JSON. Clients that list only
// text/event-stream get the response as a single event.
func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "application/json", "application/*", "*/*":
			return true
		}
	}
	return false
}

func writeJSONRPCError(w http.ResponseWriter, status int, id MustString, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	})
}

// StartSession prepares a session. No request is made until the first Send, which is
// where unreachable or mismatched endpoints surface as *TransportError.
func (c *StreamableClient) StartSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "connect", URL: c.endpoint, Err: err}
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	return &streamableClientSession{
		id:         uuid.New().String(),
		httpClient: c.httpClient,
		endpoint:   c.endpoint,
		logger:     c.logger,
		messages:   make(chan JSONRPCMessage),
		ctx:        sessCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		stopOnce:   &sync.Once{},
	}, nil
}

func (s *streamableServerSession) ID() string { return s.id }

// Send routes a response to the POST waiting for it. A response whose request was
// abandoned or cancelled has no waiter and is dropped.
func (s *streamableServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	if !msg.isResponse() {
		s.logger.Debug("dropping server-initiated message, no stream to carry it", slog.String("method", msg.Method))
		return nil
	}

	s.waitersMu.Lock()
	results, ok := s.waiters[msg.ID]
	delete(s.waiters, msg.ID)
	s.waitersMu.Unlock()

	if !ok {
		s.logger.Debug("dropping response without pending request", slog.String("id", string(msg.ID)))
		return nil
	}

	select {
	case results <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamableServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.incoming:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *streamableServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

func (s *streamableServerSession) register(id MustString) <-chan JSONRPCMessage {
	results := make(chan JSONRPCMessage, 1)

	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	s.waiters[id] = results
	return results
}

func (s *streamableServerSession) unregister(id MustString) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	delete(s.waiters, id)
}

func (s *streamableClientSession) ID() string { return s.id }

// Send posts msg. When the server answers with a response, either as JSON or as an event
// stream, the response is fed to Messages before Send returns.
func (s *streamableClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return &TransportError{Op: "send", URL: s.endpoint, Err: ErrSessionClosed}
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Op: "send", URL: s.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessID := s.serverSessionID(); sessID != "" {
		req.Header.Set(HeaderSessionID, sessID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send", URL: s.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if sessID := resp.Header.Get(HeaderSessionID); sessID != "" {
		s.sessionIDMu.Lock()
		s.sessionID = sessID
		s.sessionIDMu.Unlock()
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusOK && mediaType == "text/event-stream":
		return s.readEvents(reqCtx, resp.Body, msg)
	case resp.StatusCode == http.StatusOK:
		var res JSONRPCMessage
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return &ProtocolError{Reason: "failed to decode response", Err: err}
		}
		if err := checkResponseID(msg, res); err != nil {
			return err
		}
		return s.push(reqCtx, res)
	case mediaType == "application/json" && msg.isRequest():
		// The server rejected the request with a JSON-RPC error body, surface it as the response.
		var res JSONRPCMessage
		if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.Error != nil && res.ID == msg.ID {
			return s.push(reqCtx, res)
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &TransportError{
		Op:  "send",
		URL: s.endpoint,
		Err: fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
	}
}

func (s *streamableClientSession) readEvents(ctx context.Context, body io.Reader, req JSONRPCMessage) error {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return &TransportError{Op: "receive", URL: s.endpoint, Err: err}
			}
			return &ProtocolError{Reason: "failed to read event stream", Err: err}
		}
		if ev.Type != "message" && ev.Type != "" {
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
			continue
		}
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			return &ProtocolError{Reason: "failed to decode event", Err: err}
		}
		if err := checkResponseID(req, msg); err != nil {
			return err
		}
		if err := s.push(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// checkResponseID rejects a response that answers some other request than req. The POST
// carrying req is the only place its response can arrive, so a mismatch would leave the
// caller waiting forever.
func checkResponseID(req, res JSONRPCMessage) error {
	if !req.isRequest() || res.Method != "" || res.ID == req.ID {
		return nil
	}
	return &ProtocolError{Reason: fmt.Sprintf("response id %q does not match request id %q", res.ID, req.ID)}
}

func (s *streamableClientSession) push(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case s.messages <- msg:
		return nil
	case <-s.done:
		return &TransportError{Op: "receive", URL: s.endpoint, Err: ErrSessionClosed}
	case <-ctx.Done():
		return &TransportError{Op: "receive", URL: s.endpoint, Err: ctx.Err()}
	}
}

func (s *streamableClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.messages:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Stop terminates the server side session, if one was issued, and releases the session.
func (s *streamableClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()

		sessID := s.serverSessionID()
		if sessID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), streamableTerminateTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.endpoint, nil)
		if err != nil {
			return
		}
		req.Header.Set(HeaderSessionID, sessID)
		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.logger.Debug("failed to terminate session", slog.String("err", err.Error()))
			return
		}
		resp.Body.Close()
	})
}

func (s *streamableClientSession) serverSessionID() string {
	s.sessionIDMu.Lock()
	defer s.sessionIDMu.Unlock()

	return s.sessionID
}
