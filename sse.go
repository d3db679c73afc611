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
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server transport.
// Server-to-client messages are streamed as "message" events on the connection opened by
// HandleSSE, while client-to-server messages arrive as HTTP POSTs on HandleMessage.
//
// The first event of every stream has the type "endpoint" and carries the relative URL
// the client must POST to, including the session_id query parameter.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown when
// no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions    chan *sseServerSession
	sessionsMap sync.Map

	started      atomic.Bool
	done         chan struct{}
	closed       chan struct{}
	shutdownOnce *sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements the client side of the SSE transport. Instances should be created
// using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	done     chan struct{}
	served   chan struct{}
	stopOnce *sync.Once
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	connectURL *url.URL
	messageURL string
	logger     *slog.Logger

	maxPayloadSize int

	messages chan JSONRPCMessage
	cancel   context.CancelFunc

	errMu sync.Mutex
	err   error

	done     chan struct{}
	closed   chan struct{}
	stopOnce *sync.Once
}

const sseSessionIDParam = "session_id"

// NewSSEServer creates an SSE server transport whose sessions are told to POST their
// messages to messageURL. The returned SSEServer must be shut down using Shutdown.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:   messageURL,
		logger:       slog.Default(),
		sessions:     make(chan *sseServerSession),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		shutdownOnce: &sync.Once{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse-server"))
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(slog.String("component", "sse-client"))
	}
}

// Sessions returns an iterator over new client sessions. It exits when Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
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
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	if !s.started.Load() {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the session is stopped.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?%s=%s", s.messageURL, sseSessionIDParam, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE endpoint", slog.String("err", err.Error()))
			return
		}

		srvSession := &sseServerSession{
			id:           sessID,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan JSONRPCMessage, 5),
			done:         make(chan struct{}),
			served:       make(chan struct{}),
			stopOnce:     &sync.Once{},
		}
		s.sessionsMap.Store(sessID, srvSession)
		defer s.sessionsMap.Delete(sessID)

		// Hand the session over to the Sessions loop, so it can be forwarded to the caller.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		// Block until the session is closed, so the connection is left open.
		srvSession.serve(r.Context(), sess)
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a session_id query parameter and a JSON-encoded message
// body, and answers 202 Accepted once the message is queued on its session.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get(sseSessionIDParam)
		if sessID == "" {
			s.logger.Warn("missing session_id query parameter")
			http.Error(w, "missing session_id query parameter", http.StatusBadRequest)
			return
		}

		v, ok := s.sessionsMap.Load(sessID)
		if !ok {
			s.logger.Warn("message for unknown session", slog.String("sessionID", sessID))
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		session, _ := v.(*sseServerSession)

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}
		if err := msg.validate(); err != nil {
			s.logger.Warn("invalid message", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case session.receivedMsgs <- msg:
		case <-session.done:
			http.Error(w, "session closed", http.StatusNotFound)
			return
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// StartSession opens the event stream and waits for the endpoint event. The stream stays
// open until the returned Session is stopped; ctx only bounds the connection attempt.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	connectURL, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, &TransportError{Op: "connect", URL: s.connectURL, Err: err}
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", URL: s.connectURL, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	type dialResult struct {
		resp *http.Response
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		resp, err := s.httpClient.Do(req) //nolint:bodyclose // Closed by listen or below.
		dialed <- dialResult{resp: resp, err: err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return nil, &TransportError{Op: "connect", URL: s.connectURL, Err: ctx.Err()}
	case d := <-dialed:
		if d.err != nil {
			cancel()
			return nil, &TransportError{Op: "connect", URL: s.connectURL, Err: d.err}
		}
		resp = d.resp
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{
			Op:  "connect",
			URL: s.connectURL,
			Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	sess := &sseClientSession{
		id:             uuid.New().String(),
		httpClient:     s.httpClient,
		connectURL:     connectURL,
		logger:         s.logger,
		maxPayloadSize: s.maxPayloadSize,
		messages:       make(chan JSONRPCMessage),
		cancel:         cancel,
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
		stopOnce:       &sync.Once{},
	}

	ready := make(chan error, 1)
	go sess.listen(resp.Body, ready)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, &TransportError{Op: "connect", URL: s.connectURL, Err: ctx.Err()}
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, &TransportError{Op: "connect", URL: s.connectURL, Err: err}
		}
	}

	return sess, nil
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message, the goroutine owning the connection writes it.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.served
}

func (s *sseServerSession) serve(ctx context.Context, sess *sse.Session) {
	defer close(s.served)
	defer s.stopOnce.Do(func() {
		close(s.done)
	})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("client disconnected")
			return
		case <-s.done:
			return
		case sm := <-s.sendMsgs:
			if err := sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				return
			}
			if err := sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				return
			}
			sm.errs <- nil
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a JSON-encoded message to the server through an HTTP POST request.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return &TransportError{Op: "send", URL: s.messageURL, Err: ErrSessionClosed}
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Op: "send", URL: s.messageURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "send", URL: s.messageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{
			Op:  "send",
			URL: s.messageURL,
			Err: fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
	<-s.closed
}

// Err returns the failure that ended the event stream, or nil when it ended normally.
func (s *sseClientSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

func (s *sseClientSession) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

func (s *sseClientSession) listen(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.closed)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointReceived := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !endpointReceived {
				ready <- fmt.Errorf("failed to read endpoint event: %w", err)
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
				s.fail(&TransportError{Op: "receive", URL: s.connectURL.String(), Err: err})
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := s.connectURL.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("failed to parse endpoint URL: %w", err)
				return
			}
			if endpointReceived {
				s.logger.Warn("ignoring repeated endpoint event", slog.String("endpoint", u.String()))
				continue
			}
			s.messageURL = u.String()
			endpointReceived = true
			ready <- nil
		case "message", "":
			if !endpointReceived {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			// An undecodable message may be the answer to a pending call, so the stream
			// can no longer be trusted.
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				s.fail(&ProtocolError{Reason: "failed to decode message", Err: err})
				return
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointReceived {
		ready <- errors.New("stream closed before endpoint event")
	}
}
