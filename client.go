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
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client speaks the tool protocol to a single server over a ClientTransport. Calls may be
// issued concurrently; each waits for the response with its own request ID.
//
// A Client must be created using NewClient (or Dial) and requires Connect to be called
// before any operations can be performed. The client should be properly closed using
// Close when it's no longer needed.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger

	cancelTimeout time.Duration

	session            Session
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	instructions       string

	pendingMu sync.Mutex
	pending   map[MustString]chan JSONRPCMessage
	listening bool
	failure   error

	listenClosed chan struct{}
	closeOnce    *sync.Once
}

var defaultClientCancelTimeout = 5 * time.Second

// NewClient creates a client speaking over transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:         info,
		transport:    transport,
		logger:       slog.Default(),
		pending:      make(map[MustString]chan JSONRPCMessage),
		listenClosed: make(chan struct{}),
		closeOnce:    &sync.Once{},
	}
	for _, opt := range options {
		opt(c)
	}
	if c.cancelTimeout == 0 {
		c.cancelTimeout = defaultClientCancelTimeout
	}
	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-mcp-greet"),
			slog.String("component", "client"),
		)
	}
}

// WithClientCancelTimeout bounds how long the client tries to notify the server about a
// cancelled call.
func WithClientCancelTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.cancelTimeout = timeout
	}
}

// Dial connects to the server described by cfg and completes initialization.
func Dial(ctx context.Context, cfg ClientConfig, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	endpoint, _ := cfg.EndpointURL()

	info := cfg.ClientInfo
	if info.Name == "" {
		info = Info{Name: "go-mcp-greet-client", Version: "0.1.0"}
	}

	c := NewClient(info, nil, options...)
	switch cfg.Transport {
	case TransportSSE:
		c.transport = NewSSEClient(endpoint, cfg.HTTPClient, WithSSEClientLogger(c.logger))
	case TransportStreamableHTTP:
		c.transport = NewStreamableClient(endpoint, cfg.HTTPClient, WithStreamableClientLogger(c.logger))
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// WithClient dials cfg, runs fn with the connected client and closes it afterwards, also
// when fn fails or panics.
func WithClient(ctx context.Context, cfg ClientConfig, fn func(context.Context, *Client) error,
	options ...ClientOption,
) error {
	c, err := Dial(ctx, cfg, options...)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

// Connect starts the transport session and performs the initialization handshake. A
// failure leaves the client closed.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return transportError("connect", "", err)
	}
	c.session = sess

	c.pendingMu.Lock()
	c.listening = true
	c.pendingMu.Unlock()
	go c.listen()

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return err
	}
	return nil
}

// ServerInfo returns the server's name and version reported during initialization.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities reported by the server.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol revision.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// Instructions returns the server's usage instructions, if any.
func (c *Client) Instructions() string {
	return c.instructions
}

// ListTools returns every tool the server offers, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	params := ListToolsParams{}
	for {
		res, err := c.request(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}

		var result ListToolsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, &ProtocolError{Reason: "failed to decode tools/list result", Err: err}
		}
		for _, tool := range result.Tools {
			if tool.Name == "" {
				return nil, &ProtocolError{Reason: "tool descriptor without name"}
			}
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" {
			return tools, nil
		}
		params.Cursor = result.NextCursor
	}
}

// CallTool invokes the named tool. When the server reports a JSON-RPC error, it is returned
// as JSONRPCError with the server's message. When the tool itself failed, the result is
// returned along with a *ToolCallError carrying the server's error text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	res, err := c.request(ctx, MethodToolsCall, CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, &ProtocolError{Reason: "failed to decode tools/call result", Err: err}
	}
	if result.IsError {
		return result, &ToolCallError{Tool: name, Message: result.Text()}
	}
	return result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, methodPing, nil)
	return err
}

// Close stops the session. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.session == nil {
			close(c.listenClosed)
			return
		}
		c.session.Stop()
		<-c.listenClosed
	})
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	res, err := c.request(ctx, methodInitialize, initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	})
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return &ProtocolError{Reason: "failed to decode initialize result", Err: err}
	}
	if !protocolVersionSupported(result.ProtocolVersion) {
		return &ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %q", result.ProtocolVersion)}
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		return transportError(methodNotificationsInitialized, "", err)
	}

	c.logger.Info("connected to server",
		slog.String("server", c.serverInfo.Name),
		slog.String("serverVersion", c.serverInfo.Version),
		slog.String("protocol", c.protocolVersion))
	return nil
}

// request sends a request and waits for its response. A JSON-RPC error in the response is
// returned as JSONRPCError.
func (c *Client) request(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	id := MustString(uuid.New().String())
	results, err := c.register(id)
	if err != nil {
		return JSONRPCMessage{}, c.closedError(method)
	}

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		c.unregister(id)
		if ctx.Err() != nil {
			c.cancelRequest(id, method)
			return JSONRPCMessage{}, fmt.Errorf("%s cancelled: %w", method, ctx.Err())
		}
		var pErr *ProtocolError
		if errors.As(err, &pErr) {
			return JSONRPCMessage{}, err
		}
		return JSONRPCMessage{}, transportError(method, "", err)
	}

	select {
	case res, ok := <-results:
		if !ok {
			return JSONRPCMessage{}, c.closedError(method)
		}
		if res.Error != nil {
			return JSONRPCMessage{}, *res.Error
		}
		return res, nil
	case <-ctx.Done():
		c.unregister(id)
		c.cancelRequest(id, method)
		return JSONRPCMessage{}, fmt.Errorf("%s cancelled: %w", method, ctx.Err())
	}
}

// cancelRequest tells the server to abandon a request. Initialization is never cancelled
// this way, the session is closed instead.
func (c *Client) cancelRequest(id MustString, method string) {
	if method == methodInitialize {
		return
	}

	params, _ := json.Marshal(notificationsCancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.cancelTimeout)
	defer cancel()

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsCancelled,
		Params:  params,
	}); err != nil {
		c.logger.Warn("failed to send cancellation",
			slog.String("id", string(id)),
			slog.String("err", err.Error()))
	}
}

func (c *Client) listen() {
	defer close(c.listenClosed)

	// This loop would break when the session is closed.
	for msg := range c.session.Messages() {
		switch {
		case msg.Method == methodPing && msg.ID != "":
			go c.pong(msg.ID)
		case msg.Method != "":
			c.logger.Debug("ignoring message from server", slog.String("method", msg.Method))
		case msg.ID == "":
			if msg.Error != nil {
				c.logger.Warn("server reported an error", slog.String("err", msg.Error.Error()))
			}
		default:
			c.deliver(msg)
		}
	}

	// Fail every pending call, their responses can no longer arrive.
	var failure error
	if f, ok := c.session.(sessionFailure); ok {
		failure = f.Err()
	}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.listening = false
	c.failure = failure
	for id, results := range c.pending {
		close(results)
		delete(c.pending, id)
	}
}

// closedError is returned to calls whose session ended before their response arrived.
func (c *Client) closedError(method string) error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.failure != nil {
		return c.failure
	}
	return &TransportError{Op: method, Err: ErrSessionClosed}
}

func (c *Client) pong(id MustString) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cancelTimeout)
	defer cancel()

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage("{}"),
	}); err != nil {
		c.logger.Warn("failed to send pong", slog.String("err", err.Error()))
	}
}

func (c *Client) register(id MustString) (<-chan JSONRPCMessage, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if !c.listening {
		return nil, ErrSessionClosed
	}
	results := make(chan JSONRPCMessage, 1)
	c.pending[id] = results
	return results, nil
}

func (c *Client) unregister(id MustString) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	delete(c.pending, id)
}

func (c *Client) deliver(msg JSONRPCMessage) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	results, ok := c.pending[msg.ID]
	if !ok {
		c.logger.Warn("dropping response for unknown request", slog.String("id", string(msg.ID)))
		return
	}
	delete(c.pending, msg.ID)
	results <- msg
}

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}
