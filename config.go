package mcp

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TransportKind selects the wire transport used between client and server.
type TransportKind int

// ServerConfig configures the HTTP surface of a server.
type ServerConfig struct {
	// Addr is the TCP address to listen on. Defaults to DefaultAddr.
	Addr string
	// Transport selects which endpoint is exposed.
	Transport TransportKind
	// Stateful keeps one SessionState per connection, so tools observe values written by
	// earlier calls on the same connection. When false every call gets a fresh state.
	Stateful bool
	// AllowedOrigins enables CORS for the listed origins. Empty disables CORS handling.
	AllowedOrigins []string
	// AccessLog enables per-request HTTP access logging.
	AccessLog bool
	// ShutdownTimeout bounds graceful shutdown. Defaults to 10 seconds.
	ShutdownTimeout time.Duration
}

// ClientConfig configures Dial.
type ClientConfig struct {
	// ServerURL is the server's base URL, for example "http://localhost:8000". The
	// transport's endpoint path is appended to it.
	ServerURL string
	// Transport must match the transport the server exposes.
	Transport TransportKind
	// ClientInfo is sent to the server during initialization.
	ClientInfo Info
	// HTTPClient is used for every request. Defaults to a client without timeout, since
	// SSE streams are long-lived.
	HTTPClient *http.Client
}

const (
	// TransportStreamableHTTP exchanges each message as its own HTTP POST on StreamablePath.
	TransportStreamableHTTP TransportKind = iota
	// TransportSSE keeps a server-sent event stream open on SSEPath and accepts client
	// messages as POSTs on SSEMessagePath.
	TransportSSE
)

const (
	// DefaultAddr is the listen address used when ServerConfig.Addr is empty.
	DefaultAddr = ":8000"

	// SSEPath is where SSE clients open their event stream.
	SSEPath = "/sse"
	// SSEMessagePath is where SSE clients POST their messages.
	SSEMessagePath = "/messages/"
	// StreamablePath is the single endpoint of the streamable HTTP transport.
	StreamablePath = "/mcp"

	defaultShutdownTimeout = 10 * time.Second
)

// ParseTransportKind parses the command line spelling of a transport.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sse":
		return TransportSSE, nil
	case "streamable-http", "streamable":
		return TransportStreamableHTTP, nil
	default:
		return 0, fmt.Errorf("unknown transport %q, expected sse or streamable-http", s)
	}
}

func (k TransportKind) String() string {
	switch k {
	case TransportSSE:
		return "sse"
	case TransportStreamableHTTP:
		return "streamable-http"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// Path returns the endpoint path clients connect to for this transport.
func (k TransportKind) Path() string {
	if k == TransportSSE {
		return SSEPath
	}
	return StreamablePath
}

// Validate reports configuration errors.
func (c ServerConfig) Validate() error {
	if c.Transport != TransportSSE && c.Transport != TransportStreamableHTTP {
		return fmt.Errorf("invalid transport: %s", c.Transport)
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	return nil
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return c
}

// Validate reports configuration errors.
func (c ClientConfig) Validate() error {
	if c.Transport != TransportSSE && c.Transport != TransportStreamableHTTP {
		return fmt.Errorf("invalid transport: %s", c.Transport)
	}
	if _, err := c.EndpointURL(); err != nil {
		return err
	}
	return nil
}

// EndpointURL joins ServerURL with the transport's endpoint path.
func (c ClientConfig) EndpointURL() (string, error) {
	if c.ServerURL == "" {
		return "", errors.New("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.Transport.Path()
	return u.String(), nil
}
