package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateName is returned by ToolRegistry.Register when the name is already taken.
	ErrDuplicateName = errors.New("tool name already registered")
	// ErrUnknownTool is returned by ToolRegistry.Invoke when no tool has the given name.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments reports arguments that do not satisfy the tool's input schema.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrRegistryFrozen is returned when registering after the registry started serving.
	ErrRegistryFrozen = errors.New("tool registry is frozen")
	// ErrSessionClosed is returned when sending on a session that was stopped.
	ErrSessionClosed = errors.New("session closed")
)

// ToolExecutionError reports that a tool handler failed. The handler's error is kept
// as the cause and is reachable through errors.Unwrap.
type ToolExecutionError struct {
	Tool string
	Err  error
}

// ToolCallError is the client side view of a failed tool execution. Message is the text
// the server reported, verbatim.
type ToolCallError struct {
	Tool    string
	Message string
}

// BindError reports that the server could not establish its listening endpoint.
type BindError struct {
	Addr string
	Err  error
}

// TransportError reports that the client could not reach the server, or that the
// channel closed unexpectedly. Callers may reconnect; nothing is retried internally.
type TransportError struct {
	Op  string
	URL string
	Err error
}

// ProtocolError reports a message that could not be interpreted in the expected shape.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("error executing tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *ToolCallError) Error() string { return e.Message }

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func transportError(op, url string, err error) error {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return err
	}
	return &TransportError{Op: op, URL: url, Err: err}
}
