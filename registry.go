package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolHandler executes a tool. args holds the decoded call arguments, never nil. The
// returned value is rendered for the client: strings verbatim, fmt.Stringer through its
// String method, Content and CallToolResult values as they are, anything else as JSON.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolRegistry maps tool names to their descriptors and handlers. It is filled at startup
// and read concurrently by every session afterwards: List and Invoke never block on each
// other or on writers.
type ToolRegistry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[registrySnapshot]
	frozen atomic.Bool
}

type registeredTool struct {
	tool    Tool
	handler ToolHandler
	schema  *jsonschema.Resolved
}

type registrySnapshot struct {
	order []registeredTool
	index map[string]int
}

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{}
	r.snap.Store(&registrySnapshot{index: make(map[string]int)})
	return r
}

// Register adds a tool. schema may be nil, in which case the tool accepts any object and
// is listed with the empty object schema. A non-nil schema must be a valid JSON Schema;
// call arguments are validated against it before the handler runs.
func (r *ToolRegistry) Register(name, description string, schema json.RawMessage, handler ToolHandler) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}

	rt := registeredTool{
		tool: Tool{
			Name:        name,
			Description: description,
			InputSchema: emptyObjectSchema,
		},
		handler: handler,
	}
	if len(schema) > 0 {
		resolved, err := resolveSchema(schema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
		rt.tool.InputSchema = append(json.RawMessage(nil), schema...)
		rt.schema = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, name)
	}

	old := r.snap.Load()
	if _, ok := old.index[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	next := &registrySnapshot{
		order: make([]registeredTool, len(old.order), len(old.order)+1),
		index: make(map[string]int, len(old.index)+1),
	}
	copy(next.order, old.order)
	for k, v := range old.index {
		next.index[k] = v
	}
	next.index[name] = len(next.order)
	next.order = append(next.order, rt)
	r.snap.Store(next)

	return nil
}

// MustRegister is like Register but panics on error.
func (r *ToolRegistry) MustRegister(name, description string, schema json.RawMessage, handler ToolHandler) {
	if err := r.Register(name, description, schema, handler); err != nil {
		panic(err)
	}
}

// RegisterFunc registers a tool whose arguments decode into T. The input schema is
// inferred from T, honoring `json` and `jsonschema` struct tags.
func RegisterFunc[T any](r *ToolRegistry, name, description string,
	fn func(ctx context.Context, args T) (any, error),
) error {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return fmt.Errorf("failed to infer schema for tool %s: %w", name, err)
	}
	schemaBs, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema for tool %s: %w", name, err)
	}

	return r.Register(name, description, schemaBs, func(ctx context.Context, args map[string]any) (any, error) {
		argsBs, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		var in T
		if err := json.Unmarshal(argsBs, &in); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
		}
		return fn(ctx, in)
	})
}

// List returns the registered tools in registration order.
func (r *ToolRegistry) List() []Tool {
	snap := r.snap.Load()
	tools := make([]Tool, len(snap.order))
	for i, rt := range snap.order {
		tools[i] = rt.tool
	}
	return tools
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	return len(r.snap.Load().order)
}

// Lookup returns the descriptor of the named tool.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	rt, ok := r.lookup(name)
	return rt.tool, ok
}

// Invoke runs the named tool. Unknown names yield ErrUnknownTool, arguments rejected by the
// tool's schema yield ErrInvalidArguments, and handler failures (panics included) are
// wrapped in *ToolExecutionError.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	rt, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if rt.schema != nil {
		if err := rt.schema.Validate(args); err != nil {
			return nil, fmt.Errorf("%w for tool %s: %w", ErrInvalidArguments, name, err)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &ToolExecutionError{Tool: name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	res, err := rt.handler(ctx, args)
	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}
	return res, nil
}

// Freeze rejects further registrations. The server freezes its registry when it starts serving.
func (r *ToolRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen.Store(true)
}

func (r *ToolRegistry) lookup(name string) (registeredTool, bool) {
	snap := r.snap.Load()
	i, ok := snap.index[name]
	if !ok {
		return registeredTool{}, false
	}
	return snap.order[i], true
}

func resolveSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input schema: %w", err)
	}
	return resolved, nil
}
