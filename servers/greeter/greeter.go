// Package greeter provides the tools of the greeting server: greet, which says hello by
// name, and visit_counter, which counts calls made over one connection.
package greeter

import (
	"context"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/go-mcp-greet"
)

// GreetArgs are the arguments of the greet tool.
type GreetArgs struct {
	Name string `json:"name" jsonschema:"the name of the person to greet"`
}

// VisitArgs are the arguments of the visit_counter tool, which takes none.
type VisitArgs struct{}

// Tool names.
const (
	GreetToolName        = "greet"
	VisitCounterToolName = "visit_counter"
)

const visitsKey = "greeter.visits"

// Info describes the greeting server.
var Info = mcp.Info{
	Name:    "greet-server",
	Version: "0.1.0",
}

// Greet returns the greeting for name.
func Greet(name string) string {
	return fmt.Sprintf("Hello, %s from MCP server!", name)
}

// Register adds the greeter tools to registry.
func Register(registry *mcp.ToolRegistry) error {
	if err := mcp.RegisterFunc(registry, GreetToolName,
		"Greets a person by name with a friendly hello message.", greet); err != nil {
		return fmt.Errorf("failed to register %s: %w", GreetToolName, err)
	}
	if err := mcp.RegisterFunc(registry, VisitCounterToolName,
		"Counts how many times it was called on the current connection.", visitCounter); err != nil {
		return fmt.Errorf("failed to register %s: %w", VisitCounterToolName, err)
	}
	return nil
}

func greet(_ context.Context, args GreetArgs) (any, error) {
	return Greet(args.Name), nil
}

// visitCounter only keeps counting across calls when the server runs in stateful mode;
// a stateless server hands every call a fresh state, so it always reports the first visit.
func visitCounter(ctx context.Context, _ VisitArgs) (any, error) {
	state := mcp.StateFromContext(ctx)
	if state == nil {
		return nil, errors.New("no session state")
	}
	visits := state.Update(visitsKey, func(old any, _ bool) any {
		n, _ := old.(int)
		return n + 1
	})
	return fmt.Sprintf("visit %d", visits), nil
}
