// Package mcp implements the tool side of the Model Context Protocol (MCP): a server that
// exposes registered tools to remote clients, and a client that discovers and invokes them.
// This implementation follows the specification at https://modelcontextprotocol.io/specification/.
//
// Tools are registered on a ToolRegistry, either with a raw JSON schema through Register or
// with a schema inferred from a Go type through RegisterFunc:
//
//	registry := mcp.NewToolRegistry()
//	err := mcp.RegisterFunc(registry, "greet", "Greets a person by name.",
//		func(ctx context.Context, args GreetArgs) (any, error) {
//			return "Hello, " + args.Name, nil
//		})
//
// The registry is served over HTTP with one of two transports, chosen by ServerConfig:
// TransportSSE keeps a server-sent event stream open per client, TransportStreamableHTTP
// exchanges each message as its own POST. In stateful mode a connection keeps a
// SessionState across calls, which tool handlers reach through StateFromContext.
//
//	err := mcp.ListenAndServe(ctx, info, mcp.ServerConfig{
//		Addr:      ":8000",
//		Transport: mcp.TransportStreamableHTTP,
//		Stateful:  true,
//	}, registry)
//
// Clients connect with Dial or, scoped to a function, WithClient:
//
//	err := mcp.WithClient(ctx, mcp.ClientConfig{
//		ServerURL: "http://localhost:8000",
//		Transport: mcp.TransportStreamableHTTP,
//	}, func(ctx context.Context, c *mcp.Client) error {
//		res, err := c.CallTool(ctx, "greet", map[string]any{"name": "Teddy"})
//		...
//	})
//
// Failures surface as distinct error types: *TransportError when the server cannot be
// reached, JSONRPCError when the server rejects a request, *ToolCallError when a tool ran
// and failed, and *ProtocolError when a message has an unexpected shape.
package mcp
