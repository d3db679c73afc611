package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/MegaGrindStone/go-mcp-greet"
	"github.com/MegaGrindStone/go-mcp-greet/servers/greeter"
)

func main() {
	transport := flag.String("transport", "streamable-http", "transport of the server: sse or streamable-http")
	server := flag.String("server", "http://localhost:8000", "base URL of the server")
	name := flag.String("name", "Teddy 🐶", "name to greet")
	timeout := flag.Duration("timeout", 30*time.Second, "timeout for the whole session")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	kind, err := mcp.ParseTransportKind(*transport)
	if err != nil {
		logger.Error("invalid transport", slog.String("err", err.Error()))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	cfg := mcp.ClientConfig{
		ServerURL: *server,
		Transport: kind,
	}
	err = mcp.WithClient(ctx, cfg, func(ctx context.Context, c *mcp.Client) error {
		fmt.Printf("Connected to %s %s (protocol %s)\n",
			c.ServerInfo().Name, c.ServerInfo().Version, c.ProtocolVersion())

		tools, err := c.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		fmt.Println("Available tools:")
		for _, tool := range tools {
			fmt.Printf("- %s: %s\n", tool.Name, tool.Description)
			schema, _ := json.MarshalIndent(json.RawMessage(tool.InputSchema), "  ", "  ")
			fmt.Printf("  input schema: %s\n", schema)
		}

		res, err := c.CallTool(ctx, greeter.GreetToolName, map[string]any{"name": *name})
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", greeter.GreetToolName, err)
		}
		fmt.Println(res.Text())
		return nil
	}, mcp.WithClientLogger(logger))
	if err != nil {
		var tErr *mcp.TransportError
		if errors.As(err, &tErr) {
			fmt.Fprintf(os.Stderr, "could not reach %s over %s: %v\n", *server, kind, err)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}
