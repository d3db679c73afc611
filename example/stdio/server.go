package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MegaGrindStone/go-mcp-greet"
	"github.com/MegaGrindStone/go-mcp-greet/servers/greeter"
)

// runServer serves the greeter until ctx is done or the parent closes stdin. A stdio
// connection is a single long-lived session, so visit_counter keeps counting.
func runServer(ctx context.Context, logger *slog.Logger) error {
	registry := mcp.NewToolRegistry()
	if err := greeter.Register(registry); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	transport := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	srv := mcp.NewServer(greeter.Info, transport, registry,
		mcp.WithStatefulSessions(true),
		mcp.WithServerLogger(logger),
	)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	select {
	case <-ctx.Done():
	case <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
