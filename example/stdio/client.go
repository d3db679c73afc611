package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/MegaGrindStone/go-mcp-greet"
	"github.com/MegaGrindStone/go-mcp-greet/servers/greeter"
)

// runClient starts this binary in server mode and talks to it over the child's pipes.
func runClient(ctx context.Context, logger *slog.Logger, name string, visits int) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, self, "-serve")
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open child stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open child stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() {
		// Closing stdin ends the child's session, which lets it exit on its own.
		stdin.Close()
		if err := cmd.Wait(); err != nil {
			logger.Warn("server exited", slog.String("err", err.Error()))
		}
	}()

	transport := mcp.NewStdIO(stdout, stdin, mcp.WithStdIOLogger(logger))
	cli := mcp.NewClient(mcp.Info{Name: "greet-stdio-client", Version: "0.1.0"}, transport,
		mcp.WithClientLogger(logger))
	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer cli.Close()

	info := cli.ServerInfo()
	fmt.Printf("Connected to %s %s (protocol %s)\n", info.Name, info.Version, cli.ProtocolVersion())

	tools, err := cli.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	for _, tool := range tools {
		fmt.Printf("- %s: %s\n", tool.Name, tool.Description)
	}

	res, err := cli.CallTool(ctx, greeter.GreetToolName, map[string]any{"name": name})
	if err != nil {
		return fmt.Errorf("failed to greet: %w", err)
	}
	fmt.Println(res.Text())

	for range visits {
		res, err := cli.CallTool(ctx, greeter.VisitCounterToolName, nil)
		if err != nil {
			return fmt.Errorf("failed to count visit: %w", err)
		}
		fmt.Println(res.Text())
	}
	return nil
}
