package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/go-mcp-greet"
	"github.com/MegaGrindStone/go-mcp-greet/servers/greeter"
)

func main() {
	stateful := flag.Bool("stateful", false, "keep session state across calls on a connection")
	transport := flag.String("transport", "streamable-http", "transport to expose: sse or streamable-http")
	addr := flag.String("addr", mcp.DefaultAddr, "address to listen on")
	origins := flag.String("allowed-origins", "", "comma separated list of CORS origins")
	accessLog := flag.Bool("access-log", false, "log every HTTP request")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		slog.Error("invalid log level", slog.String("err", err.Error()))
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	kind, err := mcp.ParseTransportKind(*transport)
	if err != nil {
		logger.Error("invalid transport", slog.String("err", err.Error()))
		os.Exit(2)
	}

	registry := mcp.NewToolRegistry()
	if err := greeter.Register(registry); err != nil {
		logger.Error("failed to register tools", slog.String("err", err.Error()))
		os.Exit(1)
	}

	cfg := mcp.ServerConfig{
		Addr:      *addr,
		Transport: kind,
		Stateful:  *stateful,
		AccessLog: *accessLog,
	}
	if *origins != "" {
		cfg.AllowedOrigins = strings.Split(*origins, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mcp.ListenAndServe(ctx, greeter.Info, cfg, registry, mcp.WithServerLogger(logger)); err != nil {
		logger.Error("server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
