// Command stdio runs the greeting tools over standard input and output. Without flags it
// starts itself as a child process in server mode and drives it as a client.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	serve := flag.Bool("serve", false, "serve the greeting tools on stdin/stdout")
	name := flag.String("name", "Teddy 🐶", "name to greet")
	visits := flag.Int("visits", 3, "number of visit_counter calls")
	flag.Parse()

	// Stdout carries the protocol in server mode, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if *serve {
		err = runServer(ctx, logger)
	} else {
		err = runClient(ctx, logger, *name, *visits)
	}
	if err != nil {
		logger.Error("stdio example failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
