package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

// HTTPServer bundles a Server with the HTTP endpoint of its configured transport.
//
// With TransportSSE it exposes GET SSEPath and POST SSEMessagePath, with
// TransportStreamableHTTP it exposes StreamablePath. Both expose GET /health.
type HTTPServer struct {
	cfg     ServerConfig
	engine  *Server
	handler http.Handler
	logger  *slog.Logger
}

const readHeaderTimeout = 15 * time.Second

// NewHTTPServer validates cfg and wires the transport, the engine and the router.
func NewHTTPServer(info Info, cfg ServerConfig, registry *ToolRegistry, options ...ServerOption) (*HTTPServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	cfg = cfg.withDefaults()

	var (
		transport  ServerTransport
		sseSrv     *SSEServer
		streamable *StreamableServer
	)
	switch cfg.Transport {
	case TransportSSE:
		sseSrv = NewSSEServer(SSEMessagePath)
		transport = sseSrv
	case TransportStreamableHTTP:
		streamable = NewStreamableServer(cfg.Stateful)
		transport = streamable
	}

	opts := append(options[:len(options):len(options)], WithStatefulSessions(cfg.Stateful))
	engine := NewServer(info, transport, registry, opts...)
	logger := engine.logger
	if sseSrv != nil {
		sseSrv.logger = logger.With(slog.String("component", "sse-server"))
	}
	if streamable != nil {
		streamable.logger = logger.With(slog.String("component", "streamable-server"))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{HeaderSessionID},
		}).Handler)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"server":    info.Name,
			"version":   info.Version,
			"transport": cfg.Transport.String(),
			"stateful":  cfg.Stateful,
			"tools":     registry.Len(),
		})
	})

	switch cfg.Transport {
	case TransportSSE:
		r.Method(http.MethodGet, SSEPath, sseSrv.HandleSSE())
		r.Method(http.MethodPost, SSEMessagePath, sseSrv.HandleMessage())
	case TransportStreamableHTTP:
		r.Handle(StreamablePath, streamable)
	}

	return &HTTPServer{
		cfg:     cfg,
		engine:  engine,
		handler: r,
		logger:  logger,
	}, nil
}

// Handler returns the router serving the transport endpoints.
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Engine returns the protocol engine. Callers mounting Handler themselves must run
// Engine().Serve and Engine().Shutdown.
func (h *HTTPServer) Engine() *Server {
	return h.engine
}

// ListenAndServe binds cfg.Addr and serves until ctx is done. A failure to bind is
// returned as *BindError.
func (h *HTTPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return &BindError{Addr: h.cfg.Addr, Err: err}
	}
	return h.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully. It takes ownership of ln.
func (h *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	mode := "stateless"
	if h.cfg.Stateful {
		mode = "stateful"
	}
	h.logger.Info("serving tools",
		slog.String("addr", ln.Addr().String()),
		slog.String("transport", h.cfg.Transport.String()),
		slog.String("mode", mode))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		h.engine.Serve()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
		defer cancel()

		// The engine goes first: it stops the sessions, which ends the long-lived SSE
		// requests the HTTP server would otherwise wait for.
		var errs []error
		if err := h.engine.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	h.logger.Info("server stopped")
	return err
}

// ListenAndServe serves the tools of registry as described by cfg until ctx is done.
func ListenAndServe(ctx context.Context, info Info, cfg ServerConfig, registry *ToolRegistry,
	options ...ServerOption,
) error {
	srv, err := NewHTTPServer(info, cfg, registry, options...)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}
