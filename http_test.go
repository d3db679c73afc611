package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-greet"
	"github.com/MegaGrindStone/go-mcp-greet/servers/greeter"
	"github.com/google/go-cmp/cmp"
)

type runningServer struct {
	url  string
	stop func() error
}

func startGreetServer(t *testing.T, cfg mcp.ServerConfig) *runningServer {
	t.Helper()

	registry := mcp.NewToolRegistry()
	if err := greeter.Register(registry); err != nil {
		t.Fatalf("failed to register greeter tools: %v", err)
	}
	srv, err := mcp.NewHTTPServer(greeter.Info, cfg, registry)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ctx, ln)
	}()

	stopped := false
	rs := &runningServer{
		url: "http://" + ln.Addr().String(),
	}
	rs.stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-errs:
			return err
		case <-time.After(15 * time.Second):
			return errors.New("server did not stop")
		}
	}
	t.Cleanup(func() {
		if err := rs.stop(); err != nil {
			t.Errorf("failed to stop server: %v", err)
		}
	})
	return rs
}

func TestGreetServerEndToEnd(t *testing.T) {
	transports := []mcp.TransportKind{mcp.TransportSSE, mcp.TransportStreamableHTTP}

	for _, transport := range transports {
		for _, stateful := range []bool{false, true} {
			name := fmt.Sprintf("%s/stateful=%t", transport, stateful)
			t.Run(name, func(t *testing.T) {
				srv := startGreetServer(t, mcp.ServerConfig{Transport: transport, Stateful: stateful})

				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				cfg := mcp.ClientConfig{ServerURL: srv.url, Transport: transport}
				err := mcp.WithClient(ctx, cfg, func(ctx context.Context, c *mcp.Client) error {
					if c.ServerInfo() != greeter.Info {
						t.Errorf("got server info %+v, want %+v", c.ServerInfo(), greeter.Info)
					}

					tools, err := c.ListTools(ctx)
					if err != nil {
						return fmt.Errorf("failed to list tools: %w", err)
					}
					names := make([]string, 0, len(tools))
					for _, tool := range tools {
						names = append(names, tool.Name)
					}
					want := []string{greeter.GreetToolName, greeter.VisitCounterToolName}
					if diff := cmp.Diff(want, names); diff != "" {
						t.Errorf("tools mismatch (-want +got):\n%s", diff)
					}

					var schema struct {
						Required []string `json:"required"`
					}
					if err := json.Unmarshal(tools[0].InputSchema, &schema); err != nil {
						return fmt.Errorf("failed to decode greet schema: %w", err)
					}
					if diff := cmp.Diff([]string{"name"}, schema.Required); diff != "" {
						t.Errorf("greet schema required mismatch (-want +got):\n%s", diff)
					}

					res, err := c.CallTool(ctx, greeter.GreetToolName, map[string]any{"name": "Teddy 🐶"})
					if err != nil {
						return fmt.Errorf("failed to call greet: %w", err)
					}
					if got := res.Text(); got != "Hello, Teddy 🐶 from MCP server!" {
						t.Errorf("got greeting %q", got)
					}

					for i := 1; i <= 3; i++ {
						res, err := c.CallTool(ctx, greeter.VisitCounterToolName, nil)
						if err != nil {
							return fmt.Errorf("failed to call visit_counter: %w", err)
						}
						want := "visit 1"
						if stateful {
							want = fmt.Sprintf("visit %d", i)
						}
						if got := res.Text(); got != want {
							t.Errorf("call %d: got %q, want %q", i, got, want)
						}
					}

					_, err = c.CallTool(ctx, "nonexistent", nil)
					var rpcErr mcp.JSONRPCError
					if !errors.As(err, &rpcErr) {
						t.Errorf("got %v, want JSONRPCError", err)
					} else if rpcErr.Message != "Unknown tool: nonexistent" {
						t.Errorf("got message %q", rpcErr.Message)
					}

					// The connection stays usable after a failed call.
					after, err := c.ListTools(ctx)
					if err != nil {
						return fmt.Errorf("failed to list tools after unknown tool: %w", err)
					}
					if len(after) != len(tools) {
						t.Errorf("got %d tools after unknown tool, want %d", len(after), len(tools))
					}
					res, err = c.CallTool(ctx, greeter.GreetToolName, map[string]any{"name": "again"})
					if err != nil {
						return fmt.Errorf("failed to call greet after unknown tool: %w", err)
					}
					if got := res.Text(); got != "Hello, again from MCP server!" {
						t.Errorf("got greeting %q after unknown tool", got)
					}

					_, err = c.CallTool(ctx, greeter.GreetToolName, map[string]any{})
					if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
						t.Errorf("got %v, want invalid params for a missing name", err)
					}
					return nil
				})
				if err != nil {
					t.Fatal(err)
				}
			})
		}
	}
}

func TestGreetServerConnectionsAreIsolated(t *testing.T) {
	srv := startGreetServer(t, mcp.ServerConfig{Transport: mcp.TransportStreamableHTTP, Stateful: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := mcp.ClientConfig{ServerURL: srv.url, Transport: mcp.TransportStreamableHTTP}
	first, err := mcp.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer first.Close()
	second, err := mcp.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer second.Close()

	for _, c := range []*mcp.Client{first, first, second} {
		if _, err := c.CallTool(ctx, greeter.VisitCounterToolName, nil); err != nil {
			t.Fatalf("failed to call visit_counter: %v", err)
		}
	}

	res, err := first.CallTool(ctx, greeter.VisitCounterToolName, nil)
	if err != nil {
		t.Fatalf("failed to call visit_counter: %v", err)
	}
	if res.Text() != "visit 3" {
		t.Errorf("first connection got %q, want visit 3", res.Text())
	}
	res, err = second.CallTool(ctx, greeter.VisitCounterToolName, nil)
	if err != nil {
		t.Fatalf("failed to call visit_counter: %v", err)
	}
	if res.Text() != "visit 2" {
		t.Errorf("second connection got %q, want visit 2", res.Text())
	}
}

func TestTransportMismatch(t *testing.T) {
	tests := []struct {
		name   string
		server mcp.TransportKind
		client mcp.TransportKind
	}{
		{name: "streamable client on sse server", server: mcp.TransportSSE, client: mcp.TransportStreamableHTTP},
		{name: "sse client on streamable server", server: mcp.TransportStreamableHTTP, client: mcp.TransportSSE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startGreetServer(t, mcp.ServerConfig{Transport: tt.server})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := mcp.Dial(ctx, mcp.ClientConfig{ServerURL: srv.url, Transport: tt.client})
			if !mcp.IsTransportError(err) {
				t.Errorf("got %v, want a transport error", err)
			}
		})
	}
}

func TestDialUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, transport := range []mcp.TransportKind{mcp.TransportSSE, mcp.TransportStreamableHTTP} {
		_, err := mcp.Dial(ctx, mcp.ClientConfig{ServerURL: "http://" + addr, Transport: transport})
		if !mcp.IsTransportError(err) {
			t.Errorf("%s: got %v, want a transport error", transport, err)
		}
	}
}

func TestWithClientReturnsCallbackError(t *testing.T) {
	srv := startGreetServer(t, mcp.ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := errors.New("done here")
	var client *mcp.Client
	err := mcp.WithClient(ctx, mcp.ClientConfig{ServerURL: srv.url}, func(_ context.Context, c *mcp.Client) error {
		client = c
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
	if _, err := client.ListTools(ctx); !mcp.IsTransportError(err) {
		t.Errorf("got %v, want a transport error from a closed client", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := startGreetServer(t, mcp.ServerConfig{Transport: mcp.TransportSSE, Stateful: true})

	resp, err := http.Get(srv.url + "/health")
	if err != nil {
		t.Fatalf("failed to get health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var health struct {
		Status    string `json:"status"`
		Server    string `json:"server"`
		Transport string `json:"transport"`
		Stateful  bool   `json:"stateful"`
		Tools     int    `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	want := struct {
		Status    string `json:"status"`
		Server    string `json:"server"`
		Transport string `json:"transport"`
		Stateful  bool   `json:"stateful"`
		Tools     int    `json:"tools"`
	}{Status: "ok", Server: greeter.Info.Name, Transport: "sse", Stateful: true, Tools: 2}
	if diff := cmp.Diff(want, health); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestCORSPreflight(t *testing.T) {
	const origin = "http://localhost:3000"
	srv := startGreetServer(t, mcp.ServerConfig{AllowedOrigins: []string{origin}})

	req, err := http.NewRequest(http.MethodOptions, srv.url+mcp.StreamablePath, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to send preflight: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != origin {
		t.Errorf("got allowed origin %q, want %q", got, origin)
	}
}

func TestListenAndServeBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = mcp.ListenAndServe(ctx, greeter.Info, mcp.ServerConfig{Addr: ln.Addr().String()}, mcp.NewToolRegistry())
	var bindErr *mcp.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("got %v, want BindError", err)
	}
	if bindErr.Addr != ln.Addr().String() {
		t.Errorf("got addr %q, want %q", bindErr.Addr, ln.Addr().String())
	}
}

func TestServeStopsWithOpenConnections(t *testing.T) {
	srv := startGreetServer(t, mcp.ServerConfig{Transport: mcp.TransportSSE, Stateful: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mcp.Dial(ctx, mcp.ClientConfig{ServerURL: srv.url, Transport: mcp.TransportSSE})
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer client.Close()

	if err := srv.stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	if _, err := client.CallTool(ctx, greeter.GreetToolName, map[string]any{"name": "late"}); err == nil {
		t.Error("expected calls to fail once the server is gone")
	}
}
