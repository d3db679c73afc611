package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-greet"
)

func TestSSEServerAndClient(t *testing.T) {
	srv, cli, httpSrv := setupSSE()
	defer httpSrv.Close()

	serverSessions := make(chan mcp.Session, 1)
	go func() {
		for sess := range srv.Sessions() {
			serverSessions <- sess
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := cli.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}
	defer clientSession.Stop()

	var serverSession mcp.Session
	select {
	case serverSession = <-serverSessions:
	case <-ctx.Done():
		t.Fatal("timeout waiting for server session")
	}
	defer serverSession.Stop()

	serverReceived := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range serverSession.Messages() {
			serverReceived <- msg
		}
	}()
	clientReceived := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range clientSession.Messages() {
			clientReceived <- msg
		}
	}()

	request := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}
	if err := clientSession.Send(ctx, request); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	select {
	case got := <-serverReceived:
		if got.Method != request.Method || got.ID != request.ID {
			t.Errorf("server got %s/%s, want %s/%s", got.Method, got.ID, request.Method, request.ID)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for server to receive message")
	}

	response := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Result:  json.RawMessage(`{"tools":[]}`),
	}
	if err := serverSession.Send(ctx, response); err != nil {
		t.Fatalf("failed to send response: %v", err)
	}

	select {
	case got := <-clientReceived:
		if got.ID != response.ID {
			t.Errorf("client got %s, want %s", got.ID, response.ID)
		}
		if !jsonEqual(t, got.Result, response.Result) {
			t.Errorf("client got result %s, want %s", got.Result, response.Result)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for client to receive message")
	}
}

func TestSSEServerMultipleClients(t *testing.T) {
	srv, cli, httpSrv := setupSSE()
	defer httpSrv.Close()

	serverSessions := make(chan mcp.Session, 3)
	go func() {
		for sess := range srv.Sessions() {
			serverSessions <- sess
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids := make(map[string]bool)
	for range 3 {
		sess, err := cli.StartSession(ctx)
		if err != nil {
			t.Fatalf("failed to start client session: %v", err)
		}
		defer sess.Stop()

		select {
		case srvSess := <-serverSessions:
			defer srvSess.Stop()
			if ids[srvSess.ID()] {
				t.Errorf("duplicate session ID %s", srvSess.ID())
			}
			ids[srvSess.ID()] = true
		case <-ctx.Done():
			t.Fatal("timeout waiting for server session")
		}
	}
}

func TestSSEEndpointEvent(t *testing.T) {
	_, _, httpSrv := setupSSE()
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+mcp.SSEPath, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := httpSrv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("got content type %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for event == "" || data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if event != "endpoint" {
		t.Errorf("got event %q, want endpoint", event)
	}
	if !strings.HasPrefix(data, mcp.SSEMessagePath+"?session_id=") {
		t.Errorf("got endpoint %q, want it to start with %q", data, mcp.SSEMessagePath+"?session_id=")
	}
}

func TestSSEHandleMessageRejectsBadRequests(t *testing.T) {
	srv, cli, httpSrv := setupSSE()
	defer httpSrv.Close()

	go func() {
		for sess := range srv.Sessions() {
			go func() {
				for range sess.Messages() {
				}
			}()
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A live session gives a valid session ID to address.
	clientSession, err := cli.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}
	defer clientSession.Stop()

	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	tests := []struct {
		name       string
		query      string
		body       string
		wantStatus int
	}{
		{
			name:       "missing session id",
			query:      "",
			body:       ping,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown session",
			query:      "?session_id=does-not-exist",
			body:       ping,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := httpSrv.Client().Post(httpSrv.URL+mcp.SSEMessagePath+tt.query,
				"application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("failed to post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("got status %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}

	if err := clientSession.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	}); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
	err = clientSession.Send(ctx, mcp.JSONRPCMessage{JSONRPC: "1.0", Method: "ping"})
	var transportErr *mcp.TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("got %v, want TransportError for a malformed message", err)
	}
}

func TestSSEClientRejectsNonStream(t *testing.T) {
	httpSrv := httptest.NewServer(http.NotFoundHandler())
	defer httpSrv.Close()

	cli := mcp.NewSSEClient(httpSrv.URL+mcp.SSEPath, httpSrv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := cli.StartSession(ctx)
	var transportErr *mcp.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("got %v, want TransportError", err)
	}
	if !mcp.IsTransportError(err) {
		t.Error("IsTransportError must report true")
	}
}

func TestSSELargeMessagePayload(t *testing.T) {
	srv, _, httpSrv := setupSSE()
	defer httpSrv.Close()

	cli := mcp.NewSSEClient(httpSrv.URL+mcp.SSEPath, httpSrv.Client(), mcp.WithSSEClientMaxPayloadSize(1<<20))

	serverSessions := make(chan mcp.Session, 1)
	go func() {
		for sess := range srv.Sessions() {
			serverSessions <- sess
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := cli.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}
	defer clientSession.Stop()

	serverSession := <-serverSessions
	defer serverSession.Stop()

	clientReceived := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range clientSession.Messages() {
			clientReceived <- msg
		}
	}()

	large := strings.Repeat("x", 256*1024)
	result, err := json.Marshal(mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(large)}})
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	if err := serverSession.Send(ctx, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "large",
		Result:  result,
	}); err != nil {
		t.Fatalf("failed to send large message: %v", err)
	}

	select {
	case got := <-clientReceived:
		var res mcp.CallToolResult
		if err := json.Unmarshal(got.Result, &res); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
		if res.Text() != large {
			t.Errorf("got %d bytes, want %d", len(res.Text()), len(large))
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for large message")
	}
}

func TestSSEClientFailsCallsOnUndecodableMessage(t *testing.T) {
	events := make(chan string, 4)
	mux := http.NewServeMux()
	mux.HandleFunc(mcp.SSEPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: endpoint\ndata: %s?session_id=fixed\n\n", mcp.SSEMessagePath)
		w.(http.Flusher).Flush()
		for {
			select {
			case data := <-events:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc(mcp.SSEMessagePath, func(w http.ResponseWriter, r *http.Request) {
		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch msg.Method {
		case "initialize":
			result, _ := json.Marshal(map[string]any{
				"protocolVersion": mcp.LatestProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      testServerInfo,
			})
			res, _ := json.Marshal(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID, Result: result})
			events <- string(res)
		case mcp.MethodToolsList:
			events <- `{"jsonrpc":"2.0","id":`
		}
		w.WriteHeader(http.StatusAccepted)
	})
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli := mcp.NewClient(testClientInfo, mcp.NewSSEClient(httpSrv.URL+mcp.SSEPath, httpSrv.Client()))
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer cli.Close()

	_, err := cli.ListTools(ctx)
	var protoErr *mcp.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("got %v, want a ProtocolError", err)
	}
	if ctx.Err() != nil {
		t.Fatal("the pending call waited for the deadline instead of failing")
	}

	_, err = cli.CallTool(ctx, "greet", map[string]any{"name": "later"})
	if !errors.As(err, &protoErr) {
		t.Errorf("got %v for a call after the stream failed, want a ProtocolError", err)
	}
}
