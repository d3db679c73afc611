package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-greet"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	defer serverWriter.Close()
	defer clientWriter.Close()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)
	clientTransport := mcp.NewStdIO(clientReader, clientWriter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	testMessages := []mcp.JSONRPCMessage{
		{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      "1",
			Method:  "request1",
			Params:  json.RawMessage(`{"data":"first request"}`),
		},
		{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      "2",
			Method:  "request2",
			Params:  json.RawMessage(`{"data":"second request"}`),
		},
	}

	clientSession, err := clientTransport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}
	defer clientSession.Stop()
	serverSession, err := serverTransport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start server session: %v", err)
	}
	defer serverSession.Stop()

	received := make(chan mcp.JSONRPCMessage, len(testMessages))
	go func() {
		for msg := range serverSession.Messages() {
			received <- msg
			// Echo every request back as a response.
			_ = serverSession.Send(ctx, mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      msg.ID,
				Result:  msg.Params,
			})
		}
	}()

	replies := make(chan mcp.JSONRPCMessage, len(testMessages))
	go func() {
		for msg := range clientSession.Messages() {
			replies <- msg
		}
	}()

	for _, msg := range testMessages {
		if err := clientSession.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send %s: %v", msg.Method, err)
		}
	}

	for _, want := range testMessages {
		select {
		case got := <-received:
			if got.Method != want.Method || got.ID != want.ID {
				t.Errorf("server got %s/%s, want %s/%s", got.Method, got.ID, want.Method, want.ID)
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for server to receive messages")
		}
	}
	for _, want := range testMessages {
		select {
		case got := <-replies:
			if got.ID != want.ID {
				t.Errorf("client got reply %s, want %s", got.ID, want.ID)
			}
			if !jsonEqual(t, got.Result, want.Params) {
				t.Errorf("client got result %s, want %s", got.Result, want.Params)
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for client to receive replies")
		}
	}
}

func TestStdIORepliesToMalformedLines(t *testing.T) {
	peerReader, serverWriter := io.Pipe()
	serverReader, peerWriter := io.Pipe()
	defer serverWriter.Close()
	defer peerWriter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport := mcp.NewStdIO(serverReader, serverWriter)
	sess, err := transport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	received := make(chan mcp.JSONRPCMessage, 1)
	go func() {
		for msg := range sess.Messages() {
			received <- msg
		}
	}()

	go func() {
		_, _ = io.WriteString(peerWriter, "{not json\n")
		_, _ = io.WriteString(peerWriter, `{"jsonrpc":"2.0","id":7,"method":"ping"}`+"\n")
	}()

	reader := bufio.NewReader(peerReader)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	var reply mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		t.Fatalf("failed to decode reply %q: %v", line, err)
	}
	if reply.Error == nil || reply.Error.Code != -32700 {
		t.Fatalf("got %s, want a parse error", line)
	}
	if !strings.Contains(line, `"id":null`) {
		t.Errorf("got %s, want an explicit null id", line)
	}

	select {
	case msg := <-received:
		if msg.Method != "ping" || msg.ID != "7" {
			t.Errorf("got %s/%s, want ping/7", msg.Method, msg.ID)
		}
	case <-ctx.Done():
		t.Fatal("the session stopped reading after a malformed line")
	}
}

func TestStdIOSendAfterStop(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	transport := mcp.NewStdIO(reader, io.Discard)
	sess, err := transport.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	sess.Stop()
	sess.Stop()

	err = sess.Send(context.Background(), mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "ping"})
	if !errors.Is(err, mcp.ErrSessionClosed) {
		t.Errorf("got %v, want ErrSessionClosed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := transport.Shutdown(ctx); err != nil {
		// Sessions was never iterated, so Shutdown has nothing to wait for.
		t.Errorf("unexpected shutdown error: %v", err)
	}
}
