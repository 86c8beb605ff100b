package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/assemble"
	"github.com/dgnsrekt/framerelay/internal/broadcast"
	"github.com/dgnsrekt/framerelay/internal/framequeue"
)

func newTestServer(t *testing.T) (*broadcast.Registry, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	registry := broadcast.NewRegistry(logger)
	handler := NewHandler(registry, logger)

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWS))
	t.Cleanup(srv.Close)
	return registry, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestConnectRegistersSubscriber(t *testing.T) {
	registry, srv := newTestServer(t)
	conn := dial(t, srv)

	waitFor(t, func() bool { return registry.Count() == 1 })

	// First message is the connected greeting.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var greeting struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(raw, &greeting); err != nil {
		t.Fatalf("unmarshal greeting: %v", err)
	}
	if greeting.Type != "connected" || greeting.ConnectionID == "" {
		t.Errorf("unexpected greeting: %+v", greeting)
	}
}

func TestFramesReachConsumer(t *testing.T) {
	registry, srv := newTestServer(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return registry.Count() == 1 })

	logger := zap.NewNop()
	q := framequeue.New(2)
	b := broadcast.New(q, registry, []broadcast.Deriver{broadcast.Passthrough{}}, time.Second, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	q.Push(&assemble.Frame{Data: []byte("frame-bytes"), ReceivedAt: time.Now()})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	// Skip greeting.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame message: %v", err)
	}
	var msg struct {
		Type    string `json:"type"`
		Feed    string `json:"feed"`
		Data    []byte `json:"data"`
		FrameID uint64 `json:"frameId"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal frame message: %v", err)
	}
	if msg.Type != "frame" || msg.Feed != "original" || msg.FrameID != 1 {
		t.Errorf("unexpected message: type=%s feed=%s frameId=%d", msg.Type, msg.Feed, msg.FrameID)
	}
	if string(msg.Data) != "frame-bytes" {
		t.Errorf("unexpected payload: %q", msg.Data)
	}
}

func TestGreetingPrecedesFrames(t *testing.T) {
	registry, srv := newTestServer(t)

	logger := zap.NewNop()
	q := framequeue.New(4)
	b := broadcast.New(q, registry, []broadcast.Deriver{broadcast.Passthrough{}}, time.Second, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Keep frames flowing while clients connect.
	go func() {
		for ctx.Err() == nil {
			q.Push(&assemble.Frame{Data: []byte("f"), ReceivedAt: time.Now()})
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 5; i++ {
		conn := dial(t, srv)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("conn %d: read first message: %v", i, err)
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("conn %d: unmarshal: %v", i, err)
		}
		if msg.Type != "connected" {
			t.Fatalf("conn %d: first message is %q, want the greeting", i, msg.Type)
		}
		conn.Close()
	}
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	registry, srv := newTestServer(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return registry.Count() == 1 })

	conn.Close()
	waitFor(t, func() bool { return registry.Count() == 0 })
}

func TestSendFailsAfterClose(t *testing.T) {
	registry, srv := newTestServer(t)
	conn := dial(t, srv)
	waitFor(t, func() bool { return registry.Count() == 1 })

	client := &Client{
		conn:   nil,
		send:   make(chan []byte),
		connID: "test",
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	close(client.done)

	if err := client.Send(context.Background(), []byte("x")); err == nil {
		t.Error("expected send on closed client to fail")
	}

	// The full-buffer path fails once the context deadline passes.
	full := &Client{
		send:   make(chan []byte),
		connID: "full",
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := full.Send(ctx, []byte("x")); err == nil {
		t.Error("expected send with no reader to time out")
	}

	conn.Close()
}
