package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/assemble"
	"github.com/dgnsrekt/framerelay/internal/broadcast"
	"github.com/dgnsrekt/framerelay/internal/chunk"
	"github.com/dgnsrekt/framerelay/internal/framequeue"
	"github.com/dgnsrekt/framerelay/internal/receiver"
	"github.com/dgnsrekt/framerelay/internal/ws"
)

// idleSource blocks forever; the receiver under test never reads in
// these handler tests.
type idleSource struct{ done chan struct{} }

func (s *idleSource) ReadChunk(buf []byte) (int, error) {
	<-s.done
	return 0, io.EOF
}

func (s *idleSource) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func newTestRouter(t *testing.T) (http.Handler, *framequeue.Queue, *LatestStore) {
	t.Helper()
	logger := zap.NewNop()

	q := framequeue.New(5)
	asm := assemble.New(chunk.DefaultMaxPayload, logger)
	rcv := receiver.New(&idleSource{done: make(chan struct{})}, asm, q, 0, logger)
	registry := broadcast.NewRegistry(logger)
	b := broadcast.New(q, registry, []broadcast.Deriver{broadcast.Passthrough{}}, time.Second, logger)
	latest := &LatestStore{}
	b.Observe(latest.Observe)

	srv := NewServer(rcv, q, registry, b, latest, logger)
	wsHandler := ws.NewHandler(registry, logger)
	return NewRouter(srv, wsHandler, logger), q, latest
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", got)
	}
}

func TestStats(t *testing.T) {
	router, q, _ := newTestRouter(t)

	// Overflow a capacity-5 queue by one to move the dropped counter.
	for i := 0; i < 6; i++ {
		q.Push(&assemble.Frame{Data: []byte{byte(i)}, ReceivedAt: time.Now()})
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		QueueLength  int    `json:"queue_length"`
		QueueDropped uint64 `json:"queue_dropped"`
		Subscribers  int    `json:"subscribers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if resp.QueueLength != 5 {
		t.Errorf("expected queue length 5, got %d", resp.QueueLength)
	}
	if resp.QueueDropped != 1 {
		t.Errorf("expected 1 dropped, got %d", resp.QueueDropped)
	}
	if resp.Subscribers != 0 {
		t.Errorf("expected 0 subscribers, got %d", resp.Subscribers)
	}
}

func TestLatestFrameNotFoundInitially(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/frames/latest", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any frame, got %d", rec.Code)
	}
}

func TestLatestFrameServed(t *testing.T) {
	router, _, latest := newTestRouter(t)

	payload := []byte("latest-frame-bytes")
	latest.Observe(42, &assemble.Frame{Data: payload, ReceivedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/frames/latest", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Error("latest frame body mismatch")
	}
	if got := rec.Header().Get("X-Frame-Id"); got != "42" {
		t.Errorf("expected X-Frame-Id 42, got %s", got)
	}
}
