// Package server exposes the relay's HTTP surface: health, diagnostics,
// the latest completed frame, and the WebSocket subscriber endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/assemble"
	"github.com/dgnsrekt/framerelay/internal/broadcast"
	"github.com/dgnsrekt/framerelay/internal/framequeue"
	"github.com/dgnsrekt/framerelay/internal/receiver"
	"github.com/dgnsrekt/framerelay/internal/ws"
)

// LatestStore retains the most recently broadcast frame for the
// poll-style /frames/latest endpoint.
type LatestStore struct {
	mu      sync.RWMutex
	frameID uint64
	data    []byte
}

// Observe records a frame; wired as a broadcast FrameObserver.
func (s *LatestStore) Observe(frameID uint64, frame *assemble.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameID = frameID
	s.data = frame.Data
}

// Get returns the latest frame and its sequence number, or false when
// no frame has been broadcast yet.
func (s *LatestStore) Get() ([]byte, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, 0, false
	}
	return s.data, s.frameID, true
}

// Server aggregates the relay components the HTTP surface reports on.
type Server struct {
	receiver    *receiver.Receiver
	queue       *framequeue.Queue
	registry    *broadcast.Registry
	broadcaster *broadcast.Broadcaster
	latest      *LatestStore
	logger      *zap.Logger
}

func NewServer(
	rcv *receiver.Receiver,
	queue *framequeue.Queue,
	registry *broadcast.Registry,
	broadcaster *broadcast.Broadcaster,
	latest *LatestStore,
	logger *zap.Logger,
) *Server {
	return &Server{
		receiver:    rcv,
		queue:       queue,
		registry:    registry,
		broadcaster: broadcaster,
		latest:      latest,
		logger:      logger,
	}
}

// NewRouter builds the chi router for the relay.
func NewRouter(server *Server, wsHandler *ws.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", server.handleHealthz)
	r.Get("/stats", server.handleStats)
	r.Get("/frames/latest", server.handleLatestFrame)
	r.Get("/ws", wsHandler.HandleWS)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// statsResponse is the /stats payload.
type statsResponse struct {
	Receiver      receiver.Stats `json:"receiver"`
	QueueLength   int            `json:"queue_length"`
	QueueDropped  uint64         `json:"queue_dropped"`
	Broadcasts    uint64         `json:"broadcasts"`
	FrameID       uint64         `json:"frame_id"`
	Subscribers   int            `json:"subscribers"`
	SubsRemoved   uint64         `json:"subscribers_removed"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Receiver:     s.receiver.Stats(),
		QueueLength:  s.queue.Len(),
		QueueDropped: s.queue.Dropped(),
		Broadcasts:   s.broadcaster.Broadcasts(),
		FrameID:      s.broadcaster.FrameID(),
		Subscribers:  s.registry.Count(),
		SubsRemoved:  s.registry.Removed(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode stats response", zap.Error(err))
	}
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	data, frameID, ok := s.latest.Get()
	if !ok {
		http.Error(w, `{"error":"no frame received yet"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Frame-Id", strconv.FormatUint(frameID, 10))
	w.Write(data)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}
