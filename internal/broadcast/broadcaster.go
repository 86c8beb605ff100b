// Package broadcast fans completed frames out to a dynamic set of
// subscribers. The broadcaster consumes the bounded frame queue,
// derives zero or more named feeds per frame, and dispatches each
// subscriber independently so one slow or dead sink never delays the
// others or the next frame.
package broadcast

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/assemble"
	"github.com/dgnsrekt/framerelay/internal/framequeue"
)

const (
	// DefaultSendTimeout bounds a single subscriber delivery.
	DefaultSendTimeout = 5 * time.Second

	// pollTimeout is the idle-poll interval on the frame queue.
	pollTimeout = time.Second
)

// FrameObserver is notified once per broadcast frame, before fan-out.
// Observers run inline on the broadcast loop and must be cheap.
type FrameObserver func(frameID uint64, frame *assemble.Frame)

// Broadcaster pulls frames from the queue and pushes derived feeds to
// every live subscriber, best-effort and at most once per subscriber
// per frame.
type Broadcaster struct {
	queue       *framequeue.Queue
	registry    *Registry
	derivers    []Deriver
	observers   []FrameObserver
	sendTimeout time.Duration
	logger      *zap.Logger

	frameID    atomic.Uint64
	broadcasts atomic.Uint64
}

// New creates a Broadcaster. Frames produce one delivery per deriver;
// with no derivers, frames are consumed but nothing is sent and the
// frame sequence does not advance.
func New(queue *framequeue.Queue, registry *Registry, derivers []Deriver, sendTimeout time.Duration, logger *zap.Logger) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Broadcaster{
		queue:       queue,
		registry:    registry,
		derivers:    derivers,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Observe registers an observer. Not safe to call after Run starts.
func (b *Broadcaster) Observe(obs FrameObserver) {
	b.observers = append(b.observers, obs)
}

// Run consumes the queue until the context is cancelled. In-flight
// deliveries are allowed to finish or time out on their own; no new pop
// is issued after cancellation.
func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("broadcaster started",
		zap.Int("feeds", len(b.derivers)),
		zap.Duration("sendTimeout", b.sendTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcaster stopping")
			return
		default:
		}

		frame, ok := b.queue.Pop(pollTimeout)
		if !ok {
			continue // idle poll, not an error
		}
		b.dispatch(ctx, frame)
	}
}

// dispatch derives the feeds for one frame and fans them out.
func (b *Broadcaster) dispatch(ctx context.Context, frame *assemble.Frame) {
	type feed struct {
		name string
		data []byte
	}

	feeds := make([]feed, 0, len(b.derivers))
	for _, d := range b.derivers {
		data, err := d.Derive(frame.Data)
		if err != nil {
			b.logger.Warn("feed derivation failed",
				zap.String("feed", d.Name()),
				zap.Error(err),
			)
			continue
		}
		feeds = append(feeds, feed{name: d.Name(), data: data})
	}
	if len(feeds) == 0 {
		return
	}

	frameID := b.frameID.Add(1)
	b.broadcasts.Add(1)

	for _, obs := range b.observers {
		obs(frameID, frame)
	}

	msgs := make([][]byte, len(feeds))
	for i, f := range feeds {
		msgs[i] = buildFrameMessage(f.name, f.data, frameID)
	}

	subs := b.registry.snapshot()
	if len(subs) == 0 {
		return
	}

	b.logger.Debug("broadcasting frame",
		zap.Uint64("frameId", frameID),
		zap.Int("frameBytes", len(frame.Data)),
		zap.Int("subscribers", len(subs)),
	)

	for _, h := range subs {
		b.enqueue(ctx, h, msgs)
	}
}

// enqueue appends one frame's messages to the subscriber's delivery
// queue. It runs on the broadcast loop, so the queue holds frames in
// dispatch order; the drainer is started when the queue goes non-empty
// and deliveries to different subscribers proceed independently.
func (b *Broadcaster) enqueue(ctx context.Context, h *handle, msgs [][]byte) {
	h.mu.Lock()
	if h.failed {
		h.mu.Unlock()
		return
	}
	h.pending = append(h.pending, msgs...)
	start := !h.running
	h.running = true
	h.mu.Unlock()

	if start {
		go b.drain(ctx, h)
	}
}

// drain writes one subscriber's queued messages out in order. A failed
// or timed-out send removes the subscriber after that one attempt and
// discards whatever it still had queued.
func (b *Broadcaster) drain(ctx context.Context, h *handle) {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.running = false
			h.mu.Unlock()
			return
		}
		msg := h.pending[0]
		h.pending[0] = nil
		h.pending = h.pending[1:]
		h.mu.Unlock()

		sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		err := h.sub.Send(sendCtx, msg)
		cancel()
		if err != nil {
			b.logger.Info("delivery failed, removing subscriber",
				zap.String("subscriber", h.sub.ID()),
				zap.Error(err),
			)
			b.registry.Remove(h.sub.ID())
			if closer, ok := h.sub.(io.Closer); ok {
				closer.Close()
			}
			h.mu.Lock()
			h.failed = true
			h.pending = nil
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// FrameID returns the sequence number of the most recently broadcast
// frame.
func (b *Broadcaster) FrameID() uint64 { return b.frameID.Load() }

// Broadcasts returns the number of frames that produced at least one
// feed.
func (b *Broadcaster) Broadcasts() uint64 { return b.broadcasts.Load() }
