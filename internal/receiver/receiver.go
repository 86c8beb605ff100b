// Package receiver owns the datagram receive path: it reads chunks from
// a Source, feeds them through the assembler, and pushes completed
// frames onto the bounded queue. Per-datagram problems are recovered
// locally; only socket-level faults stop the loop.
package receiver

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/assemble"
	"github.com/dgnsrekt/framerelay/internal/chunk"
	"github.com/dgnsrekt/framerelay/internal/framequeue"
)

// maxDatagram covers the largest UDP payload; individual chunks are
// far smaller but a misconfigured sender must not be able to truncate
// silently.
const maxDatagram = 64 * 1024

// Source is the capability the receive loop reads datagrams from. Close
// must unblock a pending ReadChunk.
type Source interface {
	ReadChunk(buf []byte) (int, error)
	Close() error
}

// UDPSource reads datagrams from a bound UDP socket.
type UDPSource struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket on addr (e.g. ":6000").
func ListenUDP(addr string) (*UDPSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	return &UDPSource{conn: conn}, nil
}

func (s *UDPSource) ReadChunk(buf []byte) (int, error) {
	n, _, err := s.conn.ReadFromUDP(buf)
	return n, err
}

func (s *UDPSource) Close() error { return s.conn.Close() }

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *UDPSource) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Stats is a snapshot of the receive path counters.
type Stats struct {
	Datagrams    uint64         `json:"datagrams"`
	Malformed    uint64         `json:"malformed"`
	SizeRejected uint64         `json:"size_rejected"`
	Assembler    assemble.Stats `json:"assembler"`
}

// Receiver runs the single-threaded ingest loop. It is the only writer
// to the assembler's state.
type Receiver struct {
	source       Source
	assembler    *assemble.Assembler
	queue        *framequeue.Queue
	expectedSize uint32 // 0 accepts any declared frame size
	logger       *zap.Logger

	datagrams    atomic.Uint64
	malformed    atomic.Uint64
	sizeRejected atomic.Uint64
}

// New creates a Receiver. When expectedSize is non-zero, datagrams
// declaring any other total size are rejected as malformed before they
// reach the assembler (fixed-format senders, e.g. raw frames of a known
// resolution).
func New(source Source, assembler *assemble.Assembler, queue *framequeue.Queue, expectedSize uint32, logger *zap.Logger) *Receiver {
	return &Receiver{
		source:       source,
		assembler:    assembler,
		queue:        queue,
		expectedSize: expectedSize,
		logger:       logger,
	}
}

// Run reads datagrams until the source fails or the context is
// cancelled. The source is released on every exit path. Cancellation
// closes the source to unblock the pending read and returns nil; any
// other read error is the fatal socket fault the caller must surface.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.source.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.source.Close()
		case <-done:
		}
	}()
	defer close(done)

	r.logger.Info("receiver started", zap.Uint32("expectedFrameSize", r.expectedSize))

	buf := make([]byte, maxDatagram)
	for {
		n, err := r.source.ReadChunk(buf)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("receiver stopped")
				return nil
			}
			return fmt.Errorf("reading datagram: %w", err)
		}
		r.handle(buf[:n])
	}
}

// handle processes one datagram. Never stops the loop.
func (r *Receiver) handle(datagram []byte) {
	r.datagrams.Add(1)

	hdr, payload, err := chunk.Decode(datagram)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Debug("malformed datagram dropped", zap.Int("bytes", len(datagram)))
		return
	}

	if r.expectedSize != 0 && hdr.TotalSize != r.expectedSize {
		r.sizeRejected.Add(1)
		r.logger.Debug("datagram rejected by size validation",
			zap.Uint32("declared", hdr.TotalSize),
			zap.Uint32("expected", r.expectedSize),
		)
		return
	}

	if frame := r.assembler.Ingest(hdr, payload); frame != nil {
		r.queue.Push(frame)
	}
}

// Stats returns a snapshot of the receive path counters. Safe to call
// from any goroutine.
func (r *Receiver) Stats() Stats {
	return Stats{
		Datagrams:    r.datagrams.Load(),
		Malformed:    r.malformed.Load(),
		SizeRejected: r.sizeRejected.Load(),
		Assembler:    r.assembler.Stats(),
	}
}
