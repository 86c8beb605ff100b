// Package assemble rebuilds complete frames from chunks that may arrive
// out of order, duplicated, or not at all. The assembler keeps at most
// one reassembly attempt (epoch) in flight; a restart always wins over a
// stale epoch and an incomplete epoch is silently discarded when it is
// superseded.
package assemble

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/chunk"
)

// Frame is one fully reassembled payload ready for distribution. The
// relay treats the bytes as opaque.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// epoch is the mutable state of one in-progress reassembly. It is owned
// exclusively by the Assembler.
type epoch struct {
	totalSize uint32
	numChunks int
	received  map[uint32][]byte
}

// Stats is a snapshot of the assembler's counters.
type Stats struct {
	Assembled       uint64 `json:"assembled"`
	EpochMismatches uint64 `json:"epoch_mismatches"`
	Discarded       uint64 `json:"discarded_epochs"`
}

// Assembler ingests chunks one at a time and emits a Frame whenever an
// epoch completes. Ingest must be called from a single goroutine; only
// Stats is safe to call concurrently.
type Assembler struct {
	maxPayload int
	current    *epoch
	logger     *zap.Logger

	assembled       atomic.Uint64
	epochMismatches atomic.Uint64
	discarded       atomic.Uint64
}

// New creates an Assembler for chunks of at most maxPayload bytes.
func New(maxPayload int, logger *zap.Logger) *Assembler {
	if maxPayload <= 0 {
		maxPayload = chunk.DefaultMaxPayload
	}
	return &Assembler{
		maxPayload: maxPayload,
		logger:     logger,
	}
}

// Ingest accepts one received chunk and returns the completed Frame when
// this chunk finishes its epoch, or nil while the epoch is incomplete.
// The payload is copied; callers may reuse the buffer.
func (a *Assembler) Ingest(hdr chunk.Header, payload []byte) *Frame {
	numChunks := chunk.NumChunks(hdr.TotalSize, a.maxPayload)

	if a.isRestart(hdr) {
		if a.current != nil && len(a.current.received) > 0 {
			a.discarded.Add(1)
			a.logger.Debug("discarding superseded epoch",
				zap.Uint32("oldTotalSize", a.current.totalSize),
				zap.Int("bufferedChunks", len(a.current.received)),
				zap.Uint32("newTotalSize", hdr.TotalSize),
			)
		}
		a.current = &epoch{
			totalSize: hdr.TotalSize,
			numChunks: numChunks,
			received:  make(map[uint32][]byte, numChunks),
		}
	} else if hdr.TotalSize != a.current.totalSize {
		// Not a restart and disagrees with the live epoch: this chunk
		// belongs to an epoch whose start we never observed. Drop it
		// and keep the current epoch intact.
		a.epochMismatches.Add(1)
		a.logger.Debug("epoch mismatch, chunk dropped",
			zap.Uint32("chunkTotalSize", hdr.TotalSize),
			zap.Uint32("expectedTotalSize", a.current.totalSize),
			zap.Uint32("index", hdr.Index),
		)
		return nil
	}

	if int(hdr.Index) >= a.current.numChunks {
		// Index beyond the declared chunk count can never contribute.
		a.epochMismatches.Add(1)
		return nil
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	a.current.received[hdr.Index] = buf

	if len(a.current.received) < a.current.numChunks {
		return nil
	}
	return a.finish()
}

// isRestart reports whether this chunk begins a new epoch. Index 0 with
// a total size that disagrees with the live epoch is always a restart,
// as is any chunk when no epoch exists. Index 0 matching an epoch that
// already holds an index 0 means a new frame of the same size; index 0
// matching an epoch that lacks it is the reordered start of the epoch
// in flight and joins it.
func (a *Assembler) isRestart(hdr chunk.Header) bool {
	if a.current == nil {
		return true
	}
	if hdr.Index != 0 {
		return false
	}
	if hdr.TotalSize != a.current.totalSize {
		return true
	}
	_, haveZero := a.current.received[0]
	return haveZero
}

// finish concatenates the completed epoch in index order and resets the
// assembler. Coverage and length are re-checked before the frame is
// emitted; a context failing either check is discarded.
func (a *Assembler) finish() *Frame {
	ep := a.current
	a.current = nil

	data := make([]byte, 0, ep.totalSize)
	for i := 0; i < ep.numChunks; i++ {
		p, ok := ep.received[uint32(i)]
		if !ok {
			a.discarded.Add(1)
			a.logger.Warn("epoch count matched without full index coverage, discarding",
				zap.Uint32("totalSize", ep.totalSize),
				zap.Int("missingIndex", i),
			)
			return nil
		}
		data = append(data, p...)
	}

	if uint32(len(data)) != ep.totalSize {
		a.discarded.Add(1)
		a.logger.Warn("assembled length disagrees with declared size, discarding",
			zap.Uint32("declared", ep.totalSize),
			zap.Int("assembled", len(data)),
		)
		return nil
	}

	a.assembled.Add(1)
	return &Frame{Data: data, ReceivedAt: time.Now()}
}

// Stats returns a snapshot of the assembler's counters. Safe to call
// from any goroutine.
func (a *Assembler) Stats() Stats {
	return Stats{
		Assembled:       a.assembled.Load(),
		EpochMismatches: a.epochMismatches.Load(),
		Discarded:       a.discarded.Load(),
	}
}
