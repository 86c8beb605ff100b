// Package archive persists broadcast frames to disk for offline
// inspection. Writes are atomic (temp file then rename) so a reader
// scanning the directory never observes a partial frame, and only the
// newest N frames are retained.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/framerelay/internal/assemble"
)

// Archiver writes frames into a single directory as frame_<id>.bin.
type Archiver struct {
	dir    string
	keep   int
	logger *zap.Logger

	mu  sync.Mutex
	ids []uint64 // archived frame ids, oldest first
}

// New creates the archive directory if needed and returns an Archiver
// retaining at most keep frames.
func New(dir string, keep int, logger *zap.Logger) (*Archiver, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	if keep < 1 {
		keep = 1
	}
	a := &Archiver{dir: dir, keep: keep, logger: logger}
	if err := a.loadExisting(); err != nil {
		return nil, err
	}
	return a, nil
}

// loadExisting picks up frames left by a previous run so pruning keeps
// working across restarts.
func (a *Archiver) loadExisting() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("reading archive directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(entry.Name(), "frame_%d.bin", &id); err == nil {
			a.ids = append(a.ids, id)
		}
	}
	sort.Slice(a.ids, func(i, j int) bool { return a.ids[i] < a.ids[j] })
	return nil
}

// Store writes one frame atomically and prunes beyond the retention
// limit. Suitable as a broadcast FrameObserver via a small adapter;
// errors are logged, never propagated into the broadcast loop.
func (a *Archiver) Store(frameID uint64, frame *assemble.Frame) {
	path := a.framePath(frameID)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, frame.Data, 0640); err != nil {
		a.logger.Warn("archive write failed", zap.Uint64("frameId", frameID), zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		a.logger.Warn("archive rename failed", zap.Uint64("frameId", frameID), zap.Error(err))
		return
	}

	a.mu.Lock()
	a.ids = append(a.ids, frameID)
	var evict []uint64
	if n := len(a.ids) - a.keep; n > 0 {
		evict = append(evict, a.ids[:n]...)
		a.ids = a.ids[n:]
	}
	a.mu.Unlock()

	for _, id := range evict {
		if err := os.Remove(a.framePath(id)); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("archive prune failed", zap.Uint64("frameId", id), zap.Error(err))
		}
	}
}

// Count returns the number of retained frames.
func (a *Archiver) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids)
}

func (a *Archiver) framePath(frameID uint64) string {
	return filepath.Join(a.dir, fmt.Sprintf("frame_%d.bin", frameID))
}
