package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is an opaque sink frames can be pushed to, plus an identity
// used for set membership. Send must respect the context deadline; a
// returned error marks the subscriber as failed.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
}

// handle pairs a subscriber with its delivery queue. The broadcast loop
// appends each frame's messages under the handle mutex, so queue order
// is dispatch order; a single drainer goroutine per subscriber writes
// them out one at a time.
type handle struct {
	sub Subscriber

	mu      sync.Mutex
	pending [][]byte
	running bool
	failed  bool
}

// Registry is the thread-safe set of active subscribers. Membership
// changes and broadcast dispatch run concurrently; delivery itself
// always happens outside the registry lock.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
	order   []string
	removed uint64
	logger  *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*handle),
		logger:  logger,
	}
}

// Add registers a subscriber. Adding an ID that is already active is a
// no-op so the set never holds duplicates.
func (r *Registry) Add(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sub.ID()
	if _, ok := r.handles[id]; ok {
		return
	}
	r.handles[id] = &handle{sub: sub}
	r.order = append(r.order, id)
	r.logger.Debug("subscriber added", zap.String("subscriber", id))
}

// Remove deletes a subscriber from the active set. Safe to call while a
// broadcast is in progress and idempotent for unknown IDs.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; !ok {
		return
	}
	delete(r.handles, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.removed++
	r.logger.Debug("subscriber removed", zap.String("subscriber", id))
}

// snapshot returns the active handles in insertion order. The copy is
// defensive: concurrent Add/Remove never invalidates an in-progress
// broadcast iteration.
func (r *Registry) snapshot() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// Count returns the number of active subscribers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Removed returns the total number of removals since construction.
func (r *Registry) Removed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}
