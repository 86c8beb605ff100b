package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type nopSub struct{ id string }

func (n nopSub) ID() string                                { return n.id }
func (n nopSub) Send(ctx context.Context, msg []byte) error { return nil }

func TestRegistryAddRemove(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	reg.Add(nopSub{id: "a"})
	reg.Add(nopSub{id: "b"})
	if got := reg.Count(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	reg.Remove("a")
	if got := reg.Count(); got != 1 {
		t.Errorf("expected 1 subscriber after remove, got %d", got)
	}
	if got := reg.Removed(); got != 1 {
		t.Errorf("expected 1 removal, got %d", got)
	}

	// Removing an unknown ID is a no-op.
	reg.Remove("a")
	reg.Remove("never-added")
	if got := reg.Removed(); got != 1 {
		t.Errorf("idempotent remove counted twice: %d", got)
	}
}

func TestRegistryNoDuplicates(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	reg.Add(nopSub{id: "a"})
	reg.Add(nopSub{id: "a"})
	if got := reg.Count(); got != 1 {
		t.Errorf("duplicate add produced %d entries", got)
	}
	if got := len(reg.snapshot()); got != 1 {
		t.Errorf("snapshot holds %d entries for one subscriber", got)
	}
}

func TestSnapshotInsertionOrder(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	for _, id := range []string{"c", "a", "b"} {
		reg.Add(nopSub{id: id})
	}

	snap := reg.snapshot()
	want := []string{"c", "a", "b"}
	for i, h := range snap {
		if h.sub.ID() != want[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, h.sub.ID(), want[i])
		}
	}
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Add(nopSub{id: "a"})
	reg.Add(nopSub{id: "b"})

	snap := reg.snapshot()
	reg.Remove("a")
	reg.Remove("b")

	if len(snap) != 2 {
		t.Errorf("snapshot mutated by concurrent removal: %d entries", len(snap))
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("sub-%d-%d", worker, j)
				reg.Add(nopSub{id: id})
				_ = reg.snapshot()
				reg.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	if got := reg.Count(); got != 0 {
		t.Errorf("expected empty registry, got %d", got)
	}
	if got := reg.Removed(); got != 800 {
		t.Errorf("expected 800 removals, got %d", got)
	}
}
