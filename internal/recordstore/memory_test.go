package recordstore

import (
	"context"
	"testing"
	"time"
)

func recvSnapshot(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Updates():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return nil
	}
}

// waitForSnapshot receives snapshots until pred is satisfied. Delivery is
// latest-wins, so intermediate snapshots may be skipped.
func waitForSnapshot(t *testing.T, sub *Subscription, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Updates():
			if !ok {
				t.Fatalf("subscription closed")
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
		}
	}
}

func TestMemoryStore_SubscribeDeliversInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	id, err := s.Create(ctx, "calls", Fields{"status": "calling", "callerId": "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := s.Subscribe(ctx, Query{Collection: "calls"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	snap := recvSnapshot(t, sub)
	if len(snap) != 1 || snap[0].ID != id {
		t.Fatalf("initial snapshot = %+v, want one record %s", snap, id)
	}
	if snap[0].Fields["callerId"] != "alice" {
		t.Fatalf("fields = %+v", snap[0].Fields)
	}
}

func TestMemoryStore_EqualityFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if _, err := s.Create(ctx, "calls", Fields{"calleeUsername": "bob", "status": "calling"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, "calls", Fields{"calleeUsername": "carol", "status": "calling"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := s.Subscribe(ctx, Query{
		Collection: "calls",
		Equals:     map[string]any{"calleeUsername": "bob", "status": "calling"},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	snap := recvSnapshot(t, sub)
	if len(snap) != 1 || snap[0].Fields["calleeUsername"] != "bob" {
		t.Fatalf("filtered snapshot = %+v", snap)
	}
}

func TestMemoryStore_UpdateNotifiesAndMergesFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	id, err := s.Create(ctx, "calls", Fields{"status": "calling", "callerId": "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := s.Subscribe(ctx, Query{Collection: "calls", ID: id})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()
	recvSnapshot(t, sub)

	if err := s.Update(ctx, "calls", id, Fields{"status": "connected"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap := waitForSnapshot(t, sub, func(s Snapshot) bool {
		return len(s) == 1 && s[0].Fields["status"] == "connected"
	})
	// Fields not named by the update are preserved.
	if snap[0].Fields["callerId"] != "alice" {
		t.Fatalf("callerId lost on update: %+v", snap[0].Fields)
	}
}

func TestMemoryStore_DeleteDeliversEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	id, err := s.Create(ctx, "calls", Fields{"status": "calling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, err := s.Subscribe(ctx, Query{Collection: "calls", ID: id})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()
	recvSnapshot(t, sub)

	if err := s.Delete(ctx, "calls", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	snap := waitForSnapshot(t, sub, func(s Snapshot) bool { return len(s) == 0 })
	if snap == nil {
		t.Fatalf("expected non-nil empty snapshot")
	}
}

func TestMemoryStore_UpdateMissingRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Update(ctx, "calls", "nope", Fields{"status": "connected"}); err != ErrNotFound {
		t.Fatalf("Update missing = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "calls", "nope"); err != ErrNotFound {
		t.Fatalf("Delete missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_CoalescesToLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	id, err := s.Create(ctx, "calls", Fields{"n": float64(0)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, err := s.Subscribe(ctx, Query{Collection: "calls", ID: id})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	// Burst of updates with no reader: the subscriber must still end up
	// observing the final state.
	for i := 1; i <= 10; i++ {
		if err := s.Update(ctx, "calls", id, Fields{"n": float64(i)}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	waitForSnapshot(t, sub, func(s Snapshot) bool {
		return len(s) == 1 && s[0].Fields["n"] == float64(10)
	})
}

func TestMemoryStore_CancelClosesStream(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	sub, err := s.Subscribe(ctx, Query{Collection: "calls"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	recvSnapshot(t, sub)
	sub.Cancel()

	select {
	case _, ok := <-sub.Updates():
		if ok {
			t.Fatalf("expected closed channel after Cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after Cancel")
	}
	// Idempotent.
	sub.Cancel()
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	id, err := s.Create(ctx, "calls", Fields{"status": "calling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sub, err := s.Subscribe(ctx, Query{Collection: "calls", ID: id})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	snap := recvSnapshot(t, sub)
	snap[0].Fields["status"] = "tampered"

	sub2, err := s.Subscribe(ctx, Query{Collection: "calls", ID: id})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub2.Cancel()
	if got := recvSnapshot(t, sub2)[0].Fields["status"]; got != "calling" {
		t.Fatalf("store state mutated through snapshot: %v", got)
	}
}
