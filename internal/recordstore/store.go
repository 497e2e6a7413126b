// Package recordstore provides the shared, eventually-consistent record store
// the platform uses as a rendezvous channel. The call engine exchanges all
// session-setup metadata through it; no record payload ever carries media.
//
// Three implementations share one contract: MemoryStore (in-process),
// SQLiteStore (durable, used by the signaling server), and Client (a
// websocket proxy to a remote store served by ServeWS).
package recordstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("recordstore: record not found")
	ErrClosed   = errors.New("recordstore: store closed")
)

// Fields holds a record's payload. Values are restricted to the JSON-ish
// subset (string, float64, bool, nil, []any, map[string]any) so every
// backend can round-trip them unchanged.
type Fields map[string]any

// Record is one stored record plus its identifier.
type Record struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Query selects records by collection and equality filters. Equality is the
// only supported predicate.
type Query struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id,omitempty"`
	Equals     map[string]any `json:"equals,omitempty"`
}

// Snapshot is the full set of records matching a query at one point in time.
// Subscribers receive a fresh Snapshot on every change to the matching set,
// including membership changes; a deleted record simply disappears from it.
type Snapshot []Record

// Store is the signaling channel consumed by the call engine.
//
// Update replaces the named fields wholesale (no server-side merge). The two
// call parties only ever write disjoint fields of a call record, so replace
// semantics under per-record serialization are sufficient.
type Store interface {
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	Update(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error

	// Subscribe registers a live query. The current matching set is delivered
	// as the first snapshot. Delivery coalesces: if a subscriber lags, it
	// skips intermediate snapshots and observes only the latest state, which
	// is safe because every snapshot is self-contained.
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

// Subscription is a live query handle. Cancel is idempotent.
type Subscription struct {
	ch     chan Snapshot
	cancel func()
}

func newSubscription(buf int, cancel func()) *Subscription {
	if buf < 1 {
		buf = 1
	}
	return &Subscription{ch: make(chan Snapshot, buf), cancel: cancel}
}

// Updates returns the snapshot stream. The channel is closed after Cancel or
// when the backing store shuts down.
func (s *Subscription) Updates() <-chan Snapshot { return s.ch }

func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// push delivers snap with latest-wins coalescing: when the buffer is full the
// oldest pending snapshot is discarded. Must not be called concurrently for
// the same subscription.
func (s *Subscription) push(snap Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (q Query) matches(id string, fields Fields) bool {
	if q.ID != "" && q.ID != id {
		return false
	}
	for k, want := range q.Equals {
		if !valueEqual(fields[k], want) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case int:
			return av == float64(bv)
		}
		return false
	case int:
		return valueEqual(float64(av), b)
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}

// cloneFields deep-copies the JSON-ish subset so callers can never alias
// store-internal state.
func cloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = cloneValue(e)
		}
		return out
	case Fields:
		return map[string]any(cloneFields(tv))
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return tv
	}
}
