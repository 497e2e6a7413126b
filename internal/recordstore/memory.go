package recordstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It is the reference implementation of
// the contract and the backend used throughout the engine's tests; two
// engines sharing one MemoryStore rendezvous exactly as they would through a
// remote store.
type MemoryStore struct {
	mu          sync.Mutex
	closed      bool
	collections map[string]map[string]Fields
	subs        map[int64]*memorySub
	nextSub     int64
}

type memorySub struct {
	q   Query
	sub *Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Fields),
		subs:        make(map[int64]*memorySub),
	}
}

func (m *MemoryStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	col := m.collections[collection]
	if col == nil {
		col = make(map[string]Fields)
		m.collections[collection] = col
	}
	col[id] = cloneFields(fields)
	m.notifyLocked(collection)
	return id, nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	col := m.collections[collection]
	existing, ok := col[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		existing[k] = cloneValue(v)
	}
	m.notifyLocked(collection)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	col := m.collections[collection]
	if _, ok := col[id]; !ok {
		return ErrNotFound
	}
	delete(col, id)
	m.notifyLocked(collection)
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	key := m.nextSub
	m.nextSub++

	sub := newSubscription(1, func() { m.removeSub(key) })
	m.subs[key] = &memorySub{q: q, sub: sub}
	sub.push(m.snapshotLocked(q))
	return sub, nil
}

func (m *MemoryStore) removeSub(key int64) {
	m.mu.Lock()
	ms, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if ok {
		close(ms.sub.ch)
	}
}

// Close cancels all subscriptions and rejects further operations.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[int64]*memorySub)
	m.mu.Unlock()

	for _, ms := range subs {
		close(ms.sub.ch)
	}
}

func (m *MemoryStore) snapshotLocked(q Query) Snapshot {
	snap := Snapshot{}
	for id, fields := range m.collections[q.Collection] {
		if q.matches(id, fields) {
			snap = append(snap, Record{ID: id, Fields: cloneFields(fields)})
		}
	}
	return snap
}

func (m *MemoryStore) notifyLocked(collection string) {
	for _, ms := range m.subs {
		if ms.q.Collection != collection {
			continue
		}
		ms.sub.push(m.snapshotLocked(ms.q))
	}
}
