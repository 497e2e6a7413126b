package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store used by the signaling server. Records live
// in a single table keyed by (collection, id) with the fields as a JSON
// blob; equality filtering happens in process, which is fine at rendezvous
// scale (records exist only for the duration of call setup).
//
// Change notification is in-process only: subscribers see writes that go
// through this store instance. Deployments run one signaling server per
// store file, so that is the only writer.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
	subs   map[int64]*memorySub
	next   int64
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	fields     TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// OpenSQLite opens (creating if needed) a store at path. Use ":memory:" for
// an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recordstore: init schema: %w", err)
	}
	return &SQLiteStore{
		db:   db,
		subs: make(map[int64]*memorySub),
	}, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[int64]*memorySub)
	s.mu.Unlock()

	for _, ms := range subs {
		close(ms.sub.ch)
	}
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	blob, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("recordstore: encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, fields, updated_at) VALUES (?, ?, ?, ?)`,
		collection, id, string(blob), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("recordstore: insert: %w", err)
	}
	s.notify(ctx, collection)
	return id, nil
}

func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	existing, err := s.get(ctx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		existing[k] = v
	}
	blob, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("recordstore: encode fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET fields = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(blob), time.Now().UnixMilli(), collection, id)
	if err != nil {
		return fmt.Errorf("recordstore: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify(ctx, collection)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("recordstore: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify(ctx, collection)
	return nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	snap, err := s.snapshot(ctx, q)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	key := s.next
	s.next++
	sub := newSubscription(1, func() { s.removeSub(key) })
	s.subs[key] = &memorySub{q: q, sub: sub}
	sub.push(snap)
	return sub, nil
}

func (s *SQLiteStore) removeSub(key int64) {
	s.mu.Lock()
	ms, ok := s.subs[key]
	if ok {
		delete(s.subs, key)
	}
	s.mu.Unlock()
	if ok {
		close(ms.sub.ch)
	}
}

func (s *SQLiteStore) get(ctx context.Context, collection, id string) (Fields, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: select: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal([]byte(blob), &fields); err != nil {
		return nil, fmt.Errorf("recordstore: decode fields: %w", err)
	}
	return fields, nil
}

func (s *SQLiteStore) snapshot(ctx context.Context, q Query) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields FROM records WHERE collection = ? ORDER BY updated_at, id`, q.Collection)
	if err != nil {
		return nil, fmt.Errorf("recordstore: select: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("recordstore: scan: %w", err)
		}
		var fields Fields
		if err := json.Unmarshal([]byte(blob), &fields); err != nil {
			return nil, fmt.Errorf("recordstore: decode fields: %w", err)
		}
		if q.matches(id, fields) {
			snap = append(snap, Record{ID: id, Fields: fields})
		}
	}
	return snap, rows.Err()
}

func (s *SQLiteStore) notify(ctx context.Context, collection string) {
	s.mu.Lock()
	var targets []*memorySub
	for _, ms := range s.subs {
		if ms.q.Collection == collection {
			targets = append(targets, ms)
		}
	}
	s.mu.Unlock()

	for _, ms := range targets {
		snap, err := s.snapshot(ctx, ms.q)
		if err != nil {
			continue
		}
		s.mu.Lock()
		// Re-check registration so we never push into a canceled (closed)
		// subscription.
		alive := false
		for _, cur := range s.subs {
			if cur == ms {
				alive = true
				break
			}
		}
		if alive {
			ms.sub.push(snap)
		}
		s.mu.Unlock()
	}
}
