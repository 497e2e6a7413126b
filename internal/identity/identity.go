// Package identity resolves display usernames to stable user ids. Call
// records carry the caller's id and the callee's username, so both sides of
// a call need the mapping.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/collabdraw/voicecall/internal/recordstore"
)

// ErrUnknownUser is returned when no user has the requested username.
var ErrUnknownUser = errors.New("identity: unknown user")

// User is a directory entry.
type User struct {
	ID       string
	Username string
}

// Resolver maps usernames to users.
type Resolver interface {
	// Resolve returns the user registered under username, or ErrUnknownUser.
	Resolve(ctx context.Context, username string) (User, error)
}

// StoreResolver resolves against the "users" collection of a record store.
type StoreResolver struct {
	store      recordstore.Store
	collection string
}

const defaultUsersCollection = "users"

func NewStoreResolver(store recordstore.Store) *StoreResolver {
	return &StoreResolver{store: store, collection: defaultUsersCollection}
}

func (r *StoreResolver) Resolve(ctx context.Context, username string) (User, error) {
	// A subscription's first delivery is a full snapshot of the matching set,
	// so a subscribe-read-cancel is a consistent point read.
	sub, err := r.store.Subscribe(ctx, recordstore.Query{
		Collection: r.collection,
		Equals:     map[string]any{"username": username},
	})
	if err != nil {
		return User{}, fmt.Errorf("identity: lookup %q: %w", username, err)
	}
	defer sub.Cancel()

	select {
	case snap, ok := <-sub.Updates():
		if !ok {
			return User{}, fmt.Errorf("identity: lookup %q: %w", username, recordstore.ErrClosed)
		}
		if len(snap) == 0 {
			return User{}, fmt.Errorf("%w: %q", ErrUnknownUser, username)
		}
		return User{ID: snap[0].ID, Username: username}, nil
	case <-ctx.Done():
		return User{}, ctx.Err()
	}
}

// Register creates a directory entry for username and returns its id. It is
// how a signaling client announces itself on first connect.
func (r *StoreResolver) Register(ctx context.Context, username string) (User, error) {
	if existing, err := r.Resolve(ctx, username); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrUnknownUser) {
		return User{}, err
	}
	id, err := r.store.Create(ctx, r.collection, recordstore.Fields{"username": username})
	if err != nil {
		return User{}, fmt.Errorf("identity: register %q: %w", username, err)
	}
	return User{ID: id, Username: username}, nil
}

// StaticResolver serves a fixed username -> id table.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(_ context.Context, username string) (User, error) {
	id, ok := r[username]
	if !ok {
		return User{}, fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	return User{ID: id, Username: username}, nil
}
