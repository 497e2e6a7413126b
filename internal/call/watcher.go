package call

import "github.com/collabdraw/voicecall/internal/recordstore"

// inviteTracker remembers which ringing records have been offered to the
// user. Every snapshot delivery is the full matching set, so ids absent from
// a snapshot can be pruned; record ids are uuids and never recur. A record
// observed while the engine is busy stays pending and is offered once the
// engine returns to idle, as long as it is still ringing.
type inviteTracker struct {
	noted    map[string]struct{}
	surfaced map[string]struct{}
}

func newInviteTracker() *inviteTracker {
	return &inviteTracker{
		noted:    make(map[string]struct{}),
		surfaced: make(map[string]struct{}),
	}
}

// Prune forgets ids that have left the matching set.
func (t *inviteTracker) Prune(snap recordstore.Snapshot) {
	current := make(map[string]struct{}, len(snap))
	for _, rec := range snap {
		current[rec.ID] = struct{}{}
	}
	for id := range t.noted {
		if _, ok := current[id]; !ok {
			delete(t.noted, id)
		}
	}
	for id := range t.surfaced {
		if _, ok := current[id]; !ok {
			delete(t.surfaced, id)
		}
	}
}

// Note marks id as observed and reports whether this is its first sighting.
func (t *inviteTracker) Note(id string) bool {
	if _, ok := t.noted[id]; ok {
		return false
	}
	t.noted[id] = struct{}{}
	return true
}

// Surface marks id as offered to the user; it will not be pending again.
func (t *inviteTracker) Surface(id string) {
	t.surfaced[id] = struct{}{}
}

// Pending returns the records in snap not yet surfaced, in snapshot order.
func (t *inviteTracker) Pending(snap recordstore.Snapshot) []recordstore.Record {
	var out []recordstore.Record
	for _, rec := range snap {
		if _, ok := t.surfaced[rec.ID]; !ok {
			out = append(out, rec)
		}
	}
	return out
}

func snapshotHas(snap recordstore.Snapshot, id string) bool {
	for _, rec := range snap {
		if rec.ID == id {
			return true
		}
	}
	return false
}

// inviteQuery matches records ringing for username.
func inviteQuery(username string) recordstore.Query {
	return recordstore.Query{
		Collection: collectionCalls,
		Equals: map[string]any{
			fieldCalleeUsername: username,
			fieldStatus:         statusCalling,
		},
	}
}
