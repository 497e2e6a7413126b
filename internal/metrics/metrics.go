package metrics

import "sync"

// Counter names used by the call engine and the signaling store.
const (
	CallsStarted       = "calls_started"
	CallsConnected     = "calls_connected"
	CallsRejected      = "calls_rejected"
	CallsEnded         = "calls_ended"
	CallRemoteHangup   = "call_remote_hangup"
	CallGuardRejected  = "call_guard_rejected"
	CallTransportFail  = "call_transport_failure"
	ChannelWriteFailed = "channel_write_failures"

	CandidatesPublished = "candidates_published"
	CandidatesDiscarded = "candidates_discarded"
	CandidatesDropped   = "candidates_dropped_backpressure"

	IncomingSurfaced = "incoming_surfaced"
	IncomingIgnored  = "incoming_ignored_busy"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants a real metrics backend can scrape the Prometheus
// text handler; this type exists to keep engine logic testable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
