package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/collabdraw/voicecall/internal/identity"
	"github.com/collabdraw/voicecall/internal/media"
	"github.com/collabdraw/voicecall/internal/metrics"
	"github.com/collabdraw/voicecall/internal/negotiate"
	"github.com/collabdraw/voicecall/internal/recordstore"
)

type fakeSession struct {
	mu     sync.Mutex
	muted  bool
	closed bool
}

func (s *fakeSession) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeSession) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeMedia struct {
	mu   sync.Mutex
	err  error
	last *fakeSession
}

func (m *fakeMedia) Acquire(context.Context) (media.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.last = &fakeSession{}
	return m.last, nil
}

func (m *fakeMedia) lastSession() *fakeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// loopbackPC is a scripted transport; tests drive candidate gathering and
// state transitions by hand.
type loopbackPC struct {
	name string

	mu          sync.Mutex
	ops         []string
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	closed      bool
}

func (f *loopbackPC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + f.name}, nil
}

func (f *loopbackPC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + f.name}, nil
}

func (f *loopbackPC) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (f *loopbackPC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, desc)
	f.ops = append(f.ops, "setRemote:"+desc.Type.String())
	return nil
}

func (f *loopbackPC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	f.ops = append(f.ops, "addCandidate")
	return nil
}

func (f *loopbackPC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }

func (f *loopbackPC) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return nil, nil
}

func (f *loopbackPC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *loopbackPC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *loopbackPC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *loopbackPC) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *loopbackPC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// gatherCandidate simulates ICE gathering one host candidate.
func (f *loopbackPC) gatherCandidate(port uint16) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(&webrtc.ICECandidate{
			Foundation: "foundation",
			Priority:   1,
			Address:    "192.0.2.1",
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       port,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
}

func (f *loopbackPC) fail() {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateFailed)
	}
}

func (f *loopbackPC) remoteDescriptions() []webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.remote...)
}

func (f *loopbackPC) remoteCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *loopbackPC) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// peer bundles one engine with its fakes and observers.
type peer struct {
	engine   *Engine
	media    *fakeMedia
	metrics  *metrics.Metrics
	states   chan State
	incoming chan IncomingCall

	mu  sync.Mutex
	pcs []*loopbackPC
}

func (p *peer) pc(i int) *loopbackPC {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.pcs) {
		return nil
	}
	return p.pcs[i]
}

var testDirectory = identity.StaticResolver{
	"alice": "u-alice",
	"bob":   "u-bob",
}

func newPeer(t *testing.T, store recordstore.Store, username string) *peer {
	t.Helper()
	p := &peer{
		media:    &fakeMedia{},
		metrics:  metrics.New(),
		states:   make(chan State, 32),
		incoming: make(chan IncomingCall, 8),
	}
	eng, err := New(Config{
		Self:     identity.User{ID: "u-" + username, Username: username},
		Store:    store,
		Resolver: testDirectory,
		Media:    p.media,
		NewPeerConnection: func() (negotiate.PeerConnection, error) {
			pc := &loopbackPC{name: username}
			p.mu.Lock()
			p.pcs = append(p.pcs, pc)
			p.mu.Unlock()
			return pc, nil
		},
		Logger:  slog.Default().With("peer", username),
		Metrics: p.metrics,
		OnStateChange: func(s State) {
			select {
			case p.states <- s:
			default:
			}
		},
		OnIncomingCall: func(ic IncomingCall) {
			select {
			case p.incoming <- ic:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("New(%s): %v", username, err)
	}
	p.engine = eng
	t.Cleanup(eng.Close)
	return p
}

func waitState(t *testing.T, p *peer, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-p.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v (currently %v)", want, p.engine.State())
		}
	}
}

func waitIncoming(t *testing.T, p *peer) IncomingCall {
	t.Helper()
	select {
	case ic := <-p.incoming:
		return ic
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for incoming call")
		return IncomingCall{}
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect drives a full alice -> bob call setup and returns once both sides
// report connected.
func connect(t *testing.T, alice, bob *peer) {
	t.Helper()
	ctx := context.Background()
	if err := alice.engine.StartCall(ctx, "bob"); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, alice, StateCalling)
	waitIncoming(t, bob)
	if err := bob.engine.AcceptCall(ctx); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	waitState(t, bob, StateConnected)
	waitState(t, alice, StateConnected)
}

func candidatePorts(list []webrtc.ICECandidateInit) []string {
	var out []string
	for _, c := range list {
		out = append(out, c.Candidate)
	}
	return out
}

func containsPort(candidate string, port uint16) bool {
	return strings.Contains(candidate, fmt.Sprintf(" %d ", port))
}
