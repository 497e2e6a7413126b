// Package negotiate drives SDP and ICE exchange for one peer connection. It
// owns the ordering rule that makes trickle ICE safe over a record store:
// remote candidates may arrive before the remote description, and must be
// held back until it lands, then applied exactly once in arrival order.
package negotiate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/collabdraw/voicecall/internal/metrics"
)

// PeerConnection is the subset of *webrtc.PeerConnection the negotiator
// needs. Narrow so call-flow tests can fake the transport.
type PeerConnection interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// ErrRemoteDescriptionChanged is returned when a second, different remote
// description is offered for the same connection. The first one wins.
var ErrRemoteDescriptionChanged = errors.New("negotiate: remote description already set to a different value")

// Negotiator wraps one PeerConnection for the lifetime of one call attempt.
// Callbacks must be registered before CreateOffer/CreateAnswer.
type Negotiator struct {
	pc  PeerConnection
	log *slog.Logger
	m   *metrics.Metrics

	mu      sync.Mutex
	remote  *webrtc.SessionDescription
	pending []webrtc.ICECandidateInit

	closeOnce sync.Once
}

func NewNegotiator(pc PeerConnection, logger *slog.Logger, m *metrics.Metrics) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{pc: pc, log: logger, m: m}
}

// OnLocalCandidate registers fn for each gathered local candidate. The
// end-of-gathering nil marker is filtered out.
func (n *Negotiator) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnRemoteTrack registers fn for each inbound media track.
func (n *Negotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	n.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

// OnFailure registers fn for terminal transport states. It fires at most
// once per state transition into failed/closed.
func (n *Negotiator) OnFailure(fn func(error)) {
	n.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			fn(fmt.Errorf("negotiate: connection %s", state))
		}
	})
}

// AttachLocalTracks adds the capture tracks. With no tracks it falls back to
// a receive-only audio transceiver so the SDP still carries an audio m-line.
func (n *Negotiator) AttachLocalTracks(tracks []webrtc.TrackLocal) error {
	if len(tracks) == 0 {
		_, err := n.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("negotiate: add recvonly transceiver: %w", err)
		}
		return nil
	}
	for _, t := range tracks {
		if _, err := n.pc.AddTrack(t); err != nil {
			return fmt.Errorf("negotiate: add track: %w", err)
		}
	}
	return nil
}

// CreateOffer produces and installs the local offer.
func (n *Negotiator) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer produces and installs the local answer. The remote offer must
// have been applied first.
func (n *Negotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("negotiate: set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the peer's description and flushes any
// candidates buffered ahead of it, in arrival order. Reapplying an equal
// description is a no-op; a different one is an error.
func (n *Negotiator) SetRemoteDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	if n.remote != nil {
		same := n.remote.Type == desc.Type && n.remote.SDP == desc.SDP
		n.mu.Unlock()
		if same {
			return nil
		}
		return ErrRemoteDescriptionChanged
	}
	n.mu.Unlock()

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("negotiate: set remote description: %w", err)
	}

	n.mu.Lock()
	n.remote = &desc
	flush := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range flush {
		n.applyCandidate(c)
	}
	return nil
}

// AddRemoteCandidate feeds one remote candidate. Before the remote
// description is set the candidate is buffered; after, it is applied
// immediately. Malformed candidates are logged and counted, never fatal.
func (n *Negotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.remote == nil {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.applyCandidate(c)
}

func (n *Negotiator) applyCandidate(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.m.Inc(metrics.CandidatesDiscarded)
		n.log.Warn("discarding remote candidate", "candidate", c.Candidate, "err", err)
	}
}

func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.pc.Close()
	})
	return err
}
