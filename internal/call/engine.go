// Package call implements the voice-call engine: a state machine driven by
// user commands and by live snapshots of the signaling record store. All
// state lives on a single event loop; commands and store notifications are
// queued and consumed one at a time, so no handler ever observes a partial
// transition.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/collabdraw/voicecall/internal/identity"
	"github.com/collabdraw/voicecall/internal/media"
	"github.com/collabdraw/voicecall/internal/metrics"
	"github.com/collabdraw/voicecall/internal/negotiate"
	"github.com/collabdraw/voicecall/internal/recordstore"
)

// State is the engine's call state.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateIncoming
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IncomingCall describes a ringing invite.
type IncomingCall struct {
	RecordID string
	CallerID string
}

/// CallState is an observable snapshot of the live call: who is on each end
// and whether the local microphone is muted. Zero-valued outside a call.
type CallState struct {
	Status         State
	RecordID       string
	CallerID       string
	CalleeUsername string
	Muted          bool
}

// Config wires the engine's dependencies. Store, Resolver, Media and
// NewPeerConnection are required.
type Config struct {
	// Self is the local identity; calls ring for Self.Username and records
	// created here carry Self.ID.
	Self identity.User

	Store    recordstore.Store
	Resolver identity.Resolver
	Media    media.Manager

	// NewPeerConnection builds the transport for one call attempt.
	NewPeerConnection func() (negotiate.PeerConnection, error)

	// Sink receives remote audio tracks. Defaults to media.DiscardSink.
	Sink media.Sink

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnStateChange and OnIncomingCall fire on the engine loop; handlers
	// must not call back into the engine synchronously.
	OnStateChange  func(State)
	OnIncomingCall func(IncomingCall)
}

type callRole int

const (
	roleCaller callRole = iota
	roleCallee
)

// activeCall is the loop-owned state of the call being placed or held.
type activeCall struct {
	id      string
	role    callRole
	session media.Session
	neg     *negotiate.Negotiator
	sub     *recordstore.Subscription

	// ownField/peerField split the record's candidate arrays between the
	// two parties so concurrent appends never clobber each other.
	ownField  string
	peerField string

	remoteTail negotiate.CandidateTail
	answered   bool

	// local accumulates gathered candidates. Guarded by its own mutex so the
	// gathering callback can record a discovery even when the event queue is
	// full; publication may lag but the list never loses an entry.
	localMu sync.Mutex
	local   []webrtc.ICECandidateInit
}

func (ac *activeCall) appendLocal(c webrtc.ICECandidateInit) {
	ac.localMu.Lock()
	ac.local = append(ac.local, c)
	ac.localMu.Unlock()
}

func (ac *activeCall) localCandidates() []webrtc.ICECandidateInit {
	ac.localMu.Lock()
	defer ac.localMu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), ac.local...)
}

// Engine is the call state machine. All exported commands are safe for
// concurrent use; each settles before the next queued event runs.
type Engine struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	events   chan func()
	done     chan struct{}
	watchSub *recordstore.Subscription

	closeOnce sync.Once
	wg        sync.WaitGroup

	// Loop-owned; only the run goroutine touches these.
	state       State
	invites     *inviteTracker
	lastInvites recordstore.Snapshot
	incomingRec *callRecord
	active      *activeCall

	// Mirrors for concurrent observation.
	obsMu       sync.Mutex
	obsState    State
	obsIncoming *IncomingCall
	obsCall     CallState
}

const eventQueueDepth = 64

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Resolver == nil || cfg.Media == nil || cfg.NewPeerConnection == nil {
		return nil, errors.New("call: missing required dependency")
	}
	if cfg.Self.Username == "" {
		return nil, errors.New("call: missing local username")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = media.DiscardSink{Log: cfg.Logger}
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger.With("user", cfg.Self.Username),
		m:       cfg.Metrics,
		events:  make(chan func(), eventQueueDepth),
		done:    make(chan struct{}),
		invites: newInviteTracker(),
	}

	sub, err := cfg.Store.Subscribe(context.Background(), inviteQuery(cfg.Self.Username))
	if err != nil {
		return nil, fmt.Errorf("call: watch invites: %w", err)
	}
	e.watchSub = sub

	e.wg.Add(2)
	go e.run()
	go func() {
		defer e.wg.Done()
		for snap := range sub.Updates() {
			s := snap
			if !e.post(func() { e.handleInviteSnapshot(s) }) {
				return
			}
		}
	}()
	return e, nil
}

// Close tears down the engine. Any live call is released locally; its record
// is left for EndCall or the peer to delete.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.watchSub.Cancel()
		e.wg.Wait()
	})
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			e.teardownActive()
			return
		case fn := <-e.events:
			fn()
		}
	}
}

// do queues fn as a command and waits for it to settle.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.events <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrEngineClosed
	}
}

// post queues an async event, blocking until accepted or the engine closes.
func (e *Engine) post(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// tryPost never blocks. Transport callbacks use it because pion can fire
// them on the loop goroutine during teardown.
func (e *Engine) tryPost(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	default:
		return false
	}
}

// State returns the current call state.
func (e *Engine) State() State {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	return e.obsState
}

// Incoming returns the ringing invite, if any.
func (e *Engine) Incoming() (IncomingCall, bool) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	if e.obsIncoming == nil {
		return IncomingCall{}, false
	}
	return *e.obsIncoming, true
}

// CallState returns the observable view of the live call.
func (e *Engine) CallState() CallState {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	return e.obsCall
}

// StartCall places an outbound call to calleeUsername. On success the engine
// is in StateCalling and ringing continues until the callee answers, the
// record is deleted, or EndCall.
func (e *Engine) StartCall(ctx context.Context, calleeUsername string) error {
	return e.do(ctx, func() error { return e.startCall(ctx, calleeUsername) })
}

// AcceptCall answers the ringing invite.
func (e *Engine) AcceptCall(ctx context.Context) error {
	return e.do(ctx, func() error { return e.acceptCall(ctx) })
}

// RejectCall declines the ringing invite by deleting its record.
func (e *Engine) RejectCall(ctx context.Context) error {
	return e.do(ctx, func() error { return e.rejectCall(ctx) })
}

// EndCall hangs up the live call (outbound ringing or connected).
func (e *Engine) EndCall(ctx context.Context) error {
	return e.do(ctx, func() error { return e.endCall(ctx) })
}

// ToggleMute flips microphone muting and reports the new muted state. The
// capture device and the transport stay attached either way.
func (e *Engine) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := e.do(ctx, func() error {
		if e.active == nil || e.active.session == nil {
			e.m.Inc(metrics.CallGuardRejected)
			return ErrNoActiveCall
		}
		muted = !e.active.session.Muted()
		e.active.session.SetMuted(muted)
		e.obsMu.Lock()
		e.obsCall.Muted = muted
		e.obsMu.Unlock()
		return nil
	})
	return muted, err
}

func (e *Engine) startCall(ctx context.Context, calleeUsername string) error {
	if e.state != StateIdle {
		e.m.Inc(metrics.CallGuardRejected)
		return ErrCallInProgress
	}

	if _, err := e.cfg.Resolver.Resolve(ctx, calleeUsername); err != nil {
		if errors.Is(err, identity.ErrUnknownUser) {
			return fmt.Errorf("%w: %q", ErrUnknownRecipient, calleeUsername)
		}
		return fmt.Errorf("call: resolve recipient: %w", err)
	}

	session, err := e.cfg.Media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	ac := &activeCall{
		role:      roleCaller,
		session:   session,
		ownField:  fieldCallerCandidates,
		peerField: fieldCalleeCandidates,
	}
	neg, err := e.newNegotiator(ac)
	if err != nil {
		_ = session.Close()
		return err
	}
	ac.neg = neg

	if err := neg.AttachLocalTracks(session.Tracks()); err != nil {
		e.release(ac)
		return err
	}
	offer, err := neg.CreateOffer()
	if err != nil {
		e.release(ac)
		return err
	}

	id, err := e.cfg.Store.Create(ctx, collectionCalls, newCallFields(e.cfg.Self.ID, calleeUsername, offer, time.Now()))
	if err != nil {
		e.m.Inc(metrics.ChannelWriteFailed)
		e.release(ac)
		return fmt.Errorf("%w: %v", ErrChannelWrite, err)
	}
	ac.id = id

	sub, err := e.cfg.Store.Subscribe(ctx, recordstore.Query{Collection: collectionCalls, ID: id})
	if err != nil {
		e.m.Inc(metrics.ChannelWriteFailed)
		e.deleteRecord(id)
		e.release(ac)
		return fmt.Errorf("%w: %v", ErrChannelWrite, err)
	}
	ac.sub = sub

	e.active = ac
	e.wg.Add(1)
	go e.pumpCall(sub, ac)

	e.m.Inc(metrics.CallsStarted)
	e.log.Info("call started", "call", id, "callee", calleeUsername)
	e.setCallParties(id, e.cfg.Self.ID, calleeUsername)
	e.setState(StateCalling)
	e.flushLocalCandidates(ac)
	return nil
}

func (e *Engine) acceptCall(ctx context.Context) error {
	switch e.state {
	case StateIncoming:
	case StateIdle:
		e.m.Inc(metrics.CallGuardRejected)
		return ErrNoActiveCall
	default:
		e.m.Inc(metrics.CallGuardRejected)
		return ErrCallInProgress
	}
	inv := e.incomingRec

	session, err := e.cfg.Media.Acquire(ctx)
	if err != nil {
		// The invite keeps ringing; the user can retry or reject.
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	ac := &activeCall{
		id:        inv.ID,
		role:      roleCallee,
		session:   session,
		ownField:  fieldCalleeCandidates,
		peerField: fieldCallerCandidates,
	}
	neg, err := e.newNegotiator(ac)
	if err != nil {
		_ = session.Close()
		return err
	}
	ac.neg = neg

	if err := neg.SetRemoteDescription(*inv.Offer); err != nil {
		e.release(ac)
		return err
	}
	if err := neg.AttachLocalTracks(session.Tracks()); err != nil {
		e.release(ac)
		return err
	}
	answer, err := neg.CreateAnswer()
	if err != nil {
		e.release(ac)
		return err
	}

	// Subscribe before writing the answer so no snapshot is missed.
	sub, err := e.cfg.Store.Subscribe(ctx, recordstore.Query{Collection: collectionCalls, ID: inv.ID})
	if err != nil {
		e.m.Inc(metrics.ChannelWriteFailed)
		e.release(ac)
		return fmt.Errorf("%w: %v", ErrChannelWrite, err)
	}

	err = e.cfg.Store.Update(ctx, collectionCalls, inv.ID, recordstore.Fields{
		fieldAnswer: encodeDescription(answer),
		fieldStatus: statusConnected,
	})
	if errors.Is(err, recordstore.ErrNotFound) {
		// Caller hung up while we were answering.
		sub.Cancel()
		e.release(ac)
		e.clearIncoming()
		e.setState(StateIdle)
		e.surfacePendingInvite()
		return ErrCallEnded
	}
	if err != nil {
		e.m.Inc(metrics.ChannelWriteFailed)
		sub.Cancel()
		e.release(ac)
		e.clearIncoming()
		e.setState(StateIdle)
		e.surfacePendingInvite()
		return fmt.Errorf("%w: %v", ErrChannelWrite, err)
	}
	ac.sub = sub

	e.active = ac
	e.wg.Add(1)
	go e.pumpCall(sub, ac)

	e.clearIncoming()
	e.m.Inc(metrics.CallsConnected)
	e.log.Info("call accepted", "call", ac.id, "caller", inv.CallerID)
	e.setCallParties(ac.id, inv.CallerID, e.cfg.Self.Username)
	e.setState(StateConnected)
	e.flushLocalCandidates(ac)
	return nil
}

func (e *Engine) rejectCall(ctx context.Context) error {
	switch e.state {
	case StateIncoming:
	case StateIdle:
		e.m.Inc(metrics.CallGuardRejected)
		return ErrNoActiveCall
	default:
		e.m.Inc(metrics.CallGuardRejected)
		return ErrCallInProgress
	}
	id := e.incomingRec.ID
	e.clearIncoming()
	e.setState(StateIdle)

	err := e.cfg.Store.Delete(ctx, collectionCalls, id)
	if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
		e.m.Inc(metrics.ChannelWriteFailed)
		return fmt.Errorf("%w: %v", ErrChannelWrite, err)
	}
	e.m.Inc(metrics.CallsRejected)
	e.log.Info("call rejected", "call", id)
	e.surfacePendingInvite()
	return nil
}

func (e *Engine) endCall(ctx context.Context) error {
	if e.active == nil {
		e.m.Inc(metrics.CallGuardRejected)
		return ErrNoActiveCall
	}
	id := e.active.id
	e.teardownActive()
	e.setState(StateIdle)
	e.m.Inc(metrics.CallsEnded)
	e.log.Info("call ended", "call", id)

	// Deleting the record is the only hangup signal the peer gets; local
	// teardown happens regardless of the write outcome.
	err := e.cfg.Store.Delete(ctx, collectionCalls, id)
	if err != nil && !errors.Is(err, recordstore.ErrNotFound) {
		e.m.Inc(metrics.ChannelWriteFailed)
		e.surfacePendingInvite()
		return fmt.Errorf("%w: %v", ErrChannelWrite, err)
	}
	e.surfacePendingInvite()
	return nil
}

func (e *Engine) newNegotiator(ac *activeCall) (*negotiate.Negotiator, error) {
	pc, err := e.cfg.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}
	neg := negotiate.NewNegotiator(pc, e.log, e.m)
	neg.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		// Record the discovery before posting: a full event queue delays the
		// publish (the next one sends the whole list) but never loses it.
		ac.appendLocal(c)
		if !e.tryPost(func() { e.publishLocal(ac) }) {
			e.m.Inc(metrics.CandidatesDropped)
		}
	})
	neg.OnRemoteTrack(func(t *webrtc.TrackRemote) { e.cfg.Sink.Consume(t) })
	neg.OnFailure(func(cause error) {
		if !e.tryPost(func() { e.transportFailed(ac, cause) }) {
			e.log.Warn("transport failure event dropped", "err", cause)
		}
	})
	return neg, nil
}

func (e *Engine) pumpCall(sub *recordstore.Subscription, ac *activeCall) {
	defer e.wg.Done()
	for snap := range sub.Updates() {
		s := snap
		if !e.post(func() { e.handleCallSnapshot(ac, s) }) {
			return
		}
	}
}

func (e *Engine) handleCallSnapshot(ac *activeCall, snap recordstore.Snapshot) {
	if e.active != ac {
		return
	}
	if len(snap) == 0 {
		// Deletion is the peer's only termination signal: a rejection while
		// ringing, a hangup while connected.
		switch e.state {
		case StateCalling:
			e.m.Inc(metrics.CallsRejected)
		case StateConnected:
			e.m.Inc(metrics.CallRemoteHangup)
		}
		e.log.Info("call record deleted by peer", "call", ac.id)
		e.teardownActive()
		e.setState(StateIdle)
		e.surfacePendingInvite()
		return
	}

	rec := decodeCallRecord(snap[0])
	if ac.role == roleCaller && rec.Answer != nil && !ac.answered {
		if err := ac.neg.SetRemoteDescription(*rec.Answer); err != nil {
			e.m.Inc(metrics.CallTransportFail)
			e.log.Error("applying answer failed", "call", ac.id, "err", err)
			e.teardownActive()
			e.setState(StateIdle)
			e.deleteRecord(ac.id)
			e.surfacePendingInvite()
			return
		}
		ac.answered = true
		e.m.Inc(metrics.CallsConnected)
		e.log.Info("call answered", "call", ac.id)
		e.setState(StateConnected)
	}

	remote := rec.CallerCandidates
	if ac.role == roleCaller {
		remote = rec.CalleeCandidates
	}
	for _, c := range ac.remoteTail.Next(remote) {
		ac.neg.AddRemoteCandidate(c)
	}
}

func (e *Engine) handleInviteSnapshot(snap recordstore.Snapshot) {
	e.lastInvites = snap
	e.invites.Prune(snap)

	if e.state == StateIncoming && e.incomingRec != nil && !snapshotHas(snap, e.incomingRec.ID) {
		e.m.Inc(metrics.CallRemoteHangup)
		e.log.Info("incoming call canceled by caller", "call", e.incomingRec.ID)
		e.clearIncoming()
		e.setState(StateIdle)
	}

	for _, rec := range snap {
		if !e.invites.Note(rec.ID) {
			continue
		}
		if decodeCallRecord(rec).Offer == nil {
			e.log.Warn("ignoring invite without offer", "call", rec.ID)
			e.invites.Surface(rec.ID)
			continue
		}
		if e.state != StateIdle {
			e.m.Inc(metrics.IncomingIgnored)
			e.log.Info("deferring invite while busy", "call", rec.ID, "state", e.state)
		}
	}

	e.surfacePendingInvite()
}

// surfacePendingInvite offers the oldest still-ringing, not-yet-offered
// invite. Invites deferred while busy ring until a party deletes them, so
// returning to idle must offer them rather than leave the caller ringing
// forever.
func (e *Engine) surfacePendingInvite() {
	if e.state != StateIdle {
		return
	}
	for _, rec := range e.invites.Pending(e.lastInvites) {
		cr := decodeCallRecord(rec)
		if cr.Offer == nil {
			continue
		}
		e.invites.Surface(rec.ID)
		inv := cr
		e.incomingRec = &inv
		e.m.Inc(metrics.IncomingSurfaced)
		e.log.Info("incoming call", "call", cr.ID, "caller", cr.CallerID)
		e.setCallParties(cr.ID, cr.CallerID, e.cfg.Self.Username)
		e.setIncoming(&IncomingCall{RecordID: cr.ID, CallerID: cr.CallerID})
		e.setState(StateIncoming)
		if e.cfg.OnIncomingCall != nil {
			e.cfg.OnIncomingCall(IncomingCall{RecordID: cr.ID, CallerID: cr.CallerID})
		}
		return
	}
}

// publishLocal runs on the loop after a gathering callback recorded a new
// candidate. It republishes whatever the list holds by then; queued publish
// events for the same call coalesce into identical full-list writes.
func (e *Engine) publishLocal(ac *activeCall) {
	if e.active != ac || ac.id == "" {
		return
	}
	e.publishCandidates(ac)
}

func (e *Engine) flushLocalCandidates(ac *activeCall) {
	if len(ac.localCandidates()) > 0 {
		e.publishCandidates(ac)
	}
}

// publishCandidates rewrites this party's full candidate list. The fields
// are disjoint per party, so replacing the whole list is a safe append.
func (e *Engine) publishCandidates(ac *activeCall) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.cfg.Store.Update(ctx, collectionCalls, ac.id, recordstore.Fields{
		ac.ownField: encodeCandidates(ac.localCandidates()),
	})
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			// Record already gone; the deletion snapshot is on its way.
			return
		}
		e.m.Inc(metrics.ChannelWriteFailed)
		e.log.Warn("candidate publish failed", "call", ac.id, "err", err)
		return
	}
	e.m.Inc(metrics.CandidatesPublished)
}

func (e *Engine) transportFailed(ac *activeCall, cause error) {
	if e.active != ac {
		return
	}
	e.m.Inc(metrics.CallTransportFail)
	e.log.Warn("transport failed, hanging up", "call", ac.id, "err", cause)
	id := ac.id
	e.teardownActive()
	e.setState(StateIdle)
	e.deleteRecord(id)
	e.surfacePendingInvite()
}

func (e *Engine) deleteRecord(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.cfg.Store.Delete(ctx, collectionCalls, id); err != nil && !errors.Is(err, recordstore.ErrNotFound) {
		e.m.Inc(metrics.ChannelWriteFailed)
		e.log.Warn("record delete failed", "call", id, "err", err)
	}
}

func (e *Engine) teardownActive() {
	ac := e.active
	if ac == nil {
		return
	}
	e.active = nil
	if ac.sub != nil {
		ac.sub.Cancel()
	}
	if ac.neg != nil {
		_ = ac.neg.Close()
	}
	if ac.session != nil {
		_ = ac.session.Close()
	}
}

// release frees a half-built call that never became active.
func (e *Engine) release(ac *activeCall) {
	if ac.neg != nil {
		_ = ac.neg.Close()
	}
	if ac.session != nil {
		_ = ac.session.Close()
	}
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.obsMu.Lock()
	e.obsState = s
	if s == StateIdle {
		e.obsCall = CallState{}
	} else {
		e.obsCall.Status = s
	}
	e.obsMu.Unlock()
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(s)
	}
}

// setCallParties primes the observable call view; the following setState
// stamps the status.
func (e *Engine) setCallParties(recordID, callerID, calleeUsername string) {
	e.obsMu.Lock()
	e.obsCall.RecordID = recordID
	e.obsCall.CallerID = callerID
	e.obsCall.CalleeUsername = calleeUsername
	e.obsCall.Muted = false
	e.obsMu.Unlock()
}

func (e *Engine) clearIncoming() {
	e.incomingRec = nil
	e.setIncoming(nil)
}

func (e *Engine) setIncoming(ic *IncomingCall) {
	e.obsMu.Lock()
	e.obsIncoming = ic
	e.obsMu.Unlock()
}
