// Package media acquires local microphone capture for calls. A Session owns
// the device for the duration of one call and exposes the encoded audio as a
// webrtc local track.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrDeviceUnavailable is returned when no capture device can be opened or
// the platform has no capture support.
var ErrDeviceUnavailable = errors.New("media: no capture device available")

// Session is a live capture session. Muting stops outgoing audio without
// releasing the device or detaching the track from the transport.
type Session interface {
	// Tracks returns the local tracks to attach to a peer connection. Valid
	// until Close.
	Tracks() []webrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

// Manager hands out capture sessions. Acquire is called once per call, on
// both the offering and the answering side, before any signaling is written.
type Manager interface {
	Acquire(ctx context.Context) (Session, error)
}
