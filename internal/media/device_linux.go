//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// DeviceManager captures the microphone through pion/mediadevices (malgo on
// Linux) and encodes with opus.
type DeviceManager struct {
	log *slog.Logger
}

func NewDeviceManager(logger *slog.Logger) *DeviceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceManager{log: logger}
}

// opusFrameDuration is the encoder's fixed frame size.
const opusFrameDuration = 20 * time.Millisecond

func (m *DeviceManager) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		m.log.Warn("microphone capture failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}
	capture := tracks[0]

	// An independent opus reader feeds our sample track; mediadevices
	// broadcasts the raw capture to each reader.
	reader, err := capture.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		capture.Close()
		return nil, fmt.Errorf("%w: opus reader: %v", ErrDeviceUnavailable, err)
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicecall",
	)
	if err != nil {
		_ = reader.Close()
		capture.Close()
		return nil, fmt.Errorf("media: local track: %w", err)
	}

	s := &deviceSession{
		log:     m.log,
		capture: capture,
		reader:  reader,
		local:   local,
	}
	go s.pump()
	return s, nil
}

type deviceSession struct {
	log     *slog.Logger
	capture mediadevices.Track
	reader  mediadevices.EncodedReadCloser
	local   *webrtc.TrackLocalStaticSample

	muted     atomic.Bool
	closeOnce sync.Once
}

func (s *deviceSession) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.local}
}

func (s *deviceSession) SetMuted(muted bool) { s.muted.Store(muted) }
func (s *deviceSession) Muted() bool         { return s.muted.Load() }

// pump copies encoded frames from the device to the outgoing track. While
// muted, frames are read and discarded so the encoder keeps pacing and
// unmuting resumes instantly.
func (s *deviceSession) pump() {
	for {
		buf, release, err := s.reader.Read()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Debug("capture reader finished", "err", err)
			}
			return
		}
		if !s.muted.Load() {
			werr := s.local.WriteSample(media.Sample{
				Data:     buf.Data,
				Duration: opusFrameDuration,
			})
			if werr != nil && !errors.Is(werr, context.Canceled) {
				s.log.Debug("write sample failed", "err", werr)
			}
		}
		if release != nil {
			release()
		}
	}
}

func (s *deviceSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.reader.Close()
		s.capture.Close()
	})
	return nil
}
