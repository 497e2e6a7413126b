package media

import (
	"errors"
	"io"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// Sink consumes remote audio tracks. Consume must not block; readers run on
// their own goroutines.
type Sink interface {
	Consume(track *webrtc.TrackRemote)
}

// DiscardSink drains inbound RTP without playing it. Remote tracks must be
// read continuously or the interceptor chain stalls; headless peers and
// tests use this.
type DiscardSink struct {
	Log *slog.Logger
}

func (s DiscardSink) Consume(track *webrtc.TrackRemote) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug("remote track finished", "err", err)
				}
				return
			}
		}
	}()
}
