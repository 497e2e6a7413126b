// Package webrtcpeer builds the pion API and peer connections used for
// calls: opus-capable media engine, default interceptors, and ICE timeouts
// sized for flaky last-mile links.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Options configures the shared webrtc.API.
type Options struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// NewAPI constructs an API with registered default codecs and interceptors.
func NewAPI(opts Options) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("webrtcpeer: register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("webrtcpeer: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	// The default 5s disconnected timeout drops calls on brief NAT rebinds;
	// give ICE room to recover before declaring failure.
	se.SetICETimeouts(disconnectedTimeout, failedTimeout, keepAliveInterval)
	if opts.Logger != nil {
		se.LoggerFactory = &slogLoggerFactory{base: opts.Logger}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// NewPeerConnection constructs one call's PeerConnection from the shared API.
func NewPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}
