//go:build !linux || !cgo

package media

import (
	"context"
	"log/slog"
)

// DeviceManager has no capture backend off Linux; Acquire always fails with
// ErrDeviceUnavailable.
type DeviceManager struct {
	log *slog.Logger
}

func NewDeviceManager(logger *slog.Logger) *DeviceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceManager{log: logger}
}

func (m *DeviceManager) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.log.Warn("microphone capture not supported on this platform")
	return nil, ErrDeviceUnavailable
}
