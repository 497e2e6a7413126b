package call

import "errors"

var (
	// ErrMediaUnavailable means microphone capture could not be acquired; no
	// signaling was written.
	ErrMediaUnavailable = errors.New("call: media unavailable")

	// ErrUnknownRecipient means the callee username has no directory entry.
	ErrUnknownRecipient = errors.New("call: unknown recipient")

	// ErrCallInProgress rejects a command that conflicts with a live call.
	ErrCallInProgress = errors.New("call: call in progress")

	// ErrNoActiveCall rejects a command that needs a call when there is none.
	ErrNoActiveCall = errors.New("call: no active call")

	// ErrCallEnded means the command raced with the remote side tearing the
	// call down.
	ErrCallEnded = errors.New("call: call already ended")

	// ErrChannelWrite wraps signaling store write failures.
	ErrChannelWrite = errors.New("call: signaling write failed")

	// ErrEngineClosed is returned by every command after Close.
	ErrEngineClosed = errors.New("call: engine closed")
)
