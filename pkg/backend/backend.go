// Package backend defines the contract shared by both concrete media
// backends (§4.2): connect/close/update/sendTalkback plus a tri-state
// connection indicator. The Session controller depends only on this
// interface, never on a concrete implementation.
package backend

import "context"

// ConnState is the tri-state connection indicator every Backend exposes.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// AuthKind distinguishes the credential shape a FramedBackend's Hello
// payload embeds.
type AuthKind int

const (
	AuthSession AuthKind = iota
	AuthOAuth2
)

// DeviceState is the read-only device snapshot produced by the excluded
// device-mirror and consumed by the Session controller and Backend (§3).
type DeviceState struct {
	DeviceID             string
	Online               bool
	StreamingAllowed     bool
	AudioAllowed         bool
	EndpointHost         string
	AuthToken            string
	AuthKind             AuthKind
	LocalAccessPreferred bool
}

// Backend is the capability set every concrete media backend implements
// (§4.2, §9 design note: a capability set rather than inheritance).
type Backend interface {
	// Connect opens the backend's connection and begins pushing media into
	// its FrameStore. It is safe to call when already connecting/connected.
	Connect(ctx context.Context) error

	// Close tears the backend down from any state. If stopStreamFirst is
	// true and the backend is mid-stream, it attempts a graceful
	// stop-playback/end-session handshake before destroying the transport.
	// Close is idempotent.
	Close(ctx context.Context, stopStreamFirst bool) error

	// Update refreshes the backend's device-state snapshot (credentials,
	// online/streaming flags). It does not itself connect or close; the
	// Session controller decides that from the new state (§4.5).
	Update(state DeviceState)

	// SendTalkback forwards one chunk of encoded talkback audio to the
	// remote backend. A zero-length chunk is the caller's convention for
	// "end of utterance". Rejected with errs.ErrNotConnected when not in a
	// talk-enabled state.
	SendTalkback(ctx context.Context, chunk []byte) error

	// State reports the current connection tri-state.
	State() ConnState
}
