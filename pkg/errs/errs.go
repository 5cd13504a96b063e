// Package errs defines the camera-core error-kind taxonomy.
//
// Every error the core returns across a package boundary wraps one of the
// sentinels below with fmt.Errorf's %w so callers branch with errors.Is,
// never on message text.
package errs

import "errors"

// Kind classifies an error so callers can decide policy (reconnect, surface,
// drop) without parsing messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientIO
	KindAuthFailed
	KindProtocolError
	KindRedirect
	KindPeerReset
	KindStall
	KindSinkFailed
	KindInvalidArgument
	KindNotConnected
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient-io"
	case KindAuthFailed:
		return "auth-failed"
	case KindProtocolError:
		return "protocol-error"
	case KindRedirect:
		return "redirect"
	case KindPeerReset:
		return "peer-reset"
	case KindStall:
		return "stall"
	case KindSinkFailed:
		return "sink-failed"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindNotConnected:
		return "not-connected"
	default:
		return "unknown"
	}
}

var (
	ErrTransientIO     = errors.New("transient-io")
	ErrAuthFailed      = errors.New("auth-failed")
	ErrProtocolError   = errors.New("protocol-error")
	ErrRedirect        = errors.New("redirect")
	ErrPeerReset       = errors.New("peer-reset")
	ErrStall           = errors.New("stall")
	ErrSinkFailed      = errors.New("sink-failed")
	ErrInvalidArgument = errors.New("invalid-argument")
	ErrNotConnected    = errors.New("not-connected")

	// ErrDuplicateID is a specific invalid-argument case: a consumer id
	// already in use on attachLive/attachRecord.
	ErrDuplicateID = errors.New("duplicate consumer id")
)

var sentinelByKind = map[Kind]error{
	KindTransientIO:     ErrTransientIO,
	KindAuthFailed:      ErrAuthFailed,
	KindProtocolError:   ErrProtocolError,
	KindRedirect:        ErrRedirect,
	KindPeerReset:       ErrPeerReset,
	KindStall:           ErrStall,
	KindSinkFailed:      ErrSinkFailed,
	KindInvalidArgument: ErrInvalidArgument,
	KindNotConnected:    ErrNotConnected,
}

// Sentinel returns the sentinel error for a Kind, for use with fmt.Errorf's %w.
func Sentinel(k Kind) error {
	if e, ok := sentinelByKind[k]; ok {
		return e
	}
	return errors.New(k.String())
}

// Of classifies err against the known sentinels, defaulting to KindUnknown.
func Of(err error) Kind {
	for k, sentinel := range sentinelByKind {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	if errors.Is(err, ErrDuplicateID) {
		return KindInvalidArgument
	}
	return KindUnknown
}

// Recoverable reports whether the error kind is handled by reconnecting the
// affected backend rather than surfacing to the caller (§7 policy).
func Recoverable(err error) bool {
	switch Of(err) {
	case KindTransientIO, KindStall, KindPeerReset, KindRedirect:
		return true
	default:
		return false
	}
}
