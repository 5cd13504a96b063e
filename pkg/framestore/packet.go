// Package framestore implements the per-device rolling media buffer and
// fan-out engine described by §3 and §4.1: a bounded trunk of MediaPackets,
// a set of buffer/live/record consumers each with their own delivery
// discipline, and a steady-cadence driver that both drains consumers and
// injects synthetic filler when the device is offline or muted.
package framestore

import "time"

// Kind distinguishes video from audio packets. Packets are otherwise opaque
// to the store.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// MediaPacket is one opaque unit of media, tagged by kind. Synthetic filler
// packets use the same shape as real ones (§9 design note).
type MediaPacket struct {
	Kind  Kind
	Bytes []byte

	// Synthetic marks a filler packet injected by the driver rather than
	// pushed by a Backend. Consumers receive it identically either way;
	// this field exists only for diagnostics/tests.
	Synthetic bool

	pushedAt time.Time
}
