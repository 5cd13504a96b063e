package media

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// AAC constants for RFC 3640 (MPEG-4 Audio) depacketization.
const (
	AACClockRate = 48000
	AUSamples    = 1024 // samples per AAC access unit
)

// AACReassembler depacketizes RFC 3640 AAC-hbr RTP payloads (AU-headers
// section followed by one or more access units) into individual AU frames.
type AACReassembler struct {
	OnFrame func(frame []byte)
}

// NewAACReassembler creates an AAC RTP reassembler.
func NewAACReassembler() *AACReassembler {
	return &AACReassembler{}
}

// ProcessPacket feeds one RTP packet through the reassembler.
func (a *AACReassembler) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("AAC packet too short")
	}

	payload := packet.Payload

	auHeadersLengthBits := binary.BigEndian.Uint16(payload[:2])
	auHeadersLengthBytes := (auHeadersLengthBits + 7) / 8

	if len(payload) < int(2+auHeadersLengthBytes) {
		return fmt.Errorf("AAC packet malformed: AU-headers length exceeds payload")
	}

	// mode=AAC-hbr, sizelength=13, indexlength=3, indexdeltalength=3: each
	// AU header is 16 bits, 13-bit size followed by a 3-bit index.
	auHeaders := payload[2 : 2+auHeadersLengthBytes]
	auData := payload[2+auHeadersLengthBytes:]

	offset := 0
	for len(auHeaders) >= 2 {
		auSize := int(binary.BigEndian.Uint16(auHeaders[:2]) >> 3)
		auHeaders = auHeaders[2:]

		if offset+auSize > len(auData) {
			break
		}

		frame := auData[offset : offset+auSize]
		offset += auSize

		if a.OnFrame != nil && len(frame) > 0 {
			a.OnFrame(frame)
		}
	}

	return nil
}
