// Package media holds codec-aware RTP reassembly shared by both Backend
// implementations, and the NALU start-code / AAC-silence helpers FrameStore
// relies on to satisfy §3's delivery invariants.
package media

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// H.264 NAL unit type codes (payload byte & 0x1F).
const (
	NALUTypeUnspecified = 0
	NALUTypePFrame      = 1
	NALUTypeIFrame      = 5
	NALUTypeSEI         = 6
	NALUTypeSPS         = 7
	NALUTypePPS         = 8
	NALUTypeAUD         = 9
	NALUTypeSTAPA       = 24 // Single-Time Aggregation Packet
	NALUTypeFUA         = 28 // Fragmentation Unit A
)

// StartCode is the 4-byte Annex-B NALU delimiter required at the start of
// every video byte sequence delivered to a consumer (§3).
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// HasStartCode reports whether b already begins with the Annex-B start code.
func HasStartCode(b []byte) bool {
	return len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1
}

// WithStartCode returns b with the Annex-B start code prepended, unless it
// is already present — the single code path §3 and §8 require.
func WithStartCode(b []byte) []byte {
	if HasStartCode(b) {
		return b
	}
	out := make([]byte, 0, len(StartCode)+len(b))
	out = append(out, StartCode...)
	return append(out, b...)
}

// H264Reassembler turns a sequence of incoming RTP packets (FU-A fragments,
// STAP-A aggregates, or single NALUs) into complete NAL units in Annex-B
// byte-stream form, ready to push to a FrameStore as a video MediaPacket.
// OnFrame is invoked once per completed NAL unit (once per STAP-A packet,
// for all of its aggregated units together), with keyframe set when an IDR
// is carried; a single IDR is preceded by the most recent SPS and PPS.
type H264Reassembler struct {
	fragment []byte
	sps      []byte
	pps      []byte
	OnFrame  func(nalus []byte, keyframe bool)
}

// NewH264Reassembler creates an H.264 RTP reassembler.
func NewH264Reassembler() *H264Reassembler {
	return &H264Reassembler{fragment: make([]byte, 0, 64*1024)}
}

// ProcessPacket feeds one RTP packet through the reassembler.
func (r *H264Reassembler) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	naluType := packet.Payload[0] & 0x1F

	switch naluType {
	case NALUTypeFUA:
		return r.processFUA(packet)
	case NALUTypeSTAPA:
		return r.processSTAPA(packet)
	default:
		return r.processSingleNALU(packet)
	}
}

func (r *H264Reassembler) processFUA(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := packet.Payload[0]
	fuHeader := packet.Payload[1]
	payload := packet.Payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		r.fragment = r.fragment[:0]
		nalHeader := (fuIndicator & 0xE0) | naluType
		r.fragment = append(r.fragment, nalHeader)
	}

	r.fragment = append(r.fragment, payload...)

	if end {
		return r.emitNALU(r.fragment, naluType)
	}
	return nil
}

func (r *H264Reassembler) processSTAPA(packet *rtp.Packet) error {
	payload := packet.Payload[1:]

	accessUnit := make([]byte, 0, len(payload)+16)
	keyframe := false

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]

		if len(payload) < int(naluSize) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}

		nalu := payload[:naluSize]
		payload = payload[naluSize:]

		if len(nalu) > 0 && nalu[0]&0x1F == NALUTypeIFrame {
			keyframe = true
		}
		r.rememberParameterSet(nalu)
		accessUnit = append(accessUnit, WithStartCode(nalu)...)
	}

	if len(accessUnit) > 0 && r.OnFrame != nil {
		r.OnFrame(accessUnit, keyframe)
	}
	return nil
}

func (r *H264Reassembler) processSingleNALU(packet *rtp.Packet) error {
	nalu := packet.Payload
	naluType := nalu[0] & 0x1F
	return r.emitNALU(nalu, naluType)
}

func (r *H264Reassembler) emitNALU(nalu []byte, naluType uint8) error {
	r.rememberParameterSet(nalu)

	isKeyframe := naluType == NALUTypeIFrame

	var accessUnit []byte
	if isKeyframe && len(r.sps) > 0 && len(r.pps) > 0 {
		accessUnit = make([]byte, 0, len(r.sps)+len(r.pps)+len(nalu)+12)
		accessUnit = append(accessUnit, WithStartCode(r.sps)...)
		accessUnit = append(accessUnit, WithStartCode(r.pps)...)
		accessUnit = append(accessUnit, WithStartCode(nalu)...)
	} else {
		accessUnit = WithStartCode(nalu)
	}

	if r.OnFrame != nil {
		r.OnFrame(accessUnit, isKeyframe)
	}
	return nil
}

func (r *H264Reassembler) rememberParameterSet(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case NALUTypeSPS:
		r.sps = append([]byte(nil), nalu...)
	case NALUTypePPS:
		r.pps = append([]byte(nil), nalu...)
	}
}

// SPS returns the most recently observed SPS NALU, or nil.
func (r *H264Reassembler) SPS() []byte { return r.sps }

// PPS returns the most recently observed PPS NALU, or nil.
func (r *H264Reassembler) PPS() []byte { return r.pps }
