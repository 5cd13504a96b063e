package media

import (
	"fmt"
	"os"
	"path/filepath"
)

// FillerReason distinguishes why synthetic media is being injected, so the
// FrameStore driver can pick the matching preloaded frame.
type FillerReason int

const (
	// FillerOffline is used when the device is not online.
	FillerOffline FillerReason = iota
	// FillerStreamingOff is used when the device is online but the owner
	// has disabled streaming.
	FillerStreamingOff
)

// silenceAACFrame is a single 1024-sample AAC-LC silent frame (its ADTS
// header declares 48 kHz, 2 channels), small enough to embed directly rather than load from disk — unlike
// the two H.264 fillers, which are camera-resolution-specific and therefore
// supplied externally via resourcePath.
var silenceAACFrame = []byte{
	0xFF, 0xF1, 0x4C, 0x80, 0x01, 0x3F, 0xFC,
	0x21, 0x10, 0x04, 0x60, 0x8C, 0x1C,
}

// SilenceAAC returns the shared AAC-silence filler frame. Callers must not
// mutate the returned slice.
func SilenceAAC() []byte {
	return silenceAACFrame
}

// Fillers holds the two preloaded single-frame H.264 payloads used as
// synthetic video when a device is offline or streaming-disallowed (§3, §6).
type Fillers struct {
	offline []byte
	off     []byte
}

// LoadFillers reads "offline.h264" and "off.h264" from dir. Either file may
// begin with an Annex-B start code; if present it is stripped so the
// caller's single prepend-if-absent code path (media.WithStartCode) stays
// the only place a start code is ever added.
func LoadFillers(dir string) (*Fillers, error) {
	offline, err := loadFillerFile(filepath.Join(dir, "offline.h264"))
	if err != nil {
		return nil, fmt.Errorf("load offline filler: %w", err)
	}
	off, err := loadFillerFile(filepath.Join(dir, "off.h264"))
	if err != nil {
		return nil, fmt.Errorf("load off filler: %w", err)
	}
	return &Fillers{offline: offline, off: off}, nil
}

func loadFillerFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if HasStartCode(b) {
		b = b[len(StartCode):]
	}
	return b, nil
}

// Video returns the raw (start-code-stripped) filler NALU for reason.
func (f *Fillers) Video(reason FillerReason) []byte {
	if reason == FillerStreamingOff {
		return f.off
	}
	return f.offline
}
