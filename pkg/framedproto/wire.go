// Package framedproto implements the FramedBackend wire protocol (§4.3,
// §6): a length-prefixed, CRC-guarded record format over a long-lived TLS
// connection, and the Authenticating/Authed/Streaming/Redirecting state
// machine that drives it.
package framedproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/sigurn/crc16"
)

// Tag identifies a record's message type.
type Tag uint8

const (
	TagPing Tag = 1 + iota
	TagHello
	TagAuthorizeRequest
	TagStartPlayback
	TagStopPlayback
	TagAudioPayload
	TagOk
	TagError
	TagPlaybackBegin
	TagPlaybackEnd
	TagPlaybackPacket
	TagLongPlaybackPacket
	TagRedirect
	TagTalkbackBegin
	TagTalkbackEnd
)

func (t Tag) String() string {
	switch t {
	case TagPing:
		return "Ping"
	case TagHello:
		return "Hello"
	case TagAuthorizeRequest:
		return "AuthorizeRequest"
	case TagStartPlayback:
		return "StartPlayback"
	case TagStopPlayback:
		return "StopPlayback"
	case TagAudioPayload:
		return "AudioPayload"
	case TagOk:
		return "Ok"
	case TagError:
		return "Error"
	case TagPlaybackBegin:
		return "PlaybackBegin"
	case TagPlaybackEnd:
		return "PlaybackEnd"
	case TagPlaybackPacket:
		return "PlaybackPacket"
	case TagLongPlaybackPacket:
		return "LongPlaybackPacket"
	case TagRedirect:
		return "Redirect"
	case TagTalkbackBegin:
		return "TalkbackBegin"
	case TagTalkbackEnd:
		return "TalkbackEnd"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// isLong reports whether a tag uses the 4-byte length field. Only the long
// playback packet does; everything else uses 2 bytes (§6).
func isLong(t Tag) bool { return t == TagLongPlaybackPacket }

var crcTable = crc16.MakeTable(crc16.CCITT)

const maxRecordPayload = 1 << 24 // generous bound against a corrupt length field

// EncodeRecord frames a payload for the given tag: tag + length + payload +
// trailing CRC-16/CCITT over everything that precedes it.
func EncodeRecord(tag Tag, payload []byte) []byte {
	lenLen := 2
	if isLong(tag) {
		lenLen = 4
	}

	body := make([]byte, 1+lenLen+len(payload))
	body[0] = byte(tag)
	if lenLen == 2 {
		binary.BigEndian.PutUint16(body[1:3], uint16(len(payload)))
	} else {
		binary.BigEndian.PutUint32(body[1:5], uint32(len(payload)))
	}
	copy(body[1+lenLen:], payload)

	sum := crc16.Checksum(body, crcTable)
	out := make([]byte, len(body)+2)
	copy(out, body)
	binary.BigEndian.PutUint16(out[len(body):], sum)
	return out
}

// FrameReader reads CRC-verified records off a byte stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 65536)}
}

// ReadRecord blocks until one full record is available, verifies its CRC,
// and returns the tag and payload. A CRC mismatch or malformed length is
// reported as errs.ErrProtocolError.
func (f *FrameReader) ReadRecord() (Tag, []byte, error) {
	tagByte, err := f.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	tag := Tag(tagByte)

	lenLen := 2
	if isLong(tag) {
		lenLen = 4
	}
	lenBuf := make([]byte, lenLen)
	if _, err := io.ReadFull(f.r, lenBuf); err != nil {
		return 0, nil, err
	}

	var payloadLen uint32
	if lenLen == 2 {
		payloadLen = uint32(binary.BigEndian.Uint16(lenBuf))
	} else {
		payloadLen = binary.BigEndian.Uint32(lenBuf)
	}
	if payloadLen > maxRecordPayload {
		return 0, nil, fmt.Errorf("record payload length %d exceeds bound: %w", payloadLen, errs.ErrProtocolError)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return 0, nil, err
	}

	crcBuf := make([]byte, 2)
	if _, err := io.ReadFull(f.r, crcBuf); err != nil {
		return 0, nil, err
	}
	wantCRC := binary.BigEndian.Uint16(crcBuf)

	body := make([]byte, 0, 1+lenLen+len(payload))
	body = append(body, tagByte)
	body = append(body, lenBuf...)
	body = append(body, payload...)
	gotCRC := crc16.Checksum(body, crcTable)
	if gotCRC != wantCRC {
		return 0, nil, fmt.Errorf("record CRC mismatch (tag %s): %w", tag, errs.ErrProtocolError)
	}

	return tag, payload, nil
}
