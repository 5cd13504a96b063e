package framedproto

import (
	"bytes"
	"testing"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	h := Hello{DeviceID: "D1", AuthKind: backend.AuthOAuth2, SessionToken: "", OAuthToken: "tok-123"}
	got, err := DecodeHello(EncodeHello(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHelloCRCMismatchIsProtocolError(t *testing.T) {
	b := EncodeHello(Hello{DeviceID: "D1"})
	b[len(b)-1] ^= 0xFF
	_, err := DecodeHello(b)
	require.ErrorIs(t, err, errs.ErrProtocolError)
}

func TestAuthorizeRequestRoundTrip(t *testing.T) {
	a := AuthorizeRequest{Token: "abc"}
	got, err := DecodeAuthorizeRequest(EncodeAuthorizeRequest(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestAudioPayloadRoundTrip(t *testing.T) {
	a := AudioPayload{SessionID: 777, Codec: "SPEEX", SampleRate: 16000, Payload: []byte{1, 2, 3, 4}}
	got, err := DecodeAudioPayload(EncodeAudioPayload(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestPlaybackBeginRoundTrip(t *testing.T) {
	p := PlaybackBegin{SessionID: 777, Channels: []ChannelInfo{{ChannelID: 1, Codec: "H264"}, {ChannelID: 2, Codec: "AAC"}}}
	e := &encoder{}
	e.u32(p.SessionID)
	e.byte(uint8(len(p.Channels)))
	for _, c := range p.Channels {
		e.byte(c.ChannelID)
		e.str(c.Codec)
	}
	got, err := DecodePlaybackBegin(e.buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPlaybackPacketRoundTrip(t *testing.T) {
	p := PlaybackPacket{ChannelID: 1, TimestampDelta: 3000, Payload: []byte{0xAA, 0xBB}}
	e := &encoder{}
	e.byte(p.ChannelID)
	e.u32(p.TimestampDelta)
	e.bytes(p.Payload)
	got, err := DecodePlaybackPacket(e.buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncodeRecordDecodeRecordRoundTrip(t *testing.T) {
	payload := EncodeAudioPayload(AudioPayload{SessionID: 1, Codec: "SPEEX", SampleRate: 16000, Payload: []byte("hi")})
	rec := EncodeRecord(TagAudioPayload, payload)

	fr := NewFrameReader(bytes.NewReader(rec))
	tag, got, err := fr.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, TagAudioPayload, tag)
	assert.Equal(t, payload, got)
}

func TestEncodeRecordLongPlaybackPacketUses4ByteLength(t *testing.T) {
	payload := make([]byte, 70000) // exceeds uint16 range
	rec := EncodeRecord(TagLongPlaybackPacket, payload)

	fr := NewFrameReader(bytes.NewReader(rec))
	tag, got, err := fr.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, TagLongPlaybackPacket, tag)
	assert.Len(t, got, 70000)
}

func TestReadRecordDetectsCRCMismatch(t *testing.T) {
	rec := EncodeRecord(TagPing, nil)
	rec[len(rec)-1] ^= 0xFF

	fr := NewFrameReader(bytes.NewReader(rec))
	_, _, err := fr.ReadRecord()
	require.Error(t, err)
}

func TestReadRecordDetectsTornWrite(t *testing.T) {
	rec := EncodeRecord(TagOk, nil)
	fr := NewFrameReader(bytes.NewReader(rec[:len(rec)-1]))
	_, _, err := fr.ReadRecord()
	require.Error(t, err)
}
