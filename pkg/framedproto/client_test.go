package framedproto

import (
	"testing"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	store := framestore.New(framestore.Config{TrunkMaxPackets: 10}, nil)
	return New(store, nil, DefaultConfig())
}

func TestHandleRecordOkWhileAuthenticatingEntersAuthed(t *testing.T) {
	c := newTestClient()
	c.state = stateAuthenticating

	action, _, _, err := c.handleRecord(recvRecord{tag: TagOk})
	require.NoError(t, err)
	assert.Equal(t, actionEnterAuthed, action)
	assert.Equal(t, stateAuthed, c.state)
}

func TestHandleRecordPlaybackBeginAssignsChannels(t *testing.T) {
	c := newTestClient()
	c.state = stateAuthed
	payload := DecodablePlaybackBeginPayload(t, 777, ChannelInfo{ChannelID: 1, Codec: "H264"}, ChannelInfo{ChannelID: 2, Codec: "AAC"})

	action, _, _, err := c.handleRecord(recvRecord{tag: TagPlaybackBegin, payload: payload})
	require.NoError(t, err)
	assert.Equal(t, actionEnterStreaming, action)
	assert.EqualValues(t, 1, c.videoChannel)
	assert.EqualValues(t, 2, c.audioChannel)
	assert.Equal(t, uint32(777), c.sessionID)
	assert.Equal(t, stateStreaming, c.state)
}

func TestHandleRecordPlaybackPacketRoutesByChannel(t *testing.T) {
	c := newTestClient()
	c.videoChannel = 1
	c.audioChannel = 2

	videoPayload := &encoder{}
	videoPayload.byte(1)
	videoPayload.u32(100)
	videoPayload.bytes([]byte{0xAA, 0xBB})

	action, _, _, err := c.handleRecord(recvRecord{tag: TagPlaybackPacket, payload: videoPayload.buf})
	require.NoError(t, err)
	assert.Equal(t, actionResetStall, action)
	assert.Equal(t, 1, c.store.TrunkLen())
}

func TestHandleRecordErrorAuthTriggersReauth(t *testing.T) {
	c := newTestClient()
	em := &encoder{}
	em.byte(ErrCodeAuth)
	em.str("auth expired")

	action, _, _, err := c.handleRecord(recvRecord{tag: TagError, payload: em.buf})
	require.NoError(t, err)
	assert.Equal(t, actionReauth, action)
}

func TestHandleRecordPlaybackEndUserIsClean(t *testing.T) {
	c := newTestClient()
	pe := &encoder{}
	pe.byte(ReasonUser)

	action, _, clean, err := c.handleRecord(recvRecord{tag: TagPlaybackEnd, payload: pe.buf})
	require.NoError(t, err)
	assert.Equal(t, actionClean, action)
	assert.True(t, clean)
}

func TestHandleRecordPlaybackEndOtherIsError(t *testing.T) {
	c := newTestClient()
	pe := &encoder{}
	pe.byte(ReasonOther)

	_, _, _, err := c.handleRecord(recvRecord{tag: TagPlaybackEnd, payload: pe.buf})
	require.Error(t, err)
}

func TestHandleRecordRedirectReturnsNewHost(t *testing.T) {
	c := newTestClient()
	rd := &encoder{}
	rd.str("host2")

	action, host, _, err := c.handleRecord(recvRecord{tag: TagRedirect, payload: rd.buf})
	require.NoError(t, err)
	assert.Equal(t, actionRedirect, action)
	assert.Equal(t, "host2", host)
	assert.Equal(t, stateRedirecting, c.state)
}

func TestHandleRecordTalkbackBeginEndTogglesFlag(t *testing.T) {
	c := newTestClient()
	_, _, _, err := c.handleRecord(recvRecord{tag: TagTalkbackBegin})
	require.NoError(t, err)
	assert.True(t, c.talkActive)

	_, _, _, err = c.handleRecord(recvRecord{tag: TagTalkbackEnd})
	require.NoError(t, err)
	assert.False(t, c.talkActive)
}

func TestSendTalkbackBeforeBeginIsNotConnected(t *testing.T) {
	c := newTestClient()
	err := c.SendTalkback(nil, []byte("hi"))
	require.ErrorIs(t, err, errs.ErrNotConnected)
}

// DecodablePlaybackBeginPayload builds a raw PlaybackBegin payload for tests.
func DecodablePlaybackBeginPayload(t *testing.T, sessionID uint32, channels ...ChannelInfo) []byte {
	t.Helper()
	e := &encoder{}
	e.u32(sessionID)
	e.byte(uint8(len(channels)))
	for _, ch := range channels {
		e.byte(ch.ChannelID)
		e.str(ch.Codec)
	}
	return e.buf
}
