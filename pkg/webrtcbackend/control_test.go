package webrtcbackend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRequestReadFrameRoundTrip(t *testing.T) {
	req := joinStreamRequest{Command: "offer", DeviceID: "d1"}
	framed, err := frameRequest(req)
	require.NoError(t, err)

	var got joinStreamRequest
	require.NoError(t, readFrame(bytes.NewReader(framed), &got))
	assert.Equal(t, req, got)
}

func TestReadFrameTruncatedHeaderIsTransientIO(t *testing.T) {
	err := readFrame(bytes.NewReader([]byte{0, 0, 0}), &joinStreamResponse{})
	require.ErrorIs(t, err, errs.ErrTransientIO)
}

func respondFramed(t *testing.T, w http.ResponseWriter, msg any) {
	t.Helper()
	framed, err := frameRequest(msg)
	require.NoError(t, err)
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, bytes.NewReader(framed))
	require.NoError(t, err)
}

func newTestControlClient(t *testing.T, handler http.HandlerFunc) *ControlClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewControlClient(srv.Listener.Addr().String(), "app1", "tok", "camera-core/1.0", nil)
	c.scheme = "http"
	c.httpClient = srv.Client()
	return c
}

func TestResolveDeviceIDFindsMatchingThirdPartyID(t *testing.T) {
	c := newTestControlClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondFramed(t, w, homeGraphResponse{Homes: []homeGraphHome{{Devices: []homeGraphDevice{
			{InternalID: "internal-1", ThirdPartyIDs: []string{"other", "D1"}},
		}}}})
	})

	got, err := c.ResolveDeviceID(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, "internal-1", got)
}

func TestResolveDeviceIDNotFound(t *testing.T) {
	c := newTestControlClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondFramed(t, w, homeGraphResponse{})
	})

	_, err := c.ResolveDeviceID(context.Background(), "D1")
	require.Error(t, err)
}

func TestStartViewingNonZeroStatusIsAuthFailed(t *testing.T) {
	c := newTestControlClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondFramed(t, w, startViewingResponse{Status: 7, ErrorDesc: "denied"})
	})

	err := c.StartViewing(context.Background(), "internal-1")
	require.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestJoinStreamOfferReturnsStreamIDAndAnswer(t *testing.T) {
	c := newTestControlClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondFramed(t, w, joinStreamResponse{
			Status:             0,
			StreamID:           "stream-1",
			SessionDescription: &sessionDescription{SDP: "v=0...", Type: "answer"},
		})
	})

	streamID, answer, err := c.JoinStreamOffer(context.Background(), "internal-1", "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "stream-1", streamID)
	assert.Equal(t, "v=0...", answer)
}

func TestJoinStreamExtendLogsOnUnacknowledged(t *testing.T) {
	c := newTestControlClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondFramed(t, w, joinStreamResponse{Status: 0, ExtensionStatus: "expired"})
	})

	// Must not return an error: extend failure is log-only (§9 decision).
	err := c.JoinStreamExtend(context.Background(), "internal-1", "stream-1")
	require.NoError(t, err)
}
