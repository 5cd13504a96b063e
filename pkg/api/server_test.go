package api

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/sessionmgr"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu    sync.Mutex
	state backend.ConnState
}

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = backend.Connected
	return nil
}
func (f *fakeBackend) Close(ctx context.Context, stopStreamFirst bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = backend.Disconnected
	return nil
}
func (f *fakeBackend) Update(state backend.DeviceState)                    {}
func (f *fakeBackend) SendTalkback(ctx context.Context, chunk []byte) error { return nil }
func (f *fakeBackend) State() backend.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := sessionmgr.DefaultConfig()
	cfg.ConnectQPS = 1000
	cfg.FrameStore = framestore.Config{TrunkMaxPackets: 50, TickInterval: time.Millisecond}

	mgr := sessionmgr.New(cfg, func(deviceID string, store *framestore.Store, logger *slog.Logger) backend.Backend {
		return &fakeBackend{}
	}, nil)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	require.NoError(t, mgr.AddDevice(context.Background(), "d1", backend.DeviceState{DeviceID: "d1"}))

	return NewServer(mgr, slog.Default())
}

func TestHandleListDevicesReturnsAddedDevice(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	srv.handleListDevices(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"d1"`)
}

func TestHandleStartAndStopBuffer(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/d1/buffer", nil)
	req.SetPathValue("id", "d1")
	rec := httptest.NewRecorder()
	srv.handleStartBuffer(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/devices/d1/buffer", nil)
	req.SetPathValue("id", "d1")
	rec = httptest.NewRecorder()
	srv.handleStopBuffer(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleStartBufferUnknownDeviceFails(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/missing/buffer", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	srv.handleStartBuffer(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestMuxSinkFramesChunksByKind exercises the length-prefixed multiplexing
// the live/record streaming handlers rely on: video and audio share one
// writer, tagged by a 1-byte kind header, each followed by a 4-byte BE
// length (§3: independent sinks per kind, multiplexed onto one HTTP body).
func TestMuxSinkFramesChunksByKind(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &streamWriter{rw: rec, flusher: rec, errCh: make(chan error, 1)}
	video := &muxSink{w: sw, kind: sinkVideo}
	audio := &muxSink{w: sw, kind: sinkAudio}

	_, err := video.Write([]byte{0xAA, 0xBB})
	require.NoError(t, err)
	_, err = audio.Write([]byte{0xCC})
	require.NoError(t, err)

	body := rec.Body.Bytes()
	require.Equal(t, byte(sinkVideo), body[0])
	videoLen := binary.BigEndian.Uint32(body[1:5])
	require.Equal(t, uint32(2), videoLen)
	require.Equal(t, []byte{0xAA, 0xBB}, body[5:7])

	require.Equal(t, byte(sinkAudio), body[7])
	audioLen := binary.BigEndian.Uint32(body[8:12])
	require.Equal(t, uint32(1), audioLen)
	require.Equal(t, []byte{0xCC}, body[12:13])
	require.True(t, rec.Flushed)
}
