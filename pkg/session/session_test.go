package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	state     backend.ConnState
	connects  int
	closes    int
	talkbacks [][]byte
	updates   []backend.DeviceState
}

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.state = backend.Connected
	return nil
}

func (f *fakeBackend) Close(ctx context.Context, stopStreamFirst bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = backend.Disconnected
	return nil
}

func (f *fakeBackend) Update(state backend.DeviceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, state)
}

func (f *fakeBackend) SendTalkback(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.talkbacks = append(f.talkbacks, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeBackend) State() backend.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBackend) snapshot() (connects, closes int, talkbacks [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes, append([][]byte(nil), f.talkbacks...)
}

type recordingSink struct {
	mu     sync.Mutex
	writes [][]byte
	errCh  chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{errCh: make(chan error, 1)}
}

func (s *recordingSink) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	s.mu.Lock()
	s.writes = append(s.writes, cp)
	s.mu.Unlock()
	return len(p), nil
}

func (s *recordingSink) Err() <-chan error { return s.errCh }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func newTestSession(t *testing.T) (*Session, *fakeBackend) {
	t.Helper()
	be := &fakeBackend{}
	store := framestore.New(framestore.Config{TrunkMaxPackets: 100, TickInterval: time.Millisecond}, nil)
	sess := New("dev1", be, store, nil, Config{TalkbackSilence: 30 * time.Millisecond})
	sess.Start(context.Background())
	t.Cleanup(func() { sess.Stop(context.Background()) })
	return sess, be
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestUpdateOnlineAndAllowedConnects(t *testing.T) {
	sess, be := newTestSession(t)
	err := sess.Update(context.Background(), backend.DeviceState{Online: true, StreamingAllowed: true, AudioAllowed: true})
	require.NoError(t, err)

	connects, _, _ := be.snapshot()
	assert.Equal(t, 1, connects)
}

func TestUpdateOfflineClosesBackend(t *testing.T) {
	sess, be := newTestSession(t)
	require.NoError(t, sess.Update(context.Background(), backend.DeviceState{Online: false}))

	_, closes, _ := be.snapshot()
	assert.Equal(t, 1, closes)
}

func TestUpdateAudioDisallowedClosesBackend(t *testing.T) {
	sess, be := newTestSession(t)
	require.NoError(t, sess.Update(context.Background(), backend.DeviceState{Online: true, StreamingAllowed: true, AudioAllowed: false}))

	_, closes, _ := be.snapshot()
	assert.Equal(t, 1, closes)
}

func TestStartBufferConnectsWhenDisconnected(t *testing.T) {
	sess, be := newTestSession(t)
	require.NoError(t, sess.StartBuffer(context.Background()))

	connects, _, _ := be.snapshot()
	assert.Equal(t, 1, connects)
}

func TestStopBufferClosesWhenNoConsumersRemain(t *testing.T) {
	sess, be := newTestSession(t)
	require.NoError(t, sess.StartBuffer(context.Background()))
	sess.StopBuffer(context.Background())

	_, closes, _ := be.snapshot()
	assert.Equal(t, 1, closes)
}

func TestStartLiveAttachesAndDeliversPackets(t *testing.T) {
	sess, _ := newTestSession(t)
	video, audio := newRecordingSink(), newRecordingSink()

	require.NoError(t, sess.StartLive(context.Background(), "L1", video, audio, nil))
	sess.store.Push(framestore.KindVideo, []byte{0x01})

	waitFor(t, time.Second, func() bool { return video.count() >= 1 })
}

func TestStartLiveTalkbackPumpsChunksToBackend(t *testing.T) {
	sess, be := newTestSession(t)
	video, audio := newRecordingSink(), newRecordingSink()
	talkback := make(chan []byte, 1)

	require.NoError(t, sess.StartLive(context.Background(), "L1", video, audio, talkback))

	talkback <- []byte{0xAA, 0xBB}

	waitFor(t, time.Second, func() bool {
		_, _, chunks := be.snapshot()
		return len(chunks) >= 1
	})

	_, _, chunks := be.snapshot()
	assert.Equal(t, []byte{0xAA, 0xBB}, chunks[0])
}

func TestTalkbackSilenceSendsZeroLengthTerminator(t *testing.T) {
	sess, be := newTestSession(t)
	video, audio := newRecordingSink(), newRecordingSink()
	talkback := make(chan []byte, 1)

	require.NoError(t, sess.StartLive(context.Background(), "L1", video, audio, talkback))
	talkback <- []byte{0x01}

	waitFor(t, time.Second, func() bool {
		_, _, chunks := be.snapshot()
		for _, c := range chunks {
			if len(c) == 0 {
				return true
			}
		}
		return false
	})
}

func TestStopLiveCancelsTalkbackPump(t *testing.T) {
	sess, be := newTestSession(t)
	video, audio := newRecordingSink(), newRecordingSink()
	talkback := make(chan []byte, 1)

	require.NoError(t, sess.StartLive(context.Background(), "L1", video, audio, talkback))
	sess.StopLive(context.Background(), "L1")

	// The pump arms its silence timer at start; once cancelled it must never
	// fire, so no zero-length terminator reaches the backend.
	time.Sleep(3 * sess.cfg.TalkbackSilence)
	_, closes, chunks := be.snapshot()
	assert.Equal(t, 1, closes)
	assert.Empty(t, chunks)
}

func TestStartRecordSeesTrunkSnapshot(t *testing.T) {
	sess, _ := newTestSession(t)
	sess.store.Push(framestore.KindVideo, []byte{0x01})
	sess.store.Push(framestore.KindVideo, []byte{0x02})

	video, audio := newRecordingSink(), newRecordingSink()
	require.NoError(t, sess.StartRecord(context.Background(), "r1", video, audio))

	waitFor(t, time.Second, func() bool { return video.count() == 2 })
}
