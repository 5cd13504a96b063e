package framestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func (s *recordingSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
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

func newTestStore(t *testing.T, trunkMax int) *Store {
	t.Helper()
	s := New(Config{TrunkMaxPackets: trunkMax, TickInterval: time.Millisecond}, nil)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestTrunkBoundedAtNMax(t *testing.T) {
	s := newTestStore(t, 10)
	for i := 0; i < 25; i++ {
		s.Push(KindVideo, []byte{byte(i)})
	}
	assert.LessOrEqual(t, s.TrunkLen(), 10)
}

func TestTrunkExactlyAtNMaxEvictsExactlyOne(t *testing.T) {
	s := newTestStore(t, 5)
	for i := 0; i < 5; i++ {
		s.Push(KindVideo, []byte{byte(i)})
	}
	require.Equal(t, 5, s.TrunkLen())

	s.Push(KindVideo, []byte{99})
	assert.Equal(t, 5, s.TrunkLen())
}

func TestLiveConsumerDeliversStartCodePrefixed(t *testing.T) {
	s := newTestStore(t, 100)
	video := newRecordingSink()
	audio := newRecordingSink()

	require.NoError(t, s.AttachLive("L1", video, audio, nil))

	s.Push(KindVideo, []byte{0xAA, 0xBB})
	s.Push(KindAudio, []byte{0xCC})

	waitFor(t, time.Second, func() bool { return len(video.snapshot()) == 1 && len(audio.snapshot()) == 1 })

	got := video.snapshot()[0]
	assert.True(t, media.HasStartCode(got))
	assert.Equal(t, append(append([]byte{}, media.StartCode...), 0xAA, 0xBB), got)
	assert.Equal(t, []byte{0xCC}, audio.snapshot()[0])
}

func TestLiveConsumerDoesNotSeePriorPushes(t *testing.T) {
	s := newTestStore(t, 100)
	s.Push(KindVideo, []byte{0x01})

	video := newRecordingSink()
	audio := newRecordingSink()
	require.NoError(t, s.AttachLive("L1", video, audio, nil))

	s.Push(KindVideo, []byte{0x02})

	waitFor(t, time.Second, func() bool { return len(video.snapshot()) >= 1 })
	time.Sleep(20 * time.Millisecond) // let any spurious extra delivery happen

	writes := video.snapshot()
	require.Len(t, writes, 1)
	assert.Contains(t, string(writes[0]), string([]byte{0x02}))
}

func TestRecordConsumerSeesSnapshotThenSubsequentPushes(t *testing.T) {
	s := newTestStore(t, 100)
	for i := 0; i < 20; i++ {
		s.Push(KindVideo, []byte{byte(i)})
	}

	video := newRecordingSink()
	audio := newRecordingSink()
	require.NoError(t, s.AttachRecord("r1", video, audio))

	s.Push(KindVideo, []byte{20})
	s.Push(KindVideo, []byte{21})

	waitFor(t, time.Second, func() bool { return len(video.snapshot()) == 22 })

	writes := video.snapshot()
	for i, w := range writes {
		assert.Equal(t, byte(i), w[len(w)-1], "packet %d payload mismatch", i)
	}
}

func TestAttachLiveDuplicateIDFails(t *testing.T) {
	s := newTestStore(t, 10)
	v, a := newRecordingSink(), newRecordingSink()
	require.NoError(t, s.AttachLive("dup", v, a, nil))

	err := s.AttachLive("dup", v, a, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDuplicateID))
}

func TestHasConsumersReflectsBufferAndAttachments(t *testing.T) {
	s := newTestStore(t, 10)
	assert.False(t, s.HasConsumers())

	s.AttachBuffer()
	assert.True(t, s.HasConsumers())

	s.DetachBuffer()
	assert.False(t, s.HasConsumers())

	require.NoError(t, s.AttachLive("L1", newRecordingSink(), newRecordingSink(), nil))
	assert.True(t, s.HasConsumers())

	s.Detach("L1")
	assert.False(t, s.HasConsumers())
}

func TestSinkWriteErrorIsSwallowed(t *testing.T) {
	s := newTestStore(t, 10)

	failing := &failingSink{errCh: make(chan error, 1)}
	audio := newRecordingSink()
	require.NoError(t, s.AttachLive("L1", failing, audio, nil))

	assert.NotPanics(t, func() {
		s.Push(KindVideo, []byte{0x01})
		time.Sleep(10 * time.Millisecond)
	})
}

type failingSink struct {
	errCh chan error
}

func (f *failingSink) Write(p []byte) (int, error) { return 0, errors.New("boom") }
func (f *failingSink) Err() <-chan error            { return f.errCh }
