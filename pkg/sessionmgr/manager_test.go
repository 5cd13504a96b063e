package sessionmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal backend.Backend whose Connect outcome can be
// scripted per call, for exercising the Manager's recovery loop.
type fakeBackend struct {
	mu          sync.Mutex
	state       backend.ConnState
	connectErrs []error
	connects    int
}

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	if err == nil {
		f.state = backend.Connected
	}
	return err
}

func (f *fakeBackend) Close(ctx context.Context, stopStreamFirst bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = backend.Disconnected
	return nil
}

func (f *fakeBackend) Update(state backend.DeviceState) {}

func (f *fakeBackend) SendTalkback(ctx context.Context, chunk []byte) error { return nil }

func (f *fakeBackend) State() backend.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBackend) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// failingBackend fails Connect until its shared counter is exhausted.
type failingBackend struct {
	mu      sync.Mutex
	state   backend.ConnState
	maxFail *int32
}

func (f *failingBackend) Connect(ctx context.Context) error {
	if atomic.AddInt32(f.maxFail, -1) >= 0 {
		return errors.New("persistent failure")
	}
	f.mu.Lock()
	f.state = backend.Connected
	f.mu.Unlock()
	return nil
}
func (f *failingBackend) Close(ctx context.Context, stopStreamFirst bool) error { return nil }
func (f *failingBackend) Update(state backend.DeviceState)                     {}
func (f *failingBackend) SendTalkback(ctx context.Context, chunk []byte) error  { return nil }
func (f *failingBackend) State() backend.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
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

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectQPS = 1000
	cfg.StaggerInterval = 0
	cfg.RecoveryBaseDelay = 5 * time.Millisecond
	cfg.RecoveryMaxDelay = 20 * time.Millisecond
	cfg.DegradedRetry = 20 * time.Millisecond
	cfg.MaxFailures = 2
	cfg.FrameStore = framestore.Config{TrunkMaxPackets: 50, TickInterval: time.Millisecond}
	return cfg
}

func TestAddDeviceConnectsWhenOnlineAndAllowed(t *testing.T) {
	be := &fakeBackend{}
	m := New(testConfig(), func(deviceID string, store *framestore.Store, logger *slog.Logger) backend.Backend {
		return be
	}, nil)
	m.Start()
	t.Cleanup(m.Stop)

	require.NoError(t, m.AddDevice(context.Background(), "d1", backend.DeviceState{
		DeviceID: "d1", Online: true, StreamingAllowed: true, AudioAllowed: true,
	}))

	waitFor(t, time.Second, func() bool { return be.connectCount() >= 1 })
}

func TestRecoveryLoopRetriesAfterFailureThenSucceeds(t *testing.T) {
	be := &fakeBackend{connectErrs: []error{errors.New("boom"), errors.New("boom")}}
	cfg := testConfig()
	cfg.MaxFailures = 5

	m := New(cfg, func(deviceID string, store *framestore.Store, logger *slog.Logger) backend.Backend {
		return be
	}, nil)
	m.Start()
	t.Cleanup(m.Stop)

	require.NoError(t, m.AddDevice(context.Background(), "d1", backend.DeviceState{
		DeviceID: "d1", Online: true, StreamingAllowed: true, AudioAllowed: true,
	}))

	waitFor(t, 2*time.Second, func() bool { return be.connectCount() >= 3 })

	statuses := m.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateRunning, statuses[0].State)
}

func TestDegradedAfterMaxFailures(t *testing.T) {
	var failCount int32 = 100
	be := &failingBackend{maxFail: &failCount}
	cfg := testConfig()

	m := New(cfg, func(deviceID string, store *framestore.Store, logger *slog.Logger) backend.Backend {
		return be
	}, nil)
	m.Start()
	t.Cleanup(m.Stop)

	require.NoError(t, m.AddDevice(context.Background(), "d1", backend.DeviceState{
		DeviceID: "d1", Online: true, StreamingAllowed: true, AudioAllowed: true,
	}))

	waitFor(t, 2*time.Second, func() bool {
		statuses := m.Status()
		return len(statuses) == 1 && statuses[0].State == StateDegraded
	})
}

func TestRemoveDeviceStopsSessionAndForgetsDevice(t *testing.T) {
	be := &fakeBackend{}
	m := New(testConfig(), func(deviceID string, store *framestore.Store, logger *slog.Logger) backend.Backend {
		return be
	}, nil)
	m.Start()
	t.Cleanup(m.Stop)

	require.NoError(t, m.AddDevice(context.Background(), "d1", backend.DeviceState{DeviceID: "d1"}))
	require.NoError(t, m.RemoveDevice(context.Background(), "d1"))

	assert.Empty(t, m.Status())
	assert.Error(t, m.StartBuffer(context.Background(), "d1"))
}
