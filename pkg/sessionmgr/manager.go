// Package sessionmgr owns the fleet of per-device Sessions that the camera
// core's outer bridge drives (§4.5, §9: "the controller that picks a backend
// lives in the outer bridge"). It is the one place in this module aware of
// more than one device at a time: it constructs a Session (one Backend, one
// FrameStore) per device on demand, applies device-state updates, and runs a
// degraded/backoff recovery loop when a device's backend repeatedly fails to
// connect, all funneled through a shared ControlQueue so that many devices
// reconnecting at once don't burst the remote session-setup endpoint.
package sessionmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/session"
)

// State is the lifecycle state the Manager tracks for one device, layered
// on top of the Session/Backend's own connection tri-state.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateFailed
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "starting"
	}
}

// BackendFactory constructs the concrete Backend for one device. Selection
// policy (which protocol a given device should speak) is configuration-level
// and lives with the Manager's caller, per §4.5 and §9.
type BackendFactory func(deviceID string, store *framestore.Store, logger *slog.Logger) backend.Backend

// Config holds the Manager's own tunables, separate from any one Session's.
type Config struct {
	// ConnectQPS bounds how many Connect/reconnect attempts the shared
	// ControlQueue admits per second across all devices.
	ConnectQPS float64
	// StaggerInterval delays successive devices during a bulk AddDevices
	// call, so N cameras coming online at process start don't all dial at
	// once even before the rate limiter gets involved.
	StaggerInterval time.Duration
	// MaxFailures is the consecutive-failure threshold after which a
	// device is marked degraded and retried on DegradedRetry instead of
	// exponential backoff.
	MaxFailures int
	// DegradedRetry is the fixed retry interval once a device is degraded.
	DegradedRetry time.Duration
	// RecoveryBaseDelay seeds the exponential backoff used before a device
	// reaches MaxFailures.
	RecoveryBaseDelay time.Duration
	// RecoveryMaxDelay caps the exponential backoff.
	RecoveryMaxDelay time.Duration
	// FrameStore is the per-device FrameStore configuration template; each
	// device gets its own Store built from this Config.
	FrameStore framestore.Config
	// Session is the per-device Session controller configuration template.
	Session session.Config
}

// DefaultConfig returns sensible defaults for a fleet of cameras sharing one
// remote control service.
func DefaultConfig() Config {
	return Config{
		ConnectQPS:        2.0,
		StaggerInterval:   2 * time.Second,
		MaxFailures:       5,
		DegradedRetry:     5 * time.Minute,
		RecoveryBaseDelay: 2 * time.Second,
		RecoveryMaxDelay:  5 * time.Minute,
		Session:           session.DefaultConfig(),
	}
}

// managedDevice is the Manager's bookkeeping for one device's Session.
type managedDevice struct {
	id      string
	sess    *session.Session
	store   *framestore.Store
	backend backend.Backend

	mu             sync.Mutex
	state          State
	failures       int
	lastErr        error
	lastAttempt    time.Time
	lastKnown      backend.DeviceState
	cancelRecovery context.CancelFunc
}

// Status is the externally observable snapshot of one device, for
// diagnostics and the Consumer API's status endpoint.
type Status struct {
	DeviceID    string
	State       State
	ConnState   backend.ConnState
	Failures    int
	LastError   error
	LastAttempt time.Time
}

// Manager owns one Session per device and the shared ControlQueue that
// paces their Connect/reconnect attempts.
type Manager struct {
	cfg        Config
	newBackend BackendFactory
	logger     *slog.Logger
	queue      *ControlQueue

	mu      sync.RWMutex
	devices map[string]*managedDevice

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager. newBackend is invoked once per device the first
// time it is added.
func New(cfg Config, newBackend BackendFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectQPS <= 0 {
		cfg.ConnectQPS = 2.0
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.DegradedRetry <= 0 {
		cfg.DegradedRetry = 5 * time.Minute
	}
	if cfg.RecoveryBaseDelay <= 0 {
		cfg.RecoveryBaseDelay = 2 * time.Second
	}
	if cfg.RecoveryMaxDelay <= 0 {
		cfg.RecoveryMaxDelay = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		newBackend: newBackend,
		logger:     logger,
		queue:      NewControlQueue(cfg.ConnectQPS, logger.With("component", "control_queue")),
		devices:    make(map[string]*managedDevice),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins processing the shared ControlQueue. Call once before adding
// devices.
func (m *Manager) Start() {
	m.queue.Start()
}

// Stop tears down every managed device and the control queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	devices := make([]*managedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.devices = make(map[string]*managedDevice)
	m.mu.Unlock()

	m.cancel()

	var wg sync.WaitGroup
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	for _, d := range devices {
		wg.Add(1)
		go func(d *managedDevice) {
			defer wg.Done()
			m.teardown(stopCtx, d)
		}(d)
	}
	wg.Wait()

	// Stop the queue before waiting on m.wg: goroutines blocked submitting
	// a connect attempt unblock immediately once the queue drains them
	// with context.Canceled, instead of waiting for the rate limiter.
	m.queue.Stop()
	m.wg.Wait()
}

// AddDevice registers a device, constructing its Backend and FrameStore and
// starting the FrameStore driver. If the initial state is online and
// streaming-allowed, a connect is submitted through the ControlQueue as
// CmdConnect (high priority: this is a fresh device-state transition, not a
// recovery retry).
func (m *Manager) AddDevice(ctx context.Context, deviceID string, initial backend.DeviceState) error {
	if deviceID == "" {
		return fmt.Errorf("add device: %w", errs.ErrInvalidArgument)
	}

	m.mu.Lock()
	if _, exists := m.devices[deviceID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("add device %q: %w", deviceID, errs.ErrDuplicateID)
	}

	logger := m.logger.With("device_id", deviceID)
	store := framestore.New(m.cfg.FrameStore, logger)
	be := m.newBackend(deviceID, store, logger)
	sess := session.New(deviceID, be, store, logger, m.cfg.Session)

	d := &managedDevice{
		id:        deviceID,
		sess:      sess,
		store:     store,
		backend:   be,
		state:     StateStarting,
		lastKnown: initial,
	}
	m.devices[deviceID] = d
	m.mu.Unlock()

	sess.Start(ctx)

	if initial.Online && initial.StreamingAllowed {
		m.submitConnect(d, CmdConnect, 0)
	}
	return nil
}

// AddDevices bulk-registers a batch of devices with a stagger delay between
// each, so a process start with many known devices doesn't dial all of them
// in the same instant even before the ControlQueue's rate limit applies.
func (m *Manager) AddDevices(ctx context.Context, initial []backend.DeviceState) error {
	for i, state := range initial {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := m.AddDevice(ctx, state.DeviceID, state); err != nil {
			return err
		}

		if i < len(initial)-1 && m.cfg.StaggerInterval > 0 {
			select {
			case <-time.After(m.cfg.StaggerInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// RemoveDevice tears a device's Session down unconditionally and forgets
// it, for use when the device disappears from the upstream device-mirror.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	d, exists := m.devices[deviceID]
	if exists {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("remove device %q: %w", deviceID, errs.ErrInvalidArgument)
	}

	m.teardown(ctx, d)
	return nil
}

func (m *Manager) teardown(ctx context.Context, d *managedDevice) {
	d.mu.Lock()
	if d.cancelRecovery != nil {
		d.cancelRecovery()
		d.cancelRecovery = nil
	}
	d.state = StateStopped
	d.mu.Unlock()

	d.sess.Stop(ctx)
}

// UpdateDevice forwards a refreshed device-state snapshot to the device's
// Session (§4.5: it always updates credentials/flags, then connects or
// closes depending on the flags). A connect failure starts the recovery
// loop; a clean update or close clears any failure streak and cancels a
// running recovery loop, since the device-mirror has fresher information
// than a stale retry would.
func (m *Manager) UpdateDevice(ctx context.Context, state backend.DeviceState) error {
	d, err := m.lookup(state.DeviceID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.lastKnown = state
	if d.cancelRecovery != nil {
		d.cancelRecovery()
		d.cancelRecovery = nil
	}
	d.mu.Unlock()

	wantsConnect := state.Online && state.StreamingAllowed

	if !wantsConnect {
		err := d.sess.Update(ctx, state)
		d.mu.Lock()
		d.lastAttempt = time.Now()
		d.lastErr = err
		if err == nil {
			d.state = StateStopped
			d.failures = 0
		}
		d.mu.Unlock()
		return err
	}

	// Route the connect path through the shared queue so a device-mirror
	// broadcast touching many devices at once doesn't burst the remote
	// endpoint; the FrameStore/credential update itself is local and runs
	// immediately.
	err = m.queue.Submit(CmdConnect, d.id, 0, guardedExecute(func() error {
		return d.sess.Update(ctx, state)
	}))
	m.recordOutcome(d, err)
	return err
}

func (m *Manager) lookup(deviceID string) (*managedDevice, error) {
	m.mu.RLock()
	d, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("device %q: %w", deviceID, errs.ErrInvalidArgument)
	}
	return d, nil
}

func (m *Manager) submitConnect(d *managedDevice, kind CommandKind, attempt int) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.queue.Submit(kind, d.id, attempt, guardedExecute(func() error {
			ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			defer cancel()
			d.mu.Lock()
			state := d.lastKnown
			d.mu.Unlock()
			return d.sess.Update(ctx, state)
		}))
		m.recordOutcome(d, err)
	}()
}

// recordOutcome updates the device's lifecycle state and, on failure,
// (re)starts the backoff recovery loop.
func (m *Manager) recordOutcome(d *managedDevice, err error) {
	d.mu.Lock()
	d.lastAttempt = time.Now()
	if err == nil {
		d.state = StateRunning
		d.failures = 0
		d.lastErr = nil
		d.mu.Unlock()
		return
	}

	d.failures++
	d.lastErr = err
	if d.failures >= m.cfg.MaxFailures {
		d.state = StateDegraded
	} else {
		d.state = StateFailed
	}
	alreadyRecovering := d.cancelRecovery != nil
	d.mu.Unlock()

	m.logger.Warn("device connect failed", "device_id", d.id, "error", err, "failures", d.failures)

	if !alreadyRecovering {
		m.startRecovery(d)
	}
}

func (m *Manager) startRecovery(d *managedDevice) {
	ctx, cancel := context.WithCancel(m.ctx)
	d.mu.Lock()
	d.cancelRecovery = cancel
	d.mu.Unlock()

	m.wg.Add(1)
	go m.recoveryLoop(ctx, d)
}

func (m *Manager) recoveryLoop(ctx context.Context, d *managedDevice) {
	defer m.wg.Done()

	for {
		d.mu.Lock()
		state := d.state
		failures := d.failures
		d.mu.Unlock()

		if state != StateFailed && state != StateDegraded {
			return
		}

		delay := m.cfg.DegradedRetry
		if state == StateFailed {
			delay = m.cfg.RecoveryBaseDelay * time.Duration(1<<uint(failures))
			if delay > m.cfg.RecoveryMaxDelay {
				delay = m.cfg.RecoveryMaxDelay
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := m.queue.Submit(CmdRecover, d.id, failures, guardedExecute(func() error {
			ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			defer cancel()
			d.mu.Lock()
			state := d.lastKnown
			d.mu.Unlock()
			return d.sess.Update(ctx, state)
		}))

		select {
		case <-ctx.Done():
			return
		default:
		}

		m.recordOutcomeLocked(d, err, ctx)
	}
}

// recordOutcomeLocked is recordOutcome specialized for the recovery loop: it
// must not start a second recovery goroutine on failure (the loop already
// continues), only update bookkeeping.
func (m *Manager) recordOutcomeLocked(d *managedDevice, err error, ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAttempt = time.Now()
	if err == nil {
		d.state = StateRunning
		d.failures = 0
		d.lastErr = nil
		if d.cancelRecovery != nil {
			d.cancelRecovery()
			d.cancelRecovery = nil
		}
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	d.failures++
	d.lastErr = err
	if d.failures >= m.cfg.MaxFailures {
		d.state = StateDegraded
	} else {
		d.state = StateFailed
	}
}

// StartBuffer attaches the shared-trunk buffer consumer for a device.
func (m *Manager) StartBuffer(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.sess.StartBuffer(ctx)
}

// StopBuffer detaches the buffer consumer for a device.
func (m *Manager) StopBuffer(ctx context.Context, deviceID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	d.sess.StopBuffer(ctx)
	return nil
}

// StartLive attaches a live consumer for a device.
func (m *Manager) StartLive(ctx context.Context, deviceID, consumerID string, videoSink, audioSink framestore.Sink, talkback <-chan []byte) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.sess.StartLive(ctx, consumerID, videoSink, audioSink, talkback)
}

// StopLive detaches a live consumer for a device.
func (m *Manager) StopLive(ctx context.Context, deviceID, consumerID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	d.sess.StopLive(ctx, consumerID)
	return nil
}

// StartRecord attaches a record consumer for a device.
func (m *Manager) StartRecord(ctx context.Context, deviceID, consumerID string, videoSink, audioSink framestore.Sink) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return d.sess.StartRecord(ctx, consumerID, videoSink, audioSink)
}

// StopRecord detaches a record consumer for a device.
func (m *Manager) StopRecord(ctx context.Context, deviceID, consumerID string) error {
	d, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	d.sess.StopRecord(ctx, consumerID)
	return nil
}

// Status returns a snapshot of every managed device, for the Consumer API's
// diagnostics surface.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	devices := make([]*managedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(devices))
	for _, d := range devices {
		d.mu.Lock()
		out = append(out, Status{
			DeviceID:    d.id,
			State:       d.state,
			ConnState:   d.backend.State(),
			Failures:    d.failures,
			LastError:   d.lastErr,
			LastAttempt: d.lastAttempt,
		})
		d.mu.Unlock()
	}
	return out
}
