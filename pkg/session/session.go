// Package session implements the per-device controller described by §4.5:
// it owns exactly one Backend and one FrameStore, reacts to device-state
// updates by connecting/closing the Backend, and exposes the
// buffer/live/record consumer operations the API layer drives.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
)

// Config holds the Session controller's own tunables, separate from the
// Backend's and FrameStore's.
type Config struct {
	// TalkbackSilence is how long the talkback pump waits after the last
	// chunk before synthesizing a zero-length terminator (§4.5).
	TalkbackSilence time.Duration
}

func DefaultConfig() Config {
	return Config{TalkbackSilence: 500 * time.Millisecond}
}

// Session binds one device's Backend to its FrameStore and mediates all
// consumer attach/detach traffic between them.
type Session struct {
	deviceID string
	backend  backend.Backend
	store    *framestore.Store
	logger   *slog.Logger
	cfg      Config

	mu    sync.Mutex
	pumps map[string]context.CancelFunc
}

// New builds a Session for one device. The caller constructs the concrete
// Backend (selection policy is outside this package, §4.5) and FrameStore.
func New(deviceID string, be backend.Backend, store *framestore.Store, logger *slog.Logger, cfg Config) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TalkbackSilence <= 0 {
		cfg.TalkbackSilence = 500 * time.Millisecond
	}
	return &Session{
		deviceID: deviceID,
		backend:  be,
		store:    store,
		logger:   logger.With("device_id", deviceID, "component", "session"),
		cfg:      cfg,
		pumps:    make(map[string]context.CancelFunc),
	}
}

// Start launches the FrameStore's driver. Call once before any consumer
// attaches.
func (s *Session) Start(ctx context.Context) {
	s.store.Start(ctx)
}

// Stop tears the Session down unconditionally: cancels every talkback
// pump, closes the Backend, and stops the FrameStore driver. Used when the
// device disappears from the upstream device-mirror feed entirely.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	for id, cancel := range s.pumps {
		cancel()
		delete(s.pumps, id)
	}
	s.mu.Unlock()

	if err := s.backend.Close(ctx, true); err != nil {
		s.logger.Warn("backend close during session stop", "error", err)
	}
	s.store.Stop()
}

// Update reacts to a refreshed device-state snapshot (§4.5): it always
// forwards the new credentials/flags to the Backend and FrameStore, then
// closes or connects depending on the online/streaming/audio flags.
func (s *Session) Update(ctx context.Context, state backend.DeviceState) error {
	s.backend.Update(state)
	s.store.UpdateDeviceState(state.Online, state.StreamingAllowed)

	if !state.Online || !state.StreamingAllowed || !state.AudioAllowed {
		return s.backend.Close(ctx, true)
	}
	return s.backend.Connect(ctx)
}

// ensureConnected opens the Backend if a consumer attach finds it closed
// (§3: a Backend is connected iff at least one consumer exists).
func (s *Session) ensureConnected(ctx context.Context) error {
	if s.backend.State() == backend.Disconnected {
		return s.backend.Connect(ctx)
	}
	return nil
}

// StartBuffer attaches the shared-trunk buffer consumer.
func (s *Session) StartBuffer(ctx context.Context) error {
	s.store.AttachBuffer()
	return s.ensureConnected(ctx)
}

// StartLive attaches a live consumer. If talkbackSource is non-nil, its
// bytes are pumped to Backend.SendTalkback, with a zero-length terminator
// synthesized after TalkbackSilence of inactivity.
func (s *Session) StartLive(ctx context.Context, id string, videoSink, audioSink framestore.Sink, talkbackSource <-chan []byte) error {
	if err := s.store.AttachLive(id, videoSink, audioSink, talkbackSource); err != nil {
		return err
	}

	if talkbackSource != nil {
		pumpCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.pumps[id] = cancel
		s.mu.Unlock()
		go s.runTalkbackPump(pumpCtx, id, talkbackSource)
	}

	return s.ensureConnected(ctx)
}

// StartRecord attaches a record consumer.
func (s *Session) StartRecord(ctx context.Context, id string, videoSink, audioSink framestore.Sink) error {
	if err := s.store.AttachRecord(id, videoSink, audioSink); err != nil {
		return err
	}
	return s.ensureConnected(ctx)
}

// StopBuffer detaches the buffer consumer; if no consumers remain, the
// Backend is closed.
func (s *Session) StopBuffer(ctx context.Context) {
	s.store.DetachBuffer()
	s.closeIfIdle(ctx)
}

// StopLive detaches a live consumer and cancels its talkback pump, if any.
func (s *Session) StopLive(ctx context.Context, id string) {
	s.mu.Lock()
	if cancel, ok := s.pumps[id]; ok {
		cancel()
		delete(s.pumps, id)
	}
	s.mu.Unlock()

	s.store.Detach(id)
	s.closeIfIdle(ctx)
}

// StopRecord detaches a record consumer.
func (s *Session) StopRecord(ctx context.Context, id string) {
	s.store.Detach(id)
	s.closeIfIdle(ctx)
}

func (s *Session) closeIfIdle(ctx context.Context) {
	if s.store.HasConsumers() {
		return
	}
	if err := s.backend.Close(ctx, true); err != nil {
		s.logger.Warn("backend close on last consumer detach", "error", err)
	}
}

// runTalkbackPump ranges over a live consumer's talkback source, forwarding
// each chunk to the Backend and resetting a silence timer on every receive.
// When the timer fires it sends exactly one zero-length terminator (§8: a
// source that emits then goes silent for TalkbackSilence yields exactly one
// terminator, not one per tick) and disarms until a later chunk restarts it.
func (s *Session) runTalkbackPump(ctx context.Context, id string, talkback <-chan []byte) {
	timer := time.NewTimer(s.cfg.TalkbackSilence)
	defer timer.Stop()
	armed := true

	for {
		var timerC <-chan time.Time
		if armed {
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-talkback:
			if !ok {
				return
			}
			if err := s.backend.SendTalkback(ctx, chunk); err != nil {
				s.logger.Warn("talkback send failed", "consumer_id", id, "error", err)
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.cfg.TalkbackSilence)
			armed = true

		case <-timerC:
			if err := s.backend.SendTalkback(ctx, nil); err != nil {
				s.logger.Warn("talkback terminator failed", "consumer_id", id, "error", err)
			}
			armed = false
		}
	}
}
