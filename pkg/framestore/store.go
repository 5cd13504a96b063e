package framestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/media"
)

// syntheticFrameInterval is the 1/30s clamp §4.1 places on filler
// injection, independent of the configured synthetic-frame log interval.
const syntheticFrameInterval = time.Second / 30

// Config holds the tunables a Store needs at construction.
type Config struct {
	TrunkMaxPackets int
	TickInterval    time.Duration
	Fillers         *media.Fillers

	// ConsumerQueueDepth bounds each consumer's per-kind delivery channel
	// (§5: "per-consumer pending queues are bounded channels so a slow
	// sink applies backpressure only to its own goroutine"). Defaults to
	// TrunkMaxPackets so a record consumer's full trunk snapshot always
	// fits without being dropped at attach time.
	ConsumerQueueDepth int
}

// Store is the per-device rolling buffer and fan-out engine (§4.1).
// Producer-agnostic: any Backend pushes into it via Push.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	trunk     []MediaPacket
	hasBuffer bool
	consumers map[string]*consumer

	stateMu          sync.Mutex
	online           bool
	streamingAllowed bool

	lastVideoPush time.Time

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Store. Call Start to begin the drain/synthetic-fill driver.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.TrunkMaxPackets <= 0 {
		cfg.TrunkMaxPackets = 1250
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Millisecond
	}
	if cfg.ConsumerQueueDepth <= 0 {
		cfg.ConsumerQueueDepth = cfg.TrunkMaxPackets
	}
	return &Store{
		cfg:       cfg,
		logger:    logger,
		consumers: make(map[string]*consumer),
	}
}

// Start launches the driver goroutine. Safe to call once per Store. Every
// consumer's writer goroutines are derived from this context, so Stop
// cancels them too without the Store having to track them individually.
func (s *Store) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.rootCtx = ctx
	s.cancel = cancel
	s.wg.Add(1)
	go s.driveLoop(ctx)
}

// Stop cancels the driver goroutine and waits for it to exit.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// UpdateDeviceState is called by the Session controller whenever the
// device's online/streamingAllowed state changes; it drives synthetic
// filler selection on the next driver tick.
func (s *Store) UpdateDeviceState(online, streamingAllowed bool) {
	s.stateMu.Lock()
	s.online = online
	s.streamingAllowed = streamingAllowed
	s.stateMu.Unlock()
}

func (s *Store) deviceState() (online, streamingAllowed bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.online, s.streamingAllowed
}

// Push appends one packet to the trunk and to every live/record consumer's
// pending queue, then enforces the trunk bound. It never blocks.
func (s *Store) Push(kind Kind, bytes []byte) {
	s.push(MediaPacket{Kind: kind, Bytes: bytes, pushedAt: time.Now()})
}

func (s *Store) push(pkt MediaPacket) {
	s.mu.Lock()
	s.trunk = append(s.trunk, pkt)
	if over := len(s.trunk) - s.cfg.TrunkMaxPackets; over > 0 {
		s.trunk = s.trunk[over:]
	}
	for _, c := range s.consumers {
		switch pkt.Kind {
		case KindVideo:
			c.videoQueue.push(pkt)
		case KindAudio:
			c.audioQueue.push(pkt)
		}
	}
	s.mu.Unlock()

	if pkt.Kind == KindVideo {
		s.stateMu.Lock()
		s.lastVideoPush = time.Now()
		s.stateMu.Unlock()
	}
}

// AttachBuffer attaches the shared-trunk buffer consumer. Idempotent.
func (s *Store) AttachBuffer() {
	s.mu.Lock()
	s.hasBuffer = true
	s.mu.Unlock()
}

// DetachBuffer detaches the buffer consumer. Idempotent.
func (s *Store) DetachBuffer() {
	s.mu.Lock()
	s.hasBuffer = false
	s.mu.Unlock()
}

// AttachLive attaches a live consumer with tail-start semantics: it sees
// only packets pushed at or after this call.
func (s *Store) AttachLive(id string, videoSink, audioSink Sink, talkback <-chan []byte) error {
	if id == "" || videoSink == nil || audioSink == nil {
		return fmt.Errorf("attach live: %w", errs.ErrInvalidArgument)
	}

	s.mu.Lock()
	if _, exists := s.consumers[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("attach live %q: %w", id, errs.ErrDuplicateID)
	}
	c := s.newConsumer(id, KindLive, videoSink, audioSink, talkback)
	s.consumers[id] = c
	s.mu.Unlock()

	s.startConsumerWriters(c)
	return nil
}

// AttachRecord attaches a record consumer with head-start semantics: its
// pending queues are seeded with a value-copy snapshot of the trunk taken
// atomically with registration, so no push in flight is lost or duplicated.
func (s *Store) AttachRecord(id string, videoSink, audioSink Sink) error {
	if id == "" || videoSink == nil || audioSink == nil {
		return fmt.Errorf("attach record: %w", errs.ErrInvalidArgument)
	}

	s.mu.Lock()
	if _, exists := s.consumers[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("attach record %q: %w", id, errs.ErrDuplicateID)
	}

	c := s.newConsumer(id, KindRecord, videoSink, audioSink, nil)

	var videoSnapshot, audioSnapshot []MediaPacket
	for _, pkt := range s.trunk {
		if pkt.Kind == KindVideo {
			videoSnapshot = append(videoSnapshot, pkt)
		} else {
			audioSnapshot = append(audioSnapshot, pkt)
		}
	}
	c.videoQueue.seed(videoSnapshot)
	c.audioQueue.seed(audioSnapshot)

	s.consumers[id] = c
	s.mu.Unlock()

	s.startConsumerWriters(c)
	return nil
}

// newConsumer builds a consumer with its per-kind delivery channels and a
// cancellation context derived from the Store's root context, so a single
// Stop cascades to every consumer's writer goroutines without the Store
// having to track them individually.
func (s *Store) newConsumer(id string, kind ConsumerKind, videoSink, audioSink Sink, talkback <-chan []byte) *consumer {
	parent := s.rootCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &consumer{
		id:        id,
		kind:      kind,
		videoSink: videoSink,
		audioSink: audioSink,
		videoCh:   make(chan MediaPacket, s.cfg.ConsumerQueueDepth),
		audioCh:   make(chan MediaPacket, s.cfg.ConsumerQueueDepth),
		ctx:       ctx,
		cancel:    cancel,
		talkback:  talkback,
	}
}

// startConsumerWriters spawns the per-sink writer goroutines that perform
// the actual (possibly blocking) sink.Write calls, isolated from the driver
// and from each other (§5).
func (s *Store) startConsumerWriters(c *consumer) {
	s.wg.Add(2)
	go s.runSinkWriter(c.ctx, c.videoCh, c.videoSink, true)
	go s.runSinkWriter(c.ctx, c.audioCh, c.audioSink, false)
}

func (s *Store) runSinkWriter(ctx context.Context, ch <-chan MediaPacket, sink Sink, isVideo bool) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-ch:
			b := pkt.Bytes
			if isVideo {
				b = media.WithStartCode(b)
			}
			s.writeToSink(sink, b)
		}
	}
}

// enqueue hands a packet to a consumer's writer goroutine without blocking:
// if the channel is full, the packet is dropped and logged rather than
// stalling the driver or any sibling consumer (§5).
func (s *Store) enqueue(ch chan<- MediaPacket, pkt MediaPacket) {
	select {
	case ch <- pkt:
	default:
		if s.logger != nil {
			s.logger.Warn("consumer queue full, dropping packet", "kind", pkt.Kind)
		}
	}
}

// Detach removes a live or record consumer and cancels its writer
// goroutines. Idempotent.
func (s *Store) Detach(id string) {
	s.mu.Lock()
	c, ok := s.consumers[id]
	delete(s.consumers, id)
	s.mu.Unlock()

	if ok {
		c.cancel()
	}
}

// HasConsumers reports whether any buffer, live, or record consumer is
// currently attached (§3: "a Backend is connected iff at least one consumer
// exists").
func (s *Store) HasConsumers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasBuffer || len(s.consumers) > 0
}

// TalkbackRoute returns the talkback byte source for a live consumer, if it
// supplied one.
func (s *Store) TalkbackRoute(id string) (<-chan []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	if !ok || c.talkback == nil {
		return nil, false
	}
	return c.talkback, true
}

// TrunkLen returns the current trunk length, for tests and diagnostics.
func (s *Store) TrunkLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trunk)
}

func (s *Store) driveLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Store) tick() {
	s.injectSyntheticIfDue()
	s.drainConsumers()
}

// injectSyntheticIfDue implements §4.1 step 1: when the device is offline,
// or online but streaming disallowed, push filler video+audio no more
// often than once per syntheticFrameInterval.
func (s *Store) injectSyntheticIfDue() {
	if s.cfg.Fillers == nil {
		return
	}

	online, streamingAllowed := s.deviceState()
	if online && streamingAllowed {
		return
	}

	s.stateMu.Lock()
	due := time.Since(s.lastVideoPush) >= syntheticFrameInterval
	s.stateMu.Unlock()
	if !due {
		return
	}

	reason := media.FillerOffline
	if online {
		reason = media.FillerStreamingOff
	}

	s.push(MediaPacket{Kind: KindVideo, Bytes: media.WithStartCode(s.cfg.Fillers.Video(reason)), Synthetic: true, pushedAt: time.Now()})
	s.push(MediaPacket{Kind: KindAudio, Bytes: media.SilenceAAC(), Synthetic: true, pushedAt: time.Now()})
}

// drainConsumers implements §4.1 step 3: pop one pending packet per kind
// per consumer and hand it to that consumer's writer goroutine. The handoff
// is a non-blocking channel send (enqueue), so a slow or blocking sink on
// one consumer can never stall this driver tick or any sibling consumer
// (§5); the actual sink.Write happens on the consumer's own goroutine.
func (s *Store) drainConsumers() {
	s.mu.Lock()
	active := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		active = append(active, c)
	}
	s.mu.Unlock()

	for _, c := range active {
		if pkt, ok := c.videoQueue.pop(); ok {
			s.enqueue(c.videoCh, pkt)
		}
		if pkt, ok := c.audioQueue.pop(); ok {
			s.enqueue(c.audioCh, pkt)
		}
	}
}

func (s *Store) writeToSink(sink Sink, b []byte) {
	if _, err := sink.Write(b); err != nil {
		if s.logger != nil {
			s.logger.Debug("sink write failed, swallowing", "error", err)
		}
	}
}
