package sessionmgr

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CommandKind distinguishes the two classes of control-plane operation the
// Manager issues against a remote backend's session-setup path: a connect
// driven by a fresh device-state update (high priority, the device owner is
// waiting) versus a backoff-driven reconnect attempt after a prior failure
// (low priority, can wait behind fresher work). Both ultimately call the
// same Backend.Connect; the queue exists to keep a reconnect storm across
// many devices from hammering a shared remote session-setup endpoint at once.
type CommandKind int

const (
	// CmdConnect is a connect triggered by an online/streaming-allowed
	// device-state transition. A connect caused by a consumer attach goes
	// straight to the Session and does not pass through the queue.
	CmdConnect CommandKind = iota
	// CmdRecover is a backoff-driven retry after a prior connect failure.
	CmdRecover
)

func (c CommandKind) String() string {
	if c == CmdRecover {
		return "recover"
	}
	return "connect"
}

// commandTicket is one queued backend operation with its priority and
// response channel.
type commandTicket struct {
	kind      CommandKind
	deviceID  string
	attempt   int
	timestamp time.Time
	response  chan error
	execute   func() error
	index     int
}

type ticketHeap []*commandTicket

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].kind != h[j].kind {
		return h[i].kind < h[j].kind
	}
	return h[i].timestamp.Before(h[j].timestamp)
}

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x any) {
	n := len(*h)
	t := x.(*commandTicket)
	t.index = n
	*h = append(*h, t)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// ControlQueue serializes and rate-limits Connect/reconnect attempts across
// every Session a Manager owns, so many devices coming online at once (or
// recovering from a shared remote outage) issue session-setup calls at a
// steady pace instead of in a burst. CmdConnect tickets always drain ahead
// of CmdRecover tickets of the same age.
type ControlQueue struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	heap ticketHeap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControlQueue creates a queue admitting at most qps connect attempts
// per second, with a burst of one (no bursting: a thundering herd of
// devices coming online together is exactly the case this queue exists to
// smooth out).
func NewControlQueue(qps float64, logger *slog.Logger) *ControlQueue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ControlQueue{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(qps), 1),
		ctx:     ctx,
		cancel:  cancel,
		heap:    make(ticketHeap, 0),
	}
}

// Start begins processing queued tickets.
func (q *ControlQueue) Start() {
	q.wg.Add(1)
	go q.workerLoop()
}

// Stop cancels processing and fails every ticket still queued.
func (q *ControlQueue) Stop() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*commandTicket)
		t.response <- context.Canceled
		close(t.response)
	}
	q.mu.Unlock()
}

// Submit enqueues one operation and blocks until it executes or the queue
// is stopped.
func (q *ControlQueue) Submit(kind CommandKind, deviceID string, attempt int, execute func() error) error {
	t := &commandTicket{
		kind:      kind,
		deviceID:  deviceID,
		attempt:   attempt,
		timestamp: time.Now(),
		response:  make(chan error, 1),
		execute:   execute,
	}

	q.mu.Lock()
	heap.Push(&q.heap, t)
	depth := q.heap.Len()
	q.mu.Unlock()

	q.logger.Debug("control command enqueued", "kind", kind.String(), "device_id", deviceID, "attempt", attempt, "queue_depth", depth)

	select {
	case err := <-t.response:
		return err
	case <-q.ctx.Done():
		return context.Canceled
	}
}

func (q *ControlQueue) workerLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processNext()
		}
	}
}

func (q *ControlQueue) processNext() {
	q.mu.Lock()
	if q.heap.Len() == 0 {
		q.mu.Unlock()
		return
	}
	t := heap.Pop(&q.heap).(*commandTicket)
	q.mu.Unlock()

	if err := q.limiter.Wait(q.ctx); err != nil {
		t.response <- err
		close(t.response)
		return
	}

	err := t.execute()
	q.logger.Debug("control command executed", "kind", t.kind.String(), "device_id", t.deviceID, "attempt", t.attempt, "success", err == nil)
	t.response <- err
	close(t.response)
}

var errNilExecute = errors.New("sessionmgr: nil execute function")

func guardedExecute(fn func() error) func() error {
	return func() error {
		if fn == nil {
			return errNilExecute
		}
		return fn()
	}
}
