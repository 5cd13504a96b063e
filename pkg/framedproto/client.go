package framedproto

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
)

// Config holds the FramedBackend timing knobs (§6 pingIntervalMs,
// stallTimeoutMs).
type Config struct {
	PingInterval time.Duration
	StallTimeout time.Duration
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 15 * time.Second,
		StallTimeout: 8 * time.Second,
		DialTimeout:  10 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

// innerState is the FramedBackend state machine of §4.3. It is a finer
// grain than backend.ConnState, which only needs to distinguish
// disconnected/connecting/connected to satisfy the Backend contract.
type innerState int

const (
	stateDisconnected innerState = iota
	stateConnecting
	stateAuthenticating
	stateAuthed
	stateStreaming
	stateRedirecting
	stateClosing
)

// Client is a FramedBackend: it implements backend.Backend against the
// wire protocol in this package.
type Client struct {
	store  *framestore.Store
	logger *slog.Logger
	cfg    Config

	mu           sync.Mutex
	state        innerState
	device       backend.DeviceState
	sessionID    uint32
	videoChannel uint8
	audioChannel uint8
	audioCodec   string
	talkActive   bool
	generation   int
	cancel       context.CancelFunc

	writeMu sync.Mutex
	conn    net.Conn

	wg sync.WaitGroup
}

func New(store *framestore.Store, logger *slog.Logger, cfg Config) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, logger: logger, cfg: cfg}
}

// Update refreshes the device-state snapshot. It never itself connects or
// closes (§4.2); the Session controller decides that.
func (c *Client) Update(state backend.DeviceState) {
	c.mu.Lock()
	c.device = state
	c.mu.Unlock()
}

func (c *Client) State() backend.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateDisconnected:
		return backend.Disconnected
	case stateConnecting, stateAuthenticating, stateRedirecting, stateClosing:
		return backend.Connecting
	default:
		return backend.Connected
	}
}

// Connect opens the backend if it is not already connecting or connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	host := c.device.EndpointHost
	c.generation++
	gen := c.generation
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()
	_ = ctx

	c.wg.Add(1)
	go c.run(runCtx, gen, host)
	return nil
}

// Close tears the connection down from any state. Idempotent (§7, §8: two
// calls are observationally equivalent to one).
func (c *Client) Close(ctx context.Context, stopStreamFirst bool) error {
	c.mu.Lock()
	if c.state == stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	streaming := c.state == stateStreaming
	cancel := c.cancel
	c.state = stateClosing
	c.mu.Unlock()

	if stopStreamFirst && streaming {
		_ = c.writeRecord(TagStopPlayback, nil)
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = stateDisconnected
	c.mu.Unlock()
	return nil
}

// SendTalkback wraps a chunk as an AudioPayload and sends it. Called before
// TalkbackBegin the chunk is dropped and errs.ErrNotConnected is returned
// (§7 not-connected policy); the controller's own silence timer will still
// emit its terminator.
func (c *Client) SendTalkback(ctx context.Context, chunk []byte) error {
	c.mu.Lock()
	active := c.talkActive
	sessionID := c.sessionID
	c.mu.Unlock()

	if !active {
		return errs.ErrNotConnected
	}
	if len(chunk) == 0 {
		return nil
	}

	payload := EncodeAudioPayload(AudioPayload{
		SessionID:  sessionID,
		Codec:      "SPEEX",
		SampleRate: 16000,
		Payload:    chunk,
	})
	return c.writeRecord(TagAudioPayload, payload)
}

func (c *Client) writeRecord(tag Tag, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errs.ErrNotConnected
	}
	_, err := c.conn.Write(EncodeRecord(tag, payload))
	if err != nil {
		return fmt.Errorf("write %s: %w", tag, errs.ErrTransientIO)
	}
	return nil
}

// run drives one logical connection attempt loop: connect, authenticate,
// stream, and reconnect-on-failure until ctx is cancelled or a clean close
// (PlaybackEnd reason=USER) occurs.
func (c *Client) run(ctx context.Context, gen int, host string) {
	defer c.wg.Done()

	backoff := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		redirectHost, clean, err := c.runConnection(ctx, gen, host)
		if err == nil {
			backoff = c.cfg.ReconnectMin
		}

		if clean {
			return
		}
		if redirectHost != "" {
			host = redirectHost
			continue
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("framedproto connection lost, reconnecting", "host", host, "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

type recvRecord struct {
	tag     Tag
	payload []byte
}

// runConnection executes one TLS connection's worth of the state machine
// and returns either a redirect target, a clean-close signal, or the error
// that ended the connection.
func (c *Client) runConnection(ctx context.Context, gen int, host string) (redirectHost string, clean bool, retErr error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer dialCancel()

	var d tls.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, "1443"))
	if err != nil {
		return "", false, fmt.Errorf("dial %s: %w", host, errs.ErrTransientIO)
	}
	defer conn.Close()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return "", true, nil
	}
	c.conn = conn
	c.state = stateAuthenticating
	device := c.device
	c.mu.Unlock()

	hello := Hello{DeviceID: device.DeviceID, AuthKind: device.AuthKind}
	if device.AuthKind == backend.AuthOAuth2 {
		hello.OAuthToken = device.AuthToken
	} else {
		hello.SessionToken = device.AuthToken
	}
	if err := c.writeRecord(TagHello, EncodeHello(hello)); err != nil {
		return "", false, err
	}

	fr := NewFrameReader(conn)
	recCh := make(chan recvRecord, 8)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			tag, payload, err := fr.ReadRecord()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case recCh <- recvRecord{tag, payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var pingTicker *time.Ticker
	var stallTimer *time.Timer
	defer func() {
		if pingTicker != nil {
			pingTicker.Stop()
		}
		if stallTimer != nil {
			stallTimer.Stop()
		}
	}()

	pingC := func() <-chan time.Time {
		if pingTicker == nil {
			return nil
		}
		return pingTicker.C
	}
	stallC := func() <-chan time.Time {
		if stallTimer == nil {
			return nil
		}
		return stallTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()

		case err := <-readErrCh:
			return "", false, err

		case <-pingC():
			if err := c.writeRecord(TagPing, nil); err != nil {
				return "", false, err
			}

		case <-stallC():
			return "", false, fmt.Errorf("no media for %s: %w", c.cfg.StallTimeout, errs.ErrStall)

		case rec := <-recCh:
			action, redirect, clean2, err := c.handleRecord(rec)
			if err != nil {
				return "", false, err
			}
			switch action {
			case actionEnterAuthed:
				pingTicker = time.NewTicker(c.cfg.PingInterval)
				if err := c.writeRecord(TagStartPlayback, nil); err != nil {
					return "", false, err
				}
			case actionEnterStreaming:
				stallTimer = time.NewTimer(c.cfg.StallTimeout)
			case actionResetStall:
				if stallTimer != nil {
					if !stallTimer.Stop() {
						select {
						case <-stallTimer.C:
						default:
						}
					}
					stallTimer.Reset(c.cfg.StallTimeout)
				}
			case actionRedirect:
				return redirect, false, nil
			case actionClean:
				return "", clean2, nil
			case actionReauth:
				// Error(AUTH): re-send AuthorizeRequest only, no new Hello.
				if err := c.writeRecord(TagAuthorizeRequest, EncodeAuthorizeRequest(AuthorizeRequest{Token: device.AuthToken})); err != nil {
					return "", false, err
				}
			}
		}
	}
}

type recordAction int

const (
	actionNone recordAction = iota
	actionEnterAuthed
	actionEnterStreaming
	actionResetStall
	actionRedirect
	actionClean
	actionReauth
)

// handleRecord applies one received record to the state machine (§4.3's
// transition table) and reports which side effect the caller should drive
// (timers, StartPlayback, reconnect) since those require access to the
// connection-scoped timers that live in runConnection's stack frame.
func (c *Client) handleRecord(rec recvRecord) (action recordAction, redirectHost string, clean bool, err error) {
	switch rec.tag {
	case TagOk:
		c.mu.Lock()
		if c.state == stateAuthenticating {
			c.state = stateAuthed
			action = actionEnterAuthed
		}
		c.mu.Unlock()
		return action, "", false, nil

	case TagError:
		em, derr := DecodeErrorMsg(rec.payload)
		if derr != nil {
			return actionNone, "", false, derr
		}
		if em.Code == ErrCodeAuth {
			return actionReauth, "", false, nil
		}
		c.logger.Warn("framedproto error", "code", em.Code, "message", em.Message)
		return actionNone, "", false, nil

	case TagPlaybackBegin:
		pb, derr := DecodePlaybackBegin(rec.payload)
		if derr != nil {
			return actionNone, "", false, derr
		}
		c.mu.Lock()
		c.sessionID = pb.SessionID
		for _, ch := range pb.Channels {
			switch ch.Codec {
			case "H264":
				c.videoChannel = ch.ChannelID
			case "AAC":
				if c.audioCodec == "" || c.audioCodec == "SPEEX" || c.audioCodec == "OPUS" {
					c.audioChannel = ch.ChannelID
					c.audioCodec = "AAC"
				}
			case "OPUS", "SPEEX":
				if c.audioCodec == "" {
					c.audioChannel = ch.ChannelID
					c.audioCodec = ch.Codec
				}
			}
		}
		c.state = stateStreaming
		c.mu.Unlock()
		return actionEnterStreaming, "", false, nil

	case TagPlaybackPacket, TagLongPlaybackPacket:
		pp, derr := DecodePlaybackPacket(rec.payload)
		if derr != nil {
			return actionNone, "", false, derr
		}
		c.mu.Lock()
		video, audio := c.videoChannel, c.audioChannel
		c.mu.Unlock()
		switch pp.ChannelID {
		case video:
			c.store.Push(framestore.KindVideo, pp.Payload)
		case audio:
			c.store.Push(framestore.KindAudio, pp.Payload)
		}
		return actionResetStall, "", false, nil

	case TagPlaybackEnd:
		pe, derr := DecodePlaybackEnd(rec.payload)
		if derr != nil {
			return actionNone, "", false, derr
		}
		if pe.Reason == ReasonUser {
			return actionClean, "", true, nil
		}
		return actionClean, "", false, fmt.Errorf("playback ended: %w", errs.ErrTransientIO)

	case TagRedirect:
		rd, derr := DecodeRedirect(rec.payload)
		if derr != nil {
			return actionNone, "", false, derr
		}
		c.mu.Lock()
		c.state = stateRedirecting
		c.mu.Unlock()
		return actionRedirect, rd.NewHost, false, nil

	case TagTalkbackBegin:
		c.mu.Lock()
		c.talkActive = true
		c.mu.Unlock()
		return actionNone, "", false, nil

	case TagTalkbackEnd:
		c.mu.Lock()
		c.talkActive = false
		c.mu.Unlock()
		return actionNone, "", false, nil

	default:
		return actionNone, "", false, fmt.Errorf("unexpected tag %s: %w", rec.tag, errs.ErrProtocolError)
	}
}
