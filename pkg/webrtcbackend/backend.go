// Package webrtcbackend implements backend.Backend against the cloud
// WebRTC control service and media plane (§4.4): a hand-framed
// gRPC-over-HTTP/2 control channel plus a pion/webrtc peer connection.
package webrtcbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	coreBackend "github.com/n0rt0nthec4t/nest-camera-core/pkg/backend"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/framestore"
	"github.com/n0rt0nthec4t/nest-camera-core/pkg/media"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Config holds the WebRTCBackend tunables (§6 extendIntervalMs,
// userAgent).
type Config struct {
	ControlHost   string
	AppID         string
	Token         string
	UserAgent     string
	ExtendPeriod  time.Duration
	PLIPeriod     time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ExtendPeriod: 120 * time.Second,
		PLIPeriod:    2 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
	}
}

// Backend is a WebRTCBackend (§4.4) implementing backend.Backend.
type Backend struct {
	store   *framestore.Store
	logger  *slog.Logger
	cfg     Config
	control *ControlClient

	mu         sync.Mutex
	state      coreBackend.ConnState
	device     coreBackend.DeviceState
	internalID string
	streamID   string
	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticRTP
	talkActive bool
	talkSeq    uint16
	generation int
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

func New(store *framestore.Store, logger *slog.Logger, cfg Config) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		control: NewControlClient(cfg.ControlHost, cfg.AppID, cfg.Token, cfg.UserAgent, logger),
	}
}

func (b *Backend) Update(state coreBackend.DeviceState) {
	b.mu.Lock()
	b.device = state
	b.mu.Unlock()
}

func (b *Backend) State() coreBackend.ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state != coreBackend.Disconnected {
		b.mu.Unlock()
		return nil
	}
	b.state = coreBackend.Connecting
	device := b.device
	b.generation++
	gen := b.generation
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()
	_ = ctx

	b.wg.Add(1)
	go b.run(runCtx, gen, device)
	return nil
}

func (b *Backend) Close(ctx context.Context, stopStreamFirst bool) error {
	b.mu.Lock()
	if b.state == coreBackend.Disconnected {
		b.mu.Unlock()
		return nil
	}
	internalID, streamID, talking := b.internalID, b.streamID, b.talkActive
	cancel := b.cancel
	b.mu.Unlock()

	if stopStreamFirst && streamID != "" {
		if talking {
			_ = b.control.StopTalkback(ctx, internalID, streamID)
		}
		_ = b.control.JoinStreamEnd(ctx, internalID, streamID, "user exited")
	}
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	b.state = coreBackend.Disconnected
	b.pc = nil
	b.streamID = ""
	b.talkActive = false
	b.mu.Unlock()
	return nil
}

// SendTalkback wraps a chunk as one RTP packet on the audio sender, per
// §4.4's talkback framing. A zero-length chunk requests "stop talkback".
func (b *Backend) SendTalkback(ctx context.Context, chunk []byte) error {
	b.mu.Lock()
	track := b.audioTrack
	internalID, streamID := b.internalID, b.streamID
	active := b.talkActive
	b.mu.Unlock()

	if track == nil || streamID == "" {
		return errs.ErrNotConnected
	}

	if len(chunk) == 0 {
		if active {
			b.mu.Lock()
			b.talkActive = false
			b.mu.Unlock()
			return b.control.StopTalkback(ctx, internalID, streamID)
		}
		return nil
	}

	if !active {
		if err := b.control.StartTalkback(ctx, internalID, streamID); err != nil {
			return err
		}
		b.mu.Lock()
		b.talkActive = true
		b.mu.Unlock()
	}

	b.mu.Lock()
	seq := b.talkSeq
	b.talkSeq++
	b.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      uint32(time.Now().UnixNano()),
			Marker:         true,
		},
		Payload: chunk,
	}
	if err := track.WriteRTP(pkt); err != nil {
		return fmt.Errorf("write talkback RTP: %w", errs.ErrTransientIO)
	}
	return nil
}

// run drives one connect attempt and its lifetime, reconnecting with
// backoff when the peer connection degrades while consumers remain
// (§4.4 step 6).
func (b *Backend) run(ctx context.Context, gen int, device coreBackend.DeviceState) {
	defer b.wg.Done()

	backoff := b.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := b.runSession(ctx, gen, device)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !b.store.HasConsumers() {
			b.setDisconnected(gen)
			return
		}

		b.logger.Warn("webrtcbackend session lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > b.cfg.ReconnectMax {
			backoff = b.cfg.ReconnectMax
		}
	}
}

func (b *Backend) setDisconnected(gen int) {
	b.mu.Lock()
	if b.generation == gen {
		b.state = coreBackend.Disconnected
	}
	b.mu.Unlock()
}

// runSession executes the §4.4 session-setup sequence and then blocks
// until the peer connection disconnects or ctx is cancelled.
func (b *Backend) runSession(ctx context.Context, gen int, device coreBackend.DeviceState) error {
	b.mu.Lock()
	internalID := b.internalID
	b.mu.Unlock()

	if internalID == "" {
		id, err := b.control.ResolveDeviceID(ctx, device.DeviceID)
		if err != nil {
			return err
		}
		internalID = id
		b.mu.Lock()
		b.internalID = internalID
		b.mu.Unlock()
	}

	if err := b.control.StartViewing(ctx, internalID); err != nil {
		return err
	}

	pc, audioTrack, reassembler, err := b.newPeerConnection()
	if err != nil {
		return err
	}
	defer pc.Close()

	disconnected := make(chan struct{})
	var closeOnce sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		b.logger.Info("webrtc peer connection state changed", "state", s.String())
		if s != webrtc.PeerConnectionStateConnected && s != webrtc.PeerConnectionStateConnecting {
			closeOnce.Do(func() { close(disconnected) })
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			b.readVideoTrack(ctx, track, receiver, reassembler)
		case webrtc.RTPCodecTypeAudio:
			b.readAudioTrack(ctx, track)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", errs.ErrProtocolError)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", errs.ErrProtocolError)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ICE gathering timeout: %w", errs.ErrTransientIO)
	case <-ctx.Done():
		return ctx.Err()
	}

	streamID, answerSDP, err := b.control.JoinStreamOffer(ctx, internalID, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := validateAnswerMediaSections(answerSDP); err != nil {
		return fmt.Errorf("control service answer: %w", errs.ErrProtocolError)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("set remote description: %w", errs.ErrProtocolError)
	}

	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return nil
	}
	b.pc = pc
	b.audioTrack = audioTrack
	b.streamID = streamID
	b.state = coreBackend.Connected
	b.mu.Unlock()

	extendTicker := time.NewTicker(b.cfg.ExtendPeriod)
	defer extendTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-disconnected:
			return fmt.Errorf("peer connection disconnected: %w", errs.ErrPeerReset)
		case <-extendTicker.C:
			if err := b.control.JoinStreamExtend(ctx, internalID, streamID); err != nil {
				b.logger.Warn("session extend request failed", "error", err)
			}
		}
	}
}

// validateAnswerMediaSections parses the control service's SDP answer and
// rejects it outright if it carries more than one video or audio media
// section, matching the single-video/single-audio track shape §4.4's
// peer connection is built for.
func validateAnswerMediaSections(answerSDP string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answerSDP)); err != nil {
		return fmt.Errorf("unmarshal answer SDP: %w", err)
	}

	var sawVideo, sawAudio bool
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "video":
			if sawVideo {
				return fmt.Errorf("answer SDP has more than one video section")
			}
			sawVideo = true
		case "audio":
			if sawAudio {
				return fmt.Errorf("answer SDP has more than one audio section")
			}
			sawAudio = true
		}
	}
	return nil
}

func (b *Backend) newPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticRTP, *media.H264Reassembler, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0028",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, nil, nil, fmt.Errorf("register H264 codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			RTCPFeedback: audioFeedback,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, nil, nil, fmt.Errorf("register Opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create peer connection: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "talkback-audio", "camera-core")
	if err != nil {
		pc.Close()
		return nil, nil, nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTransceiverFromTrack(audioTrack, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		pc.Close()
		return nil, nil, nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return nil, nil, nil, fmt.Errorf("add video transceiver: %w", err)
	}
	if _, err := pc.CreateDataChannel("", nil); err != nil {
		pc.Close()
		return nil, nil, nil, fmt.Errorf("create data channel: %w", err)
	}

	reassembler := media.NewH264Reassembler()
	reassembler.OnFrame = func(nalus []byte, _ bool) {
		b.store.Push(framestore.KindVideo, nalus)
	}

	return pc, audioTrack, reassembler, nil
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "transport-cc"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
}

var audioFeedback = []webrtc.RTCPFeedback{
	{Type: "transport-cc"},
	{Type: "nack"},
}

// readVideoTrack consumes incoming video RTP into the reassembler and
// arms a periodic PLI request (§4.4: "on the first RTCP from the video
// track, schedule periodic PLI every 2s").
func (b *Backend) readVideoTrack(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, reassembler *media.H264Reassembler) {
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
		b.wg.Add(1)
		go b.schedulePLI(ctx, receiver.Track().SSRC())
	}()
	go func() {
		defer b.wg.Done()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if pkt.Padding {
				continue
			}
			if err := reassembler.ProcessPacket(pkt); err != nil {
				b.logger.Debug("video depacketization error", "error", err)
			}
		}
	}()
}

func (b *Backend) readAudioTrack(ctx context.Context, track *webrtc.TrackRemote) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			_, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			// Opus decoding is out of scope; the AAC-consuming sink must never
			// stall, so every received audio packet yields one silence frame.
			b.store.Push(framestore.KindAudio, media.SilenceAAC())
		}
	}()
}

func (b *Backend) schedulePLI(ctx context.Context, ssrc webrtc.SSRC) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PLIPeriod)
	defer ticker.Stop()

	b.mu.Lock()
	pc := b.pc
	b.mu.Unlock()
	if pc == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
				b.logger.Debug("failed to send PLI", "error", err)
				return
			}
		}
	}
}
