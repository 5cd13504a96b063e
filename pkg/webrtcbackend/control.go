package webrtcbackend

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/n0rt0nthec4t/nest-camera-core/pkg/errs"
	"golang.org/x/net/http2"
)

// ControlClient is the persistent HTTP/2 client to the control service
// (§4.4 transport 1). Each call is one gRPC-over-HTTP/2 frame out, one
// frame back; see frameRequest/readFrame for the wire shape (§6).
//
// Message bytes are JSON rather than protobuf: no repo in the reference
// pack imports a protobuf/gRPC stack, and §6 only constrains the outer
// frame, not the payload encoding, so JSON keeps the control plane
// dependency-light while still exercising the hand-framed HTTP/2 path.
type ControlClient struct {
	host       string
	scheme     string
	appID      string
	token      string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewControlClient(host, appID, token, userAgent string, logger *slog.Logger) *ControlClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlClient{
		host:      host,
		scheme:    "https",
		appID:     appID,
		token:     token,
		userAgent: userAgent,
		httpClient: &http.Client{
			Transport: &http2.Transport{},
			Timeout:   15 * time.Second,
		},
		logger: logger,
	}
}

// frameRequest wraps a JSON-encoded message in the §6 gRPC-over-HTTP/2
// frame body: 1 reserved byte, 4-byte BE length, message bytes.
func frameRequest(msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	out := make([]byte, 5+len(payload))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out, nil
}

func readFrame(body io.Reader, out any) error {
	header := make([]byte, 5)
	if _, err := io.ReadFull(body, header); err != nil {
		return fmt.Errorf("read frame header: %w", errs.ErrTransientIO)
	}
	n := binary.BigEndian.Uint32(header[1:5])
	payload := make([]byte, n)
	if _, err := io.ReadFull(body, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", errs.ErrTransientIO)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode control message: %w", errs.ErrProtocolError)
	}
	return nil
}

func (c *ControlClient) call(ctx context.Context, path string, req, resp any) error {
	body, err := frameRequest(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scheme+"://"+c.host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build control request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/grpc+json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("User-Agent", c.userAgent)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("control request %s: %w", path, errs.ErrTransientIO)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("control request %s failed with status %d: %w", path, httpResp.StatusCode, errs.ErrTransientIO)
	}

	return readFrame(httpResp.Body, resp)
}

// ResolveDeviceID scans the home graph for a device whose third-party ids
// include deviceID and returns the control service's internal id (§4.4 ID
// translation).
func (c *ControlClient) ResolveDeviceID(ctx context.Context, deviceID string) (string, error) {
	var resp homeGraphResponse
	if err := c.call(ctx, "/v1/apps/"+c.appID+"/homegraph", struct{}{}, &resp); err != nil {
		return "", err
	}
	for _, home := range resp.Homes {
		for _, d := range home.Devices {
			for _, id := range d.ThirdPartyIDs {
				if id == deviceID {
					return d.InternalID, nil
				}
			}
		}
	}
	return "", fmt.Errorf("device %s not found in home graph: %w", deviceID, errs.ErrInvalidArgument)
}

// StartViewing sends the "start viewing" intent for the resolved id.
func (c *ControlClient) StartViewing(ctx context.Context, internalID string) error {
	var resp startViewingResponse
	if err := c.call(ctx, "/v1/apps/"+c.appID+"/startViewing", startViewingRequest{DeviceID: internalID}, &resp); err != nil {
		return err
	}
	if resp.Status != 0 {
		return fmt.Errorf("start viewing failed (status %d): %s: %w", resp.Status, resp.ErrorDesc, errs.ErrAuthFailed)
	}
	return nil
}

// JoinStreamOffer sends the local SDP offer and returns the streamId and
// answer SDP.
func (c *ControlClient) JoinStreamOffer(ctx context.Context, internalID, offerSDP string) (streamID, answerSDP string, err error) {
	req := joinStreamRequest{
		Command:            "offer",
		DeviceID:           internalID,
		SessionDescription: &sessionDescription{SDP: offerSDP, Type: "offer"},
		Resolution:         "full-high",
		StreamContext:      "default",
	}
	var resp joinStreamResponse
	if err := c.call(ctx, "/v1/apps/"+c.appID+"/joinStream", req, &resp); err != nil {
		return "", "", err
	}
	if resp.Status != 0 || resp.SessionDescription == nil {
		return "", "", fmt.Errorf("join stream offer failed (status %d): %s: %w", resp.Status, resp.ErrorDesc, errs.ErrTransientIO)
	}
	return resp.StreamID, resp.SessionDescription.SDP, nil
}

// JoinStreamExtend renews a session every 120 s (§4.4 step 5). A non-
// "extended" status is logged but not treated as fatal.
func (c *ControlClient) JoinStreamExtend(ctx context.Context, internalID, streamID string) error {
	req := joinStreamRequest{Command: "extend", DeviceID: internalID, StreamID: streamID}
	var resp joinStreamResponse
	if err := c.call(ctx, "/v1/apps/"+c.appID+"/joinStream", req, &resp); err != nil {
		return err
	}
	if resp.ExtensionStatus != "extended" {
		c.logger.Warn("session extend not acknowledged", "stream_id", streamID, "status", resp.ExtensionStatus)
	}
	return nil
}

// JoinStreamEnd sends the "end" join-stream request on close.
func (c *ControlClient) JoinStreamEnd(ctx context.Context, internalID, streamID, reason string) error {
	req := joinStreamRequest{Command: "end", DeviceID: internalID, StreamID: streamID, Reason: reason}
	var resp joinStreamResponse
	return c.call(ctx, "/v1/apps/"+c.appID+"/joinStream", req, &resp)
}

func (c *ControlClient) StartTalkback(ctx context.Context, internalID, streamID string) error {
	var resp talkbackResponse
	return c.call(ctx, "/v1/apps/"+c.appID+"/talkback", talkbackRequest{Command: "start", DeviceID: internalID, StreamID: streamID}, &resp)
}

func (c *ControlClient) StopTalkback(ctx context.Context, internalID, streamID string) error {
	var resp talkbackResponse
	return c.call(ctx, "/v1/apps/"+c.appID+"/talkback", talkbackRequest{Command: "stop", DeviceID: internalID, StreamID: streamID}, &resp)
}
