package webrtcbackend

// Wire types for the control-service JSON payloads carried inside the
// gRPC-over-HTTP/2 frames (§6). Field shapes follow the teacher's
// Cloudflare Calls session/tracks vocabulary (sessionDescription,
// errorCode/errorDescription), generalized from a tracks-centric API to
// the start-viewing/join-stream/extend/end vocabulary of §4.4.

type sessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// startViewingRequest resolves intent to view one device's stream.
type startViewingRequest struct {
	DeviceID string `json:"deviceId"`
}

type startViewingResponse struct {
	Status    int    `json:"status"`
	ErrorDesc string `json:"errorDescription,omitempty"`
}

// joinStreamRequest covers the offer/extend/end commands; unused fields
// per command are simply left zero.
type joinStreamRequest struct {
	Command            string              `json:"command"`
	DeviceID           string              `json:"deviceId"`
	StreamID           string              `json:"streamId,omitempty"`
	SessionDescription *sessionDescription `json:"sessionDescription,omitempty"`
	Resolution         string              `json:"resolution,omitempty"`
	StreamContext      string              `json:"streamContext,omitempty"`
	Reason             string              `json:"reason,omitempty"`
}

type joinStreamResponse struct {
	Status             int                 `json:"status"`
	StreamID           string              `json:"streamId,omitempty"`
	SessionDescription *sessionDescription `json:"sessionDescription,omitempty"`
	ExtensionStatus    string              `json:"extensionStatus,omitempty"`
	ErrorDesc          string              `json:"errorDescription,omitempty"`
}

// talkbackRequest covers start/stop of the talkback control signal.
type talkbackRequest struct {
	Command  string `json:"command"`
	DeviceID string `json:"deviceId"`
	StreamID string `json:"streamId"`
}

type talkbackResponse struct {
	Status    int    `json:"status"`
	ErrorDesc string `json:"errorDescription,omitempty"`
}

// homeGraphDevice and homeGraphResponse model the device-mirror scan used
// to resolve an opaque deviceId into the control service's internal id
// (§4.4 "ID translation").
type homeGraphDevice struct {
	InternalID  string   `json:"internalId"`
	ThirdPartyIDs []string `json:"thirdPartyIds"`
}

type homeGraphHome struct {
	Devices []homeGraphDevice `json:"devices"`
}

type homeGraphResponse struct {
	Homes []homeGraphHome `json:"homes"`
}
