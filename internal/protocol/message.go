// Package protocol defines the websocket wire format shared by the
// signaling server and the call client.
package protocol

import "encoding/json"

// Message is the envelope for all C2S (Client to Server) and S2C
// (Server to Client) websocket messages. Offer, answer and candidate
// payloads are opaque to the server and relayed verbatim.
type Message struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	// client → server
	TypeJoinRoom    = "join-room"
	TypeLeaveRoom   = "leave-room"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeCandidate   = "ice-candidate"
	TypeUpdateState = "update-media-state"

	// server → client
	TypeRoomUsers         = "room-users"
	TypeRoomFull          = "room-full"
	TypeUserConnected     = "user-connected"
	TypeUserDisconnected  = "user-disconnected"
	TypeMediaStateChanged = "user-media-state-changed"
)

// MediaState is a participant's self-reported mute/camera/drop status.
// It is authoritative only from that participant; neither the server nor
// the peer ever infers it.
type MediaState struct {
	AudioMuted  bool `json:"audioMuted"`
	VideoOff    bool `json:"videoOff"`
	CallDropped bool `json:"callDropped"`
}

// RoomUsersPayload is the snapshot sent to a participant right after its
// own admission. Members are listed in join order.
type RoomUsersPayload struct {
	Users  []string              `json:"users"`
	States map[string]MediaState `json:"states"`
}

// PresencePayload accompanies user-connected: the new arrival's ID plus
// its initial media state.
type PresencePayload struct {
	UserID string `json:"userId"`
	MediaState
}

// StateChangedPayload accompanies user-media-state-changed. The server
// attaches the sender's ID before forwarding.
type StateChangedPayload struct {
	UserID string `json:"userId"`
	MediaState
}

// Description carries an SDP offer or answer between peers.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
