package signaling

import (
	"encoding/json"
	"log/slog"

	"github.com/letsmeet-app/letsmeet/internal/protocol"
	"github.com/letsmeet-app/letsmeet/internal/registry"
)

// Hub is the central brain of the signaling server. A single Run goroutine
// consumes the register/unregister/inbound channels, so every registry
// mutation and its follow-up notifications happen in one serialized flow.
type Hub struct {
	registry *registry.Registry

	// clients maps participant ID to its connection, for routing relayed
	// payloads and membership notices.
	clients map[string]*Client

	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *Message
}

// Message pairs a decoded wire message with the connection it arrived on.
type Message struct {
	protocol.Message
	client *Client
}

func NewHub() *Hub {
	return &Hub{
		registry:   registry.New(),
		clients:    make(map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *Message),
	}
}

// Registry exposes the room registry for health reporting and tests.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Run starts the hub's main processing loop. This is the single goroutine
// that safely manages all room state.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			// The client is not in a room yet; it must send join-room first.
			slog.Debug("client registered", "addr", client.remoteAddr())

		case client := <-h.Unregister:
			h.drop(client)
			close(client.Send)

		case msg := <-h.Inbound:
			h.route(msg)
		}
	}
}

// route handles one inbound message. Unknown rooms, unknown senders and
// missing peers are silent drops: relay semantics are fire-and-forget.
func (h *Hub) route(msg *Message) {
	switch msg.Type {

	case protocol.TypeJoinRoom:
		h.join(msg)

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeCandidate:
		h.forward(msg)

	case protocol.TypeUpdateState:
		h.updateState(msg)

	case protocol.TypeLeaveRoom:
		h.drop(msg.client)

	default:
		slog.Warn("unknown message type", "type", msg.Type)
	}
}

// join admits the sender into the requested room, replies with the room
// snapshot (or room-full), and notifies the existing member. Both sends
// happen here, immediately after the mutation, so a connect notice can
// never be observed after a leave that was processed later.
func (h *Hub) join(msg *Message) {
	snap, admitted, err := h.registry.Join(msg.RoomID, msg.UserID)
	if err != nil {
		slog.Info("join rejected", "room", msg.RoomID, "user", msg.UserID, "err", err)
		msg.client.trySend(&protocol.Message{Type: protocol.TypeRoomFull, RoomID: msg.RoomID})
		return
	}

	msg.client.RoomID = msg.RoomID
	msg.client.UserID = msg.UserID
	h.clients[msg.UserID] = msg.client

	slog.Info("user joined", "room", msg.RoomID, "user", msg.UserID, "members", len(snap.Members))

	// Notify the other member, if any, of the new arrival. A duplicate
	// join is a no-op success: snapshot only, no re-announcement.
	for _, member := range snap.Members {
		if member == msg.UserID || !admitted {
			continue
		}
		if peer, ok := h.clients[member]; ok {
			payload, _ := json.Marshal(protocol.PresencePayload{
				UserID:     msg.UserID,
				MediaState: snap.States[msg.UserID],
			})
			peer.trySend(&protocol.Message{
				Type:    protocol.TypeUserConnected,
				RoomID:  msg.RoomID,
				Payload: payload,
			})
		}
	}

	// Send the post-admission snapshot to the joiner.
	payload, _ := json.Marshal(protocol.RoomUsersPayload{Users: snap.Members, States: snap.States})
	msg.client.trySend(&protocol.Message{
		Type:    protocol.TypeRoomUsers,
		RoomID:  msg.RoomID,
		Payload: payload,
	})
}

// forward relays an opaque negotiation payload to the other room member.
// Never echoed to the sender, never delivered to a third party.
func (h *Hub) forward(msg *Message) {
	peerID, ok := h.registry.Peer(msg.RoomID, msg.client.UserID)
	if !ok {
		slog.Debug("dropping signal for roomless sender", "type", msg.Type, "room", msg.RoomID)
		return
	}
	peer, ok := h.clients[peerID]
	if !ok {
		return
	}
	peer.trySend(&protocol.Message{
		Type:    msg.Type,
		RoomID:  msg.RoomID,
		UserID:  msg.client.UserID,
		Payload: msg.Payload,
	})
}

// updateState stores the sender's media state and broadcasts it, with the
// sender's ID attached, to the other member. Messages from participants no
// longer in the room are ignored.
func (h *Hub) updateState(msg *Message) {
	var state protocol.MediaState
	if err := json.Unmarshal(msg.Payload, &state); err != nil {
		slog.Warn("malformed media state", "user", msg.client.UserID, "err", err)
		return
	}

	if !h.registry.UpdateState(msg.RoomID, msg.client.UserID, state) {
		slog.Debug("dropping state update from non-member", "room", msg.RoomID, "user", msg.client.UserID)
		return
	}

	peerID, ok := h.registry.Peer(msg.RoomID, msg.client.UserID)
	if !ok {
		return
	}
	if peer, ok := h.clients[peerID]; ok {
		payload, _ := json.Marshal(protocol.StateChangedPayload{
			UserID:     msg.client.UserID,
			MediaState: state,
		})
		peer.trySend(&protocol.Message{
			Type:    protocol.TypeMediaStateChanged,
			RoomID:  msg.RoomID,
			Payload: payload,
		})
	}
}

// drop removes a departed client from its room and notifies the remaining
// member. Safe to call more than once for the same client.
func (h *Hub) drop(client *Client) {
	if client.UserID == "" {
		return
	}

	removed, remaining := h.registry.Leave(client.RoomID, client.UserID)
	if h.clients[client.UserID] == client {
		delete(h.clients, client.UserID)
	}
	if !removed {
		return
	}

	slog.Info("user left", "room", client.RoomID, "user", client.UserID)

	for _, member := range remaining {
		if peer, ok := h.clients[member]; ok {
			peer.trySend(&protocol.Message{
				Type:   protocol.TypeUserDisconnected,
				RoomID: client.RoomID,
				UserID: client.UserID,
			})
		}
	}
}
