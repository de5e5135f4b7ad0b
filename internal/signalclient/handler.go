package signalclient

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/letsmeet-app/letsmeet/internal/protocol"
)

// Handler routes incoming signaling messages onto typed channels. Exactly
// one channel per event type; the call session consumes them from a single
// loop.
type Handler struct {
	incoming <-chan *protocol.Message

	RoomUsers        chan *protocol.RoomUsersPayload
	RoomFull         chan string
	UserConnected    chan *protocol.PresencePayload
	UserDisconnected chan string
	Offer            chan *protocol.Description
	Answer           chan *protocol.Description
	Candidate        chan json.RawMessage
	MediaState       chan *protocol.StateChangedPayload

	// Done is closed when the signaling transport drops.
	Done chan struct{}

	// stop aborts pending deliveries once the consumer is gone, so Start
	// keeps draining a transport that outlives it.
	stop     chan struct{}
	stopOnce sync.Once
}

// NewHandler creates a handler reading from incoming. Call Start in its
// own goroutine.
func NewHandler(incoming <-chan *protocol.Message) *Handler {
	return &Handler{
		incoming:         incoming,
		RoomUsers:        make(chan *protocol.RoomUsersPayload, 1),
		RoomFull:         make(chan string, 1),
		UserConnected:    make(chan *protocol.PresencePayload, 1),
		UserDisconnected: make(chan string, 1),
		Offer:            make(chan *protocol.Description, 1),
		Answer:           make(chan *protocol.Description, 1),
		Candidate:        make(chan json.RawMessage, 32),
		MediaState:       make(chan *protocol.StateChangedPayload, 8),
		Done:             make(chan struct{}),
		stop:             make(chan struct{}),
	}
}

// Stop tells the handler its consumer is done. Messages still arriving are
// discarded instead of blocking the demux loop on a full channel.
// Idempotent.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Start consumes incoming messages until the transport drops, then closes
// Done.
func (h *Handler) Start() {
	defer close(h.Done)

	for msg := range h.incoming {
		switch msg.Type {

		case protocol.TypeRoomUsers:
			var p protocol.RoomUsersPayload
			if h.decode(msg, &p) {
				deliver(h.stop, h.RoomUsers, &p)
			}

		case protocol.TypeRoomFull:
			deliver(h.stop, h.RoomFull, msg.RoomID)

		case protocol.TypeUserConnected:
			var p protocol.PresencePayload
			if h.decode(msg, &p) {
				deliver(h.stop, h.UserConnected, &p)
			}

		case protocol.TypeUserDisconnected:
			deliver(h.stop, h.UserDisconnected, msg.UserID)

		case protocol.TypeOffer:
			var d protocol.Description
			if h.decode(msg, &d) {
				deliver(h.stop, h.Offer, &d)
			}

		case protocol.TypeAnswer:
			var d protocol.Description
			if h.decode(msg, &d) {
				deliver(h.stop, h.Answer, &d)
			}

		case protocol.TypeCandidate:
			deliver(h.stop, h.Candidate, msg.Payload)

		case protocol.TypeMediaStateChanged:
			var p protocol.StateChangedPayload
			if h.decode(msg, &p) {
				deliver(h.stop, h.MediaState, &p)
			}

		default:
			slog.Debug("ignoring unknown message", "type", msg.Type)
		}
	}
}

// deliver blocks until the consumer takes v or the handler is stopped.
func deliver[T any](stop <-chan struct{}, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-stop:
	}
}

func (h *Handler) decode(msg *protocol.Message, v any) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		slog.Warn("malformed payload", "type", msg.Type, "err", err)
		return false
	}
	return true
}
