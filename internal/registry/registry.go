// Package registry owns the mapping of room IDs to their current members
// and per-member media states. It is the single writer of room membership;
// the signaling hub goes through it for every mutation.
package registry

import (
	"errors"
	"sync"

	"github.com/letsmeet-app/letsmeet/internal/protocol"
)

// MaxMembers is the hard capacity of a room. The third distinct join is
// rejected, not queued.
const MaxMembers = 2

// ErrRoomFull is returned by Join when the room already has MaxMembers.
var ErrRoomFull = errors.New("room is full")

// room tracks one active room. Members are kept in join order.
type room struct {
	members []string
	states  map[string]protocol.MediaState
}

// Snapshot is the view of a room returned to a participant after its own
// admission.
type Snapshot struct {
	Members []string
	States  map[string]protocol.MediaState
}

// Registry is a mutex-guarded arena of rooms keyed by room ID. Rooms are
// created lazily on first join and destroyed the instant they empty.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func New() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Join admits userID into roomID, creating the room if needed. A duplicate
// join of a current member is a no-op success with admitted=false, so the
// caller does not re-announce an arrival the peer already saw. The returned
// snapshot reflects the state after admission. No I/O happens under the
// lock; notifying the other member is the caller's job.
func (r *Registry) Join(roomID, userID string) (snap Snapshot, admitted bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{states: make(map[string]protocol.MediaState)}
		r.rooms[roomID] = rm
	}

	if !rm.has(userID) {
		if len(rm.members) >= MaxMembers {
			return Snapshot{}, false, ErrRoomFull
		}
		rm.members = append(rm.members, userID)
		rm.states[userID] = protocol.MediaState{}
		admitted = true
	}

	return rm.snapshot(), admitted, nil
}

// UpdateState overwrites userID's stored media state. It reports false,
// with no other effect, when the room or participant is unknown. Late
// messages from departed participants are ignored, not errors.
func (r *Registry) UpdateState(roomID, userID string, state protocol.MediaState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok || !rm.has(userID) {
		return false
	}
	rm.states[userID] = state
	return true
}

// Leave removes userID from roomID, destroying the room if it empties.
// Idempotent: leaving twice, or leaving a room never joined, is a no-op.
// remaining lists the members still present (for departure notices).
func (r *Registry) Leave(roomID, userID string) (removed bool, remaining []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false, nil
	}
	for i, m := range rm.members {
		if m == userID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			delete(rm.states, userID)
			removed = true
			break
		}
	}
	if !removed {
		return false, append([]string(nil), rm.members...)
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return true, nil
	}
	return true, append([]string(nil), rm.members...)
}

// Peer returns the other current member of roomID, if userID is a member
// and a peer exists.
func (r *Registry) Peer(roomID, userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok || !rm.has(userID) {
		return "", false
	}
	for _, m := range rm.members {
		if m != userID {
			return m, true
		}
	}
	return "", false
}

// Members returns the current members of roomID in join order, or nil if
// the room does not exist.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), rm.members...)
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (rm *room) has(userID string) bool {
	for _, m := range rm.members {
		if m == userID {
			return true
		}
	}
	return false
}

func (rm *room) snapshot() Snapshot {
	s := Snapshot{
		Members: append([]string(nil), rm.members...),
		States:  make(map[string]protocol.MediaState, len(rm.states)),
	}
	for id, st := range rm.states {
		s.States[id] = st
	}
	return s
}
