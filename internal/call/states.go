package call

// State is the negotiation state of a session. Transitions are driven by
// the session's single event loop; Ended is terminal and reachable from
// every other state.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateAwaitingPeer
	StateOffering
	StateAnswering
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateAwaitingPeer:
		return "awaiting-peer"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}
