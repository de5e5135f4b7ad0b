// Package call drives one point-to-point media call: the negotiation state
// machine that takes a PeerConnection from idle through offer/answer
// exchange to connected, and the bookkeeping that keeps both participants'
// media states in sync.
package call

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/letsmeet-app/letsmeet/internal/protocol"
	"github.com/letsmeet-app/letsmeet/internal/signalclient"
)

// Signaler is the only surface the call package needs from the signaling
// transport. *signalclient.Client satisfies it.
type Signaler interface {
	SendMessage(msg *protocol.Message)
}

// MediaSource is the slice of the capture engine a session drives. The
// concrete implementation is media.Capture; tests substitute static
// sample tracks.
type MediaSource interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	StopVideo()
	RestartVideo() (webrtc.TrackLocal, error)
	Close()
}

// Engine creates the session's PeerConnection and capture. media.Engine
// satisfies it through a small adapter where both packages meet.
type Engine interface {
	NewPeerConnection(webrtc.Configuration) (*webrtc.PeerConnection, error)
	GetUserMedia() (MediaSource, error)
}

// Session owns a single call: one PeerConnection, one capture, the
// negotiation state and both sides' media states. All signaling events are
// processed by the Run loop, one at a time; Hangup and the toggles are
// safe from any goroutine.
type Session struct {
	roomID string
	userID string
	sig    Signaler
	events *signalclient.Handler
	engine Engine
	rtc    webrtc.Configuration

	mu          sync.Mutex
	state       State
	pc          *webrtc.PeerConnection
	capture     MediaSource
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	// Candidates received before the remote description is installed are
	// held here and applied afterwards, in arrival order.
	haveRemoteDesc bool
	pending        []webrtc.ICECandidateInit

	micMuted    bool
	cameraOff   bool
	remote      protocol.MediaState
	remoteVideo *webrtc.TrackRemote

	hung   bool
	endErr error
	failed chan error
	closed chan struct{}
}

// NewSession creates a session for roomID. It does nothing until Start.
func NewSession(roomID, userID string, sig Signaler, events *signalclient.Handler, engine Engine, rtc webrtc.Configuration) *Session {
	return &Session{
		roomID: roomID,
		userID: userID,
		sig:    sig,
		events: events,
		engine: engine,
		rtc:    rtc,
		state:  StateIdle,
		failed: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start acquires local capture, builds the PeerConnection with its event
// handlers (installed exactly once), and joins the room. A capture or
// connection failure is fatal to the session; there is no retry.
func (s *Session) Start() error {
	s.setState(StateCapturing)

	capture, err := s.engine.GetUserMedia()
	if err != nil {
		s.shutdown(false, err)
		return NewError("acquire local media", err)
	}

	pc, err := s.engine.NewPeerConnection(s.rtc)
	if err != nil {
		capture.Close()
		s.shutdown(false, err)
		return NewError("create peer connection", err)
	}

	s.mu.Lock()
	s.capture = capture
	s.pc = pc
	s.mu.Unlock()

	if track := capture.AudioTrack(); track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			s.shutdown(false, err)
			return NewError("add audio track", err)
		}
		s.mu.Lock()
		s.audioSender = sender
		s.mu.Unlock()
	}
	if track := capture.VideoTrack(); track != nil {
		sender, err := pc.AddTrack(track)
		if err != nil {
			s.shutdown(false, err)
			return NewError("add video track", err)
		}
		s.mu.Lock()
		s.videoSender = sender
		s.mu.Unlock()
	} else {
		// Camera starting disabled: the first enable must add the track
		// and run a full offer/answer cycle.
		s.mu.Lock()
		s.cameraOff = true
		s.mu.Unlock()
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Info("remote track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			s.mu.Lock()
			s.remoteVideo = track
			s.mu.Unlock()
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		s.sig.SendMessage(&protocol.Message{
			Type:    protocol.TypeCandidate,
			RoomID:  s.roomID,
			UserID:  s.userID,
			Payload: payload,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		slog.Info("connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			select {
			case s.failed <- ErrConnectionFailed:
			default:
			}
		}
	})

	s.sig.SendMessage(&protocol.Message{
		Type:   protocol.TypeJoinRoom,
		RoomID: s.roomID,
		UserID: s.userID,
	})
	s.setState(StateAwaitingPeer)
	return nil
}

// Run processes signaling events until the call ends. It returns nil on
// local hang-up and the terminal cause otherwise. Events are handled one
// at a time; only candidate application queues out of step, per the
// ordering rule above.
func (s *Session) Run() error {
	for {
		select {
		case <-s.closed:
			return s.endErr

		case err := <-s.failed:
			s.shutdown(true, err)
			return err

		case <-s.events.Done:
			// Channel-level disconnect is terminal: treated as if the
			// peer hung up.
			s.shutdown(false, ErrSignalingClosed)
			return ErrSignalingClosed

		case snap := <-s.events.RoomUsers:
			s.handleRoomUsers(snap)

		case roomID := <-s.events.RoomFull:
			err := WrapError("join room", ErrRoomFull, roomID)
			s.shutdown(false, err)
			return err

		case p := <-s.events.UserConnected:
			s.handleUserConnected(p)

		case userID := <-s.events.UserDisconnected:
			slog.Info("peer departed", "user", userID)
			s.shutdown(true, ErrPeerDisconnected)
			return ErrPeerDisconnected

		case d := <-s.events.Offer:
			s.handleOffer(d)

		case d := <-s.events.Answer:
			s.handleAnswer(d)

		case raw := <-s.events.Candidate:
			s.handleCandidate(raw)

		case p := <-s.events.MediaState:
			s.handleRemoteState(p)
		}
	}
}

// handleRoomUsers records the post-admission snapshot. When a peer is
// already present this session is the joiner and will answer its offer.
func (s *Session) handleRoomUsers(snap *protocol.RoomUsersPayload) {
	slog.Info("joined room", "room", s.roomID, "members", len(snap.Users))
	for id, st := range snap.States {
		if id != s.userID {
			s.mu.Lock()
			s.remote = st
			s.mu.Unlock()
		}
	}
}

// handleUserConnected fires on the original member when the second
// participant arrives: construct and send the offer.
func (s *Session) handleUserConnected(p *protocol.PresencePayload) {
	s.mu.Lock()
	if s.state != StateAwaitingPeer {
		s.mu.Unlock()
		slog.Warn("unexpected user-connected", "state", s.state.String())
		return
	}
	s.remote = p.MediaState
	s.mu.Unlock()

	slog.Info("peer joined, sending offer", "user", p.UserID)
	if err := s.sendOffer(); err != nil {
		// A failed offer leaves the session where it was rather than
		// tearing down an otherwise healthy call.
		slog.Error("send offer", "err", err)
		return
	}
	s.setState(StateOffering)
}

// handleOffer installs an inbound offer and answers it. Accepted while
// AwaitingPeer (this side is the joiner doing the first exchange) and
// while Connected (the peer added a track it had no sender for and needs
// a fresh offer/answer cycle).
func (s *Session) handleOffer(d *protocol.Description) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateAwaitingPeer && state != StateConnected {
		slog.Warn("unexpected offer", "state", state.String())
		return
	}
	initial := state == StateAwaitingPeer

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		slog.Error("set remote description", "err", err)
		return
	}
	if initial {
		s.setState(StateAnswering)
	}
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		slog.Error("create answer", "err", err)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		slog.Error("set local description", "err", err)
		return
	}
	s.sendDescription(protocol.TypeAnswer, s.pc.LocalDescription())

	// The first answer is followed by our initial media-state broadcast;
	// the peer already has it on a renegotiation.
	if initial {
		s.broadcastState()
	}
	s.setState(StateConnected)
}

// handleAnswer installs the peer's answer. Accepted while Offering (first
// exchange) and while Connected (renegotiation after AddTrack).
func (s *Session) handleAnswer(d *protocol.Description) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateOffering && state != StateConnected {
		slog.Warn("unexpected answer", "state", state.String())
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		slog.Error("set remote description", "err", err)
		return
	}
	s.flushCandidates()
	s.setState(StateConnected)
}

// handleCandidate applies a remote candidate, or queues it when no remote
// description exists yet. Queued candidates are never dropped.
func (s *Session) handleCandidate(raw json.RawMessage) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		slog.Error("malformed candidate", "err", err)
		return
	}

	s.mu.Lock()
	if !s.haveRemoteDesc {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		slog.Error("add ice candidate", "err", err)
	}
}

// flushCandidates applies candidates that arrived before the remote
// description, in their original discovery order.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	s.haveRemoteDesc = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, init := range pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			slog.Error("add queued ice candidate", "err", err)
		}
	}
}

// handleRemoteState records the peer's self-reported media state.
func (s *Session) handleRemoteState(p *protocol.StateChangedPayload) {
	s.mu.Lock()
	s.remote = p.MediaState
	s.mu.Unlock()
	slog.Info("peer media state",
		"user", p.UserID,
		"audioMuted", p.AudioMuted,
		"videoOff", p.VideoOff,
		"callDropped", p.CallDropped)
}

// sendOffer creates and sends an offer based on the current local tracks.
func (s *Session) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return NewError("create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return NewError("set local description", err)
	}
	s.sendDescription(protocol.TypeOffer, s.pc.LocalDescription())
	return nil
}

func (s *Session) sendDescription(msgType string, desc *webrtc.SessionDescription) {
	payload, err := json.Marshal(protocol.Description{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return
	}
	s.sig.SendMessage(&protocol.Message{
		Type:    msgType,
		RoomID:  s.roomID,
		UserID:  s.userID,
		Payload: payload,
	})
}

// Hangup ends the call: the call-dropped marker is broadcast, then capture
// and connection are released synchronously. Idempotent and safe from any
// goroutine.
func (s *Session) Hangup() {
	s.shutdown(true, nil)
}

// shutdown is the single teardown path. announce controls the call-dropped
// broadcast and leave-room notice (pointless when the transport is gone or
// admission never happened). The first caller wins; later calls no-op.
func (s *Session) shutdown(announce bool, cause error) {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	s.state = StateEnded
	s.endErr = cause
	capture, pc := s.capture, s.pc
	dropped := protocol.MediaState{AudioMuted: s.micMuted, VideoOff: s.cameraOff, CallDropped: true}
	s.mu.Unlock()

	if announce {
		s.sendState(dropped)
		s.sig.SendMessage(&protocol.Message{
			Type:   protocol.TypeLeaveRoom,
			RoomID: s.roomID,
			UserID: s.userID,
		})
	}
	if capture != nil {
		capture.Close()
	}
	if pc != nil {
		pc.Close()
	}
	s.events.Stop()
	close(s.closed)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state != StateEnded {
		s.state = state
	}
	s.mu.Unlock()
	slog.Debug("session state", "state", state.String())
}
