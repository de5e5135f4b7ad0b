package call

import (
	"encoding/json"
	"log/slog"

	"github.com/letsmeet-app/letsmeet/internal/protocol"
)

// ToggleMicrophone flips the local mute state, applies it to the outbound
// audio (the device keeps running; the sender just stops sending), and
// broadcasts the new composite state. Returns the new muted state.
func (s *Session) ToggleMicrophone() (bool, error) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return s.micMuted, ErrSessionEnded
	}
	s.micMuted = !s.micMuted
	muted := s.micMuted
	sender := s.audioSender
	capture := s.capture
	s.mu.Unlock()

	if sender != nil {
		var err error
		if muted {
			err = sender.ReplaceTrack(nil)
		} else {
			err = sender.ReplaceTrack(capture.AudioTrack())
		}
		if err != nil {
			slog.Error("replace audio track", "err", err)
		}
	}

	s.broadcastState()
	return muted, nil
}

// ToggleCamera flips the local camera state. Turning off stops the camera
// device, as the original video track is released entirely. Turning back
// on reacquires the camera and swaps the new track into the existing video
// sender in place: no renegotiation. If no video sender exists (camera was
// off from the start), the track is added and a full offer/answer cycle
// runs instead. Returns the new camera-off state.
func (s *Session) ToggleCamera() (bool, error) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return s.cameraOff, ErrSessionEnded
	}
	turningOff := !s.cameraOff
	capture := s.capture
	s.mu.Unlock()

	if turningOff {
		capture.StopVideo()
	} else {
		track, err := capture.RestartVideo()
		if err != nil {
			return true, NewError("restart video", err)
		}

		s.mu.Lock()
		sender := s.videoSender
		s.mu.Unlock()

		if sender != nil {
			if err := sender.ReplaceTrack(track); err != nil {
				return true, NewError("replace video track", err)
			}
		} else {
			sender, err := s.pc.AddTrack(track)
			if err != nil {
				return true, NewError("add video track", err)
			}
			s.mu.Lock()
			s.videoSender = sender
			s.mu.Unlock()
			if err := s.sendOffer(); err != nil {
				return true, err
			}
		}
	}

	s.mu.Lock()
	s.cameraOff = turningOff
	s.mu.Unlock()

	s.broadcastState()
	return turningOff, nil
}

// LocalState returns the composite local media state.
func (s *Session) LocalState() protocol.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.MediaState{AudioMuted: s.micMuted, VideoOff: s.cameraOff}
}

// RemoteState returns the last-known peer media state.
func (s *Session) RemoteState() protocol.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// RemoteVideoVisible reports whether downstream rendering should show the
// peer's video rather than a placeholder: a remote stream has arrived and
// the peer reports neither camera-off nor call-dropped.
func (s *Session) RemoteVideoVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteVideo != nil && !s.remote.VideoOff && !s.remote.CallDropped
}

// broadcastState sends the current composite local state to the peer via
// the relay.
func (s *Session) broadcastState() {
	s.sendState(s.LocalState())
}

func (s *Session) sendState(state protocol.MediaState) {
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	s.sig.SendMessage(&protocol.Message{
		Type:    protocol.TypeUpdateState,
		RoomID:  s.roomID,
		UserID:  s.userID,
		Payload: payload,
	})
}
