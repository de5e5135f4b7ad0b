package call

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/letsmeet-app/letsmeet/internal/protocol"
	"github.com/letsmeet-app/letsmeet/internal/signalclient"
)

// fakeSignaler records every message the session sends.
type fakeSignaler struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (f *fakeSignaler) SendMessage(msg *protocol.Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fakeSignaler) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (f *fakeSignaler) last(msgType string) *protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Type == msgType {
			return f.msgs[i]
		}
	}
	return nil
}

// fakeMedia substitutes static sample tracks for real capture devices.
type fakeMedia struct {
	mu           sync.Mutex
	audio        webrtc.TrackLocal
	video        webrtc.TrackLocal
	restarts     int
	videoStopped bool
	closed       bool
}

func newAudioTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	if err != nil {
		t.Fatalf("audio track: %v", err)
	}
	return track
}

func newVideoTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	if err != nil {
		t.Fatalf("video track: %v", err)
	}
	return track
}

func newFakeMedia(t *testing.T, withVideo bool) *fakeMedia {
	t.Helper()
	f := &fakeMedia{audio: newAudioTrack(t)}
	if withVideo {
		f.video = newVideoTrack(t)
	}
	return f
}

func (f *fakeMedia) AudioTrack() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

func (f *fakeMedia) VideoTrack() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.video
}

func (f *fakeMedia) StopVideo() {
	f.mu.Lock()
	f.videoStopped = true
	f.video = nil
	f.mu.Unlock()
}

func (f *fakeMedia) RestartVideo() (webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.restarts++
	f.video = track
	f.mu.Unlock()
	return track, nil
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type testEngine struct {
	source   MediaSource
	mediaErr error
}

func (e testEngine) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(cfg)
}

func (e testEngine) GetUserMedia() (MediaSource, error) {
	if e.mediaErr != nil {
		return nil, e.mediaErr
	}
	return e.source, nil
}

func newTestSession(t *testing.T, source MediaSource) (*Session, *fakeSignaler, *signalclient.Handler) {
	t.Helper()
	sig := &fakeSignaler{}
	handler := signalclient.NewHandler(make(chan *protocol.Message))
	s := NewSession("r1", "me", sig, handler, testEngine{source: source}, webrtc.Configuration{})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Hangup)
	return s, sig, handler
}

// remoteOffer produces a real offer SDP from a second PeerConnection.
func remoteOffer(t *testing.T) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote pc: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	if _, err := pc.CreateDataChannel("control", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	return pc.LocalDescription().SDP
}

func TestStartJoinsRoom(t *testing.T) {
	s, sig, _ := newTestSession(t, newFakeMedia(t, true))

	if got := s.State(); got != StateAwaitingPeer {
		t.Fatalf("state after start: %s", got)
	}
	join := sig.last(protocol.TypeJoinRoom)
	if join == nil || join.RoomID != "r1" || join.UserID != "me" {
		t.Fatalf("join message: %+v", join)
	}
}

func TestCaptureFailureIsFatal(t *testing.T) {
	sig := &fakeSignaler{}
	handler := signalclient.NewHandler(make(chan *protocol.Message))
	deviceErr := errors.New("device busy")
	s := NewSession("r1", "me", sig, handler, testEngine{mediaErr: deviceErr}, webrtc.Configuration{})

	err := s.Start()
	if err == nil || !errors.Is(err, deviceErr) {
		t.Fatalf("start error: %v", err)
	}
	if s.State() != StateEnded {
		t.Fatalf("state after capture failure: %s", s.State())
	}
	if sig.count(protocol.TypeJoinRoom) != 0 {
		t.Fatalf("joined room despite capture failure")
	}
}

func TestOfferSentOnPeerArrival(t *testing.T) {
	s, sig, _ := newTestSession(t, newFakeMedia(t, true))

	s.handleUserConnected(&protocol.PresencePayload{UserID: "peer"})

	if s.State() != StateOffering {
		t.Fatalf("state: %s", s.State())
	}
	offer := sig.last(protocol.TypeOffer)
	if offer == nil {
		t.Fatalf("no offer sent")
	}
	var d protocol.Description
	if err := json.Unmarshal(offer.Payload, &d); err != nil || d.SDP == "" {
		t.Fatalf("offer payload: %+v err=%v", d, err)
	}
}

func TestAnswerFlowOnInboundOffer(t *testing.T) {
	s, sig, _ := newTestSession(t, newFakeMedia(t, true))

	s.handleOffer(&protocol.Description{Type: "offer", SDP: remoteOffer(t)})

	if s.State() != StateConnected {
		t.Fatalf("state: %s", s.State())
	}
	if sig.count(protocol.TypeAnswer) != 1 {
		t.Fatalf("answers sent: %d", sig.count(protocol.TypeAnswer))
	}
	// The joiner broadcasts its initial media state after answering.
	st := sig.last(protocol.TypeUpdateState)
	if st == nil {
		t.Fatalf("no initial state broadcast")
	}
	var ms protocol.MediaState
	if err := json.Unmarshal(st.Payload, &ms); err != nil || ms.AudioMuted || ms.VideoOff || ms.CallDropped {
		t.Fatalf("initial state: %+v err=%v", ms, err)
	}
}

func TestConnectedOnceAnswerInstalled(t *testing.T) {
	s, sig, _ := newTestSession(t, newFakeMedia(t, true))

	s.handleUserConnected(&protocol.PresencePayload{UserID: "peer"})

	var d protocol.Description
	if err := json.Unmarshal(sig.last(protocol.TypeOffer).Payload, &d); err != nil {
		t.Fatalf("offer decode: %v", err)
	}

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote pc: %v", err)
	}
	defer remote.Close()
	if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}); err != nil {
		t.Fatalf("remote set offer: %v", err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("remote answer: %v", err)
	}
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote set local: %v", err)
	}

	s.handleAnswer(&protocol.Description{Type: "answer", SDP: remote.LocalDescription().SDP})

	if s.State() != StateConnected {
		t.Fatalf("state: %s", s.State())
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	s, _, _ := newTestSession(t, newFakeMedia(t, true))

	first := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host","sdpMLineIndex":0}`)
	second := json.RawMessage(`{"candidate":"candidate:2 1 udp 1694498815 192.0.2.2 54401 typ srflx","sdpMLineIndex":0}`)

	s.handleCandidate(first)
	s.handleCandidate(second)

	if len(s.pending) != 2 {
		t.Fatalf("pending candidates: %d", len(s.pending))
	}
	// Held in original discovery order.
	if s.pending[0].Candidate != "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host" {
		t.Fatalf("queue order: %+v", s.pending)
	}

	s.handleOffer(&protocol.Description{Type: "offer", SDP: remoteOffer(t)})

	if len(s.pending) != 0 {
		t.Fatalf("candidates still queued after remote description: %d", len(s.pending))
	}

	// Once a remote description exists, candidates apply directly.
	s.handleCandidate(first)
	if len(s.pending) != 0 {
		t.Fatalf("candidate queued after remote description installed")
	}
}

func TestRoomFullEndsSession(t *testing.T) {
	s, _, handler := newTestSession(t, newFakeMedia(t, true))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	handler.RoomFull <- "r1"

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRoomFull) {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not end on room-full")
	}
	if s.State() != StateEnded {
		t.Fatalf("state: %s", s.State())
	}
}

func TestPeerDepartureTearsDownLocally(t *testing.T) {
	media := newFakeMedia(t, true)
	s, sig, handler := newTestSession(t, media)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	handler.UserDisconnected <- "peer"

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPeerDisconnected) {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not end on peer departure")
	}
	if !media.isClosed() {
		t.Fatalf("capture not released after peer departure")
	}
	if sig.count(protocol.TypeLeaveRoom) != 1 {
		t.Fatalf("leave-room not sent")
	}
}

func TestTransportDropEndsSession(t *testing.T) {
	incoming := make(chan *protocol.Message)
	handler := signalclient.NewHandler(incoming)
	go handler.Start()

	sig := &fakeSignaler{}
	s := NewSession("r1", "me", sig, handler, testEngine{source: newFakeMedia(t, true)}, webrtc.Configuration{})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	close(incoming)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSignalingClosed) {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not end on transport drop")
	}
}

func TestHangupIsIdempotentAndAnnounced(t *testing.T) {
	media := newFakeMedia(t, true)
	s, sig, _ := newTestSession(t, media)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	s.Hangup()
	s.Hangup()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run after hangup: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not end on hangup")
	}

	if !media.isClosed() {
		t.Fatalf("capture not released on hangup")
	}
	if sig.count(protocol.TypeLeaveRoom) != 1 {
		t.Fatalf("leave-room sent %d times", sig.count(protocol.TypeLeaveRoom))
	}

	// The call-dropped marker goes out before teardown.
	st := sig.last(protocol.TypeUpdateState)
	var ms protocol.MediaState
	if err := json.Unmarshal(st.Payload, &ms); err != nil || !ms.CallDropped {
		t.Fatalf("dropped marker: %+v err=%v", ms, err)
	}
}

func TestCameraRestartReplacesTrackInPlace(t *testing.T) {
	media := newFakeMedia(t, true)
	s, sig, _ := newTestSession(t, media)

	off, err := s.ToggleCamera()
	if err != nil || !off {
		t.Fatalf("toggle off: off=%v err=%v", off, err)
	}
	if !media.videoStopped {
		t.Fatalf("camera device not stopped")
	}

	off, err = s.ToggleCamera()
	if err != nil || off {
		t.Fatalf("toggle on: off=%v err=%v", off, err)
	}
	if media.restarts != 1 {
		t.Fatalf("video restarts: %d", media.restarts)
	}

	// Track swapped in place on the existing sender: no renegotiation.
	if n := sig.count(protocol.TypeOffer); n != 0 {
		t.Fatalf("offers sent during camera restart: %d", n)
	}

	st := sig.last(protocol.TypeUpdateState)
	var ms protocol.MediaState
	if err := json.Unmarshal(st.Payload, &ms); err != nil || ms.VideoOff {
		t.Fatalf("state after restart: %+v err=%v", ms, err)
	}
}

func TestCameraEnableWithoutSenderRenegotiates(t *testing.T) {
	s, sig, _ := newTestSession(t, newFakeMedia(t, false))

	// Capture came up without video, so the session starts camera-off.
	if st := s.LocalState(); !st.VideoOff {
		t.Fatalf("expected camera-off start: %+v", st)
	}

	off, err := s.ToggleCamera()
	if err != nil || off {
		t.Fatalf("toggle on: off=%v err=%v", off, err)
	}

	// No prior video sender: a full offer/answer cycle is required.
	if n := sig.count(protocol.TypeOffer); n != 1 {
		t.Fatalf("offers sent: %d", n)
	}
}

func TestConnectedSessionAnswersRenegotiationOffer(t *testing.T) {
	s, sig, _ := newTestSession(t, newFakeMedia(t, true))

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote pc: %v", err)
	}
	defer remote.Close()
	if _, err := remote.CreateDataChannel("control", nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}

	// First exchange: the peer offers, this side answers and connects.
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	s.handleOffer(&protocol.Description{Type: "offer", SDP: remote.LocalDescription().SDP})
	if s.State() != StateConnected {
		t.Fatalf("state after first exchange: %s", s.State())
	}

	var d protocol.Description
	if err := json.Unmarshal(sig.last(protocol.TypeAnswer).Payload, &d); err != nil {
		t.Fatalf("answer decode: %v", err)
	}
	if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}); err != nil {
		t.Fatalf("remote set answer: %v", err)
	}

	// The peer's camera started disabled; enabling it adds a track with no
	// prior sender, which forces a second full offer.
	if _, err := remote.AddTrack(newVideoTrack(t)); err != nil {
		t.Fatalf("remote add track: %v", err)
	}
	reoffer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create second offer: %v", err)
	}
	if err := remote.SetLocalDescription(reoffer); err != nil {
		t.Fatalf("set local: %v", err)
	}

	broadcasts := sig.count(protocol.TypeUpdateState)
	s.handleOffer(&protocol.Description{Type: "offer", SDP: remote.LocalDescription().SDP})

	if s.State() != StateConnected {
		t.Fatalf("state after renegotiation: %s", s.State())
	}
	if n := sig.count(protocol.TypeAnswer); n != 2 {
		t.Fatalf("renegotiation offer not answered: %d answers", n)
	}
	// No second initial-state broadcast on the renegotiation path.
	if n := sig.count(protocol.TypeUpdateState); n != broadcasts {
		t.Fatalf("state re-broadcast during renegotiation: %d != %d", n, broadcasts)
	}
}

func TestToggleMicrophoneBroadcasts(t *testing.T) {
	s, sig, _ := newTestSession(t, newFakeMedia(t, true))

	muted, err := s.ToggleMicrophone()
	if err != nil || !muted {
		t.Fatalf("toggle: muted=%v err=%v", muted, err)
	}
	var ms protocol.MediaState
	if err := json.Unmarshal(sig.last(protocol.TypeUpdateState).Payload, &ms); err != nil || !ms.AudioMuted {
		t.Fatalf("broadcast state: %+v err=%v", ms, err)
	}

	muted, err = s.ToggleMicrophone()
	if err != nil || muted {
		t.Fatalf("untoggle: muted=%v err=%v", muted, err)
	}
	if err := json.Unmarshal(sig.last(protocol.TypeUpdateState).Payload, &ms); err != nil || ms.AudioMuted {
		t.Fatalf("broadcast state: %+v err=%v", ms, err)
	}
}

func TestRemoteStateBookkeeping(t *testing.T) {
	s, _, _ := newTestSession(t, newFakeMedia(t, true))

	if s.RemoteVideoVisible() {
		t.Fatalf("remote video visible before any track arrived")
	}

	s.mu.Lock()
	s.remoteVideo = &webrtc.TrackRemote{}
	s.mu.Unlock()
	if !s.RemoteVideoVisible() {
		t.Fatalf("remote video hidden with track present and state clear")
	}

	s.handleRemoteState(&protocol.StateChangedPayload{
		UserID:     "peer",
		MediaState: protocol.MediaState{VideoOff: true},
	})
	if s.RemoteVideoVisible() {
		t.Fatalf("remote video visible while peer reports camera off")
	}
	if st := s.RemoteState(); !st.VideoOff {
		t.Fatalf("remote state not recorded: %+v", st)
	}

	s.handleRemoteState(&protocol.StateChangedPayload{
		UserID:     "peer",
		MediaState: protocol.MediaState{CallDropped: true},
	})
	if s.RemoteVideoVisible() {
		t.Fatalf("remote video visible after peer dropped")
	}
}

func TestBadSignalingLeavesStateUntouched(t *testing.T) {
	s, _, _ := newTestSession(t, newFakeMedia(t, true))

	s.handleUserConnected(&protocol.PresencePayload{UserID: "peer"})
	if s.State() != StateOffering {
		t.Fatalf("state: %s", s.State())
	}

	// A malformed answer is logged and ignored; the session stays put.
	s.handleAnswer(&protocol.Description{Type: "answer", SDP: "not an sdp"})
	if s.State() != StateOffering {
		t.Fatalf("state after malformed answer: %s", s.State())
	}

	// An offer in the wrong state is ignored too.
	s.handleOffer(&protocol.Description{Type: "offer", SDP: remoteOffer(t)})
	if s.State() != StateOffering {
		t.Fatalf("state after unexpected offer: %s", s.State())
	}
}
