// Package media wraps local capture devices behind an engine that also
// builds PeerConnections, so negotiated codecs always match what the
// capture pipeline encodes.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrCaptureUnsupported is returned by GetUserMedia on platforms without
// capture drivers. Fatal to session start; there is no automatic retry.
var ErrCaptureUnsupported = errors.New("local media capture is not supported on this platform")

// Engine creates PeerConnections and captures whose codecs agree.
type Engine struct {
	api *webrtc.API
	cfg captureConfig
}

// NewPeerConnection creates a PeerConnection from the engine's API so its
// MediaEngine matches the capture encoders.
func (e *Engine) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(cfg)
}
