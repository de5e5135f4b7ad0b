//go:build !linux

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type captureConfig struct{}

// NewEngine builds an engine with default codecs. Camera/mic capture via
// pion/mediadevices requires platform-specific drivers (V4L2/malgo on
// Linux), so GetUserMedia is unavailable here.
func NewEngine() (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	return &Engine{api: api}, nil
}

// GetUserMedia always fails on this platform.
func (e *Engine) GetUserMedia() (*Capture, error) {
	return nil, ErrCaptureUnsupported
}

// Capture is unavailable on this platform; all methods are inert.
type Capture struct{}

func (c *Capture) AudioTrack() webrtc.TrackLocal { return nil }

func (c *Capture) VideoTrack() webrtc.TrackLocal { return nil }

func (c *Capture) StopVideo() {}

func (c *Capture) RestartVideo() (webrtc.TrackLocal, error) {
	return nil, ErrCaptureUnsupported
}

func (c *Capture) Close() {}
