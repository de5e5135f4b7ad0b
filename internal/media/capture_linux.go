//go:build linux

package media

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

type captureConfig struct {
	selector *mediadevices.CodecSelector
}

// NewEngine builds a VP8+Opus capture engine on top of pion/mediadevices
// (V4L2 camera + malgo microphone drivers).
func NewEngine() (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	return &Engine{api: api, cfg: captureConfig{selector: selector}}, nil
}

// GetUserMedia acquires the local microphone and camera. Either device
// failing fails the whole acquisition; the caller surfaces that as fatal.
func (e *Engine) GetUserMedia() (*Capture, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: e.cfg.selector,
		Video: videoConstraints,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	c := &Capture{selector: e.cfg.selector}
	for _, track := range stream.GetTracks() {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			c.audio = track
		case webrtc.RTPCodecTypeVideo:
			c.video = track
		}
	}
	return c, nil
}

// videoConstraints excludes MJPEG (some cameras expose an MJPEG V4L2 node
// producing malformed frames that poison the VP8 encoder) and caps the
// resolution to keep encoding latency down.
func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

// Capture owns the local microphone and camera tracks for one session.
// Never shared across sessions.
type Capture struct {
	selector *mediadevices.CodecSelector

	mu    sync.Mutex
	audio mediadevices.Track
	video mediadevices.Track
}

// AudioTrack returns the microphone track, or nil if absent.
func (c *Capture) AudioTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil {
		return nil
	}
	return c.audio
}

// VideoTrack returns the current camera track, or nil when the camera is
// stopped.
func (c *Capture) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return nil
	}
	return c.video
}

// StopVideo stops the camera device and releases its track. Idempotent.
func (c *Capture) StopVideo() {
	c.mu.Lock()
	video := c.video
	c.video = nil
	c.mu.Unlock()

	if video != nil {
		video.Close()
	}
}

// RestartVideo reacquires the camera and returns the new track, for the
// caller to swap into its existing video sender.
func (c *Capture) RestartVideo() (webrtc.TrackLocal, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: videoConstraints,
	})
	if err != nil {
		return nil, fmt.Errorf("restart video: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("restart video: no video track acquired")
	}

	c.mu.Lock()
	c.video = tracks[0]
	c.mu.Unlock()
	return tracks[0], nil
}

// Close stops all capture devices. Idempotent.
func (c *Capture) Close() {
	c.mu.Lock()
	audio, video := c.audio, c.video
	c.audio, c.video = nil, nil
	c.mu.Unlock()

	if audio != nil {
		audio.Close()
	}
	if video != nil {
		video.Close()
	}
}
