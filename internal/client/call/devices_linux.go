//go:build linux && cgo

package call

import (
	"errors"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// systemSource captures camera, microphone and screen through
// pion/mediadevices (V4L2 + malgo + X11 on Linux).
type systemSource struct {
	selector *mediadevices.CodecSelector
}

// NewSystemSource builds a capture source encoding VP8 video and Opus audio.
func NewSystemSource() (CaptureSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &systemSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// mdTrack adapts a mediadevices track to the pipeline's Track interface.
type mdTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	onEnded func()
	stopped bool
}

func (t *mdTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *mdTrack) Local() webrtc.TrackLocal  { return t.track }

func (t *mdTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
	t.track.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "call.devices").Msg("capture track ended")
		}
		t.mu.Lock()
		cb := t.onEnded
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

func (t *mdTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if err := t.track.Close(); err != nil {
		log.Warn().Err(err).Str("module", "call.devices").Msg("close capture track")
	}
}

func (s *systemSource) Capture(kind webrtc.RTPCodecType, facing CameraFacing) (Track, error) {
	if kind == webrtc.RTPCodecTypeAudio {
		return s.captureAudio()
	}
	return s.captureVideo(facing)
}

func (s *systemSource) captureAudio() (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream, webrtc.RTPCodecTypeAudio)
}

// captureVideo opens the camera matching the requested facing. Constrained
// capture runs first (raw frame formats only, capped at 640x480 — MJPEG
// nodes on some cameras emit malformed frames that poison the VP8 encoder);
// if no mode matches, a second unconstrained attempt takes whatever the
// device offers.
func (s *systemSource) captureVideo(facing CameraFacing) (Track, error) {
	deviceID := videoDeviceFor(facing)

	attempts := []func(c *mediadevices.MediaTrackConstraints){
		func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
		},
	}

	var lastErr error
	for _, constrain := range attempts {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: s.selector,
			Video: constrain,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "call.devices").Msg("camera open attempt failed")
			lastErr = err
			continue
		}
		return firstTrack(stream, webrtc.RTPCodecTypeVideo)
	}
	return nil, lastErr
}

func (s *systemSource) CaptureDisplay() (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream, webrtc.RTPCodecTypeVideo)
}

// videoDeviceFor maps the facing request onto enumerated camera nodes.
// Most Linux boxes expose a single camera; the back facing then falls back
// to whatever is there.
func videoDeviceFor(facing CameraFacing) string {
	var cameras []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, d)
		}
	}
	if len(cameras) == 0 {
		return ""
	}
	if facing == FacingBack && len(cameras) > 1 {
		return cameras[1].DeviceID
	}
	return cameras[0].DeviceID
}

func firstTrack(stream mediadevices.MediaStream, kind webrtc.RTPCodecType) (Track, error) {
	for _, t := range stream.GetTracks() {
		if t.Kind() == kind {
			return &mdTrack{track: t}, nil
		}
		t.Close()
	}
	return nil, errors.New("capture stream produced no " + kind.String() + " track")
}
