//go:build !linux || !cgo

package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var errNoCaptureSupport = errors.New("local media capture requires linux (v4l2/malgo drivers)")

// systemSource is a stub on non-Linux platforms. Camera and microphone
// capture via pion/mediadevices needs platform drivers that this build
// does not carry; calls can still run receive-only against a fake source.
type systemSource struct{}

func NewSystemSource() (CaptureSource, error) {
	return &systemSource{}, nil
}

func (s *systemSource) Capture(webrtc.RTPCodecType, CameraFacing) (Track, error) {
	return nil, errNoCaptureSupport
}

func (s *systemSource) CaptureDisplay() (Track, error) {
	return nil, errNoCaptureSupport
}
