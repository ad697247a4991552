package call

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/domain"
)

// CameraFacing selects which camera to open on multi-camera devices.
type CameraFacing string

const (
	FacingFront CameraFacing = "front"
	FacingBack  CameraFacing = "back"
)

// CaptureSource opens local capture devices. The Linux implementation sits
// behind mediadevices; tests substitute a fake.
type CaptureSource interface {
	Capture(kind webrtc.RTPCodecType, facing CameraFacing) (Track, error)
	CaptureDisplay() (Track, error)
}

var (
	ErrNoVideoTrack   = errors.New("no live video track")
	ErrAlreadySharing = errors.New("screen share already active")
	ErrNotSharing     = errors.New("no screen share active")
)

// Pipeline owns the local capture tracks of one call and swaps them into
// the peer session. Screen share replaces camera video on the same sender
// and restores the saved camera track when it ends, whether by an explicit
// stop or by the source closing itself.
type Pipeline struct {
	Source CaptureSource

	mu      sync.Mutex
	session PeerSession
	audio   Track
	video   Track
	facing  CameraFacing
	// camera holds the parked camera track while a screen share rides the
	// video sender.
	camera  Track
	sharing bool
	videoOn bool
}

func NewPipeline(src CaptureSource) *Pipeline {
	return &Pipeline{Source: src, facing: FacingFront, videoOn: true}
}

// Acquire opens capture devices for the call's media kind and attaches the
// tracks to the session. Audio-only calls skip the camera entirely.
func (p *Pipeline) Acquire(session PeerSession, media domain.MediaKind) error {
	audio, err := p.Source.Capture(webrtc.RTPCodecTypeAudio, "")
	if err != nil {
		return err
	}
	if err := session.AddLocalTrack(audio); err != nil {
		audio.Stop()
		return err
	}

	var video Track
	if media == domain.MediaVideo {
		video, err = p.Source.Capture(webrtc.RTPCodecTypeVideo, p.facing)
		if err != nil {
			audio.Stop()
			return err
		}
		if err := session.AddLocalTrack(video); err != nil {
			audio.Stop()
			video.Stop()
			return err
		}
	}

	p.mu.Lock()
	p.session = session
	p.audio = audio
	p.video = video
	p.sharing = false
	p.camera = nil
	p.mu.Unlock()
	return nil
}

// SwitchCamera reopens the camera on the other facing and swaps it into the
// sender. The old track stays live until the new one is in place, so a
// failed open leaves the call untouched.
func (p *Pipeline) SwitchCamera() error {
	p.mu.Lock()
	if p.video == nil || p.sharing {
		p.mu.Unlock()
		return ErrNoVideoTrack
	}
	next := FacingBack
	if p.facing == FacingBack {
		next = FacingFront
	}
	session := p.session
	old := p.video
	p.mu.Unlock()

	fresh, err := p.Source.Capture(webrtc.RTPCodecTypeVideo, next)
	if err != nil {
		return err
	}
	if err := session.ReplaceVideoTrack(fresh); err != nil {
		fresh.Stop()
		return err
	}

	p.mu.Lock()
	p.video = fresh
	p.facing = next
	p.mu.Unlock()
	old.Stop()

	log.Info().Str("module", "call.media").Str("facing", string(next)).Msg("camera switched")
	return nil
}

// StartScreenShare parks the camera track and puts a display capture on the
// video sender. When the display source ends on its own the camera comes
// back automatically.
func (p *Pipeline) StartScreenShare() error {
	p.mu.Lock()
	if p.video == nil {
		p.mu.Unlock()
		return ErrNoVideoTrack
	}
	if p.sharing {
		p.mu.Unlock()
		return ErrAlreadySharing
	}
	session := p.session
	camera := p.video
	p.mu.Unlock()

	screen, err := p.Source.CaptureDisplay()
	if err != nil {
		return err
	}
	if err := session.ReplaceVideoTrack(screen); err != nil {
		screen.Stop()
		return err
	}

	p.mu.Lock()
	p.camera = camera
	p.video = screen
	p.sharing = true
	p.mu.Unlock()

	screen.OnEnded(func() {
		// Source-initiated end races with an explicit StopScreenShare;
		// endShare is a no-op for whichever lands second.
		if err := p.endShare(screen); err == nil {
			log.Info().Str("module", "call.media").Msg("screen share ended by source")
		}
	})

	log.Info().Str("module", "call.media").Msg("screen share started")
	return nil
}

// StopScreenShare ends an active share and restores the camera.
func (p *Pipeline) StopScreenShare() error {
	p.mu.Lock()
	screen := p.video
	sharing := p.sharing
	p.mu.Unlock()
	if !sharing {
		return ErrNotSharing
	}
	return p.endShare(screen)
}

// endShare swaps the parked camera back in and stops the screen track.
// Only the call holding the current screen track wins; any later call
// (the OnEnded callback after an explicit stop, or vice versa) bails out.
func (p *Pipeline) endShare(screen Track) error {
	p.mu.Lock()
	if !p.sharing || p.video != screen {
		p.mu.Unlock()
		return ErrNotSharing
	}
	session := p.session
	camera := p.camera
	p.video = camera
	p.camera = nil
	p.sharing = false
	p.mu.Unlock()

	if err := session.ReplaceVideoTrack(camera); err != nil {
		log.Error().Err(err).Str("module", "call.media").Msg("restore camera after share")
	}
	screen.Stop()
	return nil
}

// SetVideoEnabled pauses or resumes outgoing video without releasing the
// camera, so resume is instant.
func (p *Pipeline) SetVideoEnabled(enabled bool) error {
	p.mu.Lock()
	session := p.session
	hasVideo := p.video != nil
	p.videoOn = enabled
	p.mu.Unlock()
	if !hasVideo {
		return ErrNoVideoTrack
	}
	return session.SetVideoEnabled(enabled)
}

// VideoEnabled reports the current toggle state.
func (p *Pipeline) VideoEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoOn
}

// ReleaseAll stops every live track. Safe to call more than once.
func (p *Pipeline) ReleaseAll() {
	p.mu.Lock()
	tracks := make([]Track, 0, 3)
	for _, t := range []Track{p.audio, p.video, p.camera} {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	p.audio, p.video, p.camera = nil, nil, nil
	p.sharing = false
	p.session = nil
	p.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}
