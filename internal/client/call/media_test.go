package call

import (
	"testing"

	"github.com/vberezin/dialtone/internal/domain"
)

func acquiredPipeline(t *testing.T, media domain.MediaKind) (*Pipeline, *fakeSource, *fakeSession) {
	t.Helper()
	src := &fakeSource{}
	session := &fakeSession{}
	p := NewPipeline(src)
	if err := p.Acquire(session, media); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return p, src, session
}

func TestPipeline_AcquireAudioOnlySkipsCamera(t *testing.T) {
	_, src, session := acquiredPipeline(t, domain.MediaAudio)

	if got := len(src.videoFacings()); got != 0 {
		t.Errorf("opened %d cameras for an audio call", got)
	}
	if got := len(session.locals); got != 1 {
		t.Errorf("attached %d tracks, want mic only", got)
	}
}

func TestPipeline_AcquireVideoAttachesBoth(t *testing.T) {
	_, src, session := acquiredPipeline(t, domain.MediaVideo)

	if facings := src.videoFacings(); len(facings) != 1 || facings[0] != FacingFront {
		t.Errorf("camera facings = %v, want one front", facings)
	}
	if got := len(session.locals); got != 2 {
		t.Errorf("attached %d tracks, want mic and camera", got)
	}
}

func TestPipeline_SwitchCameraAlternatesFacing(t *testing.T) {
	p, src, session := acquiredPipeline(t, domain.MediaVideo)
	front := src.tracks[1]

	if err := p.SwitchCamera(); err != nil {
		t.Fatalf("SwitchCamera: %v", err)
	}
	if facings := src.videoFacings(); len(facings) != 2 || facings[1] != FacingBack {
		t.Fatalf("camera facings = %v, want front then back", facings)
	}
	if len(session.replaced) != 1 || session.replaced[0].(*fakeTrack).name != "cam-back" {
		t.Fatalf("replaced = %+v, want back camera on sender", session.replaced)
	}
	// Old camera released only after the new one is live.
	if front.stopCount() != 1 {
		t.Errorf("front camera stopped %d times", front.stopCount())
	}

	if err := p.SwitchCamera(); err != nil {
		t.Fatalf("second SwitchCamera: %v", err)
	}
	if facings := src.videoFacings(); facings[2] != FacingFront {
		t.Errorf("third facing = %v, want front again", facings[2])
	}
}

func TestPipeline_SwitchCameraFailureKeepsCall(t *testing.T) {
	p, src, session := acquiredPipeline(t, domain.MediaVideo)
	front := src.tracks[1]
	src.videoErr = errDeviceBusy

	if err := p.SwitchCamera(); err != errDeviceBusy {
		t.Fatalf("SwitchCamera err = %v, want device error", err)
	}
	if front.stopCount() != 0 {
		t.Errorf("live camera stopped on failed switch")
	}
	if len(session.replaced) != 0 {
		t.Errorf("sender touched on failed switch: %+v", session.replaced)
	}
}

func TestPipeline_SwitchCameraNeedsVideo(t *testing.T) {
	p, _, _ := acquiredPipeline(t, domain.MediaAudio)
	if err := p.SwitchCamera(); err != ErrNoVideoTrack {
		t.Fatalf("err = %v, want ErrNoVideoTrack", err)
	}
}

func TestPipeline_ScreenShareLifecycle(t *testing.T) {
	p, src, session := acquiredPipeline(t, domain.MediaVideo)
	camera := src.tracks[1]

	if err := p.StartScreenShare(); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if len(src.displays) != 1 {
		t.Fatalf("opened %d display captures, want 1", len(src.displays))
	}
	screen := src.displays[0]
	if len(session.replaced) != 1 || session.replaced[0].(*fakeTrack) != screen {
		t.Fatalf("sender does not carry the screen track")
	}
	if camera.stopCount() != 0 {
		t.Fatalf("camera must stay open while sharing")
	}
	if err := p.StartScreenShare(); err != ErrAlreadySharing {
		t.Fatalf("second start err = %v, want ErrAlreadySharing", err)
	}
	// No camera switching mid-share.
	if err := p.SwitchCamera(); err != ErrNoVideoTrack {
		t.Fatalf("switch during share err = %v, want ErrNoVideoTrack", err)
	}

	if err := p.StopScreenShare(); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	if len(session.replaced) != 2 || session.replaced[1].(*fakeTrack) != camera {
		t.Fatalf("camera not restored after stop: %+v", session.replaced)
	}
	if screen.stopCount() != 1 {
		t.Errorf("screen track stopped %d times", screen.stopCount())
	}
	if err := p.StopScreenShare(); err != ErrNotSharing {
		t.Fatalf("second stop err = %v, want ErrNotSharing", err)
	}
}

// The source ending the share itself (window closed, desktop portal's stop
// button) must restore the camera exactly once, also when an explicit stop
// races it.
func TestPipeline_ScreenShareSourceEnd(t *testing.T) {
	p, src, session := acquiredPipeline(t, domain.MediaVideo)
	camera := src.tracks[1]

	if err := p.StartScreenShare(); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	screen := src.displays[0]

	screen.end()

	if len(session.replaced) != 2 || session.replaced[1].(*fakeTrack) != camera {
		t.Fatalf("camera not restored after source end: %+v", session.replaced)
	}
	if screen.stopCount() != 1 {
		t.Errorf("screen track stopped %d times", screen.stopCount())
	}

	// The late explicit stop and a duplicate end callback are no-ops.
	if err := p.StopScreenShare(); err != ErrNotSharing {
		t.Fatalf("stop after source end err = %v, want ErrNotSharing", err)
	}
	screen.end()
	if screen.stopCount() != 1 || len(session.replaced) != 2 {
		t.Errorf("share teardown ran twice")
	}
}

func TestPipeline_ToggleVideoKeepsDevice(t *testing.T) {
	p, src, session := acquiredPipeline(t, domain.MediaVideo)
	camera := src.tracks[1]

	if err := p.SetVideoEnabled(false); err != nil {
		t.Fatalf("SetVideoEnabled(false): %v", err)
	}
	if session.videoOn == nil || *session.videoOn {
		t.Fatalf("sender not muted")
	}
	if camera.stopCount() != 0 {
		t.Fatalf("toggle must not release the camera")
	}
	if p.VideoEnabled() {
		t.Errorf("VideoEnabled() = true after disable")
	}

	if err := p.SetVideoEnabled(true); err != nil {
		t.Fatalf("SetVideoEnabled(true): %v", err)
	}
	if session.videoOn == nil || !*session.videoOn {
		t.Errorf("sender not unmuted")
	}
}

func TestPipeline_ReleaseAllIdempotent(t *testing.T) {
	p, src, _ := acquiredPipeline(t, domain.MediaVideo)

	p.ReleaseAll()
	p.ReleaseAll()

	for _, tr := range src.tracks {
		if tr.stopCount() != 1 {
			t.Errorf("track %s stopped %d times", tr.name, tr.stopCount())
		}
	}
}

func TestPipeline_ReleaseAllStopsParkedCamera(t *testing.T) {
	p, src, _ := acquiredPipeline(t, domain.MediaVideo)
	if err := p.StartScreenShare(); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	p.ReleaseAll()

	camera := src.tracks[1]
	screen := src.displays[0]
	if camera.stopCount() != 1 {
		t.Errorf("parked camera stopped %d times", camera.stopCount())
	}
	if screen.stopCount() != 1 {
		t.Errorf("screen stopped %d times", screen.stopCount())
	}
}
