package call

import (
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/protocol"
)

// fakeSignaler records every message the controller sends.
type fakeSignaler struct {
	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error
}

func (f *fakeSignaler) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Close() error { return nil }

func (f *fakeSignaler) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaler) ofType(t protocol.MessageType) []protocol.Message {
	var out []protocol.Message
	for _, m := range f.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) last() protocol.Message {
	msgs := f.messages()
	if len(msgs) == 0 {
		return protocol.Message{}
	}
	return msgs[len(msgs)-1]
}

// fakeTrack stands in for a capture device track.
type fakeTrack struct {
	kind webrtc.RTPCodecType
	name string

	mu      sync.Mutex
	stops   int
	onEnded func()
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return nil }

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// end fires the registered OnEnded callback, simulating the capture source
// closing itself.
func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeSource hands out fakeTracks and records what was asked of it.
type fakeSource struct {
	mu         sync.Mutex
	captures   []CameraFacing
	audioErr   error
	videoErr   error
	displayErr error
	tracks     []*fakeTrack
	displays   []*fakeTrack
}

func (s *fakeSource) Capture(kind webrtc.RTPCodecType, facing CameraFacing) (Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == webrtc.RTPCodecTypeAudio {
		if s.audioErr != nil {
			return nil, s.audioErr
		}
		t := &fakeTrack{kind: kind, name: "mic"}
		s.tracks = append(s.tracks, t)
		return t, nil
	}
	if s.videoErr != nil {
		return nil, s.videoErr
	}
	s.captures = append(s.captures, facing)
	t := &fakeTrack{kind: kind, name: "cam-" + string(facing)}
	s.tracks = append(s.tracks, t)
	return t, nil
}

func (s *fakeSource) CaptureDisplay() (Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.displayErr != nil {
		return nil, s.displayErr
	}
	t := &fakeTrack{kind: webrtc.RTPCodecTypeVideo, name: "screen"}
	s.displays = append(s.displays, t)
	return t, nil
}

func (s *fakeSource) videoFacings() []CameraFacing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CameraFacing, len(s.captures))
	copy(out, s.captures)
	return out
}

// fakeSession records the negotiation calls the controller makes and lets
// the test fire the session's callbacks.
type fakeSession struct {
	mu         sync.Mutex
	locals     []Track
	replaced   []Track
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	videoOn    *bool
	closed     int

	offerErr  error
	answerErr error
	remoteErr error

	iceCB   func(webrtc.ICECandidateInit)
	connCB  func()
	trackCB func(*webrtc.TrackRemote)
}

func (f *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (f *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	if f.answerErr != nil {
		return webrtc.SessionDescription{}, f.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (f *fakeSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.mu.Lock()
	f.remoteDesc = &desc
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, ci)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.iceCB = fn }
func (f *fakeSession) OnConnected(fn func())                          { f.connCB = fn }
func (f *fakeSession) OnRemoteTrack(fn func(*webrtc.TrackRemote))     { f.trackCB = fn }

func (f *fakeSession) AddLocalTrack(t Track) error {
	f.mu.Lock()
	f.locals = append(f.locals, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ReplaceVideoTrack(t Track) error {
	f.mu.Lock()
	f.replaced = append(f.replaced, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetVideoEnabled(on bool) error {
	f.mu.Lock()
	f.videoOn = &on
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

func (f *fakeSession) remote() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakeSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// endedRecorder collects OnEnded reasons.
type endedRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *endedRecorder) hook() func(string) {
	return func(reason string) {
		r.mu.Lock()
		r.reasons = append(r.reasons, reason)
		r.mu.Unlock()
	}
}

func (r *endedRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.reasons))
	copy(out, r.reasons)
	return out
}

// testController wires a controller onto fakes.
func testController(t *testing.T, hooks Hooks) (*Controller, *fakeSignaler, *fakeSource, *fakeSession) {
	t.Helper()
	sig := &fakeSignaler{}
	src := &fakeSource{}
	session := &fakeSession{}
	ctrl := NewController(sig, NewPipeline(src), hooks)
	ctrl.NewSession = func() (PeerSession, error) { return session, nil }
	return ctrl, sig, src, session
}

func remoteCandidate(conn core.ConnID, ufrag string) protocol.Message {
	mid := "0"
	return protocol.Message{
		Type:     protocol.TypeCandidate,
		FromConn: conn,
		Candidate: &protocol.Candidate{
			Candidate:        "candidate:1 1 udp 2130706431 192.0.2.1 3478 typ host",
			SDPMid:           &mid,
			UsernameFragment: &ufrag,
		},
	}
}

var errDeviceBusy = errors.New("device busy")
