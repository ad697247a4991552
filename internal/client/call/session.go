package call

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Track is one local capture track as seen by the pipeline and the session.
// Stop releases the underlying device handle; it must be safe to call once
// per track, and the pipeline guarantees it is never called twice.
type Track interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	// OnEnded registers a callback for the capture source ending on its
	// own (e.g. the OS "stop sharing" control).
	OnEnded(func())
	Stop()
}

// PeerSession is the negotiation surface of one call's peer connection.
// The controller drives it; the pion implementation below is the only one
// outside tests.
type PeerSession interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnected(func())
	OnRemoteTrack(func(*webrtc.TrackRemote))

	AddLocalTrack(Track) error
	// ReplaceVideoTrack substitutes the outgoing video in place, without a
	// renegotiation round-trip.
	ReplaceVideoTrack(Track) error
	// SetVideoEnabled suppresses or restores outgoing video frames while
	// the capture device keeps running.
	SetVideoEnabled(bool) error

	Close() error
}

var errNoVideoSender = errors.New("session has no video sender")

// pionSession implements PeerSession on a pion PeerConnection.
type pionSession struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	videoTrack  Track
	videoOn     bool

	onConnected func()
}

// DefaultICEServers mirrors the STUN set the relay's web client uses.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// NewPionSession builds a peer connection with default codecs, default
// interceptors and generous ICE timeouts, so a brief NAT hiccup does not
// immediately terminate the call.
func NewPionSession(ice []webrtc.ICEServer) (PeerSession, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, err
	}

	s := &pionSession{pc: pc, videoOn: true}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "call.session").Str("peer_state", st.String()).Msg("peer state")
		if st == webrtc.PeerConnectionStateConnected {
			s.mu.Lock()
			fn := s.onConnected
			s.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})

	return s, nil
}

func (s *pionSession) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (s *pionSession) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *pionSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *pionSession) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(ci)
}

func (s *pionSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (s *pionSession) OnConnected(fn func()) {
	s.mu.Lock()
	s.onConnected = fn
	s.mu.Unlock()
}

func (s *pionSession) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "call.session").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		fn(track)
	})
}

func (s *pionSession) AddLocalTrack(t Track) error {
	sender, err := s.pc.AddTrack(t.Local())
	if err != nil {
		return err
	}
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		s.mu.Lock()
		s.videoSender = sender
		s.videoTrack = t
		s.mu.Unlock()
	}
	return nil
}

func (s *pionSession) ReplaceVideoTrack(t Track) error {
	s.mu.Lock()
	sender := s.videoSender
	videoOn := s.videoOn
	s.mu.Unlock()
	if sender == nil {
		return errNoVideoSender
	}
	// While video is toggled off the sender carries no track; just adopt
	// the new one so re-enabling picks it up.
	if videoOn {
		if err := sender.ReplaceTrack(t.Local()); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.videoTrack = t
	s.mu.Unlock()
	return nil
}

func (s *pionSession) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	sender := s.videoSender
	track := s.videoTrack
	s.videoOn = enabled
	s.mu.Unlock()
	if sender == nil {
		return errNoVideoSender
	}
	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	if track == nil {
		return nil
	}
	return sender.ReplaceTrack(track.Local())
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}
