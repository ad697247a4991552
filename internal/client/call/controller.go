package call

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/vberezin/dialtone/internal/core"
	"github.com/vberezin/dialtone/internal/domain"
	"github.com/vberezin/dialtone/internal/protocol"
)

// State is the controller's call lifecycle position.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateNegotiating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoPendingCall  = errors.New("no pending incoming call")
)

// Controller drives one device's calls end to end: it owns the signaling
// conversation with the relay, the peer session and the media pipeline,
// and exposes the user-facing verbs (Dial, Accept, Decline, Hangup). One
// controller handles one call at a time; a second invite while any call is
// live gets an immediate end back, so the far side hears busy instead of
// ringing forever.
type Controller struct {
	Signaler Signaler
	Pipeline *Pipeline
	Hooks    Hooks
	// NewSession builds the peer session per call. Tests substitute a fake.
	NewSession func() (PeerSession, error)

	mu         sync.Mutex
	identity   domain.Identity
	connID     core.ConnID
	state      State
	session    PeerSession
	remoteConn core.ConnID
	remoteSet  bool
	invite     *protocol.Message
	// gen invalidates session callbacks that outlive their call.
	gen int

	// pendingRemote holds inbound candidates until the remote description
	// is applied; pendingLocal holds outbound ones until the peer
	// connection id is known. Both preserve arrival order.
	pendingRemote []webrtc.ICECandidateInit
	pendingLocal  []webrtc.ICECandidateInit
}

func NewController(sig Signaler, pipe *Pipeline, hooks Hooks) *Controller {
	return &Controller{
		Signaler: sig,
		Pipeline: pipe,
		Hooks:    hooks,
		NewSession: func() (PeerSession, error) {
			return NewPionSession(DefaultICEServers())
		},
	}
}

// Register announces this device's identity to the relay.
func (c *Controller) Register(identity domain.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return c.Signaler.Send(protocol.Message{Type: protocol.TypeRegister, Identity: identity})
}

// State reports the current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the identity sent in the last Register call.
func (c *Controller) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// ConnID returns the relay-minted id of this device's signaling channel,
// empty until the registered confirmation arrives.
func (c *Controller) ConnID() core.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Dial starts an outgoing call: capture local media, produce an offer and
// hand it to the relay. The controller stays in dialing until the relay
// delivers an accept, an unreachable or an error.
func (c *Controller) Dial(target domain.Identity, media domain.MediaKind) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if err := media.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.state = StateDialing
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	session, err := c.startSession(gen, media)
	if err != nil {
		c.abortLocal(gen)
		return err
	}

	offer, err := session.CreateOffer()
	if err != nil {
		c.abortLocal(gen)
		return err
	}

	sdp := protocol.SDPFromPion(offer)
	err = c.Signaler.Send(protocol.Message{
		Type:  protocol.TypeInvite,
		To:    &domain.CallTarget{Kind: domain.TargetIndividual, ID: target},
		Media: media,
		Offer: &sdp,
	})
	if err != nil {
		c.abortLocal(gen)
		return err
	}

	log.Info().Str("module", "call.controller").Str("target", string(target)).Str("media", string(media)).Msg("dialing")
	return nil
}

// Accept answers the pending incoming call. Media and the remote offer are
// already in place from the ring, so only the answer leg remains.
func (c *Controller) Accept() error {
	c.mu.Lock()
	if c.state != StateRinging || c.invite == nil || c.session == nil {
		c.mu.Unlock()
		return ErrNoPendingCall
	}
	invite := *c.invite
	c.invite = nil
	c.state = StateNegotiating
	session := c.session
	gen := c.gen
	c.mu.Unlock()

	answer, err := session.CreateAnswer()
	if err != nil {
		return c.abortAccept(gen, invite.FromConn, err)
	}

	c.mu.Lock()
	c.remoteConn = invite.FromConn
	outbound := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()

	sdp := protocol.SDPFromPion(answer)
	err = c.Signaler.Send(protocol.Message{
		Type:   protocol.TypeAccept,
		ToConn: invite.FromConn,
		Answer: &sdp,
	})
	if err != nil {
		return c.abortAccept(gen, "", err)
	}
	c.sendCandidates(invite.FromConn, outbound)

	log.Info().Str("module", "call.controller").Str("from", string(invite.From)).Msg("call accepted")
	return nil
}

// Decline rejects the pending incoming call. The relay cancels ringing on
// this identity's other devices as a side effect.
func (c *Controller) Decline() error {
	c.mu.Lock()
	if c.state != StateRinging || c.invite == nil {
		c.mu.Unlock()
		return ErrNoPendingCall
	}
	fromConn := c.invite.FromConn
	session := c.resetLocked()
	c.mu.Unlock()

	err := c.Signaler.Send(protocol.Message{Type: protocol.TypeEnd, ToConn: fromConn})
	c.closeSession(session)
	c.Hooks.ended("declined")
	return err
}

// Hangup ends whatever call activity is in flight. Idle is a no-op.
func (c *Controller) Hangup() error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateRinging {
		c.mu.Unlock()
		return c.Decline()
	}
	remote := c.remoteConn
	session := c.resetLocked()
	c.mu.Unlock()

	// remote is empty while still ringing the far side; the relay resolves
	// the abandon from our connection alone.
	err := c.Signaler.Send(protocol.Message{Type: protocol.TypeEnd, ToConn: remote})
	c.closeSession(session)
	c.Hooks.ended("hangup")
	return err
}

// HandleMessage applies one relay message to the state machine. The
// transport pump calls it serially.
func (c *Controller) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		c.mu.Lock()
		c.connID = msg.Conn
		c.mu.Unlock()
		c.Hooks.registered()
	case protocol.TypePresence:
		if msg.Online != nil {
			c.Hooks.presence(msg.Identity, *msg.Online)
		}
	case protocol.TypePresenceSnapshot:
		c.Hooks.snapshot(msg.Contacts)
	case protocol.TypeInvite:
		c.handleInvite(msg)
	case protocol.TypeAccept:
		c.handleAccept(msg)
	case protocol.TypeCandidate:
		c.handleCandidate(msg)
	case protocol.TypeCancel:
		c.handleCancel(msg)
	case protocol.TypeUnreachable:
		c.handleUnreachable(msg)
	case protocol.TypeEnd:
		c.handleEnd(msg)
	case protocol.TypeError:
		c.handleError(msg)
	case protocol.TypePong:
	default:
		log.Warn().Str("module", "call.controller").Str("type", string(msg.Type)).Msg("unhandled message type")
	}
}

// handleInvite starts ringing. Local media comes up and the caller's offer
// is applied here, before the user answers: accepting is then instant, a
// dead capture device surfaces while the phone is still ringing, and early
// trickle candidates go straight into the session.
func (c *Controller) handleInvite(msg protocol.Message) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		// Busy: answer with an immediate end so the caller's device stops
		// ringing instead of timing out.
		if err := c.Signaler.Send(protocol.Message{Type: protocol.TypeEnd, ToConn: msg.FromConn}); err != nil {
			log.Warn().Err(err).Str("module", "call.controller").Msg("send busy reply")
		}
		return
	}
	c.state = StateRinging
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	session, err := c.startSession(gen, msg.Media)
	if err == nil {
		var offer webrtc.SessionDescription
		if msg.Offer == nil {
			err = errors.New("invite carries no offer")
		} else if offer, err = msg.Offer.ToPion(); err == nil {
			err = session.SetRemoteDescription(offer)
		}
	}
	if err != nil {
		log.Error().Err(err).Str("module", "call.controller").Str("from", string(msg.From)).Msg("ring setup failed")
		c.mu.Lock()
		var stale PeerSession
		if gen == c.gen {
			stale = c.resetLocked()
		}
		c.mu.Unlock()
		c.closeSession(stale)
		if serr := c.Signaler.Send(protocol.Message{Type: protocol.TypeEnd, ToConn: msg.FromConn}); serr != nil {
			log.Warn().Err(serr).Str("module", "call.controller").Msg("send end after failed ring setup")
		}
		c.Hooks.failure("media_unavailable", err.Error())
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	invite := msg
	c.invite = &invite
	c.remoteSet = true
	c.mu.Unlock()

	c.Hooks.incoming(msg.From, msg.Media)
}

func (c *Controller) handleAccept(msg protocol.Message) {
	c.mu.Lock()
	if c.state != StateDialing || msg.Answer == nil {
		c.mu.Unlock()
		return
	}
	session := c.session
	c.remoteConn = msg.FromConn
	c.state = StateNegotiating
	outbound := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()

	answer, err := msg.Answer.ToPion()
	if err == nil {
		err = session.SetRemoteDescription(answer)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "call.controller").Msg("apply answer")
		c.endLocal("error", msg.FromConn)
		return
	}

	c.mu.Lock()
	c.remoteSet = true
	buffered := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()

	for _, ci := range buffered {
		if err := session.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "call.controller").Msg("apply buffered candidate")
		}
	}
	c.sendCandidates(msg.FromConn, outbound)
}

func (c *Controller) handleCandidate(msg protocol.Message) {
	if msg.Candidate == nil {
		return
	}
	ci := msg.Candidate.ToPion()

	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, ci)
		c.mu.Unlock()
		return
	}
	session := c.session
	c.mu.Unlock()

	if err := session.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Msg("apply candidate")
	}
}

func (c *Controller) handleCancel(_ protocol.Message) {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return
	}
	session := c.resetLocked()
	c.mu.Unlock()
	c.closeSession(session)
	c.Hooks.ended("cancelled")
}

func (c *Controller) handleUnreachable(msg protocol.Message) {
	c.mu.Lock()
	if c.state != StateDialing {
		c.mu.Unlock()
		return
	}
	session := c.resetLocked()
	c.mu.Unlock()
	c.closeSession(session)

	reason := msg.Reason
	if reason == "" {
		reason = protocol.ReasonOffline
	}
	c.Hooks.ended(reason)
}

func (c *Controller) handleEnd(_ protocol.Message) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	session := c.resetLocked()
	c.mu.Unlock()
	c.closeSession(session)
	c.Hooks.ended("remote")
}

func (c *Controller) handleError(msg protocol.Message) {
	c.mu.Lock()
	fatal := c.state == StateDialing ||
		(c.state == StateNegotiating && (msg.Code == protocol.CodeNoInvite || msg.Code == protocol.CodeAlreadyPaired))
	var session PeerSession
	if fatal {
		session = c.resetLocked()
	}
	c.mu.Unlock()

	if fatal {
		c.closeSession(session)
		c.Hooks.ended(msg.Code)
		return
	}
	c.Hooks.failure(msg.Code, msg.Message)
}

// SwitchCamera, StartScreenShare, StopScreenShare and SetVideoEnabled
// delegate to the pipeline; they are meaningful from negotiating onward.

func (c *Controller) SwitchCamera() error { return c.Pipeline.SwitchCamera() }

func (c *Controller) StartScreenShare() error { return c.Pipeline.StartScreenShare() }

func (c *Controller) StopScreenShare() error { return c.Pipeline.StopScreenShare() }

func (c *Controller) SetVideoEnabled(enabled bool) error { return c.Pipeline.SetVideoEnabled(enabled) }

// startSession builds and wires a peer session, then captures local media
// into it.
func (c *Controller) startSession(gen int, media domain.MediaKind) (PeerSession, error) {
	session, err := c.NewSession()
	if err != nil {
		return nil, err
	}

	session.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.localCandidate(gen, ci)
	})
	session.OnConnected(func() {
		c.peerConnected(gen)
	})
	session.OnRemoteTrack(c.Hooks.remoteTrack)

	if err := c.Pipeline.Acquire(session, media); err != nil {
		if cerr := session.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("module", "call.controller").Msg("close session after capture failure")
		}
		return nil, err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		session.Close()
		c.Pipeline.ReleaseAll()
		return nil, errors.New("call ended during setup")
	}
	c.session = session
	c.mu.Unlock()
	return session, nil
}

// localCandidate routes a freshly gathered candidate to the peer, or
// buffers it when the peer connection id is still unknown (caller side
// before accept).
func (c *Controller) localCandidate(gen int, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	if c.remoteConn == "" {
		c.pendingLocal = append(c.pendingLocal, ci)
		c.mu.Unlock()
		return
	}
	remote := c.remoteConn
	c.mu.Unlock()

	c.sendCandidates(remote, []webrtc.ICECandidateInit{ci})
}

func (c *Controller) sendCandidates(to core.ConnID, list []webrtc.ICECandidateInit) {
	for _, ci := range list {
		cand := protocol.CandidateFromPion(ci)
		err := c.Signaler.Send(protocol.Message{
			Type:      protocol.TypeCandidate,
			ToConn:    to,
			Candidate: &cand,
		})
		if err != nil {
			log.Warn().Err(err).Str("module", "call.controller").Msg("send candidate")
		}
	}
}

func (c *Controller) peerConnected(gen int) {
	c.mu.Lock()
	if gen != c.gen || (c.state != StateNegotiating && c.state != StateDialing) {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.Hooks.connected()
}

// endLocal tears the call down after a local failure and tells the peer.
func (c *Controller) endLocal(reason string, peer core.ConnID) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	session := c.resetLocked()
	c.mu.Unlock()

	if peer != "" {
		if err := c.Signaler.Send(protocol.Message{Type: protocol.TypeEnd, ToConn: peer}); err != nil {
			log.Warn().Err(err).Str("module", "call.controller").Msg("send end")
		}
	}
	c.closeSession(session)
	c.Hooks.ended(reason)
}

// abortLocal unwinds a failed Dial before the relay learned anything.
func (c *Controller) abortLocal(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	session := c.resetLocked()
	c.mu.Unlock()
	c.closeSession(session)
}

// abortAccept unwinds a failed Accept and, when the caller's connection is
// known, sends it an end so it does not wait out the answer.
func (c *Controller) abortAccept(gen int, caller core.ConnID, err error) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return err
	}
	session := c.resetLocked()
	c.mu.Unlock()

	if caller != "" {
		if serr := c.Signaler.Send(protocol.Message{Type: protocol.TypeEnd, ToConn: caller}); serr != nil {
			log.Warn().Err(serr).Str("module", "call.controller").Msg("send end after failed accept")
		}
	}
	c.closeSession(session)
	return err
}

// resetLocked returns the controller to idle and hands back the session for
// the caller to close outside the lock. Callers hold c.mu.
func (c *Controller) resetLocked() PeerSession {
	session := c.session
	c.session = nil
	c.state = StateIdle
	c.remoteConn = ""
	c.remoteSet = false
	c.invite = nil
	c.pendingRemote = nil
	c.pendingLocal = nil
	c.gen++
	return session
}

func (c *Controller) closeSession(session PeerSession) {
	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Msg("close session")
	}
	c.Pipeline.ReleaseAll()
}
