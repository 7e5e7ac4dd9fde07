// Package call coordinates one audio/video call over the relay's signaling
// frames. The peer connection itself sits behind the PeerConnection port.
package call

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"vaulted/internal/relay"
)

var log = logging.Logger("call")

type State int

const (
	Idle State = iota
	Offering
	Answering
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrCallInProgress = errors.New("call already in progress")

// maxPendingCandidates bounds the candidates held before a remote
// description is set.
const maxPendingCandidates = 64

// Signaler delivers signaling frames to the remote peer.
type Signaler interface {
	Signal(kind relay.Kind, payload relay.SignalPayload) error
}

// PeerConnection is the transport a call negotiates. CreateOffer and
// CreateAnswer also install the result as the local description.
type PeerConnection interface {
	CreateOffer() (relay.SessionDescription, error)
	CreateAnswer() (relay.SessionDescription, error)
	SetRemoteDescription(desc relay.SessionDescription) error
	AddICECandidate(c relay.ICECandidate) error
	OnICECandidate(fn func(relay.ICECandidate))
	OnRemoteTrack(fn func(kind string))
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	Close() error
}

type PeerFactory func() (PeerConnection, error)

type pendingCandidate struct {
	from      string
	candidate relay.ICECandidate
}

// Coordinator runs the caller and callee state machines. ICE candidates that
// arrive before the remote description is set are held and applied in
// arrival order once it is.
type Coordinator struct {
	sig   Signaler
	newPC PeerFactory

	mu           sync.Mutex
	state        State
	peerID       string
	pc           PeerConnection
	remoteSet    bool
	pending      []pendingCandidate
	remoteTracks []string
	muted        bool
	cameraOff    bool
	onState      func(State)
}

func NewCoordinator(sig Signaler, newPC PeerFactory) *Coordinator {
	return &Coordinator{sig: sig, newPC: newPC}
}

// OnStateChange registers a callback run on every transition. It runs with
// the coordinator locked and must not call back into it.
func (c *Coordinator) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// RemoteTracks lists the kinds of remote media currently attached.
func (c *Coordinator) RemoteTracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.remoteTracks...)
}

// StartCall offers a call to peerID.
func (c *Coordinator) StartCall(peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle && c.state != Ended {
		return ErrCallInProgress
	}
	if err := c.openLocked(peerID); err != nil {
		return err
	}

	offer, err := c.pc.CreateOffer()
	if err != nil {
		c.endLocked()
		return fmt.Errorf("create offer: %w", err)
	}
	c.setStateLocked(Offering)

	if err := c.sig.Signal(relay.KindOffer, relay.SignalPayload{RecipientID: peerID, Offer: &offer}); err != nil {
		c.endLocked()
		return fmt.Errorf("send offer: %w", err)
	}
	log.Infow("call offered", "peer", peerID)
	return nil
}

// HandleSignal applies an inbound signaling frame.
func (c *Coordinator) HandleSignal(kind relay.Kind, p relay.SignalPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch kind {
	case relay.KindOffer:
		err = c.handleOfferLocked(p)
	case relay.KindAnswer:
		err = c.handleAnswerLocked(p)
	case relay.KindICE:
		err = c.handleCandidateLocked(p)
	}
	if err != nil {
		log.Warnw("signal rejected", "kind", kind, "from", p.SenderID, "err", err)
	}
}

func (c *Coordinator) handleOfferLocked(p relay.SignalPayload) error {
	if p.Offer == nil {
		return errors.New("offer without description")
	}
	if c.state != Idle && c.state != Ended {
		return ErrCallInProgress
	}
	if err := c.openLocked(p.SenderID); err != nil {
		return err
	}
	c.setStateLocked(Answering)

	if err := c.applyRemoteLocked(*p.Offer); err != nil {
		c.endLocked()
		return err
	}
	answer, err := c.pc.CreateAnswer()
	if err != nil {
		c.endLocked()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.sig.Signal(relay.KindAnswer, relay.SignalPayload{RecipientID: p.SenderID, Answer: &answer}); err != nil {
		c.endLocked()
		return fmt.Errorf("send answer: %w", err)
	}
	c.setStateLocked(Connected)
	log.Infow("call answered", "peer", p.SenderID)
	return nil
}

func (c *Coordinator) handleAnswerLocked(p relay.SignalPayload) error {
	if p.Answer == nil {
		return errors.New("answer without description")
	}
	if c.state != Offering || p.SenderID != c.peerID {
		return fmt.Errorf("unexpected answer in state %s", c.state)
	}
	if err := c.applyRemoteLocked(*p.Answer); err != nil {
		c.endLocked()
		return err
	}
	c.setStateLocked(Connected)
	log.Infow("call connected", "peer", c.peerID)
	return nil
}

func (c *Coordinator) handleCandidateLocked(p relay.SignalPayload) error {
	if p.Candidate == nil {
		return nil
	}
	if c.peerID != "" && p.SenderID != c.peerID {
		return fmt.Errorf("candidate from %s during call with %s", p.SenderID, c.peerID)
	}
	if !c.remoteSet {
		if len(c.pending) >= maxPendingCandidates {
			return fmt.Errorf("dropping candidate from %s: %d already pending", p.SenderID, len(c.pending))
		}
		c.pending = append(c.pending, pendingCandidate{from: p.SenderID, candidate: *p.Candidate})
		return nil
	}
	return c.pc.AddICECandidate(*p.Candidate)
}

func (c *Coordinator) applyRemoteLocked(desc relay.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.remoteSet = true

	pending := c.pending
	c.pending = nil
	for _, pc := range pending {
		if pc.from != c.peerID {
			continue
		}
		if err := c.pc.AddICECandidate(pc.candidate); err != nil {
			log.Debugw("buffered candidate rejected", "err", err)
		}
	}
	return nil
}

func (c *Coordinator) openLocked(peerID string) error {
	pc, err := c.newPC()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.pc = pc
	c.peerID = peerID
	c.remoteSet = false
	c.remoteTracks = nil
	c.muted = false
	c.cameraOff = false

	// Candidates buffered before this call began only count if they came
	// from this peer.
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.from == peerID {
			kept = append(kept, p)
		}
	}
	c.pending = kept

	sig := c.sig
	pc.OnICECandidate(func(cand relay.ICECandidate) {
		if err := sig.Signal(relay.KindICE, relay.SignalPayload{RecipientID: peerID, Candidate: &cand}); err != nil {
			log.Debugw("send candidate failed", "peer", peerID, "err", err)
		}
	})
	pc.OnRemoteTrack(func(kind string) {
		c.mu.Lock()
		if c.pc == pc {
			c.remoteTracks = append(c.remoteTracks, kind)
		}
		c.mu.Unlock()
	})
	return nil
}

// End hangs up. It may be called in any state and more than once.
func (c *Coordinator) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked()
}

func (c *Coordinator) endLocked() {
	if c.pc != nil {
		_ = c.pc.SetAudioEnabled(false)
		_ = c.pc.SetVideoEnabled(false)
		if err := c.pc.Close(); err != nil {
			log.Debugw("close peer connection", "err", err)
		}
		c.pc = nil
	}
	c.remoteSet = false
	c.pending = nil
	c.remoteTracks = nil
	if c.state != Ended {
		log.Infow("call ended", "peer", c.peerID)
		c.setStateLocked(Ended)
	}
	c.peerID = ""
}

// ToggleMute flips the microphone. Returns true when muted.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	if c.pc != nil {
		if err := c.pc.SetAudioEnabled(!c.muted); err != nil {
			log.Debugw("toggle audio", "err", err)
		}
	}
	return c.muted
}

// ToggleCamera flips the camera. Returns true when the camera is off.
func (c *Coordinator) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cameraOff = !c.cameraOff
	if c.pc != nil {
		if err := c.pc.SetVideoEnabled(!c.cameraOff); err != nil {
			log.Debugw("toggle video", "err", err)
		}
	}
	return c.cameraOff
}

func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}
