package call

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"vaulted/internal/relay"
)

// DefaultICEServers is used when no STUN/TURN servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// PionPeer implements PeerConnection with pion/webrtc. It sends one audio
// and one video track; a media source writes samples into AudioTrack and
// VideoTrack.
type PionPeer struct {
	pc    *webrtc.PeerConnection
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

// NewPionFactory returns a PeerFactory building pion peers that use the given
// ICE server URLs.
func NewPionFactory(iceServers []string) PeerFactory {
	return func() (PeerConnection, error) {
		return NewPionPeer(iceServers)
	}
}

func NewPionPeer(iceServers []string) (*PionPeer, error) {
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

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	p := &PionPeer{pc: pc}
	p.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "vaulted")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	p.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "vaulted")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if p.audioSender, err = pc.AddTrack(p.audio); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	if p.videoSender, err = pc.AddTrack(p.video); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	return p, nil
}

func (p *PionPeer) AudioTrack() *webrtc.TrackLocalStaticSample { return p.audio }
func (p *PionPeer) VideoTrack() *webrtc.TrackLocalStaticSample { return p.video }

func (p *PionPeer) CreateOffer() (relay.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return relay.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return relay.SessionDescription{}, err
	}
	return toRelayDescription(offer), nil
}

func (p *PionPeer) CreateAnswer() (relay.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return relay.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return relay.SessionDescription{}, err
	}
	return toRelayDescription(answer), nil
}

func (p *PionPeer) SetRemoteDescription(desc relay.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *PionPeer) AddICECandidate(c relay.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *PionPeer) OnICECandidate(fn func(relay.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		fn(relay.ICECandidate{
			Candidate:        cand.Candidate,
			SDPMid:           cand.SDPMid,
			SDPMLineIndex:    cand.SDPMLineIndex,
			UsernameFragment: cand.UsernameFragment,
		})
	})
}

func (p *PionPeer) OnRemoteTrack(fn func(kind string)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.Kind().String())
	})
}

// SetAudioEnabled detaches or reattaches the local audio track.
func (p *PionPeer) SetAudioEnabled(enabled bool) error {
	return p.setTrack(p.audioSender, p.audio, enabled)
}

// SetVideoEnabled detaches or reattaches the local video track.
func (p *PionPeer) SetVideoEnabled(enabled bool) error {
	return p.setTrack(p.videoSender, p.video, enabled)
}

func (p *PionPeer) setTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sender == nil {
		return nil
	}
	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track)
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}

func toRelayDescription(desc webrtc.SessionDescription) relay.SessionDescription {
	return relay.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
