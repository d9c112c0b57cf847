package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionAPI builds peer connections on top of pion/webrtc.
type PionAPI struct{}

func NewPionAPI() *PionAPI {
	return &PionAPI{}
}

func (a *PionAPI) NewPeerConnection(cfg Config) (PeerConnection, error) {
	conf := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}

	pc, err := webrtc.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
}

func (p *pionPeerConnection) CreateOffer(ctx context.Context) (SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeerConnection) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeerConnection) SetLocalDescription(desc SessionDescription) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *pionPeerConnection) SetRemoteDescription(desc SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *pionPeerConnection) AddICECandidate(candidate ICECandidateInit) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (p *pionPeerConnection) AddTrack(track MediaTrack) error {
	local, ok := track.(*sampleTrack)
	if !ok {
		return fmt.Errorf("track %q is not a local sample track", track.Kind())
	}
	if _, err := p.pc.AddTrack(local.track); err != nil {
		return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}
	return nil
}

func (p *pionPeerConnection) OnICECandidate(handler func(ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; the signaling layer has no use for it.
		if c == nil {
			return
		}
		init := c.ToJSON()
		handler(ICECandidateInit{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *pionPeerConnection) OnTrack(handler func(MediaTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		handler(&remoteTrack{track: remote})
	})
}

func (p *pionPeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pc.Close()
}

// sampleTrack is a local pion track plus mute bookkeeping. Whoever feeds
// samples into the track checks Enabled before writing.
type sampleTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *sampleTrack) Kind() TrackKind { return t.kind }

func (t *sampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *sampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *sampleTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

type remoteTrack struct {
	track *webrtc.TrackRemote

	mu      sync.Mutex
	muted   bool
	stopped bool
}

func (t *remoteTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return TrackKindAudio
	}
	return TrackKindVideo
}

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.muted && !t.stopped
}

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = !enabled
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// PionMediaDevices mints one audio and one video sample track per call. The
// process is headless; actual capture hardware plugs in by writing samples to
// the returned tracks.
type PionMediaDevices struct{}

func NewPionMediaDevices() *PionMediaDevices {
	return &PionMediaDevices{}
}

func (d *PionMediaDevices) AcquireStream(ctx context.Context) (MediaStream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "telemed")
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "telemed")
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	return &localStream{tracks: []MediaTrack{
		&sampleTrack{track: audio, kind: TrackKindAudio, enabled: true},
		&sampleTrack{track: video, kind: TrackKindVideo, enabled: true},
	}}, nil
}

type localStream struct {
	tracks []MediaTrack
}

func (s *localStream) Tracks() []MediaTrack { return s.tracks }

func (s *localStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
