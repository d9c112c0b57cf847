// Package rtc abstracts the peer connection and local media so the call
// session controller can be driven by the real pion implementation in
// production and by fakes in tests.
package rtc

import (
	"context"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// SessionDescription is an untagged SDP payload. Session tagging happens at
// the signaling layer, not here.
type SessionDescription struct {
	Type string
	SDP  string
}

// ICECandidateInit mirrors the browser's RTCIceCandidateInit dictionary.
type ICECandidateInit struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// MediaTrack is one local or remote track. Toggling Enabled never
// renegotiates; it only gates the media flow.
type MediaTrack interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream owns a set of acquired device tracks. Stop releases the
// underlying devices; failing to call it leaks camera and microphone locks.
type MediaStream interface {
	Tracks() []MediaTrack
	Stop()
}

// MediaDevices acquires the local camera and microphone.
type MediaDevices interface {
	AcquireStream(ctx context.Context) (MediaStream, error)
}

// PeerConnection is the negotiation surface the controller drives.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(candidate ICECandidateInit) error
	AddTrack(track MediaTrack) error
	OnICECandidate(handler func(ICECandidateInit))
	OnTrack(handler func(track MediaTrack))
	Close() error
}

// Config selects the ICE servers for new connections.
type Config struct {
	STUNServers []string
}

// API creates peer connections.
type API interface {
	NewPeerConnection(cfg Config) (PeerConnection, error)
}
