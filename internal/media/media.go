// Package media is the boundary to the media engine: local capture streams
// and peer connections. Capture, encoding and the ICE/DTLS/SRTP transport
// live behind these interfaces.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which local tracks to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor returns the capture needed for a call of the given kind.
func ConstraintsFor(video bool) Constraints {
	return Constraints{Audio: true, Video: video}
}

// Stream is a local capture stream.
type Stream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	// Usable reports whether the stream can be attached to a new call:
	// it has tracks, is not closed, and every disabled track was muted
	// on purpose.
	Usable() bool
	Close() error
}

// Muter is implemented by streams whose tracks the user can mute. A muted
// track does not make the stream unusable.
type Muter interface {
	SetMuted(kind webrtc.RTPCodecType, muted bool)
}

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// PeerConnection is the subset of a WebRTC peer connection the
// coordinator drives.
type PeerConnection interface {
	AddStream(Stream) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(RemoteTrack))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// ICEConfig holds the ICE servers used during candidate gathering.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// Engine creates streams and peer connections.
type Engine interface {
	LocalStream(ctx context.Context, c Constraints) (Stream, error)
	NewPeerConnection(cfg ICEConfig) (PeerConnection, error)
}
