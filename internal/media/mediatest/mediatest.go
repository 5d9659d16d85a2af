// Package mediatest provides a scriptable in-memory media engine for tests
// of code that drives peer connections.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-callcoord/internal/media"
	"github.com/pion/webrtc/v4"
)

// ErrNoRemoteDescription mirrors pion's refusal to add candidates early.
var ErrNoRemoteDescription = errors.New("mediatest: remote description not set")

// Engine hands out fake streams and peers and remembers them for inspection.
type Engine struct {
	// AutoConnect makes a peer report Connected once it has both
	// descriptions. NewEngine turns it on.
	AutoConnect bool

	mu        sync.Mutex
	streamErr error
	streams   []*Stream
	peers     []*Peer
}

var _ media.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{AutoConnect: true}
}

// FailStreams makes LocalStream return err until called again with nil.
func (e *Engine) FailStreams(err error) {
	e.mu.Lock()
	e.streamErr = err
	e.mu.Unlock()
}

func (e *Engine) LocalStream(_ context.Context, c media.Constraints) (media.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamErr != nil {
		return nil, e.streamErr
	}
	s := &Stream{id: fmt.Sprintf("stream-%d", len(e.streams)+1), constraints: c, enabled: true}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *Engine) NewPeerConnection(cfg media.ICEConfig) (media.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &Peer{id: len(e.peers) + 1, cfg: cfg, autoConnect: e.AutoConnect, state: webrtc.PeerConnectionStateNew}
	e.peers = append(e.peers, p)
	return p, nil
}

// Streams returns every stream created so far.
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

// Peers returns every peer created so far.
func (e *Engine) Peers() []*Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Peer(nil), e.peers...)
}

// LastPeer returns the most recent peer, or nil.
func (e *Engine) LastPeer() *Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		return nil
	}
	return e.peers[len(e.peers)-1]
}

// Stream is a fake local stream.
type Stream struct {
	id          string
	constraints media.Constraints

	mu      sync.Mutex
	enabled bool
	closed  bool
	muted   map[webrtc.RTPCodecType]bool
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal { return nil }

func (s *Stream) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && !s.closed
}

// Disable simulates a track going dead without the user muting it.
func (s *Stream) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

func (s *Stream) SetMuted(kind webrtc.RTPCodecType, muted bool) {
	s.mu.Lock()
	if s.muted == nil {
		s.muted = make(map[webrtc.RTPCodecType]bool)
	}
	s.muted[kind] = muted
	s.mu.Unlock()
}

func (s *Stream) Muted(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[kind]
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Peer is a fake peer connection. Descriptions are opaque strings and
// every SetLocalDescription yields one host candidate.
type Peer struct {
	id          int
	cfg         media.ICEConfig
	autoConnect bool

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteSets  int
	candidates  []webrtc.ICECandidateInit
	streams     []media.Stream
	state       webrtc.PeerConnectionState
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(media.RemoteTrack)
}

func (p *Peer) AddStream(s media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s)
	return nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 fake-offer-%d", p.id)}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 fake-answer-%d", p.id)}, nil
}

func (p *Peer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	fn := p.onCandidate
	p.mu.Unlock()

	if fn != nil {
		mid := "0"
		var index uint16
		c := webrtc.ICECandidateInit{
			Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 127.0.0.1 %d typ host", p.id, 50000+p.id),
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		}
		go fn(c)
	}
	p.maybeConnect()
	return nil
}

func (p *Peer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.remoteSets++
	fn := p.onTrack
	p.mu.Unlock()

	if fn != nil {
		go fn(media.RemoteTrack{ID: fmt.Sprintf("remote-%d", p.id), StreamID: d.SDP, Kind: webrtc.RTPCodecTypeVideo})
	}
	p.maybeConnect()
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ErrNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(fn func(media.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close reports Closed synchronously, as pion does.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.SetState(webrtc.PeerConnectionStateClosed)
	return nil
}

// SetState moves the peer to s and runs the state handler on the caller's goroutine.
func (p *Peer) SetState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = s
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *Peer) maybeConnect() {
	p.mu.Lock()
	ready := p.autoConnect && !p.closed && p.local != nil && p.remote != nil &&
		p.state != webrtc.PeerConnectionStateConnected
	p.mu.Unlock()
	if ready {
		go p.SetState(webrtc.PeerConnectionStateConnected)
	}
}

// RemoteCandidates returns candidates added with AddICECandidate.
func (p *Peer) RemoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// RemoteSets counts SetRemoteDescription calls.
func (p *Peer) RemoteSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

// LocalDescription returns the last local description, or nil.
func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Streams returns the streams attached with AddStream.
func (p *Peer) Streams() []media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Stream(nil), p.streams...)
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ICEConfig returns the configuration the peer was created with.
func (p *Peer) ICEConfig() media.ICEConfig { return p.cfg }
