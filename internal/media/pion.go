package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// ErrStreamClosed is returned when writing to a closed stream.
var ErrStreamClosed = errors.New("media: stream closed")

// PionEngine is the Engine backed by pion/webrtc.
type PionEngine struct {
	api *webrtc.API
}

var _ Engine = (*PionEngine)(nil)

// NewPionEngine registers the default codecs and interceptors.
func NewPionEngine() (*PionEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	)
	return &PionEngine{api: api}, nil
}

// LocalStream creates sample-fed local tracks. The capture side writes
// encoded frames with WriteSample.
func (e *PionEngine) LocalStream(_ context.Context, c Constraints) (Stream, error) {
	if !c.Audio && !c.Video {
		return nil, errors.New("media: no tracks requested")
	}
	s := &LocalStream{
		id:       uuid.New().String(),
		disabled: make(map[webrtc.RTPCodecType]bool),
		muted:    make(map[webrtc.RTPCodecType]bool),
	}
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", s.id)
		if err != nil {
			return nil, fmt.Errorf("creating audio track: %w", err)
		}
		s.audio = t
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", s.id)
		if err != nil {
			return nil, fmt.Errorf("creating video track: %w", err)
		}
		s.video = t
	}
	return s, nil
}

func (e *PionEngine) NewPeerConnection(cfg ICEConfig) (PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

// LocalStream is a pion-backed local capture stream.
type LocalStream struct {
	id    string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	disabled map[webrtc.RTPCodecType]bool
	muted    map[webrtc.RTPCodecType]bool
	closed   bool
}

var _ Muter = (*LocalStream)(nil)

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *LocalStream) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.audio == nil && s.video == nil) {
		return false
	}
	for kind, off := range s.disabled {
		if off && !s.muted[kind] {
			return false
		}
	}
	return true
}

// SetMuted disables or re-enables a track at the user's request.
func (s *LocalStream) SetMuted(kind webrtc.RTPCodecType, muted bool) {
	s.mu.Lock()
	s.muted[kind] = muted
	s.disabled[kind] = muted
	s.mu.Unlock()
}

// SetEnabled marks a track as (not) delivering media, e.g. when the
// capture device goes away. A disabled, unmuted track makes the stream unusable.
func (s *LocalStream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	s.disabled[kind] = !enabled
	if enabled {
		s.muted[kind] = false
	}
	s.mu.Unlock()
}

// WriteSample feeds one encoded frame. Frames for disabled tracks are dropped.
func (s *LocalStream) WriteSample(kind webrtc.RTPCodecType, sample pionmedia.Sample) error {
	s.mu.Lock()
	closed, off := s.closed, s.disabled[kind]
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	if off {
		return nil
	}
	switch {
	case kind == webrtc.RTPCodecTypeAudio && s.audio != nil:
		return s.audio.WriteSample(sample)
	case kind == webrtc.RTPCodecTypeVideo && s.video != nil:
		return s.video.WriteSample(sample)
	}
	return fmt.Errorf("media: no %s track", kind)
}

func (s *LocalStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddStream(s Stream) error {
	for _, track := range s.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
		// RTCP must be read for interceptors (NACK, reports) to work.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()})
		// Rendering is outside this process; keep the receive buffers moving.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					log.Debug().Err(err).Str("track", track.ID()).Msg("Remote track ended")
					return
				}
			}
		}()
	})
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
