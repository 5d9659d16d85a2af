// Package connection negotiates the one peer connection of the active call
// through the signaling store and reports its lifecycle.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/events"
	"github.com/mossy-p/webrtc-callcoord/internal/media"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ErrLocalMedia reports that no local stream could be acquired. It is
// terminal for the attempt; the caller decides whether to retry.
var ErrLocalMedia = errors.New("connection: local media unavailable")

// State is the negotiation state of the current attempt.
type State string

const (
	StateIdle         State = "idle"
	StateOffering     State = "offering"
	StateAnswering    State = "answering"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Disconnect reasons carried on EventDisconnect.
const (
	ReasonLocalMedia = "local media unavailable"
	ReasonTimeout    = "connection timeout"
	ReasonFailed     = "peer connection failed"
	ReasonLost       = "connection lost"
	ReasonPeerLeft   = "peer left"
	ReasonNegotiate  = "negotiation error"
)

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithTimeouts(t config.Timeouts) Option { return func(m *Manager) { m.timeouts = t } }

func WithICE(cfg media.ICEConfig) Option { return func(m *Manager) { m.ice = cfg } }

func WithConstraints(c media.Constraints) Option { return func(m *Manager) { m.constraints = c } }

// Manager owns the local stream and at most one peer connection.
type Manager struct {
	store    store.Store
	engine   media.Engine
	clock    clock.Clock
	timeouts config.Timeouts
	ice      media.ICEConfig

	streamMu    sync.Mutex
	constraints media.Constraints
	local       media.Stream
	localFor    media.Constraints

	mu      sync.Mutex
	current *attempt
	seq     uint64

	hub *events.Hub[models.Event]
}

// attempt is one negotiation. The second group of fields is guarded by Manager.mu.
type attempt struct {
	id       uint64
	roomID   string
	remoteID string
	role     models.Role
	pc       media.PeerConnection
	ctx      context.Context
	cancel   context.CancelFunc

	state        State
	pcState      webrtc.PeerConnectionState
	timeout      *clock.Timer
	grace        *clock.Timer
	offerDone    bool
	answerDone   bool
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	seen         map[string]bool
	presenceSeen bool
	disconnected bool
	tracks       []media.RemoteTrack
}

func New(st store.Store, engine media.Engine, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		engine:      engine,
		clock:       clock.New(),
		timeouts:    config.DefaultTimeouts(),
		constraints: media.ConstraintsFor(true),
		hub:         events.NewHub[models.Event]("connection"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe returns stream, state and disconnect events.
func (m *Manager) Subscribe() (<-chan models.Event, func()) {
	return m.hub.SubscribeUnbounded()
}

// SetConstraints changes what the next acquired local stream captures.
func (m *Manager) SetConstraints(c media.Constraints) {
	m.streamMu.Lock()
	m.constraints = c
	m.streamMu.Unlock()
}

// State returns the state of the current attempt.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return StateIdle
	}
	return m.current.state
}

// RoomID returns the room of the current attempt, if any.
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.roomID
}

// RemoteTracks returns the tracks received in the current attempt.
func (m *Manager) RemoteTracks() []media.RemoteTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return append([]media.RemoteTrack(nil), m.current.tracks...)
}

// LocalStream returns the current local stream, or nil.
func (m *Manager) LocalStream() media.Stream {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	return m.local
}

// PrepareLocalStream acquires the local stream ahead of a call, or keeps the
// current one when it is still usable.
func (m *Manager) PrepareLocalStream(ctx context.Context) error {
	if _, err := m.ensureLocalStream(ctx); err != nil {
		log.Error().Err(err).Msg("Local media unavailable")
		return fmt.Errorf("%w: %v", ErrLocalMedia, err)
	}
	return nil
}

// CreateOffer starts negotiation as the caller of roomID.
func (m *Manager) CreateOffer(ctx context.Context, roomID, remoteID string) error {
	stream, err := m.ensureLocalStream(ctx)
	if err != nil {
		m.publishLocalFailure(roomID, remoteID, err)
		return fmt.Errorf("%w: %v", ErrLocalMedia, err)
	}

	att, err := m.begin(ctx, roomID, remoteID, models.RoleCaller, stream)
	if err != nil {
		return err
	}

	// Listen before the offer is visible so a fast answer cannot be missed.
	m.watch(att, store.AnswerPath(roomID), m.onAnswer, true)
	m.watchCandidates(att)

	offer, err := att.pc.CreateOffer()
	if err == nil {
		err = att.pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.fireDisconnect(att, ReasonNegotiate)
		return fmt.Errorf("creating offer for room %s: %w", roomID, err)
	}

	if err := store.SetJSON(ctx, m.store, store.OfferPath(roomID), offer); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to write offer")
	}
	log.Info().Str("roomId", roomID).Str("peerId", remoteID).Msg("Offer published")
	return nil
}

// HandleOffer starts negotiation as the callee of roomID. The answer is
// produced once the caller's offer shows up in the store.
func (m *Manager) HandleOffer(ctx context.Context, roomID, remoteID string) error {
	stream, err := m.ensureLocalStream(ctx)
	if err != nil {
		m.publishLocalFailure(roomID, remoteID, err)
		return fmt.Errorf("%w: %v", ErrLocalMedia, err)
	}

	att, err := m.begin(ctx, roomID, remoteID, models.RoleReceiver, stream)
	if err != nil {
		return err
	}
	m.watch(att, store.OfferPath(roomID), m.onOffer, true)
	return nil
}

// ResetConnection tears down the current attempt and removes its room's
// signaling record. Unless keepLocalStream is set, the local stream is
// replaced with a freshly acquired one.
func (m *Manager) ResetConnection(ctx context.Context, keepLocalStream bool) error {
	m.mu.Lock()
	att := m.current
	m.current = nil
	m.mu.Unlock()

	if att != nil {
		m.teardown(att)
		m.removeSignaling(ctx, att.roomID)
		log.Info().Str("roomId", att.roomID).Msg("Connection reset")
	}

	if keepLocalStream {
		return nil
	}
	return m.refreshLocalStream(ctx)
}

// EndCall resets the connection and removes roomID's signaling record.
// Safe to call with no call active.
func (m *Manager) EndCall(ctx context.Context, roomID string) error {
	err := m.ResetConnection(ctx, true)
	if roomID != "" {
		m.removeSignaling(ctx, roomID)
	}
	return err
}

// Close ends any call, releases the local stream and closes event listeners.
func (m *Manager) Close() {
	_ = m.ResetConnection(context.Background(), true)

	m.streamMu.Lock()
	if m.local != nil {
		m.local.Close()
		m.local = nil
	}
	m.streamMu.Unlock()

	m.hub.Close()
}

func (m *Manager) begin(ctx context.Context, roomID, remoteID string, role models.Role, stream media.Stream) (*attempt, error) {
	// The previous peer connection is gone before the next one exists.
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		m.teardown(prev)
		if prev.roomID != roomID {
			m.removeSignaling(ctx, prev.roomID)
		}
	}

	pc, err := m.engine.NewPeerConnection(m.ice)
	if err != nil {
		m.hub.Publish(models.Event{Type: models.EventDisconnect, RoomID: roomID, PeerID: remoteID, Reason: ReasonNegotiate})
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	if err := pc.AddStream(stream); err != nil {
		pc.Close()
		m.hub.Publish(models.Event{Type: models.EventDisconnect, RoomID: roomID, PeerID: remoteID, Reason: ReasonNegotiate})
		return nil, fmt.Errorf("attaching local stream: %w", err)
	}

	attCtx, cancel := context.WithCancel(context.Background())
	att := &attempt{
		roomID:   roomID,
		remoteID: remoteID,
		role:     role,
		pc:       pc,
		ctx:      attCtx,
		cancel:   cancel,
		state:    StateOffering,
		pcState:  webrtc.PeerConnectionStateNew,
		seen:     make(map[string]bool),
	}
	if role == models.RoleReceiver {
		att.state = StateAnswering
	}
	initial := att.state

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) { m.publishCandidate(att, c) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { m.onPeerState(att, s) })
	pc.OnTrack(func(t media.RemoteTrack) { m.onTrack(att, t) })

	m.mu.Lock()
	m.seq++
	att.id = m.seq
	m.current = att
	att.timeout = m.clock.AfterFunc(m.timeouts.Connect, func() { m.onTimeout(att) })
	m.mu.Unlock()

	if remoteID != "" {
		m.watchPresence(att)
	}

	log.Debug().Str("roomId", roomID).Str("role", string(role)).Uint64("attempt", att.id).Msg("Negotiation started")
	m.publishState(att, initial)
	return att, nil
}

// teardown stops every timer, listener and the peer connection of att.
// att must already be detached from m.current.
func (m *Manager) teardown(att *attempt) {
	att.cancel()

	m.mu.Lock()
	if att.timeout != nil {
		att.timeout.Stop()
	}
	if att.grace != nil {
		att.grace.Stop()
	}
	hadTracks := len(att.tracks) > 0
	m.mu.Unlock()

	if err := att.pc.Close(); err != nil {
		log.Debug().Err(err).Str("roomId", att.roomID).Msg("Closing peer connection")
	}
	if hadTracks {
		m.hub.Publish(models.Event{Type: models.EventRemoteCleared, RoomID: att.roomID})
	}
	m.hub.Publish(models.Event{Type: models.EventState, RoomID: att.roomID, State: string(StateIdle)})
}

func (m *Manager) removeSignaling(ctx context.Context, roomID string) {
	if err := m.store.Remove(ctx, store.SignalingPath(roomID)); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to remove signaling record")
	}
}

func (m *Manager) isCurrent(att *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == att
}

// watch subscribes att to path and feeds every change to handle until the
// attempt ends. With replay set, the value already stored is handled too.
func (m *Manager) watch(att *attempt, path string, handle func(*attempt, store.Event), replay bool) {
	ch, cancel, err := m.store.Subscribe(att.ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Subscription failed")
		return
	}
	go func() {
		defer cancel()
		for ev := range ch {
			if !m.isCurrent(att) {
				return
			}
			handle(att, ev)
		}
	}()

	if !replay {
		return
	}
	if v, err := m.store.Get(att.ctx, path); err == nil {
		handle(att, store.Event{Path: path, Value: v})
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read signaling record")
	}
}

// watchCandidates applies the counterpart's candidates, including any
// already appended before the subscription started.
func (m *Manager) watchCandidates(att *attempt) {
	path := store.CandidatesPath(att.roomID, att.role.Remote())
	m.watch(att, path, m.onCandidate, false)

	existing, err := m.store.Children(att.ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read candidates")
		return
	}
	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.onCandidate(att, store.Event{Path: store.Join(path, k), Value: existing[k]})
	}
}

func (m *Manager) watchPresence(att *attempt) {
	path := store.PresencePath(att.remoteID)
	ch, cancel, err := m.store.Subscribe(att.ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Presence subscription failed")
		return
	}

	// The initial read only establishes a baseline.
	exists, err := store.Exists(att.ctx, m.store, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Presence read failed")
	}
	m.mu.Lock()
	if exists {
		att.presenceSeen = true
	}
	m.mu.Unlock()

	go func() {
		defer cancel()
		for ev := range ch {
			if ev.Path != path {
				continue
			}
			m.mu.Lock()
			if m.current != att {
				m.mu.Unlock()
				return
			}
			if !ev.Deleted {
				att.presenceSeen = true
				m.mu.Unlock()
				continue
			}
			gone := att.presenceSeen && att.state == StateConnected
			m.mu.Unlock()
			if gone {
				m.fireDisconnect(att, ReasonPeerLeft)
			}
		}
	}()
}

func (m *Manager) onOffer(att *attempt, ev store.Event) {
	offer, ok := parseDescription(ev, webrtc.SDPTypeOffer)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.current != att || att.offerDone {
		m.mu.Unlock()
		return
	}
	att.offerDone = true
	att.state = StateNegotiating
	m.mu.Unlock()
	m.publishState(att, StateNegotiating)

	if err := att.pc.SetRemoteDescription(offer); err != nil {
		log.Warn().Err(err).Str("roomId", att.roomID).Msg("Rejected remote offer")
		m.fireDisconnect(att, ReasonNegotiate)
		return
	}
	m.flushCandidates(att)

	answer, err := att.pc.CreateAnswer()
	if err == nil {
		err = att.pc.SetLocalDescription(answer)
	}
	if err != nil {
		log.Warn().Err(err).Str("roomId", att.roomID).Msg("Failed to create answer")
		m.fireDisconnect(att, ReasonNegotiate)
		return
	}
	if err := store.SetJSON(att.ctx, m.store, store.AnswerPath(att.roomID), answer); err != nil {
		log.Warn().Err(err).Str("roomId", att.roomID).Msg("Failed to write answer")
	}
	log.Info().Str("roomId", att.roomID).Str("peerId", att.remoteID).Msg("Answer published")

	m.watchCandidates(att)
}

func (m *Manager) onAnswer(att *attempt, ev store.Event) {
	answer, ok := parseDescription(ev, webrtc.SDPTypeAnswer)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.current != att || att.answerDone {
		m.mu.Unlock()
		return
	}
	att.answerDone = true
	att.state = StateNegotiating
	m.mu.Unlock()
	m.publishState(att, StateNegotiating)

	if err := att.pc.SetRemoteDescription(answer); err != nil {
		log.Warn().Err(err).Str("roomId", att.roomID).Msg("Rejected remote answer")
		m.fireDisconnect(att, ReasonNegotiate)
		return
	}
	m.flushCandidates(att)
}

func (m *Manager) onCandidate(att *attempt, ev store.Event) {
	if ev.Deleted {
		return
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(ev.Value, &c); err != nil || c.Candidate == "" {
		log.Warn().Str("path", ev.Path).Msg("Ignoring malformed ICE candidate")
		return
	}

	key := store.Base(ev.Path)
	m.mu.Lock()
	if m.current != att || att.seen[key] {
		m.mu.Unlock()
		return
	}
	att.seen[key] = true
	if !att.remoteSet {
		att.pending = append(att.pending, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := att.pc.AddICECandidate(c); err != nil {
		log.Debug().Err(err).Str("roomId", att.roomID).Msg("Failed to add ICE candidate")
	}
}

// flushCandidates applies candidates that arrived before the remote description.
func (m *Manager) flushCandidates(att *attempt) {
	m.mu.Lock()
	att.remoteSet = true
	pending := att.pending
	att.pending = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := att.pc.AddICECandidate(c); err != nil {
			log.Debug().Err(err).Str("roomId", att.roomID).Msg("Failed to add buffered ICE candidate")
		}
	}
}

func (m *Manager) publishCandidate(att *attempt, c webrtc.ICECandidateInit) {
	if !m.isCurrent(att) {
		return
	}
	if _, err := store.PushJSON(att.ctx, m.store, store.CandidatesPath(att.roomID, att.role), c); err != nil {
		log.Warn().Err(err).Str("roomId", att.roomID).Msg("Failed to publish ICE candidate")
	}
}

func (m *Manager) onPeerState(att *attempt, s webrtc.PeerConnectionState) {
	m.mu.Lock()
	if m.current != att {
		m.mu.Unlock()
		return
	}
	att.pcState = s
	reason := ""
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if att.timeout != nil {
			att.timeout.Stop()
		}
		if att.grace != nil {
			att.grace.Stop()
			att.grace = nil
		}
		att.state = StateConnected
	case webrtc.PeerConnectionStateFailed:
		att.state = StateFailed
		reason = ReasonFailed
	case webrtc.PeerConnectionStateDisconnected:
		att.state = StateDisconnected
		if att.grace == nil {
			att.grace = m.clock.AfterFunc(m.timeouts.DisconnectGrace, func() { m.onGraceExpired(att) })
		}
	default:
		m.mu.Unlock()
		return
	}
	state := att.state
	m.mu.Unlock()

	log.Info().Str("roomId", att.roomID).Str("state", s.String()).Msg("Peer connection state changed")
	m.publishState(att, state)
	if reason != "" {
		m.fireDisconnect(att, reason)
	}
}

func (m *Manager) onGraceExpired(att *attempt) {
	m.mu.Lock()
	if m.current != att {
		m.mu.Unlock()
		return
	}
	att.grace = nil
	still := att.pcState == webrtc.PeerConnectionStateDisconnected
	m.mu.Unlock()
	if still {
		m.fireDisconnect(att, ReasonLost)
	}
}

func (m *Manager) onTimeout(att *attempt) {
	m.mu.Lock()
	expired := m.current == att && att.state != StateConnected && att.state != StateDisconnected
	m.mu.Unlock()
	if expired {
		m.fireDisconnect(att, ReasonTimeout)
	}
}

func (m *Manager) onTrack(att *attempt, t media.RemoteTrack) {
	m.mu.Lock()
	if m.current != att {
		m.mu.Unlock()
		return
	}
	att.tracks = append(att.tracks, t)
	m.mu.Unlock()
	m.hub.Publish(models.Event{Type: models.EventRemoteTrack, RoomID: att.roomID, PeerID: att.remoteID, Payload: t})
}

// fireDisconnect emits at most one disconnect per attempt.
func (m *Manager) fireDisconnect(att *attempt, reason string) {
	m.mu.Lock()
	if m.current != att || att.disconnected {
		m.mu.Unlock()
		return
	}
	att.disconnected = true
	m.mu.Unlock()

	log.Info().Str("roomId", att.roomID).Str("peerId", att.remoteID).Str("reason", reason).Msg("Call disconnected")
	m.hub.Publish(models.Event{Type: models.EventDisconnect, RoomID: att.roomID, PeerID: att.remoteID, Role: att.role, Reason: reason})
}

func (m *Manager) publishState(att *attempt, s State) {
	m.hub.Publish(models.Event{Type: models.EventState, RoomID: att.roomID, PeerID: att.remoteID, Role: att.role, State: string(s)})
}

func (m *Manager) publishLocalFailure(roomID, remoteID string, err error) {
	log.Error().Err(err).Str("roomId", roomID).Msg("Local media unavailable")
	m.hub.Publish(models.Event{Type: models.EventDisconnect, RoomID: roomID, PeerID: remoteID, Reason: ReasonLocalMedia, Error: err.Error()})
}

// ensureLocalStream reuses the current stream while it is usable and was
// captured with the current constraints, and acquires a new one otherwise.
func (m *Manager) ensureLocalStream(ctx context.Context) (media.Stream, error) {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if m.local != nil && m.local.Usable() && m.localFor == m.constraints {
		return m.local, nil
	}
	return m.acquireLocked(ctx)
}

func (m *Manager) refreshLocalStream(ctx context.Context) error {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if _, err := m.acquireLocked(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to reacquire local stream")
		return fmt.Errorf("%w: %v", ErrLocalMedia, err)
	}
	return nil
}

// acquireLocked replaces the local stream. Callers hold streamMu.
func (m *Manager) acquireLocked(ctx context.Context) (media.Stream, error) {
	if m.local != nil {
		m.local.Close()
		m.local = nil
	}
	s, err := m.engine.LocalStream(ctx, m.constraints)
	if err != nil {
		return nil, err
	}
	m.local = s
	m.localFor = m.constraints
	m.hub.Publish(models.Event{Type: models.EventLocalStream, Payload: s.ID()})
	return s, nil
}

// parseDescription decodes an offer or answer record. A missing type is
// read as want; anything else malformed is dropped.
func parseDescription(ev store.Event, want webrtc.SDPType) (webrtc.SessionDescription, bool) {
	if ev.Deleted {
		return webrtc.SessionDescription{}, false
	}
	var raw struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(ev.Value, &raw); err != nil || raw.SDP == "" {
		log.Warn().Str("path", ev.Path).Msg("Ignoring malformed session description")
		return webrtc.SessionDescription{}, false
	}
	if raw.Type != "" && webrtc.NewSDPType(raw.Type) != want {
		log.Warn().Str("path", ev.Path).Str("type", raw.Type).Msg("Ignoring session description of unexpected type")
		return webrtc.SessionDescription{}, false
	}
	return webrtc.SessionDescription{Type: want, SDP: raw.SDP}, true
}
