// Package agent wires one participant's connection manager, matchmaking
// engine, request coordinator and session together, owns the recovery
// policy for dropped calls, and publishes the participant's presence.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/callrequest"
	"github.com/mossy-p/webrtc-callcoord/internal/connection"
	"github.com/mossy-p/webrtc-callcoord/internal/events"
	"github.com/mossy-p/webrtc-callcoord/internal/matchmaking"
	"github.com/mossy-p/webrtc-callcoord/internal/media"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/session"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBusy is returned when an operation needs the call slot another call holds.
	ErrBusy            = errors.New("agent: another call is in progress")
	ErrNoCall          = errors.New("agent: no call in progress")
	ErrMuteUnsupported = errors.New("agent: local stream cannot be muted")
)

// ReasonHangup is carried on EventCallEnded when the local user hangs up.
const ReasonHangup = "hangup"

type options struct {
	clock        clock.Clock
	timeouts     config.Timeouts
	ice          media.ICEConfig
	beforeSearch func(context.Context) error
}

// Option configures an Agent.
type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithTimeouts(t config.Timeouts) Option { return func(o *options) { o.timeouts = t } }

func WithICE(cfg media.ICEConfig) Option { return func(o *options) { o.ice = cfg } }

// WithBeforeSearch is passed through to the matchmaking engine.
func WithBeforeSearch(fn func(context.Context) error) Option {
	return func(o *options) { o.beforeSearch = fn }
}

// Agent is one participant's call runtime.
type Agent struct {
	self  string
	name  string
	store store.Store
	clock clock.Clock

	session  *session.State
	conn     *connection.Manager
	match    *matchmaking.Engine
	requests *callrequest.Coordinator
	hub      *events.Hub[models.Event]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(self, displayName string, st store.Store, engine media.Engine, opts ...Option) *Agent {
	o := options{clock: clock.New(), timeouts: config.DefaultTimeouts()}
	for _, opt := range opts {
		opt(&o)
	}

	sess := session.New()
	conn := connection.New(st, engine,
		connection.WithClock(o.clock),
		connection.WithTimeouts(o.timeouts),
		connection.WithICE(o.ice),
	)
	matchOpts := []matchmaking.Option{
		matchmaking.WithClock(o.clock),
		matchmaking.WithTimeouts(o.timeouts),
	}
	if o.beforeSearch != nil {
		matchOpts = append(matchOpts, matchmaking.WithBeforeSearch(o.beforeSearch))
	}

	return &Agent{
		self:     self,
		name:     displayName,
		store:    st,
		clock:    o.clock,
		session:  sess,
		conn:     conn,
		match:    matchmaking.New(self, st, conn, sess, matchOpts...),
		requests: callrequest.New(self, displayName, st, callrequest.WithClock(o.clock), callrequest.WithTimeouts(o.timeouts)),
		hub:      events.NewHub[models.Event]("agent"),
	}
}

func (a *Agent) UserID() string      { return a.self }
func (a *Agent) DisplayName() string { return a.name }

// Subscribe returns every event of the agent and its components.
func (a *Agent) Subscribe() (<-chan models.Event, func()) {
	return a.hub.Subscribe(0)
}

func (a *Agent) Session() session.Snapshot { return a.session.Snapshot() }

func (a *Agent) ConnectionState() connection.State { return a.conn.State() }

// Start publishes presence and begins handling component events.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.mu.Unlock()

	presence := map[string]any{"online": true, "since": models.Millis(a.clock.Now())}
	if err := store.SetJSON(ctx, a.store, store.PresencePath(a.self), presence); err != nil {
		cancel()
		return fmt.Errorf("publishing presence: %w", err)
	}

	connEvents, unsubConn := a.conn.Subscribe()
	matchEvents, unsubMatch := a.match.Subscribe()
	requestEvents, unsubRequests := a.requests.Subscribe()
	a.forward(runCtx, connEvents, unsubConn, a.onConnectionEvent)
	a.forward(runCtx, matchEvents, unsubMatch, nil)
	a.forward(runCtx, requestEvents, unsubRequests, a.onRequestEvent)

	if err := a.requests.Start(runCtx); err != nil {
		cancel()
		return err
	}
	log.Info().Str("userId", a.self).Msg("Agent started")
	return nil
}

// Close ends any call, leaves the pool, withdraws presence and closes listeners.
func (a *Agent) Close(ctx context.Context) {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	a.match.Close()
	if roomID := a.session.RoomID(); roomID != "" {
		_ = a.conn.EndCall(ctx, roomID)
	}
	a.requests.Close()
	a.conn.Close()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	if err := a.store.Remove(ctx, store.PresencePath(a.self)); err != nil {
		log.Warn().Err(err).Msg("Failed to withdraw presence")
	}
	a.hub.Close()
	log.Info().Str("userId", a.self).Msg("Agent stopped")
}

// forward relays events from one component to the agent's listeners,
// running handle first when set.
func (a *Agent) forward(ctx context.Context, ch <-chan models.Event, unsubscribe func(), handle func(context.Context, models.Event)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				a.hub.Publish(ev)
				if handle != nil {
					handle(ctx, ev)
				}
			}
		}
	}()
}

// onConnectionEvent applies the recovery policy: a dropped stranger call
// moves on to the next stranger, a dropped private call ends. Losing local
// media is never retried.
func (a *Agent) onConnectionEvent(ctx context.Context, ev models.Event) {
	if ev.Type != models.EventDisconnect {
		return
	}
	roomID := a.session.RoomID()
	if roomID == "" || (ev.RoomID != "" && ev.RoomID != roomID) {
		return
	}

	switch mode := a.session.Mode(); {
	case mode == session.ModeRandom && ev.Reason == connection.ReasonLocalMedia:
		// Retrying would only claim the next stranger and fail the same way.
		log.Error().Str("roomId", roomID).Str("error", ev.Error).Msg("Local media lost, stopping random chat")
		if err := a.match.StopSearching(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop searching")
		}
		a.hub.Publish(models.Event{Type: models.EventCallEnded, RoomID: roomID, Reason: ev.Reason, Error: ev.Error})
	case mode == session.ModeRandom:
		log.Info().Str("roomId", roomID).Str("reason", ev.Reason).Msg("Stranger call dropped, finding next partner")
		if err := a.match.SkipToNext(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to move to next partner")
		}
	default:
		log.Info().Str("roomId", roomID).Str("reason", ev.Reason).Msg("Call dropped")
		a.endCall(ctx, roomID, ev.Reason)
	}
}

// onRequestEvent starts the caller's side once an invitation is accepted
// and drops the pending session when it is turned down.
func (a *Agent) onRequestEvent(ctx context.Context, ev models.Event) {
	if ev.Type != models.EventRequestUpdated || ev.RequestID == "" || ev.RequestID != a.session.RequestID() {
		return
	}
	req, ok := ev.Payload.(models.CallRequest)
	if !ok || req.CallerID != a.self {
		return
	}

	switch req.Status {
	case models.RequestAccepted:
		a.conn.SetConstraints(constraintsFor(req.CallType))
		if err := a.conn.CreateOffer(ctx, req.RoomID, req.ReceiverID); err != nil {
			log.Error().Err(err).Str("roomId", req.RoomID).Msg("Failed to start accepted call")
		}
	case models.RequestRejected, models.RequestCancelled:
		a.session.Clear()
		a.hub.Publish(models.Event{Type: models.EventCallEnded, RoomID: req.RoomID, RequestID: req.RequestID, Reason: string(req.Status)})
	}
}

func (a *Agent) endCall(ctx context.Context, roomID, reason string) {
	if err := a.conn.EndCall(ctx, roomID); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to end call")
	}
	a.session.Clear()
	a.hub.Publish(models.Event{Type: models.EventCallEnded, RoomID: roomID, Reason: reason})
}

func constraintsFor(t models.CallType) media.Constraints {
	return media.ConstraintsFor(t == models.CallVideo)
}

// StartRandom enters stranger matching.
func (a *Agent) StartRandom(ctx context.Context) error {
	if a.session.Active() && a.session.Mode() != session.ModeRandom {
		return ErrBusy
	}
	a.conn.SetConstraints(constraintsFor(models.CallVideo))
	return a.match.StartSearching(ctx)
}

// SkipRandom moves on to the next stranger.
func (a *Agent) SkipRandom(ctx context.Context) error {
	return a.match.SkipToNext(ctx)
}

// StopRandom leaves stranger matching.
func (a *Agent) StopRandom(ctx context.Context) error {
	return a.match.StopSearching(ctx)
}

// Hangup ends whatever call is in progress.
func (a *Agent) Hangup(ctx context.Context) error {
	snap := a.session.Snapshot()
	switch {
	case snap.Mode == session.ModeRandom || a.match.Searching():
		return a.match.StopSearching(ctx)
	case snap.RoomID == "":
		return ErrNoCall
	}
	// Cleared first so the request watcher ignores our own cancellation.
	a.session.Clear()
	if snap.RequestID != "" && snap.Role == models.RoleCaller {
		// Withdraw an invitation that has not been answered yet.
		if _, err := a.requests.CancelCallRequest(ctx, snap.RequestID); err != nil &&
			!errors.Is(err, callrequest.ErrRequestClosed) {
			log.Warn().Err(err).Str("requestId", snap.RequestID).Msg("Failed to cancel request on hangup")
		}
	}
	if snap.Mode == session.ModeRoom {
		if err := a.requests.LeaveCallRoom(ctx, snap.RoomID); err != nil {
			log.Warn().Err(err).Str("roomId", snap.RoomID).Msg("Failed to leave room on hangup")
		}
	}
	a.endCall(ctx, snap.RoomID, ReasonHangup)
	return nil
}

// SendCallRequest invites receiverID to a private call.
func (a *Agent) SendCallRequest(ctx context.Context, receiverID string, callType models.CallType) (models.CallRequest, error) {
	if a.session.Active() || a.match.Searching() {
		return models.CallRequest{}, ErrBusy
	}
	req, err := a.requests.SendCallRequest(ctx, receiverID, callType)
	if err != nil {
		return req, err
	}
	a.session.Begin(session.ModePrivate, req.RoomID, receiverID, models.RoleCaller, callType)
	a.session.SetRequest(req.RequestID)
	return req, nil
}

// AcceptCallRequest accepts an invitation and starts answering it.
func (a *Agent) AcceptCallRequest(ctx context.Context, requestID string) (models.CallRequest, error) {
	if a.session.Active() || a.match.Searching() {
		return models.CallRequest{}, ErrBusy
	}
	req, err := a.requests.AcceptCallRequest(ctx, requestID)
	if err != nil {
		return req, err
	}
	a.session.Begin(session.ModePrivate, req.RoomID, req.CallerID, models.RoleReceiver, req.CallType)
	a.session.SetRequest(req.RequestID)
	a.conn.SetConstraints(constraintsFor(req.CallType))
	if err := a.conn.HandleOffer(ctx, req.RoomID, req.CallerID); err != nil {
		return req, err
	}
	return req, nil
}

func (a *Agent) RejectCallRequest(ctx context.Context, requestID string) (models.CallRequest, error) {
	return a.requests.RejectCallRequest(ctx, requestID)
}

func (a *Agent) CancelCallRequest(ctx context.Context, requestID string) (models.CallRequest, error) {
	req, err := a.requests.CancelCallRequest(ctx, requestID)
	if err != nil {
		return req, err
	}
	if a.session.RequestID() == requestID {
		a.session.Clear()
	}
	return req, nil
}

// CreateRoom creates a room with the local user as its first member.
func (a *Agent) CreateRoom(ctx context.Context) (models.CallRoom, error) {
	if a.session.Active() || a.match.Searching() {
		return models.CallRoom{}, ErrBusy
	}
	room, err := a.requests.CreateCallRoom(ctx, "")
	if err != nil {
		return room, err
	}
	a.session.Begin(session.ModeRoom, room.RoomID, "", "", models.CallVideo)
	return room, nil
}

func (a *Agent) Room(ctx context.Context, roomID string) (models.CallRoom, error) {
	return a.requests.Room(ctx, roomID)
}

func (a *Agent) JoinRoom(ctx context.Context, roomID string) (models.CallRoom, error) {
	if a.session.Active() && a.session.RoomID() != roomID {
		return models.CallRoom{}, ErrBusy
	}
	room, err := a.requests.JoinCallRoom(ctx, roomID)
	if err != nil {
		return room, err
	}
	a.session.Begin(session.ModeRoom, roomID, "", "", models.CallVideo)
	return room, nil
}

func (a *Agent) LeaveRoom(ctx context.Context, roomID string) error {
	if err := a.requests.LeaveCallRoom(ctx, roomID); err != nil {
		return err
	}
	if a.session.Mode() == session.ModeRoom && a.session.RoomID() == roomID {
		a.session.Clear()
	}
	return nil
}

func (a *Agent) RequestToJoin(ctx context.Context, roomID string) (models.JoinRequest, error) {
	return a.requests.RequestToJoin(ctx, roomID)
}

func (a *Agent) AcceptJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error) {
	return a.requests.AcceptJoinRequest(ctx, requestID)
}

func (a *Agent) RejectJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error) {
	return a.requests.RejectJoinRequest(ctx, requestID)
}

func (a *Agent) CancelJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error) {
	return a.requests.CancelJoinRequest(ctx, requestID)
}

// SetMuted mutes or unmutes the local audio or video track.
func (a *Agent) SetMuted(kind webrtc.RTPCodecType, muted bool) error {
	stream := a.conn.LocalStream()
	if stream == nil {
		return ErrNoCall
	}
	m, ok := stream.(media.Muter)
	if !ok {
		return ErrMuteUnsupported
	}
	m.SetMuted(kind, muted)
	return nil
}
