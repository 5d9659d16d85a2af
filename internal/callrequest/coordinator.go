// Package callrequest runs explicit invitations, room membership and
// join requests through the signaling store.
//
// Requests move Pending -> {Accepted, Rejected, Cancelled} and never leave
// a terminal status. Every transition is a store transaction, so the
// expiry timers of both parties and a late accept can race safely.
package callrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/events"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
)

var (
	ErrRequestNotFound = errors.New("callrequest: request not found")
	// ErrRequestClosed is returned when a request is no longer pending.
	ErrRequestClosed = errors.New("callrequest: request is closed")
	ErrNotParty      = errors.New("callrequest: not a party to this request")
	ErrInvalidPeer   = errors.New("callrequest: invalid receiver")
	ErrRoomNotFound  = errors.New("callrequest: room not found")
	ErrRoomInactive  = errors.New("callrequest: room is not active")
)

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clock = c } }

func WithTimeouts(t config.Timeouts) Option { return func(co *Coordinator) { co.timeouts = t } }

// Coordinator acts for one local user.
type Coordinator struct {
	self     string
	name     string
	store    store.Store
	clock    clock.Clock
	timeouts config.Timeouts
	hub      *events.Hub[models.Event]

	mu     sync.Mutex
	timers map[string]*clock.Timer
	seen   map[string]models.RequestStatus
	cancel context.CancelFunc
}

func New(self, displayName string, st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:     self,
		name:     displayName,
		store:    st,
		clock:    clock.New(),
		timeouts: config.DefaultTimeouts(),
		hub:      events.NewHub[models.Event]("callrequest"),
		timers:   make(map[string]*clock.Timer),
		seen:     make(map[string]models.RequestStatus),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe returns incoming_call, request_updated and join_request events.
func (c *Coordinator) Subscribe() (<-chan models.Event, func()) {
	return c.hub.SubscribeUnbounded()
}

// Start watches call and join requests involving the local user. Requests
// already pending are reported too.
func (c *Coordinator) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	for _, root := range []string{store.CallRequestsRoot, store.JoinRequestsRoot} {
		ch, unsubscribe, err := c.store.Subscribe(watchCtx, root)
		if err != nil {
			cancel()
			return fmt.Errorf("watching %s: %w", root, err)
		}
		existing, err := c.store.Children(ctx, root)
		if err != nil {
			unsubscribe()
			cancel()
			return fmt.Errorf("reading %s: %w", root, err)
		}
		go c.watch(watchCtx, root, existing, ch, unsubscribe)
	}
	return nil
}

// Close stops watching and disarms every expiry timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.hub.Close()
}

func (c *Coordinator) watch(ctx context.Context, root string, existing map[string][]byte, ch <-chan store.Event, unsubscribe func()) {
	defer unsubscribe()
	for id, data := range existing {
		c.dispatch(ctx, root, id, data)
	}
	for ev := range ch {
		id := store.Base(ev.Path)
		if ev.Path != store.Join(root, id) {
			continue
		}
		if ev.Deleted {
			c.forget(id)
			continue
		}
		c.dispatch(ctx, root, id, ev.Value)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, root, id string, data []byte) {
	switch root {
	case store.CallRequestsRoot:
		c.onCallRequest(id, data)
	case store.JoinRequestsRoot:
		c.onJoinRequest(ctx, id, data)
	}
}

// observe records status for id and reports whether it changed.
func (c *Coordinator) observe(id string, status models.RequestStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.seen[id]; ok && prev == status {
		return false
	}
	c.seen[id] = status
	return true
}

func (c *Coordinator) forget(id string) {
	c.disarm(id)
	c.mu.Lock()
	delete(c.seen, id)
	c.mu.Unlock()
}

// armExpiry schedules expire for the moment the request created at
// timestamp runs out of time.
func (c *Coordinator) armExpiry(id string, timestamp int64, expire func()) {
	remaining := c.timeouts.RequestTTL - c.clock.Now().Sub(models.FromMillis(timestamp))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, armed := c.timers[id]; armed {
		return
	}
	if remaining <= 0 {
		go expire()
		return
	}
	c.timers[id] = c.clock.AfterFunc(remaining, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		expire()
	})
}

func (c *Coordinator) disarm(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) expired(timestamp int64, now time.Time) bool {
	return now.Sub(models.FromMillis(timestamp)) >= c.timeouts.RequestTTL
}

// lifecycle is satisfied by pointers to the request types.
type lifecycle[T any] interface {
	*T
	State() *models.RequestState
}

// transition moves the request at path from Pending to status. check
// vets the stored request before anything is written. Accepting a request
// whose TTL has passed cancels it instead and reports ErrRequestClosed.
func transition[T any, P lifecycle[T]](ctx context.Context, c *Coordinator, path string,
	parse func([]byte) (T, bool), status models.RequestStatus, check func(P) error) (T, error) {
	var (
		out    T
		reason error
	)
	committed, _, err := c.store.Transaction(ctx, path, func(cur []byte) ([]byte, error) {
		reason = nil
		if cur == nil {
			reason = ErrRequestNotFound
			return nil, store.ErrAbort
		}
		req, ok := parse(cur)
		if !ok {
			reason = ErrRequestNotFound
			return nil, store.ErrAbort
		}
		out = req
		p := P(&req)
		if check != nil {
			if err := check(p); err != nil {
				reason = err
				return nil, store.ErrAbort
			}
		}
		state := p.State()
		if state.Status.Terminal() {
			reason = ErrRequestClosed
			return nil, store.ErrAbort
		}

		now := c.clock.Now()
		state.Status = status
		if status == models.RequestAccepted && c.expired(state.Timestamp, now) {
			state.Status = models.RequestCancelled
			reason = ErrRequestClosed
		}
		state.UpdatedAt = models.Millis(now)
		out = req
		return json.Marshal(req)
	})
	if err != nil {
		return out, fmt.Errorf("updating %s: %w", path, err)
	}
	if reason != nil {
		return out, reason
	}
	if !committed {
		return out, ErrRequestClosed
	}
	return out, nil
}

func newRoomID(kind, creator string) string {
	return fmt.Sprintf("%s_%s_%s", kind, creator, uuid.New().String()[:8])
}
