// Package matchmaking pairs anonymous participants through the shared
// random pool. The only coordination point is the store's atomic
// compare-and-update on pool entries.
package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/events"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/session"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/rs/zerolog/log"
)

// ErrNotSearching is returned by SkipToNext outside a search session.
var ErrNotSearching = errors.New("matchmaking: not searching")

// ReasonLocalMedia is carried on EventSearchStopped when the search ended
// because local media could not be acquired.
const ReasonLocalMedia = "local media unavailable"

// Connector is the part of the connection manager matchmaking drives.
type Connector interface {
	// PrepareLocalStream makes sure local media is available before we
	// enter the pool or claim anyone.
	PrepareLocalStream(ctx context.Context) error
	CreateOffer(ctx context.Context, roomID, remoteID string) error
	HandleOffer(ctx context.Context, roomID, remoteID string) error
	EndCall(ctx context.Context, roomID string) error
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithTimeouts(t config.Timeouts) Option { return func(e *Engine) { e.timeouts = t } }

// WithBeforeSearch installs a hook run each time a search starts, for
// policies such as showing an ad every few connections. Its error is
// logged and does not stop the search.
func WithBeforeSearch(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.beforeSearch = fn }
}

// WithCallType sets the call type recorded in the session for random calls.
func WithCallType(t models.CallType) Option { return func(e *Engine) { e.callType = t } }

// Engine runs the local participant's side of stranger matching.
type Engine struct {
	self         string
	store        store.Store
	conn         Connector
	session      *session.State
	clock        clock.Clock
	timeouts     config.Timeouts
	callType     models.CallType
	beforeSearch func(ctx context.Context) error
	hub          *events.Hub[models.Event]

	// scanMu serializes scans with leaving the pool.
	scanMu sync.Mutex

	mu          sync.Mutex
	searching   bool
	userStopped bool
	cancel      context.CancelFunc
	matched     bool
	partner     string
	roomID      string
}

func New(self string, st store.Store, conn Connector, sess *session.State, opts ...Option) *Engine {
	e := &Engine{
		self:     self,
		store:    st,
		conn:     conn,
		session:  sess,
		clock:    clock.New(),
		timeouts: config.DefaultTimeouts(),
		callType: models.CallVideo,
		hub:      events.NewHub[models.Event]("matchmaking"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe returns searching, matched and stopped events.
func (e *Engine) Subscribe() (<-chan models.Event, func()) {
	return e.hub.SubscribeUnbounded()
}

// Searching reports whether the engine is in the pool.
func (e *Engine) Searching() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.searching
}

// Match returns the current partner and room, if matched.
func (e *Engine) Match() (partner, roomID string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partner, e.roomID, e.matched
}

// StartSearching enters the pool and keeps scanning for a partner until
// matched or stopped. Calling it while already searching is a no-op.
// Local media is acquired first; a searcher that cannot send media never
// enters the pool.
func (e *Engine) StartSearching(ctx context.Context) error {
	return e.start(ctx, false)
}

// start enters the pool. With resume set it is the re-entry after a skip
// and gives way to an explicit stop, checked under the same lock that
// marks the engine as searching.
func (e *Engine) start(ctx context.Context, resume bool) error {
	e.mu.Lock()
	if e.searching || (resume && e.userStopped) {
		e.mu.Unlock()
		return nil
	}
	e.searching = true
	e.userStopped = false
	e.matched, e.partner, e.roomID = false, "", ""
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	if e.beforeSearch != nil {
		if err := e.beforeSearch(ctx); err != nil {
			log.Warn().Err(err).Msg("Pre-search hook failed")
		}
	}

	if err := e.conn.PrepareLocalStream(ctx); err != nil {
		e.abortStart(cancel)
		e.mu.Lock()
		e.userStopped = true
		e.mu.Unlock()
		e.hub.Publish(models.Event{Type: models.EventSearchStopped, Reason: ReasonLocalMedia, Error: err.Error()})
		return err
	}

	// Held so a concurrent leave either cancels us before the entry is
	// written or removes it after.
	e.scanMu.Lock()
	if loopCtx.Err() != nil {
		e.scanMu.Unlock()
		return nil
	}

	// Watch our own entry before it exists so a claim is never missed.
	ownPath := store.PoolPath(e.self)
	ch, unsubscribe, err := e.store.Subscribe(loopCtx, ownPath)
	if err != nil {
		e.scanMu.Unlock()
		e.abortStart(cancel)
		return fmt.Errorf("watching pool entry: %w", err)
	}
	entry := models.PoolEntry{JoinedAt: models.Millis(e.clock.Now()), Status: models.PoolWaiting}
	if err := store.SetJSON(ctx, e.store, ownPath, entry); err != nil {
		e.scanMu.Unlock()
		unsubscribe()
		e.abortStart(cancel)
		return fmt.Errorf("joining random pool: %w", err)
	}
	e.scanMu.Unlock()

	go e.watchOwnEntry(loopCtx, ch, unsubscribe)
	go e.scanLoop(loopCtx)

	log.Info().Str("userId", e.self).Msg("Searching for a partner")
	e.hub.Publish(models.Event{Type: models.EventSearching})
	return nil
}

func (e *Engine) abortStart(cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	e.searching = false
	e.cancel = nil
	e.mu.Unlock()
}

// abandon ends the search session after local media was lost. It is
// terminal: nothing re-enters the pool until the user starts again.
func (e *Engine) abandon(err error) {
	e.mu.Lock()
	e.userStopped = true
	e.mu.Unlock()

	log.Error().Err(err).Msg("Local media unavailable, leaving random pool")
	if err := e.LeaveRandomPool(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to leave pool after media failure")
	}
	e.session.ClearSkips()
	e.hub.Publish(models.Event{Type: models.EventSearchStopped, Reason: ReasonLocalMedia, Error: err.Error()})
}

// SkipToNext excludes the current partner for the rest of the search
// session, ends the call and searches again, unless the user has stopped.
func (e *Engine) SkipToNext(ctx context.Context) error {
	e.mu.Lock()
	partner, roomID, searching := e.partner, e.roomID, e.searching
	e.mu.Unlock()
	if !searching {
		return ErrNotSearching
	}

	e.session.Skip(partner)
	if err := e.conn.EndCall(ctx, roomID); err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to end call on skip")
	}
	e.session.Clear()
	if err := e.LeaveRandomPool(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to leave pool on skip")
	}

	log.Info().Str("skipped", partner).Msg("Skipping to next partner")
	return e.start(ctx, true)
}

// StopSearching ends the search session: any random call is ended, the
// pool entry removed and the skip set cleared.
func (e *Engine) StopSearching(ctx context.Context) error {
	e.mu.Lock()
	e.userStopped = true
	roomID := e.roomID
	e.mu.Unlock()

	if roomID != "" {
		if err := e.conn.EndCall(ctx, roomID); err != nil {
			log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to end call on stop")
		}
		e.session.Clear()
	}
	err := e.LeaveRandomPool(ctx)
	e.session.ClearSkips()
	e.hub.Publish(models.Event{Type: models.EventSearchStopped})
	return err
}

// LeaveRandomPool stops scanning and removes our pool entry. It is a
// no-op when we are not in the pool.
func (e *Engine) LeaveRandomPool(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.searching = false
	e.matched, e.partner, e.roomID = false, "", ""
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wait out a scan in flight so it cannot re-create the entry.
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if err := e.store.Remove(ctx, store.PoolPath(e.self)); err != nil {
		return fmt.Errorf("leaving random pool: %w", err)
	}
	return nil
}

// Close leaves the pool and closes event listeners.
func (e *Engine) Close() {
	if err := e.LeaveRandomPool(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to leave pool on close")
	}
	e.hub.Close()
}

func (e *Engine) isMatched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.matched
}

func (e *Engine) scanLoop(ctx context.Context) {
	ticker := e.clock.Ticker(e.timeouts.ScanInterval)
	defer ticker.Stop()

	for {
		if err := e.scan(ctx); err != nil {
			// A cancelled loop belongs to a search that already ended.
			if ctx.Err() == nil {
				e.abandon(err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan sweeps stale matches and tries to claim one waiting partner. It
// only fails when local media is gone, which ends the search.
func (e *Engine) scan(ctx context.Context) error {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if ctx.Err() != nil || e.isMatched() {
		return nil
	}

	pool, err := e.readPool(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read random pool")
		return nil
	}
	if e.sweep(ctx, pool) > 0 {
		if pool, err = e.readPool(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to re-read random pool")
			return nil
		}
	}

	own, ok := pool[e.self]
	if !ok {
		// Our entry vanished while we are still searching; put it back.
		entry := models.PoolEntry{JoinedAt: models.Millis(e.clock.Now()), Status: models.PoolWaiting}
		if err := store.SetJSON(ctx, e.store, store.PoolPath(e.self), entry); err != nil {
			log.Warn().Err(err).Msg("Failed to restore pool entry")
		}
		return nil
	}
	if !own.Waiting() {
		// Someone claimed us; the entry watcher takes it from here.
		return nil
	}

	targets := e.candidates(pool, own)
	if len(targets) == 0 {
		return nil
	}
	// Never claim a stranger we could not send media to.
	if err := e.conn.PrepareLocalStream(ctx); err != nil {
		return err
	}
	for _, target := range targets {
		won, err := e.claim(ctx, own, target)
		if err != nil {
			log.Warn().Err(err).Str("target", target.UserID).Msg("Claim failed")
			return nil
		}
		if won || e.isMatched() {
			return nil
		}
	}
	return nil
}

// candidates lists claimable entries, oldest first. We only claim entries
// ordered before our own so two searchers never claim each other.
func (e *Engine) candidates(pool map[string]models.PoolEntry, own models.PoolEntry) []models.PoolEntry {
	var out []models.PoolEntry
	for id, entry := range pool {
		if id == e.self || !entry.Waiting() || e.session.Skipped(id) || !entry.Before(own) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (e *Engine) readPool(ctx context.Context) (map[string]models.PoolEntry, error) {
	raw, err := e.store.Children(ctx, store.PoolRoot)
	if err != nil {
		return nil, err
	}
	pool := make(map[string]models.PoolEntry, len(raw))
	for id, data := range raw {
		entry, ok := models.ParsePoolEntry(id, data)
		if !ok {
			log.Debug().Str("userId", id).Msg("Skipping malformed pool entry")
			continue
		}
		pool[id] = entry
	}
	return pool, nil
}

// sweep removes other users' matched entries that never turned into a
// call. It returns how many were removed.
func (e *Engine) sweep(ctx context.Context, pool map[string]models.PoolEntry) int {
	now := e.clock.Now()
	removed := 0
	for id, entry := range pool {
		if id == e.self || entry.Status != models.PoolMatched {
			continue
		}
		if now.Sub(models.FromMillis(entry.MatchedSince())) <= e.timeouts.StaleMatch {
			continue
		}
		if entry.RoomID != "" {
			active, err := store.Exists(ctx, e.store, store.OfferPath(entry.RoomID))
			if err != nil || active {
				continue
			}
		}

		stale := entry
		committed, _, err := e.store.Transaction(ctx, store.PoolPath(id), func(cur []byte) ([]byte, error) {
			latest, ok := models.ParsePoolEntry(id, cur)
			if !ok || latest.Status != models.PoolMatched || latest.RoomID != stale.RoomID ||
				latest.MatchedSince() != stale.MatchedSince() {
				return nil, store.ErrAbort
			}
			return nil, nil
		})
		if err != nil {
			log.Warn().Err(err).Str("userId", id).Msg("Failed to sweep stale pool entry")
			continue
		}
		if committed {
			log.Info().Str("userId", id).Str("roomId", entry.RoomID).Msg("Swept stale pool entry")
			removed++
		}
	}
	return removed
}

// claim tries to pair with target. Our own entry is locked first, so a
// searcher that is being claimed cannot claim someone else at the same time.
func (e *Engine) claim(ctx context.Context, own, target models.PoolEntry) (bool, error) {
	roomID := newRoomID(e.self)
	now := models.Millis(e.clock.Now())

	locked, _, err := e.store.Transaction(ctx, store.PoolPath(e.self), func(cur []byte) ([]byte, error) {
		entry, ok := models.ParsePoolEntry(e.self, cur)
		if !ok || !entry.Waiting() {
			return nil, store.ErrAbort
		}
		entry.Status = models.PoolMatched
		entry.MatchedWith = target.UserID
		entry.RoomID = roomID
		entry.Initiator = e.self
		entry.MatchedAt = now
		return json.Marshal(entry)
	})
	if err != nil || !locked {
		return false, err
	}

	committed, _, err := e.store.Transaction(ctx, store.PoolPath(target.UserID), func(cur []byte) ([]byte, error) {
		entry, ok := models.ParsePoolEntry(target.UserID, cur)
		if !ok || !entry.Waiting() {
			return nil, store.ErrAbort
		}
		entry.Status = models.PoolMatched
		entry.MatchedWith = e.self
		entry.RoomID = roomID
		entry.Initiator = e.self
		entry.MatchedAt = now
		return json.Marshal(entry)
	})
	if err != nil || !committed {
		// Lost the race for target; go back to waiting.
		e.release(ctx, roomID)
		return false, err
	}

	e.mu.Lock()
	e.matched = true
	e.partner = target.UserID
	e.roomID = roomID
	e.mu.Unlock()

	log.Info().Str("roomId", roomID).Str("peerId", target.UserID).Msg("Claimed partner")
	e.session.Begin(session.ModeRandom, roomID, target.UserID, models.RoleCaller, e.callType)
	e.hub.Publish(models.Event{Type: models.EventMatched, RoomID: roomID, PeerID: target.UserID, Role: models.RoleCaller, CallType: e.callType})
	if err := e.conn.CreateOffer(ctx, roomID, target.UserID); err != nil {
		log.Error().Err(err).Str("roomId", roomID).Msg("Failed to start call with claimed partner")
	}
	return true, nil
}

// release reverts our entry to waiting if it still holds roomID.
func (e *Engine) release(ctx context.Context, roomID string) {
	_, _, err := e.store.Transaction(ctx, store.PoolPath(e.self), func(cur []byte) ([]byte, error) {
		entry, ok := models.ParsePoolEntry(e.self, cur)
		if !ok || entry.RoomID != roomID {
			return nil, store.ErrAbort
		}
		return json.Marshal(models.PoolEntry{JoinedAt: entry.JoinedAt, Status: models.PoolWaiting})
	})
	if err != nil {
		log.Warn().Err(err).Str("roomId", roomID).Msg("Failed to release pool entry")
	}
}

func (e *Engine) watchOwnEntry(ctx context.Context, ch <-chan store.Event, unsubscribe func()) {
	defer unsubscribe()
	ownPath := store.PoolPath(e.self)
	for ev := range ch {
		if ev.Path != ownPath || ev.Deleted {
			continue
		}
		entry, ok := models.ParsePoolEntry(e.self, ev.Value)
		if !ok {
			continue
		}
		e.onOwnEntry(ctx, entry)
	}
}

// onOwnEntry handles being claimed by someone else. Entries we initiated
// are ours to act on in claim, whatever order their updates arrive in.
func (e *Engine) onOwnEntry(ctx context.Context, entry models.PoolEntry) {
	if entry.Status != models.PoolMatched || entry.Initiator == e.self ||
		entry.MatchedWith == "" || entry.RoomID == "" {
		return
	}

	if e.session.Skipped(entry.MatchedWith) {
		log.Info().Str("peerId", entry.MatchedWith).Msg("Declining match with skipped user")
		e.release(ctx, entry.RoomID)
		return
	}

	e.mu.Lock()
	if !e.searching || e.matched {
		e.mu.Unlock()
		return
	}
	e.matched = true
	e.partner = entry.MatchedWith
	e.roomID = entry.RoomID
	e.mu.Unlock()

	log.Info().Str("roomId", entry.RoomID).Str("peerId", entry.MatchedWith).Msg("Claimed by partner")
	e.session.Begin(session.ModeRandom, entry.RoomID, entry.MatchedWith, models.RoleReceiver, e.callType)
	e.hub.Publish(models.Event{Type: models.EventMatched, RoomID: entry.RoomID, PeerID: entry.MatchedWith, Role: models.RoleReceiver, CallType: e.callType})
	if err := e.conn.HandleOffer(ctx, entry.RoomID, entry.MatchedWith); err != nil {
		log.Error().Err(err).Str("roomId", entry.RoomID).Msg("Failed to answer claiming partner")
	}
}

// newRoomID embeds the initiator so a room can be traced back to whoever claimed.
func newRoomID(initiator string) string {
	return fmt.Sprintf("random_%s_%s", initiator, uuid.New().String()[:8])
}
