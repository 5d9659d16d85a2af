package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mossy-p/webrtc-callcoord/internal/connection"
	"github.com/mossy-p/webrtc-callcoord/internal/media/mediatest"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/session"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	st  *store.Memory
	clk *clock.Mock
}

type peer struct {
	*Agent
	engine *mediatest.Engine
	events <-chan models.Event
}

func newHarness() *harness {
	return &harness{st: store.NewMemory(), clk: clock.NewMock()}
}

func (h *harness) agent(t *testing.T, id string) *peer {
	t.Helper()
	engine := mediatest.NewEngine()
	a := New(id, "User "+id, h.st, engine, WithClock(h.clk))
	events, cancel := a.Subscribe()
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		cancel()
		a.Close(context.Background())
	})
	return &peer{Agent: a, engine: engine, events: events}
}

func (p *peer) waitEvent(t *testing.T, typ models.EventType) models.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-p.events:
			require.True(t, ok, "event channel closed")
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: no %s event", p.UserID(), typ)
		}
	}
}

func bothConnected(t *testing.T, a, b *peer) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.ConnectionState() == connection.StateConnected && b.ConnectionState() == connection.StateConnected
	}, waitFor, 5*time.Millisecond)
}

func (h *harness) privateCall(t *testing.T, alice, bob *peer) models.CallRequest {
	t.Helper()
	ctx := context.Background()
	req, err := alice.SendCallRequest(ctx, "bob", models.CallVideo)
	require.NoError(t, err)

	incoming := bob.waitEvent(t, models.EventIncomingCall)
	require.Equal(t, req.RequestID, incoming.RequestID)
	_, err = bob.AcceptCallRequest(ctx, req.RequestID)
	require.NoError(t, err)

	bothConnected(t, alice, bob)
	return req
}

func TestPresenceLifecycle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := New("alice", "Alice", h.st, mediatest.NewEngine(), WithClock(h.clk))
	require.NoError(t, a.Start(ctx))

	ok, err := store.Exists(ctx, h.st, store.PresencePath("alice"))
	require.NoError(t, err)
	assert.True(t, ok)

	a.Close(ctx)
	ok, err = store.Exists(ctx, h.st, store.PresencePath("alice"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRandomMatchConnects(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	require.NoError(t, alice.StartRandom(ctx))
	require.NoError(t, bob.StartRandom(ctx))
	bothConnected(t, alice, bob)

	aliceSession, bobSession := alice.Session(), bob.Session()
	assert.Equal(t, session.ModeRandom, aliceSession.Mode)
	assert.Equal(t, aliceSession.RoomID, bobSession.RoomID)
	assert.Equal(t, "bob", aliceSession.PartnerID)
	assert.Equal(t, models.RoleCaller, bobSession.Role)

	_, err := alice.SendCallRequest(ctx, "carol", models.CallVoice)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestRandomDisconnectMovesToNextPartner(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	require.NoError(t, alice.StartRandom(ctx))
	require.NoError(t, bob.StartRandom(ctx))
	bothConnected(t, alice, bob)

	alice.engine.LastPeer().SetState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		snap := alice.Session()
		return len(snap.Skipped) == 1 && snap.Skipped[0] == "bob" && snap.RoomID == ""
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		entry, err := h.st.Get(ctx, store.PoolPath("alice"))
		if err != nil {
			return false
		}
		e, ok := models.ParsePoolEntry("alice", entry)
		return ok && e.Waiting()
	}, waitFor, 5*time.Millisecond)
}

func TestPrivateCallConnects(t *testing.T) {
	h := newHarness()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	req := h.privateCall(t, alice, bob)

	aliceSession, bobSession := alice.Session(), bob.Session()
	assert.Equal(t, session.ModePrivate, aliceSession.Mode)
	assert.Equal(t, req.RoomID, aliceSession.RoomID)
	assert.Equal(t, req.RequestID, aliceSession.RequestID)
	assert.Equal(t, models.RoleCaller, aliceSession.Role)
	assert.Equal(t, models.RoleReceiver, bobSession.Role)
	assert.Equal(t, "alice", bobSession.PartnerID)
}

func TestPrivateDisconnectEndsCall(t *testing.T) {
	h := newHarness()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")
	req := h.privateCall(t, alice, bob)

	alice.engine.LastPeer().SetState(webrtc.PeerConnectionStateFailed)

	ended := alice.waitEvent(t, models.EventCallEnded)
	assert.Equal(t, req.RoomID, ended.RoomID)
	assert.Equal(t, connection.ReasonFailed, ended.Reason)
	require.Eventually(t, func() bool {
		return alice.Session().RoomID == "" && alice.ConnectionState() == connection.StateIdle
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, alice.Session().Skipped)
}

func TestRejectedRequestClearsSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	req, err := alice.SendCallRequest(ctx, "bob", models.CallVoice)
	require.NoError(t, err)
	assert.Equal(t, req.RoomID, alice.Session().RoomID)

	bob.waitEvent(t, models.EventIncomingCall)
	_, err = bob.RejectCallRequest(ctx, req.RequestID)
	require.NoError(t, err)

	ended := alice.waitEvent(t, models.EventCallEnded)
	assert.Equal(t, string(models.RequestRejected), ended.Reason)
	require.Eventually(t, func() bool {
		return alice.Session().RoomID == ""
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, alice.engine.Peers())
}

func TestHangup(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	assert.ErrorIs(t, alice.Hangup(ctx), ErrNoCall)

	req := h.privateCall(t, alice, bob)
	require.NoError(t, bob.Hangup(ctx))

	ended := bob.waitEvent(t, models.EventCallEnded)
	assert.Equal(t, ReasonHangup, ended.Reason)
	assert.Equal(t, connection.StateIdle, bob.ConnectionState())
	ok, err := store.Exists(ctx, h.st, store.OfferPath(req.RoomID))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMute(t *testing.T) {
	h := newHarness()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	assert.ErrorIs(t, alice.SetMuted(webrtc.RTPCodecTypeAudio, true), ErrNoCall)

	h.privateCall(t, alice, bob)
	require.NoError(t, alice.SetMuted(webrtc.RTPCodecTypeAudio, true))
	streams := alice.engine.Streams()
	require.NotEmpty(t, streams)
	assert.True(t, streams[len(streams)-1].Muted(webrtc.RTPCodecTypeAudio))
}

func TestRoomsThroughAgent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	room, err := alice.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ModeRoom, alice.Session().Mode)

	_, err = bob.JoinRoom(ctx, room.RoomID)
	require.NoError(t, err)
	require.NoError(t, alice.LeaveRoom(ctx, room.RoomID))
	assert.Empty(t, alice.Session().RoomID)

	got, err := bob.Room(ctx, room.RoomID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, map[string]bool{"bob": true}, got.Participants)

	require.NoError(t, bob.Hangup(ctx))
	got, err = alice.Room(ctx, room.RoomID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func waitingStrangers(t *testing.T, h *harness, ids ...string) {
	t.Helper()
	for _, id := range ids {
		entry := models.PoolEntry{JoinedAt: -1, Status: models.PoolWaiting}
		require.NoError(t, store.SetJSON(context.Background(), h.st, store.PoolPath(id), entry))
	}
}

func TestRandomWithoutMediaClaimsNobody(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	waitingStrangers(t, h, "carol", "dave", "erin")
	alice := h.agent(t, "alice")
	alice.engine.FailStreams(errors.New("camera busy"))

	err := alice.StartRandom(ctx)
	require.ErrorIs(t, err, connection.ErrLocalMedia)

	for i := 0; i < 10; i++ {
		h.clk.Add(2 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotEqual(t, session.ModeRandom, alice.Session().Mode)
	assert.Empty(t, alice.Session().Skipped)
	for _, id := range []string{"carol", "dave", "erin"} {
		data, err := h.st.Get(ctx, store.PoolPath(id))
		require.NoError(t, err)
		entry, ok := models.ParsePoolEntry(id, data)
		require.True(t, ok)
		assert.True(t, entry.Waiting(), "%s should still be waiting", id)
	}
	ok, err := store.Exists(ctx, h.st, store.PoolPath("alice"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLostMediaEndsRandomChat(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := h.agent(t, "alice")
	bob := h.agent(t, "bob")

	require.NoError(t, alice.StartRandom(ctx))
	require.Len(t, alice.engine.Streams(), 1)
	alice.engine.Streams()[0].Disable()
	alice.engine.FailStreams(errors.New("camera unplugged"))

	require.NoError(t, bob.StartRandom(ctx))

	ended := alice.waitEvent(t, models.EventCallEnded)
	assert.Equal(t, connection.ReasonLocalMedia, ended.Reason)
	assert.Contains(t, ended.Error, "camera unplugged")

	for i := 0; i < 5; i++ {
		h.clk.Add(2 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "", alice.Session().RoomID)
	assert.Empty(t, alice.Session().Skipped)
	ok, err := store.Exists(ctx, h.st, store.PoolPath("alice"))
	require.NoError(t, err)
	assert.False(t, ok, "a searcher without media must not re-enter the pool")
}
