package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/agent"
	"github.com/mossy-p/webrtc-callcoord/internal/callrequest"
	"github.com/mossy-p/webrtc-callcoord/internal/connection"
	"github.com/mossy-p/webrtc-callcoord/internal/matchmaking"
	"github.com/mossy-p/webrtc-callcoord/internal/middleware"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeAgent struct {
	mu     sync.Mutex
	calls  []string
	err    error
	muted  map[webrtc.RTPCodecType]bool
	events chan models.Event
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		muted:  make(map[webrtc.RTPCodecType]bool),
		events: make(chan models.Event, 8),
	}
}

func (f *fakeAgent) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeAgent) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAgent) UserID() string { return "alice" }

func (f *fakeAgent) Session() session.Snapshot {
	return session.Snapshot{RoomID: "room-1", Mode: session.ModePrivate, Role: models.RoleCaller}
}

func (f *fakeAgent) ConnectionState() connection.State { return connection.StateConnected }

func (f *fakeAgent) Subscribe() (<-chan models.Event, func()) { return f.events, func() {} }

func (f *fakeAgent) StartRandom(context.Context) error { return f.record("random.start") }
func (f *fakeAgent) SkipRandom(context.Context) error  { return f.record("random.skip") }
func (f *fakeAgent) StopRandom(context.Context) error  { return f.record("random.stop") }
func (f *fakeAgent) Hangup(context.Context) error      { return f.record("hangup") }

func (f *fakeAgent) SetMuted(kind webrtc.RTPCodecType, muted bool) error {
	if err := f.record("mute"); err != nil {
		return err
	}
	f.mu.Lock()
	f.muted[kind] = muted
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) callRequest(call, id string) (models.CallRequest, error) {
	if err := f.record(call + ":" + id); err != nil {
		return models.CallRequest{}, err
	}
	return models.CallRequest{
		RequestID:    id,
		CallerID:     "alice",
		ReceiverID:   "bob",
		RoomID:       "call_alice_1",
		CallType:     models.CallVideo,
		RequestState: models.RequestState{Status: models.RequestPending, Timestamp: 1000},
	}, nil
}

func (f *fakeAgent) SendCallRequest(_ context.Context, receiverID string, callType models.CallType) (models.CallRequest, error) {
	return f.callRequest("calls.send", receiverID+"/"+string(callType))
}

func (f *fakeAgent) AcceptCallRequest(_ context.Context, id string) (models.CallRequest, error) {
	return f.callRequest("calls.accept", id)
}

func (f *fakeAgent) RejectCallRequest(_ context.Context, id string) (models.CallRequest, error) {
	return f.callRequest("calls.reject", id)
}

func (f *fakeAgent) CancelCallRequest(_ context.Context, id string) (models.CallRequest, error) {
	return f.callRequest("calls.cancel", id)
}

func (f *fakeAgent) room(call, id string) (models.CallRoom, error) {
	if err := f.record(call + ":" + id); err != nil {
		return models.CallRoom{}, err
	}
	return models.CallRoom{
		RoomID:       id,
		CreatorID:    "alice",
		Participants: map[string]bool{"carol": true, "alice": true},
		IsActive:     true,
	}, nil
}

func (f *fakeAgent) CreateRoom(context.Context) (models.CallRoom, error) {
	return f.room("rooms.create", "room_alice_1")
}

func (f *fakeAgent) Room(_ context.Context, id string) (models.CallRoom, error) {
	return f.room("rooms.get", id)
}

func (f *fakeAgent) JoinRoom(_ context.Context, id string) (models.CallRoom, error) {
	return f.room("rooms.join", id)
}

func (f *fakeAgent) LeaveRoom(_ context.Context, id string) error {
	return f.record("rooms.leave:" + id)
}

func (f *fakeAgent) joinRequest(call, id string) (models.JoinRequest, error) {
	if err := f.record(call + ":" + id); err != nil {
		return models.JoinRequest{}, err
	}
	return models.JoinRequest{
		RequestID:    id,
		RequesterID:  "alice",
		RoomID:       "room_carol_1",
		RequestState: models.RequestState{Status: models.RequestPending},
	}, nil
}

func (f *fakeAgent) RequestToJoin(_ context.Context, roomID string) (models.JoinRequest, error) {
	return f.joinRequest("join.request", roomID)
}

func (f *fakeAgent) AcceptJoinRequest(_ context.Context, id string) (models.JoinRequest, error) {
	return f.joinRequest("join.accept", id)
}

func (f *fakeAgent) RejectJoinRequest(_ context.Context, id string) (models.JoinRequest, error) {
	return f.joinRequest("join.reject", id)
}

func (f *fakeAgent) CancelJoinRequest(_ context.Context, id string) (models.JoinRequest, error) {
	return f.joinRequest("join.cancel", id)
}

func setupRouter(t *testing.T) (*gin.Engine, *fakeAgent, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"http://localhost:5173"},
	}
	fake := newFakeAgent()
	token, err := middleware.IssueToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	return NewRouter(cfg, fake), fake, token
}

func do(router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := do(router, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestLogin(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := do(router, http.MethodPost, "/api/auth/login", "", LoginRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = do(router, http.MethodGet, "/api/session", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/auth/login", "", LoginRequest{UserID: "mallory"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(router, http.MethodPost, "/api/auth/login", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginWithSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		JWTSecret:      testSecret,
		LoginSecret:    "hunter2",
		AllowedOrigins: []string{"http://localhost:5173"},
	}
	router := NewRouter(cfg, newFakeAgent())

	w := do(router, http.MethodPost, "/api/auth/login", "", LoginRequest{UserID: "alice"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(router, http.MethodPost, "/api/auth/login", "", LoginRequest{UserID: "alice", Secret: "hunter3"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(router, http.MethodPost, "/api/auth/login", "", LoginRequest{UserID: "alice", Secret: "hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	assert.NotEmpty(t, token)
}

func TestAuthRequired(t *testing.T) {
	router, fake, _ := setupRouter(t)

	w := do(router, http.MethodPost, "/api/random/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodPost, "/api/random/start", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	foreign, err := middleware.IssueToken(testSecret, "mallory", time.Hour)
	require.NoError(t, err)
	w = do(router, http.MethodPost, "/api/random/start", foreign, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	expired, err := middleware.IssueToken(testSecret, "alice", -time.Minute)
	require.NoError(t, err)
	w = do(router, http.MethodPost, "/api/random/start", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, fake.recorded())
}

func TestSession(t *testing.T) {
	router, _, token := setupRouter(t)

	w := do(router, http.MethodGet, "/api/session", token, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "alice", body["userId"])
	assert.Equal(t, "connected", body["connectionState"])
	sess, _ := body["session"].(map[string]any)
	assert.Equal(t, "room-1", sess["roomId"])
	assert.Equal(t, "private", sess["mode"])
}

func TestRoutesReachAgent(t *testing.T) {
	router, fake, token := setupRouter(t)

	cases := []struct {
		method string
		path   string
		body   any
		status int
		call   string
	}{
		{http.MethodPost, "/api/random/start", nil, http.StatusAccepted, "random.start"},
		{http.MethodPost, "/api/random/skip", nil, http.StatusAccepted, "random.skip"},
		{http.MethodPost, "/api/random/stop", nil, http.StatusOK, "random.stop"},
		{http.MethodPost, "/api/calls", models.CallRequestBody{ReceiverID: "bob", CallType: "voice"}, http.StatusCreated, "calls.send:bob/voice"},
		{http.MethodPost, "/api/calls/r1/accept", nil, http.StatusOK, "calls.accept:r1"},
		{http.MethodPost, "/api/calls/r1/reject", nil, http.StatusOK, "calls.reject:r1"},
		{http.MethodPost, "/api/calls/r1/cancel", nil, http.StatusOK, "calls.cancel:r1"},
		{http.MethodPost, "/api/call/hangup", nil, http.StatusOK, "hangup"},
		{http.MethodPost, "/api/rooms", nil, http.StatusCreated, "rooms.create:room_alice_1"},
		{http.MethodGet, "/api/rooms/room_x", nil, http.StatusOK, "rooms.get:room_x"},
		{http.MethodPost, "/api/rooms/room_x/join", nil, http.StatusOK, "rooms.join:room_x"},
		{http.MethodPost, "/api/rooms/room_x/leave", nil, http.StatusOK, "rooms.leave:room_x"},
		{http.MethodPost, "/api/rooms/room_x/join-requests", nil, http.StatusCreated, "join.request:room_x"},
		{http.MethodPost, "/api/join-requests/j1/accept", nil, http.StatusOK, "join.accept:j1"},
		{http.MethodPost, "/api/join-requests/j1/reject", nil, http.StatusOK, "join.reject:j1"},
		{http.MethodPost, "/api/join-requests/j1/cancel", nil, http.StatusOK, "join.cancel:j1"},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := do(router, tc.method, tc.path, token, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			calls := fake.recorded()
			require.NotEmpty(t, calls)
			assert.Equal(t, tc.call, calls[len(calls)-1])
		})
	}
}

func TestRoomResponseListsParticipants(t *testing.T) {
	router, _, token := setupRouter(t)

	w := do(router, http.MethodGet, "/api/rooms/room_x", token, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var room models.RoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, []string{"alice", "carol"}, room.Participants)
	assert.True(t, room.IsActive)
}

func TestSendCallRequestValidation(t *testing.T) {
	router, fake, token := setupRouter(t)

	w := do(router, http.MethodPost, "/api/calls", token, map[string]string{"callType": "video"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fake.recorded())
}

func TestMute(t *testing.T) {
	router, fake, token := setupRouter(t)

	w := do(router, http.MethodPost, "/api/call/mute", token, MuteRequest{Kind: "video", Muted: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, fake.muted[webrtc.RTPCodecTypeVideo])

	w = do(router, http.MethodPost, "/api/call/mute", token, MuteRequest{Kind: "screen", Muted: true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{callrequest.ErrRequestNotFound, http.StatusNotFound},
		{callrequest.ErrRoomNotFound, http.StatusNotFound},
		{callrequest.ErrNotParty, http.StatusForbidden},
		{callrequest.ErrInvalidPeer, http.StatusBadRequest},
		{callrequest.ErrRequestClosed, http.StatusConflict},
		{callrequest.ErrRoomInactive, http.StatusConflict},
		{agent.ErrBusy, http.StatusConflict},
		{agent.ErrNoCall, http.StatusConflict},
		{matchmaking.ErrNotSearching, http.StatusConflict},
		{connection.ErrLocalMedia, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			router, fake, token := setupRouter(t)
			fake.err = tc.err

			w := do(router, http.MethodPost, "/api/calls/r1/accept", token, nil)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestOriginFilter(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/session", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEventStream(t *testing.T) {
	router, fake, token := setupRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	fake.events <- models.Event{Type: models.EventMatched, RoomID: "random_alice_1", PeerID: "bob", Role: models.RoleCaller}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventMatched, ev.Type)
	assert.Equal(t, "random_alice_1", ev.RoomID)
	assert.Equal(t, "bob", ev.PeerID)
}
