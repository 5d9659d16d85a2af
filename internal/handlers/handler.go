package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-callcoord/internal/agent"
	"github.com/mossy-p/webrtc-callcoord/internal/callrequest"
	"github.com/mossy-p/webrtc-callcoord/internal/connection"
	"github.com/mossy-p/webrtc-callcoord/internal/matchmaking"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CallAgent is the call runtime the control surface drives.
type CallAgent interface {
	UserID() string
	Session() session.Snapshot
	ConnectionState() connection.State
	Subscribe() (<-chan models.Event, func())

	StartRandom(ctx context.Context) error
	SkipRandom(ctx context.Context) error
	StopRandom(ctx context.Context) error
	Hangup(ctx context.Context) error
	SetMuted(kind webrtc.RTPCodecType, muted bool) error

	SendCallRequest(ctx context.Context, receiverID string, callType models.CallType) (models.CallRequest, error)
	AcceptCallRequest(ctx context.Context, requestID string) (models.CallRequest, error)
	RejectCallRequest(ctx context.Context, requestID string) (models.CallRequest, error)
	CancelCallRequest(ctx context.Context, requestID string) (models.CallRequest, error)

	CreateRoom(ctx context.Context) (models.CallRoom, error)
	Room(ctx context.Context, roomID string) (models.CallRoom, error)
	JoinRoom(ctx context.Context, roomID string) (models.CallRoom, error)
	LeaveRoom(ctx context.Context, roomID string) error
	RequestToJoin(ctx context.Context, roomID string) (models.JoinRequest, error)
	AcceptJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error)
	RejectJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error)
	CancelJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error)
}

var _ CallAgent = (*agent.Agent)(nil)

// Handler serves the agent's REST and event-stream routes.
type Handler struct {
	agent CallAgent
}

func NewHandler(a CallAgent) *Handler {
	return &Handler{agent: a}
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, callrequest.ErrRequestNotFound), errors.Is(err, callrequest.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, callrequest.ErrNotParty):
		status = http.StatusForbidden
	case errors.Is(err, callrequest.ErrInvalidPeer):
		status = http.StatusBadRequest
	case errors.Is(err, callrequest.ErrRequestClosed),
		errors.Is(err, callrequest.ErrRoomInactive),
		errors.Is(err, agent.ErrBusy),
		errors.Is(err, agent.ErrNoCall),
		errors.Is(err, agent.ErrMuteUnsupported),
		errors.Is(err, matchmaking.ErrNotSearching):
		status = http.StatusConflict
	case errors.Is(err, connection.ErrLocalMedia):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// GetSession returns the local session and connection state.
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"userId":          h.agent.UserID(),
		"session":         h.agent.Session(),
		"connectionState": h.agent.ConnectionState(),
	})
}
