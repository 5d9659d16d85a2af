package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/pion/webrtc/v4"
)

// MuteRequest is the request body for muting a local track
type MuteRequest struct {
	Kind  string `json:"kind" binding:"required,oneof=audio video"`
	Muted bool   `json:"muted"`
}

// SendCallRequest invites another user to a private call
func (h *Handler) SendCallRequest(c *gin.Context) {
	var body models.CallRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.agent.SendCallRequest(c.Request.Context(), body.ReceiverID, models.ParseCallType(body.CallType))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, callRequestResponse(req))
}

func (h *Handler) AcceptCallRequest(c *gin.Context) {
	req, err := h.agent.AcceptCallRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, callRequestResponse(req))
}

func (h *Handler) RejectCallRequest(c *gin.Context) {
	req, err := h.agent.RejectCallRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, callRequestResponse(req))
}

func (h *Handler) CancelCallRequest(c *gin.Context) {
	req, err := h.agent.CancelCallRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, callRequestResponse(req))
}

// Hangup ends the current call, whatever started it
func (h *Handler) Hangup(c *gin.Context) {
	if err := h.agent.Hangup(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// Mute mutes or unmutes a local track
func (h *Handler) Mute(c *gin.Context) {
	var body MuteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := webrtc.RTPCodecTypeAudio
	if body.Kind == "video" {
		kind = webrtc.RTPCodecTypeVideo
	}
	if err := h.agent.SetMuted(kind, body.Muted); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": body.Kind, "muted": body.Muted})
}

// callRequestResponse includes the request id, which the stored record keys on.
func callRequestResponse(req models.CallRequest) gin.H {
	return gin.H{
		"requestId":  req.RequestID,
		"callerId":   req.CallerID,
		"callerName": req.CallerName,
		"receiverId": req.ReceiverID,
		"roomId":     req.RoomID,
		"callType":   req.CallType,
		"status":     req.Status,
		"timestamp":  req.Timestamp,
	}
}
