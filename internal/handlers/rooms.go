package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
)

// CreateRoom creates a room with the agent's user as its first participant
func (h *Handler) CreateRoom(c *gin.Context) {
	room, err := h.agent.CreateRoom(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.CreateRoomResponse{RoomID: room.RoomID})
}

// GetRoom returns a room's membership
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.agent.Room(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse(room))
}

func (h *Handler) JoinRoom(c *gin.Context) {
	room, err := h.agent.JoinRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse(room))
}

func (h *Handler) LeaveRoom(c *gin.Context) {
	if err := h.agent.LeaveRoom(c.Request.Context(), c.Param("roomId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Left room"})
}

// RequestToJoin asks an active room's participants to let the agent's user in
func (h *Handler) RequestToJoin(c *gin.Context) {
	req, err := h.agent.RequestToJoin(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, joinRequestResponse(req))
}

func (h *Handler) AcceptJoinRequest(c *gin.Context) {
	req, err := h.agent.AcceptJoinRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinRequestResponse(req))
}

func (h *Handler) RejectJoinRequest(c *gin.Context) {
	req, err := h.agent.RejectJoinRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinRequestResponse(req))
}

func (h *Handler) CancelJoinRequest(c *gin.Context) {
	req, err := h.agent.CancelJoinRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, joinRequestResponse(req))
}

func roomResponse(room models.CallRoom) models.RoomResponse {
	participants := make([]string, 0, len(room.Participants))
	for id := range room.Participants {
		participants = append(participants, id)
	}
	sort.Strings(participants)
	return models.RoomResponse{
		RoomID:       room.RoomID,
		CreatorID:    room.CreatorID,
		Participants: participants,
		CreatedAt:    room.CreatedAt,
		IsActive:     room.IsActive,
	}
}

func joinRequestResponse(req models.JoinRequest) gin.H {
	return gin.H{
		"requestId":     req.RequestID,
		"requesterId":   req.RequesterID,
		"requesterName": req.RequesterName,
		"roomId":        req.RoomID,
		"status":        req.Status,
		"timestamp":     req.Timestamp,
	}
}
