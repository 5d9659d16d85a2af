package callrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/rs/zerolog/log"
)

// CreateCallRoom creates an active room whose only participant is the
// local user. An empty roomID generates one.
func (c *Coordinator) CreateCallRoom(ctx context.Context, roomID string) (models.CallRoom, error) {
	if roomID == "" {
		roomID = newRoomID("room", c.self)
	}
	room := models.CallRoom{
		RoomID:       roomID,
		CreatorID:    c.self,
		Participants: map[string]bool{c.self: true},
		CreatedAt:    models.Millis(c.clock.Now()),
		IsActive:     true,
	}
	if err := store.SetJSON(ctx, c.store, store.CallRoomPath(roomID), room); err != nil {
		return models.CallRoom{}, fmt.Errorf("creating room: %w", err)
	}
	log.Info().Str("roomId", roomID).Msg("Room created")
	return room, nil
}

// Room reads a stored room.
func (c *Coordinator) Room(ctx context.Context, roomID string) (models.CallRoom, error) {
	data, err := c.store.Get(ctx, store.CallRoomPath(roomID))
	if errors.Is(err, store.ErrNotFound) {
		return models.CallRoom{}, ErrRoomNotFound
	}
	if err != nil {
		return models.CallRoom{}, err
	}
	room, ok := models.ParseCallRoom(roomID, data)
	if !ok {
		return models.CallRoom{}, ErrRoomNotFound
	}
	return room, nil
}

// JoinCallRoom adds the local user to an active room.
func (c *Coordinator) JoinCallRoom(ctx context.Context, roomID string) (models.CallRoom, error) {
	room, _, err := c.addParticipant(ctx, roomID, c.self)
	return room, err
}

// addParticipant reports whether userID was newly added.
func (c *Coordinator) addParticipant(ctx context.Context, roomID, userID string) (models.CallRoom, bool, error) {
	var (
		out    models.CallRoom
		reason error
	)
	added, _, err := c.store.Transaction(ctx, store.CallRoomPath(roomID), func(cur []byte) ([]byte, error) {
		reason = nil
		room, ok := models.ParseCallRoom(roomID, cur)
		if cur == nil || !ok {
			reason = ErrRoomNotFound
			return nil, store.ErrAbort
		}
		out = room
		if !room.IsActive {
			reason = ErrRoomInactive
			return nil, store.ErrAbort
		}
		if room.Participants[userID] {
			return nil, store.ErrAbort
		}
		room.Participants[userID] = true
		out = room
		return json.Marshal(room)
	})
	if err != nil {
		return out, false, fmt.Errorf("joining room: %w", err)
	}
	if reason != nil {
		return out, false, reason
	}
	if added {
		log.Info().Str("roomId", roomID).Str("userId", userID).Msg("Joined room")
	}
	return out, added, nil
}

// LeaveCallRoom removes the local user from the room. The last one out
// deactivates it. Leaving a room we are not in is a no-op.
func (c *Coordinator) LeaveCallRoom(ctx context.Context, roomID string) error {
	return c.removeParticipant(ctx, roomID, c.self)
}

func (c *Coordinator) removeParticipant(ctx context.Context, roomID, userID string) error {
	committed, _, err := c.store.Transaction(ctx, store.CallRoomPath(roomID), func(cur []byte) ([]byte, error) {
		room, ok := models.ParseCallRoom(roomID, cur)
		if cur == nil || !ok || !room.Participants[userID] {
			return nil, store.ErrAbort
		}
		delete(room.Participants, userID)
		if len(room.Participants) == 0 {
			room.IsActive = false
		}
		return json.Marshal(room)
	})
	if err != nil {
		return fmt.Errorf("leaving room: %w", err)
	}
	if committed {
		log.Info().Str("roomId", roomID).Str("userId", userID).Msg("Left room")
	}
	return nil
}

func joinParser(id string) func([]byte) (models.JoinRequest, bool) {
	return func(data []byte) (models.JoinRequest, bool) {
		return models.ParseJoinRequest(id, data)
	}
}

// RequestToJoin asks the members of an active room to let the local user in.
func (c *Coordinator) RequestToJoin(ctx context.Context, roomID string) (models.JoinRequest, error) {
	room, err := c.Room(ctx, roomID)
	if err != nil {
		return models.JoinRequest{}, err
	}
	if !room.IsActive {
		return models.JoinRequest{}, ErrRoomInactive
	}

	now := models.Millis(c.clock.Now())
	req := models.JoinRequest{
		RequestID:     uuid.NewString(),
		RequesterID:   c.self,
		RequesterName: c.name,
		RoomID:        roomID,
		RequestState: models.RequestState{
			Status:    models.RequestPending,
			Timestamp: now,
		},
	}
	if err := store.SetJSON(ctx, c.store, store.JoinRequestPath(req.RequestID), req); err != nil {
		return models.JoinRequest{}, fmt.Errorf("sending join request: %w", err)
	}
	c.observe(req.RequestID, models.RequestPending)
	c.armExpiry(req.RequestID, now, c.expireJoin(req.RequestID))
	log.Info().Str("requestId", req.RequestID).Str("roomId", roomID).Msg("Join request sent")
	return req, nil
}

// AcceptJoinRequest lets the requester into the room. Only current
// participants may accept. Membership is written before the request is
// marked Accepted, so an Accepted request always has a member behind it:
// a room that closed in between cancels the request, and a request that
// closed in between takes the membership back.
func (c *Coordinator) AcceptJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error) {
	pending, err := c.joinRequestForMember(ctx, requestID)
	if err != nil {
		return pending, err
	}

	_, added, err := c.addParticipant(ctx, pending.RoomID, pending.RequesterID)
	if err != nil {
		if errors.Is(err, ErrRoomInactive) || errors.Is(err, ErrRoomNotFound) {
			if _, cerr := c.updateJoin(ctx, requestID, models.RequestCancelled, sameRoom(pending.RoomID)); cerr != nil &&
				!errors.Is(cerr, ErrRequestClosed) {
				log.Warn().Err(cerr).Str("requestId", requestID).Msg("Failed to cancel join request for closed room")
			}
		}
		return pending, err
	}

	req, err := c.updateJoin(ctx, requestID, models.RequestAccepted, sameRoom(pending.RoomID))
	if err != nil {
		if added {
			if rerr := c.removeParticipant(ctx, pending.RoomID, pending.RequesterID); rerr != nil {
				log.Warn().Err(rerr).Str("requestId", requestID).Msg("Failed to undo membership")
			}
		}
		return req, err
	}
	return req, nil
}

// RejectJoinRequest turns the requester away. Only current participants may reject.
func (c *Coordinator) RejectJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error) {
	pending, err := c.joinRequestForMember(ctx, requestID)
	if err != nil {
		return pending, err
	}
	return c.updateJoin(ctx, requestID, models.RequestRejected, sameRoom(pending.RoomID))
}

// CancelJoinRequest withdraws the local user's own join request.
func (c *Coordinator) CancelJoinRequest(ctx context.Context, requestID string) (models.JoinRequest, error) {
	return c.updateJoin(ctx, requestID, models.RequestCancelled, func(r *models.JoinRequest) error {
		if r.RequesterID != c.self {
			return ErrNotParty
		}
		return nil
	})
}

func sameRoom(roomID string) func(*models.JoinRequest) error {
	return func(r *models.JoinRequest) error {
		if r.RoomID != roomID {
			return ErrNotParty
		}
		return nil
	}
}

// joinRequestForMember reads a join request and checks the local user is
// in an active target room.
func (c *Coordinator) joinRequestForMember(ctx context.Context, requestID string) (models.JoinRequest, error) {
	data, err := c.store.Get(ctx, store.JoinRequestPath(requestID))
	if errors.Is(err, store.ErrNotFound) {
		return models.JoinRequest{}, ErrRequestNotFound
	}
	if err != nil {
		return models.JoinRequest{}, err
	}
	req, ok := models.ParseJoinRequest(requestID, data)
	if !ok {
		return models.JoinRequest{}, ErrRequestNotFound
	}
	if req.Status != models.RequestPending {
		return req, ErrRequestClosed
	}
	room, err := c.Room(ctx, req.RoomID)
	if err != nil {
		return req, err
	}
	if !room.Participants[c.self] {
		return req, ErrNotParty
	}
	if !room.IsActive {
		return req, ErrRoomInactive
	}
	return req, nil
}

func (c *Coordinator) updateJoin(ctx context.Context, requestID string, status models.RequestStatus, check func(*models.JoinRequest) error) (models.JoinRequest, error) {
	req, err := transition(ctx, c, store.JoinRequestPath(requestID), joinParser(requestID), status, check)
	if err != nil {
		return req, err
	}
	c.disarm(requestID)
	log.Info().Str("requestId", requestID).Str("status", string(req.Status)).Msg("Join request updated")
	return req, nil
}

func (c *Coordinator) expireJoin(requestID string) func() {
	return func() {
		_, err := transition[models.JoinRequest](context.Background(), c, store.JoinRequestPath(requestID),
			joinParser(requestID), models.RequestCancelled, nil)
		switch {
		case err == nil:
			log.Info().Str("requestId", requestID).Msg("Join request expired")
		case errors.Is(err, ErrRequestClosed), errors.Is(err, ErrRequestNotFound):
		default:
			log.Warn().Err(err).Str("requestId", requestID).Msg("Failed to expire join request")
		}
	}
}

func (c *Coordinator) onJoinRequest(ctx context.Context, id string, data []byte) {
	req, ok := models.ParseJoinRequest(id, data)
	if !ok {
		log.Debug().Str("requestId", id).Msg("Skipping malformed join request")
		return
	}
	mine := req.RequesterID == c.self
	if !mine {
		room, err := c.Room(ctx, req.RoomID)
		if err != nil || !room.Participants[c.self] {
			return
		}
	}
	if !c.observe(id, req.Status) {
		return
	}

	if req.Status == models.RequestPending {
		c.armExpiry(id, req.Timestamp, c.expireJoin(id))
		if !mine {
			c.hub.Publish(models.Event{
				Type:      models.EventJoinRequest,
				RequestID: id,
				PeerID:    req.RequesterID,
				RoomID:    req.RoomID,
				Payload:   req,
			})
		}
		return
	}

	c.disarm(id)
	c.hub.Publish(models.Event{
		Type:      models.EventRequestUpdated,
		RequestID: id,
		PeerID:    req.RequesterID,
		RoomID:    req.RoomID,
		Status:    req.Status,
		Payload:   req,
	})
}
