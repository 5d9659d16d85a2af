package callrequest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/mossy-p/webrtc-callcoord/internal/store"
	"github.com/rs/zerolog/log"
)

func callParser(id string) func([]byte) (models.CallRequest, bool) {
	return func(data []byte) (models.CallRequest, bool) {
		return models.ParseCallRequest(id, data)
	}
}

// SendCallRequest invites receiverID to a new private room.
func (c *Coordinator) SendCallRequest(ctx context.Context, receiverID string, callType models.CallType) (models.CallRequest, error) {
	if receiverID == "" || receiverID == c.self {
		return models.CallRequest{}, ErrInvalidPeer
	}
	now := models.Millis(c.clock.Now())
	req := models.CallRequest{
		RequestID:  uuid.NewString(),
		CallerID:   c.self,
		CallerName: c.name,
		ReceiverID: receiverID,
		RoomID:     newRoomID("call", c.self),
		CallType:   callType,
		RequestState: models.RequestState{
			Status:    models.RequestPending,
			Timestamp: now,
		},
	}
	if err := store.SetJSON(ctx, c.store, store.CallRequestPath(req.RequestID), req); err != nil {
		return models.CallRequest{}, fmt.Errorf("sending call request: %w", err)
	}
	c.observe(req.RequestID, models.RequestPending)
	c.armExpiry(req.RequestID, now, c.expireCall(req.RequestID))

	log.Info().
		Str("requestId", req.RequestID).
		Str("receiverId", receiverID).
		Str("roomId", req.RoomID).
		Str("callType", string(callType)).
		Msg("Call request sent")
	return req, nil
}

// CallRequest reads a stored request.
func (c *Coordinator) CallRequest(ctx context.Context, requestID string) (models.CallRequest, error) {
	data, err := c.store.Get(ctx, store.CallRequestPath(requestID))
	if errors.Is(err, store.ErrNotFound) {
		return models.CallRequest{}, ErrRequestNotFound
	}
	if err != nil {
		return models.CallRequest{}, err
	}
	req, ok := models.ParseCallRequest(requestID, data)
	if !ok {
		return models.CallRequest{}, ErrRequestNotFound
	}
	return req, nil
}

// AcceptCallRequest accepts an invitation addressed to the local user.
func (c *Coordinator) AcceptCallRequest(ctx context.Context, requestID string) (models.CallRequest, error) {
	return c.updateCall(ctx, requestID, models.RequestAccepted, func(r *models.CallRequest) error {
		if r.ReceiverID != c.self {
			return ErrNotParty
		}
		return nil
	})
}

// RejectCallRequest declines an invitation addressed to the local user.
func (c *Coordinator) RejectCallRequest(ctx context.Context, requestID string) (models.CallRequest, error) {
	return c.updateCall(ctx, requestID, models.RequestRejected, func(r *models.CallRequest) error {
		if r.ReceiverID != c.self {
			return ErrNotParty
		}
		return nil
	})
}

// CancelCallRequest withdraws an invitation the local user sent.
func (c *Coordinator) CancelCallRequest(ctx context.Context, requestID string) (models.CallRequest, error) {
	return c.updateCall(ctx, requestID, models.RequestCancelled, func(r *models.CallRequest) error {
		if r.CallerID != c.self {
			return ErrNotParty
		}
		return nil
	})
}

func (c *Coordinator) updateCall(ctx context.Context, requestID string, status models.RequestStatus, check func(*models.CallRequest) error) (models.CallRequest, error) {
	req, err := transition(ctx, c, store.CallRequestPath(requestID), callParser(requestID), status, check)
	if err != nil {
		return req, err
	}
	c.disarm(requestID)
	log.Info().Str("requestId", requestID).Str("status", string(req.Status)).Msg("Call request updated")
	return req, nil
}

func (c *Coordinator) expireCall(requestID string) func() {
	return func() {
		_, err := transition[models.CallRequest](context.Background(), c, store.CallRequestPath(requestID),
			callParser(requestID), models.RequestCancelled, nil)
		switch {
		case err == nil:
			log.Info().Str("requestId", requestID).Msg("Call request expired")
		case errors.Is(err, ErrRequestClosed), errors.Is(err, ErrRequestNotFound):
		default:
			log.Warn().Err(err).Str("requestId", requestID).Msg("Failed to expire call request")
		}
	}
}

func (c *Coordinator) onCallRequest(id string, data []byte) {
	req, ok := models.ParseCallRequest(id, data)
	if !ok {
		log.Debug().Str("requestId", id).Msg("Skipping malformed call request")
		return
	}
	var peer string
	switch c.self {
	case req.ReceiverID:
		peer = req.CallerID
	case req.CallerID:
		peer = req.ReceiverID
	default:
		return
	}
	if !c.observe(id, req.Status) {
		return
	}

	if req.Status == models.RequestPending {
		c.armExpiry(id, req.Timestamp, c.expireCall(id))
		if req.ReceiverID == c.self {
			c.hub.Publish(models.Event{
				Type:      models.EventIncomingCall,
				RequestID: id,
				PeerID:    peer,
				RoomID:    req.RoomID,
				CallType:  req.CallType,
				Payload:   req,
			})
		}
		return
	}

	c.disarm(id)
	c.hub.Publish(models.Event{
		Type:      models.EventRequestUpdated,
		RequestID: id,
		PeerID:    peer,
		RoomID:    req.RoomID,
		CallType:  req.CallType,
		Status:    req.Status,
		Payload:   req,
	})
}
