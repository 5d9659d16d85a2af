package models

// EventType names the events pushed to the UI over /ws/events.
type EventType string

const (
	EventLocalStream    EventType = "local_stream"
	EventRemoteTrack    EventType = "remote_track"
	EventRemoteCleared  EventType = "remote_cleared"
	EventState          EventType = "connection_state"
	EventDisconnect     EventType = "disconnect"
	EventSearching      EventType = "searching"
	EventMatched        EventType = "matched"
	EventSearchStopped  EventType = "search_stopped"
	EventIncomingCall   EventType = "incoming_call"
	EventRequestUpdated EventType = "request_updated"
	EventJoinRequest    EventType = "join_request"
	EventCallEnded      EventType = "call_ended"
	EventError          EventType = "error"
)

// Event is one notification for the UI layer.
type Event struct {
	Type      EventType     `json:"type"`
	RoomID    string        `json:"roomId,omitempty"`
	PeerID    string        `json:"peerId,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	Role      Role          `json:"role,omitempty"`
	State     string        `json:"state,omitempty"`
	Status    RequestStatus `json:"status,omitempty"`
	CallType  CallType      `json:"callType,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Payload   interface{}   `json:"payload,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// CallRequestBody is the request body for sending a call request
type CallRequestBody struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	CallType   string `json:"callType"`
}
