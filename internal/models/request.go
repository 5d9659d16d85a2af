package models

// RequestStatus is the lifecycle state of a call or join request.
// Pending is the only non-terminal state.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

func parseStatus(s string) RequestStatus {
	switch RequestStatus(s) {
	case RequestPending, RequestAccepted, RequestRejected:
		return RequestStatus(s)
	}
	// Unknown or missing statuses are treated as closed.
	return RequestCancelled
}

// RequestState is the lifecycle part shared by call and join requests.
type RequestState struct {
	Status    RequestStatus `json:"status"`
	Timestamp int64         `json:"timestamp"`
	UpdatedAt int64         `json:"updatedAt,omitempty"`
}

// CallRequest is an explicit invitation (call_requests/{requestId}).
type CallRequest struct {
	RequestID  string   `json:"-"`
	CallerID   string   `json:"callerId"`
	CallerName string   `json:"callerName"`
	ReceiverID string   `json:"receiverId"`
	RoomID     string   `json:"roomId"`
	CallType   CallType `json:"callType"`
	RequestState
}

// State exposes the lifecycle fields.
func (r *CallRequest) State() *RequestState { return &r.RequestState }

// ParseCallRequest decodes a stored call request.
func ParseCallRequest(requestID string, data []byte) (CallRequest, bool) {
	f, ok := decodeFields(data)
	if !ok {
		return CallRequest{}, false
	}
	return CallRequest{
		RequestID:  requestID,
		CallerID:   f.str("callerId"),
		CallerName: f.str("callerName"),
		ReceiverID: f.str("receiverId"),
		RoomID:     f.str("roomId"),
		CallType:   ParseCallType(f.str("callType")),
		RequestState: RequestState{
			Status:    parseStatus(f.str("status")),
			Timestamp: f.millis("timestamp"),
			UpdatedAt: f.millis("updatedAt"),
		},
	}, true
}

// JoinRequest asks for entry into an active room (join_requests/{requestId}).
type JoinRequest struct {
	RequestID     string `json:"-"`
	RequesterID   string `json:"requesterId"`
	RequesterName string `json:"requesterName"`
	RoomID        string `json:"roomId"`
	RequestState
}

// State exposes the lifecycle fields.
func (r *JoinRequest) State() *RequestState { return &r.RequestState }

// ParseJoinRequest decodes a stored join request.
func ParseJoinRequest(requestID string, data []byte) (JoinRequest, bool) {
	f, ok := decodeFields(data)
	if !ok {
		return JoinRequest{}, false
	}
	return JoinRequest{
		RequestID:     requestID,
		RequesterID:   f.str("requesterId"),
		RequesterName: f.str("requesterName"),
		RoomID:        f.str("roomId"),
		RequestState: RequestState{
			Status:    parseStatus(f.str("status")),
			Timestamp: f.millis("timestamp"),
			UpdatedAt: f.millis("updatedAt"),
		},
	}, true
}
