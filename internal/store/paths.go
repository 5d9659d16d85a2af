package store

import "github.com/mossy-p/webrtc-callcoord/internal/models"

const (
	PoolRoot         = "random_pool"
	SignalingRoot    = "webrtc_signaling"
	CallRequestsRoot = "call_requests"
	CallRoomsRoot    = "call_rooms"
	JoinRequestsRoot = "join_requests"
	PresenceRoot     = "presence"
)

func PoolPath(userID string) string { return Join(PoolRoot, userID) }

// SignalingPath is the room's whole signaling subtree.
func SignalingPath(roomID string) string { return Join(SignalingRoot, roomID) }

func OfferPath(roomID string) string { return Join(SignalingRoot, roomID, "offer") }

func AnswerPath(roomID string) string { return Join(SignalingRoot, roomID, "answer") }

// CandidatesPath is where role appends its ICE candidates.
func CandidatesPath(roomID string, role models.Role) string {
	return Join(SignalingRoot, roomID, string(role), "ice_candidates")
}

func CallRequestPath(requestID string) string { return Join(CallRequestsRoot, requestID) }

func CallRoomPath(roomID string) string { return Join(CallRoomsRoot, roomID) }

func JoinRequestPath(requestID string) string { return Join(JoinRequestsRoot, requestID) }

func PresencePath(userID string) string { return Join(PresenceRoot, userID) }
