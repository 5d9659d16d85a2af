package models

// CallRoom tracks membership of a (possibly multi-party) call
// (call_rooms/{roomId}).
type CallRoom struct {
	RoomID       string          `json:"-"`
	CreatorID    string          `json:"creatorId"`
	Participants map[string]bool `json:"participants"`
	CreatedAt    int64           `json:"createdAt"`
	IsActive     bool            `json:"isActive"`
}

// ParseCallRoom decodes a stored room.
func ParseCallRoom(roomID string, data []byte) (CallRoom, bool) {
	f, ok := decodeFields(data)
	if !ok {
		return CallRoom{}, false
	}
	return CallRoom{
		RoomID:       roomID,
		CreatorID:    f.str("creatorId"),
		Participants: f.set("participants"),
		CreatedAt:    f.millis("createdAt"),
		IsActive:     f.boolean("isActive"),
	}, true
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

// RoomResponse is the public view of a room
type RoomResponse struct {
	RoomID       string   `json:"roomId"`
	CreatorID    string   `json:"creatorId"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt"`
	IsActive     bool     `json:"isActive"`
}
