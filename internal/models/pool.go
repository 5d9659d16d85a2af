package models

// PoolStatus is the matchmaking state of one pool entry.
type PoolStatus string

const (
	PoolWaiting PoolStatus = "waiting"
	PoolMatched PoolStatus = "matched"
)

// PoolEntry advertises a participant in the anonymous waiting pool
// (random_pool/{userId}).
type PoolEntry struct {
	UserID      string     `json:"-"`
	JoinedAt    int64      `json:"joinedAt"`
	Status      PoolStatus `json:"status"`
	MatchedWith string     `json:"matchedWith,omitempty"`
	RoomID      string     `json:"roomId,omitempty"`
	Initiator   string     `json:"initiator,omitempty"`
	MatchedAt   int64      `json:"matchedAt,omitempty"`
}

// ParsePoolEntry decodes the entry stored for userID. Unknown status values
// leave Status empty so the entry is neither claimable nor swept.
func ParsePoolEntry(userID string, data []byte) (PoolEntry, bool) {
	f, ok := decodeFields(data)
	if !ok {
		return PoolEntry{}, false
	}
	e := PoolEntry{
		UserID:      userID,
		JoinedAt:    f.millis("joinedAt"),
		MatchedWith: f.str("matchedWith"),
		RoomID:      f.str("roomId"),
		Initiator:   f.str("initiator"),
		MatchedAt:   f.millis("matchedAt"),
	}
	switch PoolStatus(f.str("status")) {
	case PoolWaiting:
		e.Status = PoolWaiting
	case PoolMatched:
		e.Status = PoolMatched
	}
	return e, true
}

// Waiting reports whether the entry can be claimed.
func (e PoolEntry) Waiting() bool {
	return e.Status == PoolWaiting
}

// MatchedSince returns the time the entry was matched in epoch
// milliseconds, falling back to joinedAt for entries written without one.
func (e PoolEntry) MatchedSince() int64 {
	if e.MatchedAt != 0 {
		return e.MatchedAt
	}
	return e.JoinedAt
}

// Before orders pool entries by (joinedAt, userId).
func (e PoolEntry) Before(other PoolEntry) bool {
	if e.JoinedAt != other.JoinedAt {
		return e.JoinedAt < other.JoinedAt
	}
	return e.UserID < other.UserID
}
