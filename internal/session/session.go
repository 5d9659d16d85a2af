// Package session holds the local participant's call session: which room
// is active, which side of the negotiation we play, and who we have
// skipped in stranger chat.
package session

import (
	"sync"

	"github.com/mossy-p/webrtc-callcoord/internal/models"
)

// Mode records how the current call came about.
type Mode string

const (
	ModeNone    Mode = ""
	ModeRandom  Mode = "random"
	ModePrivate Mode = "private"
	ModeRoom    Mode = "room"
)

// Snapshot is a copy of the session fields.
type Snapshot struct {
	RoomID    string          `json:"roomId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	PartnerID string          `json:"partnerId,omitempty"`
	Role      models.Role     `json:"role,omitempty"`
	CallType  models.CallType `json:"callType,omitempty"`
	Mode      Mode            `json:"mode,omitempty"`
	Skipped   []string        `json:"skipped,omitempty"`
}

// State is safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	roomID    string
	requestID string
	partnerID string
	role      models.Role
	callType  models.CallType
	mode      Mode
	skip      map[string]struct{}
}

func New() *State {
	return &State{skip: make(map[string]struct{})}
}

// Begin records a call that is being set up.
func (s *State) Begin(mode Mode, roomID, partnerID string, role models.Role, callType models.CallType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.roomID = roomID
	s.partnerID = partnerID
	s.role = role
	s.callType = callType
}

// SetRequest ties the session to a call request.
func (s *State) SetRequest(requestID string) {
	s.mu.Lock()
	s.requestID = requestID
	s.mu.Unlock()
}

func (s *State) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *State) RequestID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestID
}

func (s *State) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Active reports whether a call is set up or being set up.
func (s *State) Active() bool {
	return s.RoomID() != ""
}

// Skip excludes userID from matching until ClearSkips.
func (s *State) Skip(userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	s.skip[userID] = struct{}{}
	s.mu.Unlock()
}

func (s *State) Skipped(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.skip[userID]
	return ok
}

func (s *State) ClearSkips() {
	s.mu.Lock()
	s.skip = make(map[string]struct{})
	s.mu.Unlock()
}

// Clear ends the call session. The skip set survives: it belongs to the
// search session, not to one call.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = ""
	s.requestID = ""
	s.partnerID = ""
	s.role = ""
	s.callType = ""
	s.mode = ModeNone
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		RoomID:    s.roomID,
		RequestID: s.requestID,
		PartnerID: s.partnerID,
		Role:      s.role,
		CallType:  s.callType,
		Mode:      s.mode,
	}
	for id := range s.skip {
		snap.Skipped = append(snap.Skipped, id)
	}
	return snap
}
