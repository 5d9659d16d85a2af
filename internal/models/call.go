package models

import "github.com/pion/webrtc/v4"

// Role is the side a participant plays in one negotiation. It doubles as the
// path segment its ICE candidates are published under.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Remote returns the role of the counterpart.
func (r Role) Remote() Role {
	if r == RoleCaller {
		return RoleReceiver
	}
	return RoleCaller
}

// CallType is what the participants asked for when setting up the call.
type CallType string

const (
	CallChat  CallType = "chat"
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// ParseCallType defaults unknown values to video.
func ParseCallType(s string) CallType {
	switch CallType(s) {
	case CallChat, CallVoice, CallVideo:
		return CallType(s)
	}
	return CallVideo
}

// SessionDescription is the offer/answer record shape ({sdp, type}).
type SessionDescription = webrtc.SessionDescription

// ICECandidate is the candidate record shape ({candidate, sdpMid, sdpMLineIndex}).
type ICECandidate = webrtc.ICECandidateInit
