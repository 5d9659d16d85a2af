package media

import (
	"strings"

	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/pion/webrtc/v4"
)

// ICEConfigFrom converts the configured server list. STUN URLs are grouped
// into one server entry; TURN URLs carry the configured credentials.
func ICEConfigFrom(cfg config.ICEConfig) ICEConfig {
	var stun, turn []string
	for _, u := range cfg.URLs {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			turn = append(turn, u)
		} else {
			stun = append(stun, u)
		}
	}

	var out ICEConfig
	if len(stun) > 0 {
		out.Servers = append(out.Servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		out.Servers = append(out.Servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   cfg.Username,
			Credential: cfg.Credential,
		})
	}
	return out
}
