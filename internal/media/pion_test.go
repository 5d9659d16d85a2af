package media

import (
	"context"
	"strings"
	"testing"

	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStreamUsability(t *testing.T) {
	engine, err := NewPionEngine()
	require.NoError(t, err)

	s, err := engine.LocalStream(context.Background(), ConstraintsFor(true))
	require.NoError(t, err)
	local := s.(*LocalStream)
	assert.Len(t, local.Tracks(), 2)
	assert.True(t, local.Usable())

	local.SetMuted(webrtc.RTPCodecTypeAudio, true)
	assert.True(t, local.Usable(), "muted track is disabled with a reason")

	local.SetEnabled(webrtc.RTPCodecTypeVideo, false)
	assert.False(t, local.Usable())

	local.SetEnabled(webrtc.RTPCodecTypeVideo, true)
	assert.True(t, local.Usable())

	require.NoError(t, local.Close())
	assert.False(t, local.Usable())
}

func TestLocalStreamRequiresTracks(t *testing.T) {
	engine, err := NewPionEngine()
	require.NoError(t, err)
	_, err = engine.LocalStream(context.Background(), Constraints{})
	assert.Error(t, err)
}

func TestPionOfferCarriesLocalTracks(t *testing.T) {
	engine, err := NewPionEngine()
	require.NoError(t, err)

	s, err := engine.LocalStream(context.Background(), ConstraintsFor(true))
	require.NoError(t, err)
	pc, err := engine.NewPeerConnection(ICEConfig{})
	require.NoError(t, err)
	defer pc.Close()

	require.NoError(t, pc.AddStream(s))
	offer, err := pc.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=video"))
	assert.Equal(t, webrtc.PeerConnectionStateNew, pc.ConnectionState())
}

func TestICEConfigFrom(t *testing.T) {
	cfg := ICEConfigFrom(config.ICEConfig{
		URLs:       []string{"stun:a.example:3478", "turn:b.example:3478", "turns:c.example:5349"},
		Username:   "u",
		Credential: "p",
	})
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, []string{"stun:a.example:3478"}, cfg.Servers[0].URLs)
	assert.Empty(t, cfg.Servers[0].Username)
	assert.Equal(t, []string{"turn:b.example:3478", "turns:c.example:5349"}, cfg.Servers[1].URLs)
	assert.Equal(t, "u", cfg.Servers[1].Username)

	assert.Empty(t, ICEConfigFrom(config.ICEConfig{}).Servers)
}
