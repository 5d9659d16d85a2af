package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_USER_ID", "alice")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
	assert.Empty(t, cfg.LoginSecret)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "alice", cfg.DisplayName)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, DefaultTimeouts(), cfg.Timeouts)
	assert.Equal(t, "callcoord", cfg.Redis.KeyPrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_USER_ID", "bob")
	t.Setenv("AGENT_DISPLAY_NAME", "Bob")
	t.Setenv("CONNECT_TIMEOUT", "20s")
	t.Setenv("REQUEST_TTL", "not-a-duration")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478 ,")
	t.Setenv("BIND_ADDR", "::")
	t.Setenv("PORT", "9090")
	t.Setenv("AGENT_LOGIN_SECRET", "hunter2")

	cfg := Load()

	assert.Equal(t, "Bob", cfg.DisplayName)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.RequestTTL)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.ICE.URLs)
	assert.Equal(t, "[::]:9090", cfg.ListenAddr())
	assert.Equal(t, "hunter2", cfg.LoginSecret)
}
