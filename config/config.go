package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Config struct {
	BindAddr       string
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LoginSecret    string
	LogLevel       string

	UserID      string
	DisplayName string

	StoreBackend string
	Redis        RedisConfig
	ICE          ICEConfig
	Timeouts     Timeouts
}

type RedisConfig struct {
	Host      string
	Port      string
	Password  string
	DB        int
	KeyPrefix string
}

// ICEConfig lists the STUN/TURN servers handed to every peer connection.
// Credentials apply to turn: and turns: URLs only.
type ICEConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// Timeouts is the liveness policy shared by the connection manager,
// matchmaking engine and request coordinator.
type Timeouts struct {
	Connect         time.Duration
	DisconnectGrace time.Duration
	ScanInterval    time.Duration
	StaleMatch      time.Duration
	RequestTTL      time.Duration
}

// DefaultTimeouts returns the stock policy: 15s to connect, 5s grace for
// transient disconnects, 2s scan period, 30s stale-match sweep, 60s request TTL.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:         15 * time.Second,
		DisconnectGrace: 5 * time.Second,
		ScanInterval:    2 * time.Second,
		StaleMatch:      30 * time.Second,
		RequestTTL:      60 * time.Second,
	}
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitList(originsStr)

	userID := getEnv("AGENT_USER_ID", uuid.New().String())
	defaults := DefaultTimeouts()

	return &Config{
		BindAddr:       getEnv("BIND_ADDR", "127.0.0.1"),
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LoginSecret:    getEnv("AGENT_LOGIN_SECRET", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UserID:         userID,
		DisplayName:    getEnv("AGENT_DISPLAY_NAME", userID),
		StoreBackend:   getEnv("STORE_BACKEND", "redis"),
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnv("REDIS_PORT", "6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "callcoord"),
		},
		ICE: ICEConfig{
			URLs:       splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
			Username:   getEnv("TURN_USERNAME", ""),
			Credential: getEnv("TURN_CREDENTIAL", ""),
		},
		Timeouts: Timeouts{
			Connect:         getEnvDuration("CONNECT_TIMEOUT", defaults.Connect),
			DisconnectGrace: getEnvDuration("DISCONNECT_GRACE", defaults.DisconnectGrace),
			ScanInterval:    getEnvDuration("SCAN_INTERVAL", defaults.ScanInterval),
			StaleMatch:      getEnvDuration("STALE_MATCH_AGE", defaults.StaleMatch),
			RequestTTL:      getEnvDuration("REQUEST_TTL", defaults.RequestTTL),
		},
	}
}

// ListenAddr is the host:port the control surface binds to. The default host
// is loopback, so only the local UI can reach the agent.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
