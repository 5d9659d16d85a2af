package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-callcoord/config"
	"github.com/mossy-p/webrtc-callcoord/internal/middleware"
)

// NewRouter wires the agent's control surface.
func NewRouter(cfg *config.Config, a CallAgent) *gin.Engine {
	h := NewHandler(a)
	auth := middleware.JWTAuth(cfg.JWTSecret, a.UserID())

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "user_id": a.UserID()})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, cfg.LoginSecret, a.UserID()))

		authed := apiGroup.Group("", auth)
		authed.GET("/session", h.GetSession)

		authed.POST("/random/start", h.StartRandom)
		authed.POST("/random/skip", h.SkipRandom)
		authed.POST("/random/stop", h.StopRandom)

		authed.POST("/calls", h.SendCallRequest)
		authed.POST("/calls/:requestId/accept", h.AcceptCallRequest)
		authed.POST("/calls/:requestId/reject", h.RejectCallRequest)
		authed.POST("/calls/:requestId/cancel", h.CancelCallRequest)
		authed.POST("/call/hangup", h.Hangup)
		authed.POST("/call/mute", h.Mute)

		authed.POST("/rooms", h.CreateRoom)
		authed.GET("/rooms/:roomId", h.GetRoom)
		authed.POST("/rooms/:roomId/join", h.JoinRoom)
		authed.POST("/rooms/:roomId/leave", h.LeaveRoom)
		authed.POST("/rooms/:roomId/join-requests", h.RequestToJoin)

		authed.POST("/join-requests/:requestId/accept", h.AcceptJoinRequest)
		authed.POST("/join-requests/:requestId/reject", h.RejectJoinRequest)
		authed.POST("/join-requests/:requestId/cancel", h.CancelJoinRequest)
	}

	wsGroup := router.Group("/ws", auth)
	{
		wsGroup.GET("/events", h.StreamEvents)
	}

	return router
}
