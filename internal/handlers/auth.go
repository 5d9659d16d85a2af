package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-callcoord/internal/middleware"
	"github.com/rs/zerolog/log"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Secret string `json:"secret"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues a session token to the UI driving this agent. The agent acts
// for exactly one user, so only that user id is accepted. When loginSecret is
// set the body must carry it as well.
func Login(jwtSecret, loginSecret, agentUserID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		if req.UserID != agentUserID {
			log.Warn().Str("user_id", req.UserID).Msg("Login refused for foreign user")
			c.JSON(http.StatusForbidden, gin.H{
				"error": "This agent does not act for that user",
			})
			return
		}

		if loginSecret != "" && subtle.ConstantTimeCompare([]byte(req.Secret), []byte(loginSecret)) != 1 {
			log.Warn().Str("user_id", req.UserID).Msg("Login refused, bad secret")
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Invalid login secret",
			})
			return
		}

		tokenString, err := middleware.IssueToken(jwtSecret, agentUserID, tokenTTL)
		if err != nil {
			log.Error().Err(err).Msg("Failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  tokenString,
			UserID: agentUserID,
		})
	}
}
