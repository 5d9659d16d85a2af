package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartRandom enters stranger matching
func (h *Handler) StartRandom(c *gin.Context) {
	if err := h.agent.StartRandom(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "searching"})
}

// SkipRandom ends the current stranger call and searches again
func (h *Handler) SkipRandom(c *gin.Context) {
	if err := h.agent.SkipRandom(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "searching"})
}

// StopRandom leaves stranger matching
func (h *Handler) StopRandom(c *gin.Context) {
	if err := h.agent.StopRandom(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}
