package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-callcoord/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// eventClient is one UI connection on the event stream.
type eventClient struct {
	ID     string
	Conn   *websocket.Conn
	Events <-chan models.Event
	done   chan struct{}
}

// StreamEvents upgrades to a websocket and pushes every agent event to the UI
// until either side goes away.
func (h *Handler) StreamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	events, unsubscribe := h.agent.Subscribe()
	client := &eventClient{
		ID:     uuid.NewString(),
		Conn:   conn,
		Events: events,
		done:   make(chan struct{}),
	}
	log.Info().Str("client", client.ID).Str("user_id", h.agent.UserID()).Msg("Event stream opened")

	go func() {
		client.writePump()
		unsubscribe()
	}()
	go client.readPump()
}

// readPump only services control frames; the stream is one-way.
func (c *eventClient) readPump() {
	defer func() {
		close(c.done)
		c.Conn.Close()
		log.Info().Str("client", c.ID).Msg("Event stream closed")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.Events:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to marshal event")
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("client", c.ID).Msg("Failed to write event")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
