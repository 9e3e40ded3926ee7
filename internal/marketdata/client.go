package marketdata

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/rs/zerolog/log"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 512
	sendQueueSize   = 64
	snapshotTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection with its private send queue. The hub
// goroutine owns subs; the pumps only touch conn and send.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	subs   map[types.Market]bool

	closeOnce sync.Once
}

// clientRequest is the client->server protocol: subscribe or unsubscribe
// to one market's book updates.
type clientRequest struct {
	Action    string          `json:"action"` // subscribe or unsubscribe
	TopicID   string          `json:"topic_id"`
	ShareType types.ShareType `json:"share_type"`
}

// ServeWS upgrades the request and registers the connection with the hub.
func ServeWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := &Client{
			hub:    hub,
			conn:   conn,
			userID: c.GetString("userID"),
			send:   make(chan []byte, sendQueueSize),
			subs:   make(map[types.Market]bool),
		}

		hub.register <- client
		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump parses subscription requests until the connection drops, which
// unsubscribes everything (connection loss ends the subscription state).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req clientRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}

		if req.TopicID == "" ||
			(req.ShareType != types.ShareYes && req.ShareType != types.ShareNo) {
			continue
		}

		switch req.Action {
		case "subscribe", "unsubscribe":
			c.hub.actions <- subscription{
				client:    c,
				market:    types.Market{TopicID: req.TopicID, ShareType: req.ShareType},
				subscribe: req.Action == "subscribe",
			}
		}
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
