package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Control messages are tiny.
	maxMessageSize = 32 * 1024

	// Per-client outbound buffer.
	sendBufferSize = 64
)

// Client is one authenticated WebSocket connection owned by the hub.
type Client struct {
	conn    *websocket.Conn
	userID  string
	country string
	send    chan []byte
	hub     *Hub
	log     zerolog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// UserID returns the authenticated owner of the connection.
func (c *Client) UserID() string { return c.userID }

// SafeSend queues data for delivery without panicking on a closed channel.
// Returns false when the client is closed or its buffer is full; a full
// buffer drops the message, keeping producers non-blocking.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send channel exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Client) sendEnvelope(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error().Err(err).Str("type", env.Type).Msg("marshal envelope")
		return
	}
	c.SafeSend(data)
}

// readPump reads control messages from the connection until it dies, then
// unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("unparseable client message")
			continue
		}
		c.handleControl(env)
	}
}

// handleControl processes a single client control message. Subscribe and
// unsubscribe are idempotent, so replayed messages are harmless.
func (c *Client) handleControl(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		c.sendEnvelope(protocol.Envelope{Type: protocol.TypePong, Timestamp: time.Now().UTC().Format(time.RFC3339)})
	case protocol.TypeSubscribeGeneration, protocol.TypeSubscribeMasks:
		if id := subscribeImageID(env); id != "" {
			c.hub.Subscribe(c, ResourceKey(id))
		}
	case protocol.TypeUnsubscribeGeneration, protocol.TypeUnsubscribeMasks:
		if id := subscribeImageID(env); id != "" {
			c.hub.Unsubscribe(c, ResourceKey(id))
		}
	default:
		c.log.Debug().Str("type", env.Type).Msg("ignoring unknown control message")
	}
}

func subscribeImageID(env protocol.Envelope) string {
	if env.InputImageID != "" {
		return env.InputImageID
	}
	var payload protocol.SubscribePayload
	if err := env.DecodeData(&payload); err != nil {
		return ""
	}
	return payload.InputImageID
}

// writePump drains the send channel onto the socket and keeps the peer alive
// with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
