// Package realtime routes job-lifecycle events from producers to the
// WebSocket connections interested in them. Routing is two-tier: every
// connection implicitly receives events for its own user, while per-image
// events require an explicit subscription from the client.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers cannot set Origin-independent headers on the handshake; CORS
	// policy for the API is enforced separately, so accept any origin here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub maintains the set of live connections and the interest-key index used
// to fan events out. Entries are independent: one connection's churn only
// holds the index lock long enough to mutate maps, never for I/O.
type Hub struct {
	log zerolog.Logger

	mu     sync.RWMutex
	conns  map[*Client]struct{}
	subs   map[InterestKey]map[*Client]struct{}
	byConn map[*Client]map[InterestKey]struct{}
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:    log.With().Str("component", "realtime").Logger(),
		conns:  make(map[*Client]struct{}),
		subs:   make(map[InterestKey]map[*Client]struct{}),
		byConn: make(map[*Client]map[InterestKey]struct{}),
	}
}

// HandleConn upgrades the request and registers the resulting client. The
// caller has already authenticated the request; userID is the token subject.
func (h *Hub) HandleConn(w http.ResponseWriter, r *http.Request, userID, country string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := &Client{
		conn:    conn,
		userID:  userID,
		country: country,
		send:    make(chan []byte, sendBufferSize),
		hub:     h,
		log:     h.log.With().Str("user_id", userID).Logger(),
	}

	h.register(client)

	go client.writePump()
	go client.readPump()

	client.sendEnvelope(protocol.Envelope{
		Type:      protocol.TypeConnected,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RejectUnauthorized completes the upgrade and immediately closes with the
// reserved policy-violation code so clients can tell an auth rejection from
// transport loss. The reason string lets clients distinguish an expired
// credential from other rejections.
func (h *Hub) RejectUnauthorized(w http.ResponseWriter, r *http.Request, reason string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// register adds the client and its implicit user-scoped subscription.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.byConn[c] = make(map[InterestKey]struct{})
	h.mu.Unlock()

	h.Subscribe(c, UserKey(c.userID))

	h.log.Debug().Str("user_id", c.userID).Str("country", c.country).Int("conns", h.ConnCount()).Msg("client registered")
}

// unregister removes the client and purges every key it subscribed to.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, known := h.conns[c]; !known {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for key := range h.byConn[c] {
		if set, ok := h.subs[key]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
	}
	delete(h.byConn, c)
	h.mu.Unlock()

	// Channel close happens outside the lock.
	c.Close()
	h.log.Debug().Str("user_id", c.userID).Msg("client unregistered")
}

// Subscribe registers interest in a key. Re-subscribing is a no-op.
func (h *Hub) Subscribe(c *Client, key InterestKey) {
	if key.IsZero() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, known := h.conns[c]; !known {
		return
	}
	if _, ok := h.subs[key]; !ok {
		h.subs[key] = make(map[*Client]struct{})
	}
	h.subs[key][c] = struct{}{}
	h.byConn[c][key] = struct{}{}
}

// Unsubscribe removes interest in a key. Unknown keys are a no-op.
func (h *Hub) Unsubscribe(c *Client, key InterestKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	if keys, ok := h.byConn[c]; ok {
		delete(keys, key)
	}
}

// Publish fans an envelope out to every connection subscribed to key. Events
// for keys nobody holds are dropped silently: an unsubscribe racing an
// in-flight event is expected, not an error. Slow consumers lose the message
// rather than blocking the producer.
func (h *Hub) Publish(key InterestKey, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", env.Type).Msg("marshal publish payload")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.subs[key]))
	for c := range h.subs[key] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.SafeSend(data) {
			h.log.Debug().Str("key", key.String()).Str("type", env.Type).Msg("dropped message for slow client")
		}
	}
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns how many connections hold the given key.
func (h *Hub) SubscriberCount(key InterestKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}
