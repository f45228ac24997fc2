package studio

import (
	"sync"

	"github.com/rs/zerolog"

	"server/internal/protocol"
)

// envelopeSender is the slice of Conn the tracker needs.
type envelopeSender interface {
	Send(protocol.Envelope) error
	IsConnected() bool
}

// SubscriptionTracker mirrors the server-side interest registry on the
// client: whenever the viewed resource changes it swaps the resource-scoped
// subscription, and after every reconnect it re-issues the subscription for
// whatever resource is viewed at that moment. User-scoped events need no
// tracking since the gateway subscribes every connection to its own user key
// implicitly.
type SubscriptionTracker struct {
	conn envelopeSender
	log  zerolog.Logger

	mu     sync.Mutex
	viewed string // what the UI is looking at right now
	active string // what is actually subscribed on the wire
}

func NewSubscriptionTracker(conn envelopeSender, log zerolog.Logger) *SubscriptionTracker {
	return &SubscriptionTracker{conn: conn, log: log.With().Str("component", "studio.subs").Logger()}
}

// SetViewedResource declares the input-image id the UI is currently viewing.
// An empty id means nothing is viewed. When disconnected the change is only
// recorded; HandleConnect replays it once the socket is back.
func (t *SubscriptionTracker) SetViewedResource(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewed = id
	if !t.conn.IsConnected() {
		return
	}
	if t.active == id {
		return
	}
	if t.active != "" {
		t.sendLocked(protocol.TypeUnsubscribeGeneration, t.active)
	}
	t.active = ""
	if id != "" {
		if t.sendLocked(protocol.TypeSubscribeGeneration, id) {
			t.active = id
		}
	}
}

// ViewedResource returns the id the UI most recently declared.
func (t *SubscriptionTracker) ViewedResource() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewed
}

// HandleConnect re-issues the subscription for the resource viewed right now.
// It is wired to the connection's post-handshake hook so a reconnect that
// happened mid-navigation subscribes to the latest resource, never a stale
// one captured before the disconnect.
func (t *SubscriptionTracker) HandleConnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = ""
	if t.viewed == "" {
		return
	}
	if t.sendLocked(protocol.TypeSubscribeGeneration, t.viewed) {
		t.active = t.viewed
	}
}

func (t *SubscriptionTracker) sendLocked(msgType, imageID string) bool {
	env, err := protocol.NewEnvelope(msgType, protocol.SubscribePayload{InputImageID: imageID})
	if err != nil {
		return false
	}
	env.InputImageID = imageID
	if err := t.conn.Send(env); err != nil {
		t.log.Debug().Err(err).Str("type", msgType).Msg("subscription send dropped")
		return false
	}
	return true
}
