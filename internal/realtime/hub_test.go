package realtime

import (
	"encoding/json"
	"testing"

	"server/internal/protocol"

	"github.com/rs/zerolog"
)

func newTestClient(h *Hub, userID string) *Client {
	c := &Client{
		userID: userID,
		send:   make(chan []byte, 8),
		hub:    h,
		log:    zerolog.Nop(),
	}
	h.register(c)
	return c
}

func drain(c *Client) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case data := <-c.send:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestHubRoutesUserScopedEventsImplicitly(t *testing.T) {
	h := NewHub(zerolog.Nop())
	alice := newTestClient(h, "alice")
	bob := newTestClient(h, "bob")

	h.Publish(UserKey("alice"), protocol.Envelope{Type: protocol.TypeCreditUpdate})

	if got := drain(alice); len(got) != 1 || got[0].Type != protocol.TypeCreditUpdate {
		t.Fatalf("alice should receive her user-scoped event, got %+v", got)
	}
	if got := drain(bob); len(got) != 0 {
		t.Fatalf("bob should not receive alice's event, got %+v", got)
	}
}

func TestHubResourceEventsRequireExplicitSubscription(t *testing.T) {
	h := NewHub(zerolog.Nop())
	viewer := newTestClient(h, "alice")
	other := newTestClient(h, "alice")

	h.Subscribe(viewer, ResourceKey("img-1"))
	h.Publish(ResourceKey("img-1"), protocol.Envelope{Type: protocol.TypeVariationStarted})

	if got := drain(viewer); len(got) != 1 {
		t.Fatalf("subscribed viewer should receive the event, got %+v", got)
	}
	if got := drain(other); len(got) != 0 {
		t.Fatalf("same-user connection without subscription should not, got %+v", got)
	}
}

func TestHubSubscribeIsIdempotent(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestClient(h, "alice")

	h.Subscribe(c, ResourceKey("img-1"))
	h.Subscribe(c, ResourceKey("img-1"))

	if n := h.SubscriberCount(ResourceKey("img-1")); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}

	h.Publish(ResourceKey("img-1"), protocol.Envelope{Type: protocol.TypeVariationProgress})
	if got := drain(c); len(got) != 1 {
		t.Fatalf("double subscribe must not double delivery, got %d messages", len(got))
	}
}

func TestHubUnsubscribeUnknownKeyIsNoOp(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestClient(h, "alice")

	h.Unsubscribe(c, ResourceKey("never-subscribed"))

	h.Publish(UserKey("alice"), protocol.Envelope{Type: protocol.TypeCreditUpdate})
	if got := drain(c); len(got) != 1 {
		t.Fatalf("implicit user subscription must survive stray unsubscribes, got %d", len(got))
	}
}

func TestHubPublishWithoutSubscribersIsDropped(t *testing.T) {
	h := NewHub(zerolog.Nop())
	// Expected race between unsubscribe and an in-flight event: no panic,
	// no delivery.
	h.Publish(ResourceKey("img-404"), protocol.Envelope{Type: protocol.TypeVariationCompleted})
}

func TestHubUnregisterPurgesAllKeys(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestClient(h, "alice")
	h.Subscribe(c, ResourceKey("img-1"))
	h.Subscribe(c, ResourceKey("img-2"))

	h.unregister(c)

	if n := h.ConnCount(); n != 0 {
		t.Fatalf("ConnCount = %d, want 0", n)
	}
	for _, key := range []InterestKey{UserKey("alice"), ResourceKey("img-1"), ResourceKey("img-2")} {
		if n := h.SubscriberCount(key); n != 0 {
			t.Fatalf("SubscriberCount(%s) = %d after unregister, want 0", key, n)
		}
	}

	// Publishing after close must not panic on the closed send channel.
	h.Publish(UserKey("alice"), protocol.Envelope{Type: protocol.TypeCreditUpdate})
}

func TestHubSlowClientDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := &Client{userID: "alice", send: make(chan []byte, 1), hub: h, log: zerolog.Nop()}
	h.register(c)

	for i := 0; i < 5; i++ {
		h.Publish(UserKey("alice"), protocol.Envelope{Type: protocol.TypeVariationProgress})
	}

	if got := drain(c); len(got) != 1 {
		t.Fatalf("buffer of 1 should hold exactly 1 message, got %d", len(got))
	}
}
