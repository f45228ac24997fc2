package studio

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/protocol"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Envelope
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) setConnected(on bool) {
	f.mu.Lock()
	f.connected = on
	f.mu.Unlock()
}

func (f *fakeSender) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.sent...)
}

func TestViewedResourceSwapReplacesSubscription(t *testing.T) {
	sender := &fakeSender{connected: true}
	tr := NewSubscriptionTracker(sender, zerolog.Nop())

	tr.SetViewedResource("img-1")
	tr.SetViewedResource("img-2")

	got := sender.envelopes()
	want := []struct{ msgType, id string }{
		{protocol.TypeSubscribeGeneration, "img-1"},
		{protocol.TypeUnsubscribeGeneration, "img-1"},
		{protocol.TypeSubscribeGeneration, "img-2"},
	}
	if len(got) != len(want) {
		t.Fatalf("sent %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Type != w.msgType || got[i].InputImageID != w.id {
			t.Fatalf("message %d = %s/%s, want %s/%s", i, got[i].Type, got[i].InputImageID, w.msgType, w.id)
		}
	}
}

func TestSameResourceIsIdempotent(t *testing.T) {
	sender := &fakeSender{connected: true}
	tr := NewSubscriptionTracker(sender, zerolog.Nop())

	tr.SetViewedResource("img-1")
	tr.SetViewedResource("img-1")

	if got := sender.envelopes(); len(got) != 1 {
		t.Fatalf("re-declaring the same resource sent %d messages, want 1", len(got))
	}
}

func TestDisconnectedChangesAreDeferred(t *testing.T) {
	sender := &fakeSender{connected: false}
	tr := NewSubscriptionTracker(sender, zerolog.Nop())

	tr.SetViewedResource("img-1")
	if got := sender.envelopes(); len(got) != 0 {
		t.Fatalf("sent %d messages while disconnected, want 0", len(got))
	}

	sender.setConnected(true)
	tr.HandleConnect()

	got := sender.envelopes()
	if len(got) != 1 || got[0].Type != protocol.TypeSubscribeGeneration || got[0].InputImageID != "img-1" {
		t.Fatalf("expected one deferred subscribe for img-1, got %+v", got)
	}
}

func TestReconnectUsesLatestResource(t *testing.T) {
	sender := &fakeSender{connected: true}
	tr := NewSubscriptionTracker(sender, zerolog.Nop())

	tr.SetViewedResource("img-1")
	sender.setConnected(false)

	// Navigation happened while the socket was down.
	tr.SetViewedResource("img-2")

	sender.setConnected(true)
	sender.mu.Lock()
	sender.sent = nil
	sender.mu.Unlock()
	tr.HandleConnect()

	got := sender.envelopes()
	if len(got) != 1 {
		t.Fatalf("reconnect sent %d messages, want exactly 1: %+v", len(got), got)
	}
	if got[0].Type != protocol.TypeSubscribeGeneration || got[0].InputImageID != "img-2" {
		t.Fatalf("reconnect subscribed %s/%s, want the id current at reconnect time (img-2)", got[0].Type, got[0].InputImageID)
	}
}
