package studio

import (
	"github.com/rs/zerolog"

	"server/internal/protocol"
)

// Handler processes one decoded envelope. Handlers run synchronously on the
// connection's read goroutine, so mutations they perform are serialized: one
// message is fully applied before the next is looked at.
type Handler func(protocol.Envelope)

// Dispatcher routes inbound envelopes by their type discriminator. Unknown
// types are dropped with a debug log; duplicates and stale deliveries are the
// handlers' concern (the reconciler absorbs them via idempotent upserts).
type Dispatcher struct {
	handlers map[string]Handler
	log      zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "studio.dispatch").Logger(),
	}
}

// Handle registers the handler for a message type, replacing any previous
// registration. Registration must finish before the connection is opened.
func (d *Dispatcher) Handle(msgType string, h Handler) {
	d.handlers[msgType] = h
}

// Dispatch routes one envelope. Safe to call from exactly one goroutine.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	h, ok := d.handlers[env.Type]
	if !ok {
		d.log.Debug().Str("type", env.Type).Msg("no handler, dropping")
		return
	}
	h(env)
}
