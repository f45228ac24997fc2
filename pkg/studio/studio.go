// Package studio is the client SDK for the realtime generation gateway. It
// owns the socket lifecycle (auth, heartbeat, bounded reconnect), mirrors the
// server's interest registry, routes typed push events, advances the
// two-phase outpaint/inpaint pipeline, and folds the unordered event stream
// into one consistent in-memory view of variations, batches, selection and
// credits.
package studio

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"server/internal/protocol"
)

// Options configures a Client. Endpoint and Credentials are required; API is
// optional (without it, completion events skip the pull-based list refresh
// and pipelines cannot enqueue phase 2).
type Options struct {
	Endpoint    string
	Credentials CredentialStore
	API         JobAPI
	Logger      zerolog.Logger

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RetryBackoff      time.Duration
	MaxRetries        int

	// OnMasks receives masks_completed / masks_failed envelopes; the mask
	// overlay layer consumes these directly rather than through State.
	OnMasks       func(protocol.Envelope)
	OnStateChange func(ConnState)
}

// Client ties the connection manager, subscription tracker, dispatcher,
// pipeline coordinator and state reconciler together behind one handle.
type Client struct {
	Conn     *Conn
	Subs     *SubscriptionTracker
	State    *State
	Pipeline *Pipeline

	dispatcher *Dispatcher
	api        JobAPI
	log        zerolog.Logger
}

func New(opts Options) *Client {
	log := opts.Logger
	if opts.Credentials == nil {
		opts.Credentials = NewMemoryCredentials("")
	}

	c := &Client{
		State:      NewState(log),
		dispatcher: NewDispatcher(log),
		api:        opts.API,
		log:        log.With().Str("component", "studio").Logger(),
	}
	c.Pipeline = NewPipeline(opts.API, c.State, log)

	c.Conn = NewConn(ConnConfig{
		Endpoint:          opts.Endpoint,
		Credentials:       opts.Credentials,
		HeartbeatInterval: opts.HeartbeatInterval,
		HeartbeatTimeout:  opts.HeartbeatTimeout,
		RetryBackoff:      opts.RetryBackoff,
		MaxRetries:        opts.MaxRetries,
		Logger:            log,
		OnMessage:         c.dispatcher.Dispatch,
		OnConnect:         func() { c.Subs.HandleConnect() },
		OnStateChange:     opts.OnStateChange,
	})
	c.Subs = NewSubscriptionTracker(c.Conn, log)

	c.registerHandlers(opts.OnMasks)
	return c
}

func (c *Client) registerHandlers(onMasks func(protocol.Envelope)) {
	d := c.dispatcher

	variation := func(msgType string) Handler {
		return func(env protocol.Envelope) {
			var ev protocol.VariationEvent
			if err := env.DecodeData(&ev); err != nil {
				c.log.Warn().Err(err).Str("type", msgType).Msg("bad payload")
				return
			}
			c.State.ApplyVariationEvent(msgType, ev)
			switch msgType {
			case protocol.TypeVariationStarted:
				c.Pipeline.HandleStarted(ev)
			case protocol.TypeVariationCompleted:
				if !c.Pipeline.HandleCompleted(ev) {
					c.refreshVariations(ev)
				}
			case protocol.TypeVariationFailed:
				c.Pipeline.HandleFailed(ev)
			}
		}
	}
	d.Handle(protocol.TypeVariationStarted, variation(protocol.TypeVariationStarted))
	d.Handle(protocol.TypeVariationProgress, variation(protocol.TypeVariationProgress))
	d.Handle(protocol.TypeVariationCompleted, variation(protocol.TypeVariationCompleted))
	d.Handle(protocol.TypeVariationFailed, variation(protocol.TypeVariationFailed))

	d.Handle(protocol.TypeBatchCompleted, func(env protocol.Envelope) {
		var ev protocol.BatchCompletedEvent
		if err := env.DecodeData(&ev); err != nil {
			c.log.Warn().Err(err).Msg("bad batch_completed payload")
			return
		}
		c.State.ApplyBatchCompleted(ev)
	})

	d.Handle(protocol.TypeCreditUpdate, func(env protocol.Envelope) {
		var ev protocol.CreditUpdateEvent
		if err := env.DecodeData(&ev); err != nil {
			return
		}
		c.State.SetCredits(ev.Credits)
	})

	d.Handle(protocol.TypeGenerationStarted, func(env protocol.Envelope) {
		var ev protocol.GenerationStartedEvent
		if err := env.DecodeData(&ev); err != nil {
			return
		}
		c.State.SetCredits(ev.RemainingCredits)
	})

	d.Handle(protocol.TypeError, func(env protocol.Envelope) {
		c.log.Warn().Str("message", env.Message).Msg("server error event")
	})

	if onMasks != nil {
		d.Handle(protocol.TypeMasksCompleted, onMasks)
		d.Handle(protocol.TypeMasksFailed, onMasks)
	}
}

// refreshVariations reconciles push state with an authoritative pull after a
// completion that was not part of a pipeline. Loss here is tolerable: the
// completed record was already upserted from the event itself.
func (c *Client) refreshVariations(ev protocol.VariationEvent) {
	if c.api == nil {
		return
	}
	base := ev.OriginalBaseImageID
	if base == "" {
		base = ev.ImageID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		list, err := c.api.ListVariations(ctx, base)
		if err != nil {
			c.log.Debug().Err(err).Str("baseImageId", base).Msg("variation refresh failed")
			return
		}
		c.State.ReplaceVariations(list)
	}()
}

// Connect opens the realtime connection.
func (c *Client) Connect() error { return c.Conn.Connect() }

// Close tears the connection down without triggering reconnection.
func (c *Client) Close() { c.Conn.Close() }
