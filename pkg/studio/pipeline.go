package studio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/protocol"
)

// Phase enumerates the two-job edit pipeline's states. The pipeline holds one
// slot: Done and Failed immediately reset it to Idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutpaintStarting
	PhaseOutpaintStarted
	PhaseInpaintStarting
	PhaseInpaintStarted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutpaintStarting:
		return "outpaint_starting"
	case PhaseOutpaintStarted:
		return "outpaint_started"
	case PhaseInpaintStarting:
		return "inpaint_starting"
	case PhaseInpaintStarted:
		return "inpaint_started"
	default:
		return "unknown"
	}
}

// ErrPipelineActive is returned when Start is called while a pipeline is
// already in flight; only one is tracked at a time.
var ErrPipelineActive = errors.New("studio: pipeline already in flight")

// defaultPhase2Settle is the grace period between observing the outpaint
// completion and enqueuing the inpaint job. The reconciler upsert is already
// synchronous by the time the coordinator sees the event, so this is a
// conservative buffer for the backend's own read-after-write lag, kept
// configurable and zeroed in tests.
const defaultPhase2Settle = 500 * time.Millisecond

// Pipeline sequences an outpaint job and a dependent inpaint job as one
// logical operation. The inpaint is enqueued automatically when the outpaint
// result arrives, using that result as its base image.
type Pipeline struct {
	api   JobAPI
	state *State
	log   zerolog.Logger

	Phase2Settle time.Duration

	mu               sync.Mutex
	phase            Phase
	batchID          string // batch of the phase currently in flight
	outpaintResultID string
	inpaintParams    EnqueueParams
}

func NewPipeline(api JobAPI, state *State, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		api:          api,
		state:        state,
		log:          log.With().Str("component", "studio.pipeline").Logger(),
		Phase2Settle: defaultPhase2Settle,
	}
}

// Start enqueues the outpaint job and arms the pipeline. inpaintParams are
// held until the outpaint result is known; its BaseImageID is filled in then.
func (p *Pipeline) Start(ctx context.Context, outpaint, inpaint EnqueueParams) error {
	p.mu.Lock()
	if p.phase != PhaseIdle {
		p.mu.Unlock()
		return ErrPipelineActive
	}
	p.phase = PhaseOutpaintStarting
	p.inpaintParams = inpaint
	p.mu.Unlock()

	outpaint.Operation = domain.OperationOutpaint
	res, err := p.api.EnqueueJob(ctx, outpaint)
	if err != nil {
		p.fail("outpaint enqueue", err)
		return err
	}

	p.mu.Lock()
	p.batchID = res.BatchID
	p.mu.Unlock()
	p.state.SetGenerating(true)
	return nil
}

// Active reports whether a pipeline is in flight, and its phase.
func (p *Pipeline) Active() (Phase, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase, p.phase != PhaseIdle
}

// HandleStarted advances *_STARTING to *_STARTED when the started event
// belongs to the in-flight batch. Returns whether the event was consumed.
func (p *Pipeline) HandleStarted(ev protocol.VariationEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.BatchID != p.batchID {
		return false
	}
	switch p.phase {
	case PhaseOutpaintStarting:
		p.phase = PhaseOutpaintStarted
		return true
	case PhaseInpaintStarting:
		p.phase = PhaseInpaintStarted
		return true
	}
	return false
}

// HandleCompleted advances the pipeline on a completion event for the
// in-flight batch. A completion whose batch or operation does not match the
// expected next phase is left unconsumed so ordinary completion handling
// processes it; that guards against cross-talk from unrelated jobs fired
// while a pipeline is active.
func (p *Pipeline) HandleCompleted(ev protocol.VariationEvent) bool {
	p.mu.Lock()
	if ev.BatchID == "" || ev.BatchID != p.batchID {
		p.mu.Unlock()
		return false
	}
	op := domain.OperationType(ev.OperationType)
	switch {
	case (p.phase == PhaseOutpaintStarting || p.phase == PhaseOutpaintStarted) && op == domain.OperationOutpaint:
		p.phase = PhaseInpaintStarting
		p.outpaintResultID = ev.ImageID
		params := p.inpaintParams
		params.Operation = domain.OperationInpaint
		params.BaseImageID = ev.ImageID
		settle := p.Phase2Settle
		p.mu.Unlock()
		if settle <= 0 {
			p.enqueueInpaint(params)
		} else {
			time.AfterFunc(settle, func() { p.enqueueInpaint(params) })
		}
		return true
	case (p.phase == PhaseInpaintStarting || p.phase == PhaseInpaintStarted) && op == domain.OperationInpaint:
		p.resetLocked()
		p.mu.Unlock()
		p.state.SetGenerating(false)
		p.log.Info().Str("batchId", ev.BatchID).Msg("pipeline done")
		return true
	}
	p.mu.Unlock()
	return false
}

// HandleFailed discards the pipeline when a failure event belongs to the
// in-flight batch. Returns whether the event was consumed.
func (p *Pipeline) HandleFailed(ev protocol.VariationEvent) bool {
	p.mu.Lock()
	if p.phase == PhaseIdle || ev.BatchID != p.batchID {
		p.mu.Unlock()
		return false
	}
	p.resetLocked()
	p.mu.Unlock()
	p.state.SetGenerating(false)
	p.log.Warn().Str("batchId", ev.BatchID).Str("error", ev.Error).Msg("pipeline failed")
	return true
}

// enqueueInpaint fires phase 2. An enqueue failure fails the whole pipeline;
// no retry is attempted here.
func (p *Pipeline) enqueueInpaint(params EnqueueParams) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := p.api.EnqueueJob(ctx, params)
	if err != nil {
		p.fail("inpaint enqueue", err)
		return
	}
	p.mu.Lock()
	if p.phase == PhaseInpaintStarting {
		p.batchID = res.BatchID
	}
	p.mu.Unlock()
}

func (p *Pipeline) fail(stage string, err error) {
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
	p.state.SetGenerating(false)
	p.log.Warn().Err(err).Str("stage", stage).Msg("pipeline failed")
}

func (p *Pipeline) resetLocked() {
	p.phase = PhaseIdle
	p.batchID = ""
	p.outpaintResultID = ""
	p.inpaintParams = EnqueueParams{}
}
