package studio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/protocol"
)

type fakeJobAPI struct {
	mu       sync.Mutex
	enqueued []EnqueueParams
	failNext error
}

func (f *fakeJobAPI) EnqueueJob(_ context.Context, params EnqueueParams) (EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return EnqueueResult{}, err
	}
	f.enqueued = append(f.enqueued, params)
	return EnqueueResult{BatchID: fmt.Sprintf("batch-%d", len(f.enqueued)), Status: "PROCESSING"}, nil
}

func (f *fakeJobAPI) GetBatchStatus(context.Context, string) (domain.Batch, error) {
	return domain.Batch{}, nil
}

func (f *fakeJobAPI) ListVariations(context.Context, string) ([]domain.Variation, error) {
	return nil, nil
}

func (f *fakeJobAPI) calls() []EnqueueParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EnqueueParams(nil), f.enqueued...)
}

func newTestPipeline(api JobAPI) (*Pipeline, *State) {
	state := newTestState()
	p := NewPipeline(api, state, zerolog.Nop())
	p.Phase2Settle = 0
	return p, state
}

func startOutpaint(t *testing.T, p *Pipeline) {
	t.Helper()
	err := p.Start(context.Background(),
		EnqueueParams{Prompt: domain.PromptData{Prompt: "garden view"}, TotalVariations: 1, BaseImageID: "base-1"},
		EnqueueParams{Prompt: domain.PromptData{Prompt: "add plants"}, TotalVariations: 1, MaskID: "mask-1"},
	)
	if err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
}

func TestPipelineEnqueuesInpaintWithOutpaintResult(t *testing.T) {
	api := &fakeJobAPI{}
	p, state := newTestPipeline(api)
	startOutpaint(t, p)

	if !state.Generating() {
		t.Fatal("generating flag should be set after enqueue")
	}
	if calls := api.calls(); len(calls) != 1 || calls[0].Operation != domain.OperationOutpaint {
		t.Fatalf("unexpected first enqueue: %+v", calls)
	}

	if !p.HandleStarted(protocol.VariationEvent{BatchID: "batch-1", ImageID: "v-out"}) {
		t.Fatal("started event for in-flight batch not consumed")
	}
	if !p.HandleCompleted(protocol.VariationEvent{BatchID: "batch-1", ImageID: "v-out", OperationType: "outpaint"}) {
		t.Fatal("outpaint completion not consumed")
	}

	calls := api.calls()
	if len(calls) != 2 {
		t.Fatalf("expected inpaint enqueue, got %d calls", len(calls))
	}
	if calls[1].Operation != domain.OperationInpaint || calls[1].BaseImageID != "v-out" {
		t.Fatalf("inpaint enqueued with %+v, want base v-out", calls[1])
	}
	if calls[1].MaskID != "mask-1" {
		t.Fatalf("inpaint params lost the mask: %+v", calls[1])
	}

	// Not done until the inpaint itself completes.
	if _, active := p.Active(); !active {
		t.Fatal("pipeline ended before inpaint completed")
	}

	if !p.HandleStarted(protocol.VariationEvent{BatchID: "batch-2", ImageID: "v-in"}) {
		t.Fatal("inpaint started not consumed")
	}
	if !p.HandleCompleted(protocol.VariationEvent{BatchID: "batch-2", ImageID: "v-in", OperationType: "inpaint"}) {
		t.Fatal("inpaint completion not consumed")
	}
	if _, active := p.Active(); active {
		t.Fatal("pipeline still active after inpaint completed")
	}
	if state.Generating() {
		t.Fatal("generating flag not cleared")
	}
}

func TestPipelinePhaseMismatchFallsThrough(t *testing.T) {
	api := &fakeJobAPI{}
	p, _ := newTestPipeline(api)
	startOutpaint(t, p)

	p.HandleStarted(protocol.VariationEvent{BatchID: "batch-1"})
	p.HandleCompleted(protocol.VariationEvent{BatchID: "batch-1", ImageID: "v-out", OperationType: "outpaint"})
	p.HandleStarted(protocol.VariationEvent{BatchID: "batch-2"})

	// A stray outpaint completion from an unrelated job while the pipeline
	// already advanced must not re-trigger phase 2.
	if p.HandleCompleted(protocol.VariationEvent{BatchID: "batch-1", ImageID: "v-out", OperationType: "outpaint"}) {
		t.Fatal("stale outpaint completion was consumed by the pipeline")
	}
	if calls := api.calls(); len(calls) != 2 {
		t.Fatalf("phase 2 enqueued %d times, want 1 (total calls %d)", len(calls)-1, len(calls))
	}
	if phase, _ := p.Active(); phase != PhaseInpaintStarted {
		t.Fatalf("phase = %s, want inpaint_started", phase)
	}
}

func TestPipelineOnlyTracksOneSlot(t *testing.T) {
	api := &fakeJobAPI{}
	p, _ := newTestPipeline(api)
	startOutpaint(t, p)

	err := p.Start(context.Background(), EnqueueParams{}, EnqueueParams{})
	if !errors.Is(err, ErrPipelineActive) {
		t.Fatalf("second start returned %v, want ErrPipelineActive", err)
	}
}

func TestPipelinePhase2EnqueueFailureDiscardsState(t *testing.T) {
	api := &fakeJobAPI{}
	p, state := newTestPipeline(api)
	startOutpaint(t, p)

	api.mu.Lock()
	api.failNext = errors.New("backend unavailable")
	api.mu.Unlock()

	p.HandleStarted(protocol.VariationEvent{BatchID: "batch-1"})
	if !p.HandleCompleted(protocol.VariationEvent{BatchID: "batch-1", ImageID: "v-out", OperationType: "outpaint"}) {
		t.Fatal("outpaint completion not consumed")
	}

	if _, active := p.Active(); active {
		t.Fatal("pipeline should be discarded after enqueue failure")
	}
	if state.Generating() {
		t.Fatal("generating flag should be cleared after enqueue failure")
	}
}

func TestPipelineFailureEventDiscardsState(t *testing.T) {
	api := &fakeJobAPI{}
	p, state := newTestPipeline(api)
	startOutpaint(t, p)

	if !p.HandleFailed(protocol.VariationEvent{BatchID: "batch-1", Error: "gpu exploded"}) {
		t.Fatal("failure for in-flight batch not consumed")
	}
	if _, active := p.Active(); active {
		t.Fatal("pipeline still active after failure")
	}
	if state.Generating() {
		t.Fatal("generating flag not cleared after failure")
	}

	// Failures for unrelated batches are not the pipeline's concern.
	if p.HandleFailed(protocol.VariationEvent{BatchID: "batch-9"}) {
		t.Fatal("unrelated failure consumed by idle pipeline")
	}
}

func TestUnrelatedFailureKeepsGeneratingFlag(t *testing.T) {
	api := &fakeJobAPI{}
	p, state := newTestPipeline(api)
	startOutpaint(t, p)

	// A sibling batch failing while the pipeline is in flight must not touch
	// its busy state. Apply in the same order the dispatcher does: reconciler
	// first, then the pipeline.
	ev := protocol.VariationEvent{BatchID: "unrelated-batch", ImageID: "v-other", Error: "gpu exploded"}
	state.ApplyVariationEvent(protocol.TypeVariationFailed, ev)
	if p.HandleFailed(ev) {
		t.Fatal("unrelated failure consumed by the pipeline")
	}

	if !state.Generating() {
		t.Fatal("generating flag cleared by a failure that was not the tracked operation")
	}
	if _, active := p.Active(); !active {
		t.Fatal("pipeline discarded by an unrelated failure")
	}

	// The failed sibling is still recorded.
	if v, ok := state.Variation("v-other"); !ok || v.Status != domain.VariationFailed {
		t.Fatalf("sibling failure not reconciled: %+v", v)
	}
}
