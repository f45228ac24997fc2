package studio

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/protocol"
)

func newTestState() *State {
	s := NewState(zerolog.Nop())
	s.OutpaintSettle = 0
	s.InpaintSettle = 0
	return s
}

func TestCompletedEventIsIdempotent(t *testing.T) {
	s := newTestState()
	ev := protocol.VariationEvent{
		BatchID:  "b-1",
		ImageID:  "v-1",
		ImageURL: "https://cdn.test/v-1.png",
	}
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, ev)
	first := s.Variations()

	s.ApplyVariationEvent(protocol.TypeVariationCompleted, ev)
	second := s.Variations()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("duplicate delivery changed state:\nfirst  %+v\nsecond %+v", first, second)
	}
	if len(second) != 1 {
		t.Fatalf("expected 1 variation, got %d", len(second))
	}
}

func TestTerminalStateNeverRegresses(t *testing.T) {
	s := newTestState()
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-1", ImageURL: "https://cdn.test/v-1.png",
	})

	for _, msgType := range []string{protocol.TypeVariationStarted, protocol.TypeVariationProgress} {
		s.ApplyVariationEvent(msgType, protocol.VariationEvent{BatchID: "b-1", ImageID: "v-1"})
		v, ok := s.Variation("v-1")
		if !ok {
			t.Fatal("variation disappeared")
		}
		if v.Status != domain.VariationCompleted {
			t.Fatalf("after %s status = %s, want COMPLETED", msgType, v.Status)
		}
		if v.ImageURL != "https://cdn.test/v-1.png" {
			t.Fatalf("after %s imageUrl was cleared", msgType)
		}
	}
}

func TestCompletedBeforeStartedStillCompletes(t *testing.T) {
	s := newTestState()
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-1", ImageURL: "https://cdn.test/v-1.png",
	})
	s.ApplyVariationEvent(protocol.TypeVariationStarted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-1",
	})

	v, ok := s.Variation("v-1")
	if !ok {
		t.Fatal("variation not recorded")
	}
	if v.Status != domain.VariationCompleted {
		t.Fatalf("status = %s, want COMPLETED", v.Status)
	}
}

func TestCreateBatchDoesNotAutoSelect(t *testing.T) {
	s := newTestState()
	for i, id := range []string{"v-1", "v-2", "v-3"} {
		s.ApplyVariationEvent(protocol.TypeVariationStarted, protocol.VariationEvent{
			BatchID: "b-1", ImageID: id, VariationNumber: i + 1, OperationType: "create",
		})
	}
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-2", VariationNumber: 2,
		OperationType: "create", ImageURL: "https://cdn.test/v-2.png",
	})

	wantStatus := map[string]domain.VariationStatus{
		"v-1": domain.VariationProcessing,
		"v-2": domain.VariationCompleted,
		"v-3": domain.VariationProcessing,
	}
	for id, want := range wantStatus {
		v, ok := s.Variation(id)
		if !ok {
			t.Fatalf("variation %s missing", id)
		}
		if v.Status != want {
			t.Fatalf("variation %s status = %s, want %s", id, v.Status, want)
		}
	}
	if v, _ := s.Variation("v-2"); v.ImageURL != "https://cdn.test/v-2.png" {
		t.Fatalf("completed variation lost its url: %+v", v)
	}
	if sel := s.Selected(); sel != "" {
		t.Fatalf("create batch auto-selected %q, want no selection", sel)
	}
}

func TestEditCompletionAutoSelects(t *testing.T) {
	s := newTestState()
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-out", OperationType: "outpaint",
	})
	if sel := s.Selected(); sel != "v-out" {
		t.Fatalf("selected = %q, want v-out", sel)
	}

	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-2", ImageID: "v-in", OperationType: "inpaint",
	})
	if sel := s.Selected(); sel != "v-in" {
		t.Fatalf("selected = %q, want v-in", sel)
	}
}

func TestInpaintPromptSnapshotApplied(t *testing.T) {
	s := newTestState()
	prompt, _ := json.Marshal(map[string]any{"prompt": "X"})
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-1", OperationType: "inpaint", PromptData: prompt,
	})

	v, ok := s.Variation("v-1")
	if !ok {
		t.Fatal("variation missing")
	}
	if v.PromptSnapshot == nil || v.PromptSnapshot.Prompt != "X" {
		t.Fatalf("prompt snapshot = %+v, want prompt X", v.PromptSnapshot)
	}
}

func TestCreditsAlwaysOverwritten(t *testing.T) {
	s := newTestState()
	if _, ok := s.Credits(); ok {
		t.Fatal("credits should be unknown before any event")
	}

	remaining := 7
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-1", RemainingCredits: &remaining,
	})
	if got, ok := s.Credits(); !ok || got != 7 {
		t.Fatalf("credits = %d (%v), want 7", got, ok)
	}

	s.SetCredits(3)
	if got, _ := s.Credits(); got != 3 {
		t.Fatalf("credits = %d, want 3", got)
	}
}

func TestBatchCompletedUpsertsListedImages(t *testing.T) {
	s := newTestState()
	remaining := 5
	s.ApplyBatchCompleted(protocol.BatchCompletedEvent{
		BatchID:              "b-1",
		Status:               "PARTIALLY_COMPLETED",
		OperationType:        "create",
		TotalVariations:      3,
		SuccessfulVariations: 2,
		FailedVariations:     1,
		CompletedImages: []protocol.VariationEvent{
			{BatchID: "b-1", ImageID: "v-1", VariationNumber: 1, ImageURL: "https://cdn.test/v-1.png"},
			{BatchID: "b-1", ImageID: "v-3", VariationNumber: 3, ImageURL: "https://cdn.test/v-3.png"},
		},
		RemainingCredits: &remaining,
	})

	b, ok := s.Batch("b-1")
	if !ok {
		t.Fatal("batch missing")
	}
	if b.Status != domain.BatchPartiallyCompleted || b.SuccessfulVariations != 2 {
		t.Fatalf("batch = %+v", b)
	}
	for _, id := range []string{"v-1", "v-3"} {
		v, ok := s.Variation(id)
		if !ok || v.Status != domain.VariationCompleted {
			t.Fatalf("image %s not upserted as COMPLETED: %+v", id, v)
		}
	}
	if got, _ := s.Credits(); got != 5 {
		t.Fatalf("credits = %d, want 5", got)
	}
}

func TestRefreshNeverRegressesPushState(t *testing.T) {
	s := newTestState()
	s.ApplyVariationEvent(protocol.TypeVariationCompleted, protocol.VariationEvent{
		BatchID: "b-1", ImageID: "v-1", ImageURL: "https://cdn.test/v-1.png",
	})

	// A pull-based refresh raced the push event and still sees PROCESSING.
	s.ReplaceVariations([]domain.Variation{
		{ID: "v-1", BatchID: "b-1", Status: domain.VariationProcessing},
		{ID: "v-2", BatchID: "b-1", Status: domain.VariationProcessing},
	})

	v, _ := s.Variation("v-1")
	if v.Status != domain.VariationCompleted || v.ImageURL == "" {
		t.Fatalf("refresh regressed terminal state: %+v", v)
	}
	if _, ok := s.Variation("v-2"); !ok {
		t.Fatal("refresh did not add the unseen variation")
	}
}
