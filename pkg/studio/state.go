package studio

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/protocol"
)

const (
	// Settle delays before auto-selecting a freshly completed edit result.
	// Inpaint waits longer because selecting also clears user-drawn overlay
	// objects; outpaint preserves them and can switch sooner. These are tuned
	// values, not correctness mechanisms: the upsert itself is synchronous.
	defaultOutpaintSettle = 200 * time.Millisecond
	defaultInpaintSettle  = time.Second
)

// State is the reconciler: it folds an unordered, at-least-once stream of
// push events into one consistent view of variations, batches, selection and
// the credit balance. All mutations are idempotent and terminal states never
// regress, so duplicated or stale deliveries are absorbed rather than
// rejected.
//
// Writes arrive from the dispatcher's single goroutine; the mutex exists so
// readers (UI, tests) can observe from other goroutines.
type State struct {
	log zerolog.Logger

	OutpaintSettle time.Duration
	InpaintSettle  time.Duration

	mu         sync.Mutex
	order      []string // variation ids in first-seen order
	variations map[string]domain.Variation
	batches    map[string]domain.Batch
	credits    int
	hasCredits bool
	selected   string
	generating bool
}

func NewState(log zerolog.Logger) *State {
	return &State{
		log:            log.With().Str("component", "studio.state").Logger(),
		OutpaintSettle: defaultOutpaintSettle,
		InpaintSettle:  defaultInpaintSettle,
		variations:     make(map[string]domain.Variation),
		batches:        make(map[string]domain.Batch),
	}
}

// UpsertVariation merges the record into the collection: shallow-merge over
// the existing record by id, append if unseen. Returns the stored record.
func (s *State) UpsertVariation(v domain.Variation) domain.Variation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(v)
}

func (s *State) upsertLocked(v domain.Variation) domain.Variation {
	if existing, ok := s.variations[v.ID]; ok {
		v = existing.Merge(v)
	} else {
		s.order = append(s.order, v.ID)
	}
	s.variations[v.ID] = v
	return v
}

// ApplyVariationEvent applies one variation_* push message. The status is
// derived from the message type, not trusted from the payload, so a replayed
// started event can never undo a completed one.
func (s *State) ApplyVariationEvent(msgType string, ev protocol.VariationEvent) {
	v := domain.Variation{
		ID:              ev.ImageID,
		BatchID:         ev.BatchID,
		VariationNumber: ev.VariationNumber,
		ImageURL:        ev.ImageURL,
		ThumbnailURL:    ev.ThumbnailURL,
	}
	switch msgType {
	case protocol.TypeVariationStarted, protocol.TypeVariationProgress:
		v.Status = domain.VariationProcessing
	case protocol.TypeVariationCompleted:
		v.Status = domain.VariationCompleted
	case protocol.TypeVariationFailed:
		v.Status = domain.VariationFailed
	}
	if len(ev.PromptData) > 0 {
		var p domain.PromptData
		if err := json.Unmarshal(ev.PromptData, &p); err == nil {
			v.PromptSnapshot = &p
		}
	}

	s.mu.Lock()
	stored := s.upsertLocked(v)
	s.mu.Unlock()

	if ev.RemainingCredits != nil {
		s.SetCredits(*ev.RemainingCredits)
	}

	if msgType == protocol.TypeVariationCompleted && stored.Status == domain.VariationCompleted {
		s.maybeAutoSelect(ev.ImageID, domain.OperationType(ev.OperationType))
	}
	// The generating flag is owned by the pipeline: only a failure of the
	// tracked batch clears it, which Pipeline.HandleFailed gates on batch id.
}

// maybeAutoSelect jumps the active image to a freshly completed result, but
// only for the edit pipeline operations. Plain create batches complete
// several siblings close together and silently moving the viewport between
// them is confusing, so the user picks manually.
func (s *State) maybeAutoSelect(imageID string, op domain.OperationType) {
	var delay time.Duration
	switch op {
	case domain.OperationOutpaint:
		delay = s.OutpaintSettle
	case domain.OperationInpaint:
		delay = s.InpaintSettle
	default:
		return
	}
	if delay <= 0 {
		s.Select(imageID)
		return
	}
	time.AfterFunc(delay, func() { s.Select(imageID) })
}

// ApplyBatchCompleted upserts the batch summary and every completed image it
// lists.
func (s *State) ApplyBatchCompleted(ev protocol.BatchCompletedEvent) {
	s.mu.Lock()
	b := s.batches[ev.BatchID]
	b.ID = ev.BatchID
	if !b.Status.Terminal() && ev.Status != "" {
		b.Status = domain.BatchStatus(ev.Status)
	}
	if ev.OperationType != "" {
		b.OperationType = domain.OperationType(ev.OperationType)
	}
	if ev.TotalVariations != 0 {
		b.TotalVariations = ev.TotalVariations
	}
	b.SuccessfulVariations = ev.SuccessfulVariations
	b.FailedVariations = ev.FailedVariations
	s.batches[ev.BatchID] = b
	s.mu.Unlock()

	for _, img := range ev.CompletedImages {
		s.UpsertVariation(domain.Variation{
			ID:              img.ImageID,
			BatchID:         img.BatchID,
			VariationNumber: img.VariationNumber,
			Status:          domain.VariationCompleted,
			ImageURL:        img.ImageURL,
			ThumbnailURL:    img.ThumbnailURL,
		})
	}
	if ev.RemainingCredits != nil {
		s.SetCredits(*ev.RemainingCredits)
	}
}

// ReplaceVariations reconciles a pull-based refresh with what push events
// already told us: each fetched record is upserted through the same merge
// rules, so a refresh can never regress a terminal state seen via push.
func (s *State) ReplaceVariations(list []domain.Variation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range list {
		s.upsertLocked(v)
	}
}

// SetCredits overwrites the balance. The server is always authoritative; the
// client never computes credits locally.
func (s *State) SetCredits(n int) {
	s.mu.Lock()
	s.credits = n
	s.hasCredits = true
	s.mu.Unlock()
}

// Credits returns the last authoritative balance and whether one was seen.
func (s *State) Credits() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits, s.hasCredits
}

// Select marks the active image.
func (s *State) Select(imageID string) {
	s.mu.Lock()
	s.selected = imageID
	s.mu.Unlock()
}

// Selected returns the active image id, empty when nothing is selected.
func (s *State) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SetGenerating flips the UI busy flag.
func (s *State) SetGenerating(on bool) {
	s.mu.Lock()
	s.generating = on
	s.mu.Unlock()
}

func (s *State) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// Variation returns the record for id.
func (s *State) Variation(id string) (domain.Variation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variations[id]
	return v, ok
}

// Variations returns all records in first-seen order.
func (s *State) Variations() []domain.Variation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Variation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.variations[id])
	}
	return out
}

// Batch returns the batch summary for id.
func (s *State) Batch(id string) (domain.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	return b, ok
}
