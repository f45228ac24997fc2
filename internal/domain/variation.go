package domain

import "time"

// VariationStatus enumerates variation lifecycle states.
type VariationStatus string

const (
	VariationProcessing VariationStatus = "PROCESSING"
	VariationCompleted  VariationStatus = "COMPLETED"
	VariationFailed     VariationStatus = "FAILED"
)

// Terminal reports whether the variation has reached a state it cannot leave.
func (s VariationStatus) Terminal() bool {
	return s == VariationCompleted || s == VariationFailed
}

// Variation is one output image belonging to a batch. IDs are unique across
// the entire variation set, not merely within a batch; a variation moves
// PROCESSING -> {COMPLETED|FAILED} exactly once and never regresses.
type Variation struct {
	ID              string          `json:"imageId"`
	BatchID         string          `json:"batchId"`
	VariationNumber int             `json:"variationNumber"`
	Status          VariationStatus `json:"status"`
	ImageURL        string          `json:"imageUrl,omitempty"`
	ThumbnailURL    string          `json:"thumbnailUrl,omitempty"`
	PromptSnapshot  *PromptData     `json:"promptData,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Merge applies the non-empty fields of other over the receiver without ever
// clearing a previously known field, and refuses transitions out of terminal
// states. It returns the merged record.
func (v Variation) Merge(other Variation) Variation {
	if other.BatchID != "" {
		v.BatchID = other.BatchID
	}
	if other.VariationNumber != 0 {
		v.VariationNumber = other.VariationNumber
	}
	if other.Status != "" && !v.Status.Terminal() {
		// Terminal states are entered exactly once and never left.
		v.Status = other.Status
	}
	if other.ImageURL != "" {
		v.ImageURL = other.ImageURL
	}
	if other.ThumbnailURL != "" {
		v.ThumbnailURL = other.ThumbnailURL
	}
	if other.PromptSnapshot != nil {
		v.PromptSnapshot = other.PromptSnapshot
	}
	if !other.UpdatedAt.IsZero() {
		v.UpdatedAt = other.UpdatedAt
	}
	return v
}
