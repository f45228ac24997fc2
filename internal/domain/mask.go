package domain

import "time"

// MaskStatus enumerates mask-segmentation lifecycle states.
type MaskStatus string

const (
	MaskProcessing MaskStatus = "PROCESSING"
	MaskCompleted  MaskStatus = "COMPLETED"
	MaskFailed     MaskStatus = "FAILED"
)

// Mask is one segmentation region produced for an input image.
type Mask struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	DataURL string  `json:"dataUrl"`
	Area    float64 `json:"area,omitempty"`
}

// MaskSet is the segmentation result for a single input image. One set per
// image; re-running segmentation replaces the previous set.
type MaskSet struct {
	InputImageID string     `json:"inputImageId"`
	Status       MaskStatus `json:"status"`
	MaskCount    int        `json:"maskCount"`
	Masks        []Mask     `json:"masks,omitempty"`
	Error        string     `json:"error,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
