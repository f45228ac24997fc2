package domain

import "time"

// OperationType enumerates the generation operations a batch can perform.
type OperationType string

const (
	OperationCreate   OperationType = "create"
	OperationOutpaint OperationType = "outpaint"
	OperationInpaint  OperationType = "inpaint"
	OperationRefine   OperationType = "refine"
	OperationUpscale  OperationType = "upscale"
)

// Valid reports whether the operation type is one the pipeline understands.
func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationOutpaint, OperationInpaint, OperationRefine, OperationUpscale:
		return true
	}
	return false
}

// IsEdit reports whether the operation belongs to the edit pipeline
// (outpaint/inpaint), which drives auto-selection of the completed result.
func (o OperationType) IsEdit() bool {
	return o == OperationOutpaint || o == OperationInpaint
}

// BatchStatus enumerates batch lifecycle states.
type BatchStatus string

const (
	BatchProcessing         BatchStatus = "PROCESSING"
	BatchCompleted          BatchStatus = "COMPLETED"
	BatchFailed             BatchStatus = "FAILED"
	BatchPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
)

// Terminal reports whether the batch can no longer change state.
func (s BatchStatus) Terminal() bool {
	return s != BatchProcessing && s != ""
}

// Batch is one generation request. It may produce several variations and is
// mutated only by authoritative events from the worker, never by client
// guesses.
type Batch struct {
	ID                   string        `json:"batchId"`
	UserID               string        `json:"-"`
	Status               BatchStatus   `json:"status"`
	OperationType        OperationType `json:"operationType"`
	TotalVariations      int           `json:"totalVariations"`
	SuccessfulVariations int           `json:"successfulVariations"`
	FailedVariations     int           `json:"failedVariations"`
	OriginalBaseImageID  string        `json:"originalBaseImageId,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}
