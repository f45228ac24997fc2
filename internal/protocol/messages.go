// Package protocol defines the wire contract between the realtime gateway,
// the event producers (generation worker, mask service) and connected
// clients. Delivery is at-least-once and unordered; consumers must treat
// every message as potentially duplicated or stale.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server control message types.
const (
	TypeSubscribeGeneration   = "subscribe_generation"
	TypeUnsubscribeGeneration = "unsubscribe_generation"
	TypeSubscribeMasks        = "subscribe_masks"
	TypeUnsubscribeMasks      = "unsubscribe_masks"
	TypePing                  = "ping"
)

// Server -> client lifecycle message types.
const (
	TypeConnected          = "connected"
	TypeError              = "error"
	TypePong               = "pong"
	TypeCreditUpdate       = "credit_update"
	TypeGenerationStarted  = "generation_started"
	TypeVariationStarted   = "variation_started"
	TypeVariationProgress  = "variation_progress"
	TypeVariationCompleted = "variation_completed"
	TypeVariationFailed    = "variation_failed"
	TypeBatchCompleted     = "batch_completed"
	TypeMasksCompleted     = "masks_completed"
	TypeMasksFailed        = "masks_failed"
)

// CloseStaleConnection is the private-range close code used locally when the
// heartbeat watchdog declares a silently-dead socket. RFC 6455 reserves 1000
// for normal closure and 1008 for policy violations; the gateway uses 1008
// to reject bad credentials.
const CloseStaleConnection = 4000

// Envelope is the JSON object exchanged in both directions.
type Envelope struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	InputImageID string          `json:"inputImageId,omitempty"`
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into out.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// VariationEvent is the payload of every variation_* message.
type VariationEvent struct {
	BatchID             string          `json:"batchId"`
	ImageID             string          `json:"imageId"`
	VariationNumber     int             `json:"variationNumber,omitempty"`
	Status              string          `json:"status,omitempty"`
	ImageURL            string          `json:"imageUrl,omitempty"`
	ThumbnailURL        string          `json:"thumbnailUrl,omitempty"`
	OperationType       string          `json:"operationType,omitempty"`
	OriginalBaseImageID string          `json:"originalBaseImageId,omitempty"`
	PromptData          json.RawMessage `json:"promptData,omitempty"`
	Error               string          `json:"error,omitempty"`
	RemainingCredits    *int            `json:"remainingCredits,omitempty"`
}

// BatchCompletedEvent is the payload of batch_completed.
type BatchCompletedEvent struct {
	BatchID              string           `json:"batchId"`
	Status               string           `json:"status"`
	OperationType        string           `json:"operationType,omitempty"`
	TotalVariations      int              `json:"totalVariations"`
	SuccessfulVariations int              `json:"successfulVariations"`
	FailedVariations     int              `json:"failedVariations"`
	CompletedImages      []VariationEvent `json:"completedImages,omitempty"`
	RemainingCredits     *int             `json:"remainingCredits,omitempty"`
}

// GenerationStartedEvent is pushed to the owning user when a batch has been
// accepted and credits debited.
type GenerationStartedEvent struct {
	BatchID          string `json:"batchId"`
	OperationType    string `json:"operationType"`
	TotalVariations  int    `json:"totalVariations"`
	RemainingCredits int    `json:"remainingCredits"`
}

// CreditUpdateEvent carries the authoritative balance.
type CreditUpdateEvent struct {
	Credits int `json:"credits"`
}

// MasksCompletedEvent is the payload of masks_completed.
type MasksCompletedEvent struct {
	MaskCount int             `json:"maskCount"`
	Masks     json.RawMessage `json:"masks,omitempty"`
}

// SubscribePayload is the payload of subscribe_*/unsubscribe_* control
// messages. The input image id also rides the envelope's top-level field for
// backward compatibility with older clients.
type SubscribePayload struct {
	InputImageID string `json:"inputImageId"`
}
