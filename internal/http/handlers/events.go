package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"server/internal/protocol"
	"server/internal/realtime"
	"server/internal/sqlinline"
)

// producerEvent is what the generation worker and the mask service POST to
// the internal event endpoint: a protocol envelope plus routing fields.
type producerEvent struct {
	Type         string          `json:"type"`
	UserID       string          `json:"userId"`
	InputImageID string          `json:"inputImageId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// EventsPublish accepts a lifecycle event from a producer and fans it out to
// subscribed connections. Mask results are also persisted here, since the
// mask service has no database access of its own.
func (a *App) EventsPublish(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Producer-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.ProducerSecret)) != 1 {
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid producer secret")
		return
	}

	var evt producerEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if evt.Type == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "type is required")
		return
	}

	switch evt.Type {
	case protocol.TypeMasksCompleted:
		var payload protocol.MasksCompletedEvent
		if err := json.Unmarshal(evt.Data, &payload); err == nil {
			masks := payload.Masks
			if len(masks) == 0 {
				masks = json.RawMessage(`[]`)
			}
			if _, err := a.SQL.Exec(r.Context(), sqlinline.QUpdateMaskSetResult,
				evt.InputImageID, "COMPLETED", payload.MaskCount, []byte(masks), ""); err != nil {
				a.Logger.Error().Err(err).Str("image_id", evt.InputImageID).Msg("store mask result failed")
			}
		}
	case protocol.TypeMasksFailed:
		if _, err := a.SQL.Exec(r.Context(), sqlinline.QUpdateMaskSetResult,
			evt.InputImageID, "FAILED", 0, []byte(`[]`), evt.Error); err != nil {
			a.Logger.Error().Err(err).Str("image_id", evt.InputImageID).Msg("store mask failure failed")
		}
	}

	env := protocol.Envelope{
		Type:         evt.Type,
		Data:         evt.Data,
		InputImageID: evt.InputImageID,
		Error:        evt.Error,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	// User-scoped delivery covers account-wide events (credits, batch
	// lifecycle); the resource key additionally reaches viewers of the
	// specific input image, who may not be the owner.
	if evt.UserID != "" {
		a.Hub.Publish(realtime.UserKey(evt.UserID), env)
	}
	if evt.InputImageID != "" {
		a.Hub.Publish(realtime.ResourceKey(evt.InputImageID), env)
	}

	a.json(w, http.StatusAccepted, map[string]string{"status": "published"})
}
