package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"

	"github.com/go-chi/chi/v5"
)

// MasksEnqueue marks segmentation for an input image as in flight. The
// external mask service picks the request up and reports back through the
// producer event endpoint.
func (a *App) MasksEnqueue(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	imageID := chi.URLParam(r, "image_id")
	if imageID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "image_id required")
		return
	}

	if _, err := a.SQL.Exec(r.Context(), sqlinline.QUpsertMaskSetProcessing, imageID, userID); err != nil {
		a.Logger.Error().Err(err).Str("image_id", imageID).Msg("enqueue masks failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to enqueue segmentation")
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{
		"inputImageId": imageID,
		"status":       string(domain.MaskProcessing),
	})
}

// MasksStatus returns the stored segmentation result for an input image.
func (a *App) MasksStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	imageID := chi.URLParam(r, "image_id")

	row := a.SQL.QueryRow(r.Context(), sqlinline.QSelectMaskSet, imageID, userID)
	var set domain.MaskSet
	var masksJSON []byte
	if err := row.Scan(&set.InputImageID, &set.Status, &set.MaskCount, &masksJSON, &set.Error, &set.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			a.error(w, http.StatusNotFound, "not_found", "no segmentation for this image")
			return
		}
		a.Logger.Error().Err(err).Str("image_id", imageID).Msg("select mask set failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load segmentation")
		return
	}
	if len(masksJSON) > 0 {
		set.Masks = decodeMasks(masksJSON)
	}
	a.json(w, http.StatusOK, set)
}

func decodeMasks(raw []byte) []domain.Mask {
	var masks []domain.Mask
	if err := json.Unmarshal(raw, &masks); err != nil {
		return nil
	}
	return masks
}
