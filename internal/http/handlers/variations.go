package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"server/internal/domain"
	"server/internal/sqlinline"

	"github.com/go-chi/chi/v5"
)

// variationRecord pairs the client-facing variation with the raw storage
// keys needed server-side (downloads).
type variationRecord struct {
	domain.Variation
	storageKey string
}

func (a *App) scanVariations(r *http.Request, query string, args ...any) ([]variationRecord, error) {
	rows, err := a.SQL.Query(r.Context(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []variationRecord
	for rows.Next() {
		var rec variationRecord
		var storageKey, thumbKey string
		var promptJSON []byte
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.VariationNumber, &rec.Status,
			&storageKey, &thumbKey, &promptJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.storageKey = storageKey
		rec.ImageURL = a.assetURL(storageKey)
		rec.ThumbnailURL = a.assetURL(thumbKey)
		if len(promptJSON) > 0 {
			var prompt domain.PromptData
			if err := json.Unmarshal(promptJSON, &prompt); err == nil {
				rec.PromptSnapshot = &prompt
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// VariationsList serves the bulk-refresh pull the client issues after
// completion events or reconnects. The image id matches either the base
// image a batch was derived from or a variation id itself.
func (a *App) VariationsList(w http.ResponseWriter, r *http.Request) {
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

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := a.scanVariations(r, sqlinline.QListVariationsByBaseImage, userID, imageID, limit, offset)
	if err != nil {
		a.Logger.Error().Err(err).Str("image_id", imageID).Msg("list variations failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list variations")
		return
	}

	items := make([]domain.Variation, 0, len(records))
	for _, rec := range records {
		items = append(items, rec.Variation)
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
