package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/protocol"
	"server/internal/realtime"
	"server/internal/sqlinline"
	"server/pkg/zip"

	"github.com/go-chi/chi/v5"
)

type enqueueBatchRequest struct {
	Prompt          domain.PromptData `json:"prompt"`
	TotalVariations int               `json:"totalVariations"`
	BaseImageID     string            `json:"baseImageId"`
	MaskID          string            `json:"maskId"`
}

type enqueueBatchResponse struct {
	BatchID          string   `json:"batchId"`
	Status           string   `json:"status"`
	VariationIDs     []string `json:"variationIds"`
	RemainingCredits int      `json:"remainingCredits"`
}

// BatchesCreate enqueues a plain multi-variation generation batch.
func (a *App) BatchesCreate(w http.ResponseWriter, r *http.Request) {
	a.enqueueBatch(w, r, domain.OperationCreate)
}

func (a *App) BatchesOutpaint(w http.ResponseWriter, r *http.Request) {
	a.enqueueBatch(w, r, domain.OperationOutpaint)
}

func (a *App) BatchesInpaint(w http.ResponseWriter, r *http.Request) {
	a.enqueueBatch(w, r, domain.OperationInpaint)
}

func (a *App) BatchesRefine(w http.ResponseWriter, r *http.Request) {
	a.enqueueBatch(w, r, domain.OperationRefine)
}

func (a *App) BatchesUpscale(w http.ResponseWriter, r *http.Request) {
	a.enqueueBatch(w, r, domain.OperationUpscale)
}

func (a *App) enqueueBatch(w http.ResponseWriter, r *http.Request, op domain.OperationType) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req enqueueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	req.Prompt.Normalize()
	if err := req.Prompt.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// Edit operations act on exactly one base image and one output.
	if op != domain.OperationCreate {
		if req.BaseImageID == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "baseImageId is required")
			return
		}
		req.TotalVariations = 1
	}
	if req.TotalVariations <= 0 {
		req.TotalVariations = 1
	}
	if req.TotalVariations > domain.MaxVariationsPerBatch {
		req.TotalVariations = domain.MaxVariationsPerBatch
	}

	cost := domain.CreditCost(op, req.TotalVariations)
	promptBytes := domain.MustMarshal(req.Prompt)

	// One statement debits, creates the batch and inserts the placeholders,
	// so a failed insert never leaves a charged user behind.
	row := a.SQL.QueryRow(r.Context(), sqlinline.QEnqueueBatch,
		userID, string(op), req.TotalVariations, req.BaseImageID, promptBytes, cost)
	var batchID string
	var remaining int
	var variationIDs []string
	if err := row.Scan(&batchID, &remaining, &variationIDs); err != nil {
		if infra.IsNoRows(err) {
			a.error(w, http.StatusForbidden, "insufficient_credits", "not enough credits for this operation")
			return
		}
		a.Logger.Error().Err(err).Str("operation", string(op)).Msg("enqueue batch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to enqueue batch")
		return
	}

	a.publishGenerationStarted(userID, batchID, op, req.TotalVariations, remaining)

	a.json(w, http.StatusAccepted, enqueueBatchResponse{
		BatchID:          batchID,
		Status:           string(domain.BatchProcessing),
		VariationIDs:     variationIDs,
		RemainingCredits: remaining,
	})
}

func (a *App) publishGenerationStarted(userID, batchID string, op domain.OperationType, total, remaining int) {
	if a.Hub == nil {
		return
	}
	env, err := protocol.NewEnvelope(protocol.TypeGenerationStarted, protocol.GenerationStartedEvent{
		BatchID:          batchID,
		OperationType:    string(op),
		TotalVariations:  total,
		RemainingCredits: remaining,
	})
	if err != nil {
		a.Logger.Error().Err(err).Msg("build generation_started event")
		return
	}
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	a.Hub.Publish(realtime.UserKey(userID), env)
}

// BatchStatus returns the authoritative batch record with its variations.
func (a *App) BatchStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	batchID := chi.URLParam(r, "batch_id")
	if batchID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "batch_id required")
		return
	}

	row := a.SQL.QueryRow(r.Context(), sqlinline.QSelectBatchForUser, batchID, userID)
	var b domain.Batch
	if err := row.Scan(&b.ID, &b.Status, &b.OperationType, &b.TotalVariations,
		&b.OriginalBaseImageID, &b.SuccessfulVariations, &b.FailedVariations,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			a.error(w, http.StatusNotFound, "not_found", "batch not found")
			return
		}
		a.Logger.Error().Err(err).Str("batch_id", batchID).Msg("select batch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load batch")
		return
	}

	records, err := a.scanVariations(r, sqlinline.QListVariationsByBatch, batchID)
	if err != nil {
		a.Logger.Error().Err(err).Str("batch_id", batchID).Msg("list batch variations failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load batch")
		return
	}
	variations := make([]domain.Variation, 0, len(records))
	for _, rec := range records {
		variations = append(variations, rec.Variation)
	}

	a.json(w, http.StatusOK, map[string]any{
		"batch":      b,
		"variations": variations,
	})
}

// BatchDownload streams an archive of the batch's completed images.
func (a *App) BatchDownload(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	batchID := chi.URLParam(r, "batch_id")

	ownerRow := a.SQL.QueryRow(r.Context(), sqlinline.QSelectBatchOwner, batchID)
	var ownerID, opType, baseImageID string
	if err := ownerRow.Scan(&ownerID, &opType, &baseImageID); err != nil || ownerID != userID {
		a.error(w, http.StatusNotFound, "not_found", "batch not found")
		return
	}

	variations, err := a.scanVariations(r, sqlinline.QListVariationsByBatch, batchID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load batch")
		return
	}

	var assets []zip.Asset
	for _, v := range variations {
		if v.Status != domain.VariationCompleted || v.ImageURL == "" {
			continue
		}
		data, readErr := a.Store.Read(r.Context(), v.storageKey)
		if readErr != nil {
			a.Logger.Warn().Err(readErr).Str("variation_id", v.ID).Msg("skipping unreadable asset")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%s-%d.png", batchID, v.VariationNumber),
			MIME:     "image/png",
			Data:     data,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no completed images in batch")
		return
	}

	archive := zip.ArchiveAssets(assets)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", batchID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
