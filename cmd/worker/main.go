package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/infra/credentials"
	"server/internal/protocol"
	"server/internal/providers/image"
	"server/internal/sqlinline"
	"server/internal/storage"
)

var errNoBatchAvailable = errors.New("no batch available")

type claimedBatch struct {
	ID          string
	UserID      string
	Operation   domain.OperationType
	Total       int
	BaseImageID string
	PromptJSON  []byte
}

type placeholder struct {
	ID     string
	Number int
	Status string
}

type batchWorker struct {
	ctx       context.Context
	runner    *infra.SQLRunner
	logger    infra.Logger
	generator image.Generator
	store     *storage.FileStore
	events    *eventsClient
	assetBase string
	pollEvery time.Duration
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	worker := &batchWorker{
		ctx:       ctx,
		runner:    runner,
		logger:    logger,
		generator: buildGenerator(ctx, cfg, runner, logger),
		store:     fileStore,
		events: &eventsClient{
			url:    cfg.EventsURL,
			secret: cfg.ProducerSecret,
			client: &http.Client{Timeout: 10 * time.Second},
			logger: logger,
		},
		assetBase: strings.TrimRight(cfg.StorageBaseURL, "/"),
		pollEvery: cfg.WorkerPollEvery,
	}

	if err := worker.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// buildGenerator selects the provider: the remote diffusion backend when
// configured, the deterministic synthetic renderer otherwise. The remote API
// key falls back to the database-backed credential store so it can be rotated
// without a redeploy.
func buildGenerator(ctx context.Context, cfg *infra.Config, runner *infra.SQLRunner, logger infra.Logger) image.Generator {
	synthetic := image.NewSynthetic()
	if cfg.ImageProvider != "remote" {
		return synthetic
	}
	apiKey := strings.TrimSpace(cfg.ProviderAPIKey)
	if apiKey == "" {
		stored, err := credentials.NewStore(runner).ImageProviderKey(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("worker: failed to load provider api key from store")
		} else {
			apiKey = stored
		}
	}
	if apiKey == "" {
		logger.Warn().Msg("worker: provider api key missing, using synthetic generation")
	}
	return image.NewRemote(cfg.ProviderBaseURL, apiKey, synthetic)
}

func (w *batchWorker) Run() error {
	w.logger.Info().Msg("worker: started")
	for {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		default:
		}

		b, err := w.claimBatch()
		if err != nil {
			if !errors.Is(err, errNoBatchAvailable) {
				w.logger.Error().Err(err).Msg("worker: failed to claim batch")
			}
			select {
			case <-w.ctx.Done():
				return w.ctx.Err()
			case <-time.After(w.pollEvery):
			}
			continue
		}

		w.handleBatch(b)
	}
}

func (w *batchWorker) claimBatch() (claimedBatch, error) {
	var b claimedBatch
	row := w.runner.QueryRow(w.ctx, sqlinline.QWorkerClaimBatch)
	var op string
	if err := row.Scan(&b.ID, &b.UserID, &op, &b.Total, &b.BaseImageID, &b.PromptJSON); err != nil {
		if infra.IsNoRows(err) {
			return b, errNoBatchAvailable
		}
		return b, err
	}
	b.Operation = domain.OperationType(op)
	return b, nil
}

func (w *batchWorker) handleBatch(b claimedBatch) {
	w.logger.Info().Str("batch_id", b.ID).Str("operation", string(b.Operation)).Msg("worker: picked batch")

	var prompt domain.PromptData
	if len(b.PromptJSON) > 0 {
		if err := json.Unmarshal(b.PromptJSON, &prompt); err != nil {
			w.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("worker: bad prompt json")
		}
	}

	placeholders, err := w.loadPlaceholders(b.ID)
	if err != nil {
		w.logger.Error().Err(err).Str("batch_id", b.ID).Msg("worker: failed to load variations")
		return
	}

	baseImage := w.loadBaseImage(b)

	succeeded := 0
	completed := make([]protocol.VariationEvent, 0, len(placeholders))
	for _, ph := range placeholders {
		if ph.Status != string(domain.VariationProcessing) {
			continue
		}
		ev, ok := w.renderVariation(b, ph, prompt, baseImage)
		if ok {
			succeeded++
			completed = append(completed, ev)
		}
	}

	finalStatus := w.finishBatch(b.ID)
	creditsLeft, creditsKnown := w.userCredits(b.UserID)

	batchEvent := protocol.BatchCompletedEvent{
		BatchID:              b.ID,
		Status:               finalStatus,
		OperationType:        string(b.Operation),
		TotalVariations:      len(placeholders),
		SuccessfulVariations: succeeded,
		FailedVariations:     len(placeholders) - succeeded,
		CompletedImages:      completed,
	}
	if creditsKnown {
		batchEvent.RemainingCredits = &creditsLeft
	}
	w.events.publish(w.ctx, protocol.TypeBatchCompleted, b.UserID, b.BaseImageID, batchEvent, "")
	if creditsKnown {
		w.events.publish(w.ctx, protocol.TypeCreditUpdate, b.UserID, "", protocol.CreditUpdateEvent{Credits: creditsLeft}, "")
	}
	w.logger.Info().Str("batch_id", b.ID).Str("status", finalStatus).Int("succeeded", succeeded).Msg("worker: batch finished")
}

func (w *batchWorker) loadPlaceholders(batchID string) ([]placeholder, error) {
	rows, err := w.runner.Query(w.ctx, sqlinline.QListVariationsByBatch, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []placeholder
	for rows.Next() {
		var (
			ph         placeholder
			discardStr string
			discardRaw []byte
			discardTS  time.Time
		)
		if err := rows.Scan(&ph.ID, &discardStr, &ph.Number, &ph.Status,
			&discardStr, &discardStr, &discardRaw, &discardTS, &discardTS); err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

// loadBaseImage fetches the conditioning pixels for edit operations. A miss
// is not fatal: providers fall back to generating without conditioning.
func (w *batchWorker) loadBaseImage(b claimedBatch) []byte {
	if b.BaseImageID == "" || !b.Operation.IsEdit() {
		return nil
	}
	row := w.runner.QueryRow(w.ctx, sqlinline.QSelectVariation, b.BaseImageID)
	var (
		id, batchID, status, storageKey, thumbKey string
		number                                    int
		promptRaw                                 []byte
	)
	if err := row.Scan(&id, &batchID, &number, &status, &storageKey, &thumbKey, &promptRaw); err != nil {
		if !infra.IsNoRows(err) {
			w.logger.Warn().Err(err).Str("base_image_id", b.BaseImageID).Msg("worker: base image lookup failed")
		}
		return nil
	}
	if storageKey == "" {
		return nil
	}
	data, err := w.store.Read(w.ctx, storageKey)
	if err != nil {
		w.logger.Warn().Err(err).Str("storage_key", storageKey).Msg("worker: base image read failed")
		return nil
	}
	return data
}

func (w *batchWorker) renderVariation(b claimedBatch, ph placeholder, prompt domain.PromptData, baseImage []byte) (protocol.VariationEvent, bool) {
	started := protocol.VariationEvent{
		BatchID:             b.ID,
		ImageID:             ph.ID,
		VariationNumber:     ph.Number,
		Status:              string(domain.VariationProcessing),
		OperationType:       string(b.Operation),
		OriginalBaseImageID: b.BaseImageID,
	}
	w.events.publish(w.ctx, protocol.TypeVariationStarted, b.UserID, b.BaseImageID, started, "")

	assets, err := w.generator.Generate(w.ctx, image.Request{
		Operation: b.Operation,
		Prompt:    prompt,
		Quantity:  1,
		RequestID: ph.ID,
		BaseImage: baseImage,
	})
	if err == nil && len(assets) == 0 {
		err = errors.New("provider returned no assets")
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("variation_id", ph.ID).Msg("worker: generation failed")
		w.markFailed(b, ph, err.Error())
		return protocol.VariationEvent{}, false
	}

	key := fmt.Sprintf("variations/%s.png", ph.ID)
	if _, err := w.store.Write(w.ctx, key, assets[0].Data); err != nil {
		w.logger.Error().Err(err).Str("variation_id", ph.ID).Msg("worker: asset write failed")
		w.markFailed(b, ph, "failed to persist asset")
		return protocol.VariationEvent{}, false
	}

	promptRaw := domain.MustMarshal(prompt)
	if _, err := w.runner.Exec(w.ctx, sqlinline.QUpdateVariationResult,
		ph.ID, string(domain.VariationCompleted), key, key, promptRaw); err != nil {
		w.logger.Error().Err(err).Str("variation_id", ph.ID).Msg("worker: result update failed")
		return protocol.VariationEvent{}, false
	}

	completed := started
	completed.Status = string(domain.VariationCompleted)
	completed.ImageURL = w.assetBase + "/" + key
	completed.ThumbnailURL = completed.ImageURL
	completed.PromptData = promptRaw
	w.events.publish(w.ctx, protocol.TypeVariationCompleted, b.UserID, b.BaseImageID, completed, "")
	return completed, true
}

func (w *batchWorker) markFailed(b claimedBatch, ph placeholder, reason string) {
	if _, err := w.runner.Exec(w.ctx, sqlinline.QUpdateVariationResult,
		ph.ID, string(domain.VariationFailed), "", "", nil); err != nil {
		w.logger.Error().Err(err).Str("variation_id", ph.ID).Msg("worker: failure update failed")
	}
	failed := protocol.VariationEvent{
		BatchID:             b.ID,
		ImageID:             ph.ID,
		VariationNumber:     ph.Number,
		Status:              string(domain.VariationFailed),
		OperationType:       string(b.Operation),
		OriginalBaseImageID: b.BaseImageID,
		Error:               reason,
	}
	w.events.publish(w.ctx, protocol.TypeVariationFailed, b.UserID, b.BaseImageID, failed, reason)
}

func (w *batchWorker) finishBatch(batchID string) string {
	var status string
	if err := w.runner.QueryRow(w.ctx, sqlinline.QWorkerFinishBatch, batchID).Scan(&status); err != nil {
		w.logger.Error().Err(err).Str("batch_id", batchID).Msg("worker: finish batch failed")
		return string(domain.BatchFailed)
	}
	return status
}

func (w *batchWorker) userCredits(userID string) (int, bool) {
	var credits int
	if err := w.runner.QueryRow(w.ctx, sqlinline.QWorkerSelectUserCredits, userID).Scan(&credits); err != nil {
		w.logger.Warn().Err(err).Str("user_id", userID).Msg("worker: credit lookup failed")
		return 0, false
	}
	return credits, true
}

// eventsClient delivers lifecycle events to the gateway's internal endpoint,
// which fans them out to subscribed sockets. Delivery failures are logged and
// dropped: clients self-heal from pull-based refreshes.
type eventsClient struct {
	url    string
	secret string
	client *http.Client
	logger infra.Logger
}

type producerEvent struct {
	Type         string          `json:"type"`
	UserID       string          `json:"userId"`
	InputImageID string          `json:"inputImageId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (e *eventsClient) publish(ctx context.Context, evtType, userID, inputImageID string, data any, errMsg string) {
	payload := producerEvent{Type: evtType, UserID: userID, InputImageID: inputImageID, Error: errMsg}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			e.logger.Error().Err(err).Str("type", evtType).Msg("worker: event marshal failed")
			return
		}
		payload.Data = raw
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("type", evtType).Msg("worker: event marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error().Err(err).Str("type", evtType).Msg("worker: event request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Producer-Secret", e.secret)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn().Err(err).Str("type", evtType).Msg("worker: event delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.logger.Warn().Int("status", resp.StatusCode).Str("type", evtType).Msg("worker: event rejected")
	}
}
