package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"server/internal/domain"
)

// EnqueueParams describe one generation job to hand to the backend.
type EnqueueParams struct {
	Operation       domain.OperationType `json:"-"`
	Prompt          domain.PromptData    `json:"prompt"`
	TotalVariations int                  `json:"totalVariations"`
	BaseImageID     string               `json:"baseImageId,omitempty"`
	MaskID          string               `json:"maskId,omitempty"`
}

// EnqueueResult is the backend's acknowledgement of an accepted job.
type EnqueueResult struct {
	BatchID          string   `json:"batchId"`
	Status           string   `json:"status"`
	VariationIDs     []string `json:"variationIds"`
	RemainingCredits int      `json:"remainingCredits"`
}

// JobAPI is the collaborator surface the realtime core needs from the
// conventional HTTP layer: enqueue a job, fetch authoritative batch state,
// and bulk-refresh a variation list.
type JobAPI interface {
	EnqueueJob(ctx context.Context, params EnqueueParams) (EnqueueResult, error)
	GetBatchStatus(ctx context.Context, batchID string) (domain.Batch, error)
	ListVariations(ctx context.Context, baseImageID string) ([]domain.Variation, error)
}

// APIError carries the backend's structured error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("studio: api %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// HTTPAPI implements JobAPI against the gateway's REST surface.
type HTTPAPI struct {
	baseURL string
	creds   CredentialStore
	client  *http.Client
}

func NewHTTPAPI(baseURL string, creds CredentialStore) *HTTPAPI {
	return &HTTPAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ JobAPI = (*HTTPAPI)(nil)

// operationPath maps an operation onto its enqueue route.
func operationPath(op domain.OperationType) string {
	switch op {
	case domain.OperationOutpaint, domain.OperationInpaint, domain.OperationRefine, domain.OperationUpscale:
		return "/v1/batches/" + string(op)
	default:
		return "/v1/batches"
	}
}

func (a *HTTPAPI) EnqueueJob(ctx context.Context, params EnqueueParams) (EnqueueResult, error) {
	var out EnqueueResult
	err := a.do(ctx, http.MethodPost, operationPath(params.Operation), params, &out)
	return out, err
}

func (a *HTTPAPI) GetBatchStatus(ctx context.Context, batchID string) (domain.Batch, error) {
	var out struct {
		Batch domain.Batch `json:"batch"`
	}
	err := a.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(batchID), nil, &out)
	return out.Batch, err
}

func (a *HTTPAPI) ListVariations(ctx context.Context, baseImageID string) ([]domain.Variation, error) {
	var out struct {
		Items []domain.Variation `json:"items"`
	}
	path := "/v1/images/" + url.PathEscape(baseImageID) + "/variations"
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("studio: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := a.creds.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &decoded) == nil {
			apiErr.Code = decoded.Error.Code
			apiErr.Message = decoded.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("studio: decode response: %w", err)
	}
	return nil
}
