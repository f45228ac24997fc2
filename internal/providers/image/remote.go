package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const remoteRequestTimeout = 90 * time.Second

// Remote calls an external diffusion provider over HTTP and falls back to
// another generator (usually the synthetic one) when credentials are missing
// or the remote call fails transiently.
type Remote struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	fallback Generator
}

func NewRemote(baseURL, apiKey string, fallback Generator) *Remote {
	return &Remote{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: remoteRequestTimeout},
		fallback: fallback,
	}
}

var _ Generator = (*Remote)(nil)

func (g *Remote) HasCredentials() bool {
	return g != nil && g.baseURL != "" && g.apiKey != ""
}

func (g *Remote) String() string { return "remote" }

type remoteRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Operation      string `json:"operation"`
	Quantity       int    `json:"n"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	BaseImage      string `json:"base_image,omitempty"`
	MaskImage      string `json:"mask_image,omitempty"`
	RequestID      string `json:"request_id"`
}

type remoteResponse struct {
	Images []struct {
		B64    string `json:"b64"`
		Format string `json:"format"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"images"`
	Error string `json:"error,omitempty"`
}

func (g *Remote) Generate(ctx context.Context, req Request) ([]Asset, error) {
	if !g.HasCredentials() {
		if g.fallback != nil {
			return g.fallback.Generate(ctx, req)
		}
		return nil, errors.New("remote generator missing credentials")
	}

	width, height := AspectRatioSize(req.Prompt.AspectRatio)
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	negative := req.NegativeTag
	if negative == "" {
		negative = DefaultNegativePrompt
	}
	payload := remoteRequest{
		Prompt:         BuildPrompt(req.Operation, req.Prompt),
		NegativePrompt: negative,
		Operation:      string(req.Operation),
		Quantity:       quantity,
		Width:          width,
		Height:         height,
		RequestID:      req.RequestID,
	}
	if len(req.BaseImage) > 0 {
		payload.BaseImage = base64.StdEncoding.EncodeToString(req.BaseImage)
	}
	if len(req.MaskImage) > 0 {
		payload.MaskImage = base64.StdEncoding.EncodeToString(req.MaskImage)
	}

	assets, err := g.call(ctx, payload)
	if err != nil {
		if isTransient(err) && g.fallback != nil {
			return g.fallback.Generate(ctx, req)
		}
		return nil, err
	}
	return assets, nil
}

func (g *Remote) call(ctx context.Context, payload remoteRequest) ([]Asset, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/images", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &transientError{err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &transientError{err: fmt.Errorf("provider status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded remoteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("provider error: %s", decoded.Error)
	}
	if len(decoded.Images) == 0 {
		return nil, errors.New("provider returned no images")
	}

	assets := make([]Asset, 0, len(decoded.Images))
	for _, img := range decoded.Images {
		data, err := base64.StdEncoding.DecodeString(img.B64)
		if err != nil {
			return nil, fmt.Errorf("decode provider image: %w", err)
		}
		assets = append(assets, Asset{
			Data:   data,
			Format: normalizeFormat(img.Format),
			Width:  img.Width,
			Height: img.Height,
		})
	}
	return assets, nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
