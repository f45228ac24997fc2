package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PromptData carries the style/material parameters submitted with a
// generation request. It is persisted verbatim on the batch and echoed back
// on completed variations so clients can reconstruct what produced an image.
type PromptData struct {
	Version     string   `json:"version,omitempty"`
	Prompt      string   `json:"prompt"`
	Style       string   `json:"style,omitempty"`
	Material    string   `json:"material,omitempty"`
	RoomType    string   `json:"roomType,omitempty"`
	ColorScheme string   `json:"colorScheme,omitempty"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
}

var allowedAspectRatios = map[string]struct{}{
	"1:1":  {},
	"4:3":  {},
	"3:4":  {},
	"16:9": {},
	"9:16": {},
}

const (
	// DefaultPromptVersion represents the schema version persisted for prompts.
	DefaultPromptVersion = "2025-06"
	// DefaultAspectRatio is used when the request omits the aspect ratio.
	DefaultAspectRatio = "1:1"
	// MaxVariationsPerBatch caps how many outputs a single batch may request.
	MaxVariationsPerBatch = 4
)

// Normalize fills server defaults onto the prompt in place.
func (p *PromptData) Normalize() {
	if p == nil {
		return
	}
	if p.Version == "" {
		p.Version = DefaultPromptVersion
	}
	if p.AspectRatio == "" {
		p.AspectRatio = DefaultAspectRatio
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
}

// Validate ensures the prompt satisfies the contract before persistence.
func (p PromptData) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if _, ok := allowedAspectRatios[p.AspectRatio]; !ok {
		return fmt.Errorf("aspectRatio must be one of 1:1, 4:3, 3:4, 16:9, 9:16")
	}
	return nil
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("json marshal: %w", err))
	}
	return b
}
