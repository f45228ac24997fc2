package image

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"server/internal/domain"
)

// DefaultNegativePrompt captures undesirable artefacts we want the model to avoid.
const DefaultNegativePrompt = "low quality, blurry, distorted, warped geometry, incorrect perspective, text artefacts, watermark"

var keywordCaser = cases.Title(language.English)

// BuildPrompt converts the structured prompt data into a natural language
// instruction for the image model. Edit operations get an extra directive so
// the provider preserves the untouched regions of the base image.
func BuildPrompt(op domain.OperationType, p domain.PromptData) string {
	var lines []string

	subject := strings.TrimSpace(p.Prompt)
	if subject != "" {
		lines = append(lines, fmt.Sprintf("Create a photorealistic interior render of %s.", subject))
	} else {
		lines = append(lines, "Create a photorealistic interior render.")
	}

	if room := strings.TrimSpace(p.RoomType); room != "" {
		lines = append(lines, fmt.Sprintf("Room type: %s.", room))
	}

	var direction []string
	if style := strings.TrimSpace(p.Style); style != "" {
		direction = append(direction, fmt.Sprintf("visual style %q", style))
	}
	if material := strings.TrimSpace(p.Material); material != "" {
		direction = append(direction, fmt.Sprintf("dominant material %q", material))
	}
	if scheme := strings.TrimSpace(p.ColorScheme); scheme != "" {
		direction = append(direction, fmt.Sprintf("color scheme %q", scheme))
	}
	if len(direction) > 0 {
		lines = append(lines, "Visual direction: "+strings.Join(direction, ", ")+".")
	}

	if kw := NormalizeKeywords(p.Keywords); len(kw) > 0 {
		lines = append(lines, "Emphasize: "+strings.Join(kw, ", ")+".")
	}

	switch op {
	case domain.OperationOutpaint:
		lines = append(lines, "Extend the scene beyond the original canvas while keeping the existing content unchanged.")
	case domain.OperationInpaint:
		lines = append(lines, "Repaint only the masked region; everything outside the mask must remain pixel-identical.")
	case domain.OperationRefine:
		lines = append(lines, "Refine detail and lighting without altering the composition.")
	case domain.OperationUpscale:
		lines = append(lines, "Upscale to a higher resolution preserving all detail.")
	}

	if aspect := strings.TrimSpace(p.AspectRatio); aspect != "" {
		lines = append(lines, "Composition follows aspect ratio "+aspect+".")
	}

	return strings.Join(lines, " ")
}

// NormalizeKeywords trims, title-cases and deduplicates free-form keywords.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = keywordCaser.String(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
