package image

import (
	"context"
	"strings"

	"server/internal/domain"
)

// Request describes a normalized generation request passed to any image provider.
// For edit operations (outpaint, inpaint, refine, upscale) BaseImage carries the
// conditioning pixels; MaskImage is only set for inpaint.
type Request struct {
	Operation   domain.OperationType
	Prompt      domain.PromptData
	Quantity    int
	RequestID   string
	BaseImage   []byte
	MaskImage   []byte
	Locale      string
	NegativeTag string
}

// Asset represents one generated or edited image.
type Asset struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// Generator is the contract implemented by all image providers.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]Asset, error)
}

// AspectRatioSize maps a prompt aspect ratio onto concrete pixel dimensions.
func AspectRatioSize(ratio string) (width, height int) {
	switch strings.TrimSpace(ratio) {
	case "16:9":
		return 1344, 768
	case "9:16":
		return 768, 1344
	case "4:3":
		return 1152, 896
	case "3:4":
		return 896, 1152
	default:
		return 1024, 1024
	}
}

func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		return "image/png"
	}
	if !strings.HasPrefix(f, "image/") {
		f = "image/" + f
	}
	return f
}
