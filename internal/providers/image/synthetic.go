package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	stdimage "image"
	"image/color"
	"image/png"
)

// Synthetic renders deterministic placeholder images locally. It backs local
// development and acts as the fallback when a remote provider is unavailable.
type Synthetic struct{}

func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

var _ Generator = (*Synthetic)(nil)

func (s *Synthetic) Generate(ctx context.Context, req Request) ([]Asset, error) {
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	width, height := AspectRatioSize(req.Prompt.AspectRatio)
	assets := make([]Asset, 0, quantity)
	for i := 0; i < quantity; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := renderGradient(width, height, deterministicSeed(req, i))
		if err != nil {
			return nil, fmt.Errorf("synthetic render: %w", err)
		}
		assets = append(assets, Asset{
			Data:   data,
			Format: "image/png",
			Width:  width,
			Height: height,
		})
	}
	return assets, nil
}

func (s *Synthetic) String() string { return "synthetic" }

// deterministicSeed derives a stable per-variation seed so repeated runs of the
// same request produce identical pixels.
func deterministicSeed(req Request, index int) uint64 {
	h := sha256.New()
	h.Write([]byte(req.RequestID))
	h.Write([]byte(req.Operation))
	h.Write([]byte(req.Prompt.Prompt))
	h.Write([]byte(req.Prompt.Style))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	h.Write(idx[:])
	if req.Prompt.Seed != 0 {
		binary.BigEndian.PutUint64(idx[:], uint64(req.Prompt.Seed))
		h.Write(idx[:])
	}
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func renderGradient(width, height int, seed uint64) ([]byte, error) {
	base := color.NRGBA{
		R: uint8(seed >> 16),
		G: uint8(seed >> 8),
		B: uint8(seed),
		A: 255,
	}
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		shade := uint8((y * 96) / height)
		row := color.NRGBA{R: base.R + shade, G: base.G + shade, B: base.B + shade, A: 255}
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, row)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
