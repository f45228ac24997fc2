package image

import (
	"context"
	"strings"
	"testing"

	"server/internal/domain"
)

func TestBuildPromptIncludesOperationDirective(t *testing.T) {
	p := domain.PromptData{
		Prompt:      "a scandinavian living room",
		Style:       "minimalist",
		RoomType:    "living room",
		ColorScheme: "warm neutrals",
		AspectRatio: "16:9",
	}

	out := BuildPrompt(domain.OperationInpaint, p)
	if !strings.Contains(out, "masked region") {
		t.Fatalf("inpaint prompt missing mask directive: %q", out)
	}
	if !strings.Contains(out, "aspect ratio 16:9") {
		t.Fatalf("prompt missing aspect ratio: %q", out)
	}

	out = BuildPrompt(domain.OperationOutpaint, p)
	if !strings.Contains(out, "beyond the original canvas") {
		t.Fatalf("outpaint prompt missing extension directive: %q", out)
	}
}

func TestNormalizeKeywords(t *testing.T) {
	got := NormalizeKeywords([]string{" oak floor ", "OAK FLOOR", "", "soft light"})
	want := []string{"Oak Floor", "Soft Light"}
	if len(got) != len(want) {
		t.Fatalf("keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keywords[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	gen := NewSynthetic()
	req := Request{
		Operation: domain.OperationCreate,
		Prompt:    domain.PromptData{Prompt: "test", AspectRatio: "1:1"},
		Quantity:  2,
		RequestID: "req-1",
	}
	first, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 assets, got %d and %d", len(first), len(second))
	}
	if string(first[0].Data) != string(second[0].Data) {
		t.Fatal("same request produced different pixels")
	}
	if string(first[0].Data) == string(first[1].Data) {
		t.Fatal("variations within a request should differ")
	}
}

func TestRemoteFallsBackWithoutCredentials(t *testing.T) {
	gen := NewRemote("", "", NewSynthetic())
	assets, err := gen.Generate(context.Background(), Request{
		Prompt:    domain.PromptData{AspectRatio: "1:1"},
		Quantity:  1,
		RequestID: "req-2",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
}
