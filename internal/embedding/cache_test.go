package embedding

import (
	"context"
	"testing"
)

type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func TestCachingReusesVectors(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCaching(inner)

	v1, err := c.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", inner.calls)
	}

	v2, err := c.Embed(context.Background(), []string{"hello", "world", "new"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 upstream calls total, got %d", inner.calls)
	}
	if v1[0][0] != v2[0][0] || v1[1][0] != v2[1][0] {
		t.Fatalf("expected cached vectors to match: %v vs %v", v1, v2)
	}
}

func TestCachingEmptyInput(t *testing.T) {
	inner := &countingEmbedder{}
	c := NewCaching(inner)
	out, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %v", out)
	}
	if inner.calls != 0 {
		t.Fatalf("expected no upstream calls for empty input")
	}
}
