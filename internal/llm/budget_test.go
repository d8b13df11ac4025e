package llm

import "testing"

func TestBudgetCountTokens(t *testing.T) {
	b, err := NewBudget(100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.CountTokens("") != 0 {
		t.Fatalf("expected empty string to count zero tokens")
	}
	if b.CountTokens("hello world") <= 0 {
		t.Fatalf("expected positive token count for non-empty text")
	}
}

func TestBudgetFitKeepsSystemAndRecent(t *testing.T) {
	b, err := NewBudget(30, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages := []Message{
		{Role: "system", Content: "you are a helpful assistant"},
		{Role: "user", Content: "first message that is fairly long and should be dropped eventually"},
		{Role: "assistant", Content: "first reply also somewhat long"},
		{Role: "user", Content: "latest question"},
	}

	fitted := b.Fit(messages)
	if len(fitted) == 0 {
		t.Fatal("expected at least one message to survive")
	}
	if fitted[0].Role != "system" {
		t.Fatalf("expected system message to be kept first, got role %q", fitted[0].Role)
	}
	if fitted[len(fitted)-1].Content != "latest question" {
		t.Fatalf("expected most recent message to be kept, got %q", fitted[len(fitted)-1].Content)
	}
	if b.CountMessages(fitted) > b.Available() {
		t.Fatalf("fitted messages exceed budget: %d > %d", b.CountMessages(fitted), b.Available())
	}
}

func TestBudgetFitNoTrimNeeded(t *testing.T) {
	b, err := NewBudget(10000, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	messages := []Message{{Role: "user", Content: "short"}}
	fitted := b.Fit(messages)
	if len(fitted) != 1 {
		t.Fatalf("expected no trimming, got %d messages", len(fitted))
	}
}
