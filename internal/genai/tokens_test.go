package genai

import (
	"strings"
	"testing"
)

func TestTokenBudget_TrimDropsOldestFirst(t *testing.T) {
	b := newTokenBudget(20)
	long := strings.Repeat("word ", 15)
	history := []string{long, long, "short question"}

	got := b.Trim(history)
	if len(got) == 0 || got[len(got)-1] != "short question" {
		t.Fatalf("newest entry must be kept, got %v", got)
	}
	if len(got) >= len(history) {
		t.Errorf("expected history to be trimmed, got %d entries", len(got))
	}
}

func TestTokenBudget_KeepsNewestEvenWhenOverLimit(t *testing.T) {
	b := newTokenBudget(1)
	got := b.Trim([]string{"a", strings.Repeat("very long ", 50)})
	if len(got) != 1 {
		t.Errorf("expected only the newest entry, got %d", len(got))
	}
}

func TestTokenBudget_Disabled(t *testing.T) {
	b := newTokenBudget(0)
	history := []string{"a", "b", "c"}
	if got := b.Trim(history); len(got) != 3 {
		t.Errorf("disabled budget must not trim, got %v", got)
	}
}
