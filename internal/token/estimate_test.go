package token

import "testing"

func TestCount(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"hello world", "Hello, world!", 4},
		{"single word", "gopher", 1},
		{"punctuation only", "...", 3},
		{"sentence", "The quick brown fox jumps.", 6},
		{"hyphenated", "re-entry", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Count(tt.text); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestCount_FallsBackToApproximate(t *testing.T) {
	// Whitespace-only input matches no tokens; the coarse estimate applies.
	text := "        "
	if got, want := Count(text), Approximate(text); got != want {
		t.Errorf("Count(%q) = %d, want %d", text, got, want)
	}
}

func TestApproximate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tt := range tests {
		if got := Approximate(tt.text); got != tt.want {
			t.Errorf("Approximate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCount_Deterministic(t *testing.T) {
	text := "Numbers like 42 and symbols (§) mix; counts must not drift."
	first := Count(text)
	for i := 0; i < 5; i++ {
		if got := Count(text); got != first {
			t.Fatalf("Count changed between calls: %d then %d", first, got)
		}
	}
}
