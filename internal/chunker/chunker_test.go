package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kovel/docchat/internal/token"
)

// para builds a paragraph of n sentences, each counting wordsPer tokens
// (wordsPer-1 words plus the terminating period).
func para(t *testing.T, n, wordsPer int) string {
	t.Helper()
	sentence := strings.TrimSpace(strings.Repeat("alpha ", wordsPer-1)) + "."
	if got := token.Count(sentence); got != wordsPer {
		t.Fatalf("fixture sentence counts %d tokens, want %d", got, wordsPer)
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = sentence
	}
	return strings.Join(parts, " ")
}

func TestSplit_Empty(t *testing.T) {
	s := NewSplitter(0, 0, 0, 0)
	if got := s.Split(""); len(got) != 0 {
		t.Errorf("Split(\"\") returned %d chunks, want 0", len(got))
	}
	if got := s.Split("   \n\n  "); len(got) != 0 {
		t.Errorf("Split(whitespace) returned %d chunks, want 0", len(got))
	}
}

func TestSplit_ThreeParagraphsOf400Tokens(t *testing.T) {
	s := NewSplitter(800, 100, 1200, 150)
	p := para(t, 20, 20) // 400 tokens
	text := p + "\n\n" + p + "\n\n" + p

	chunks := s.Split(text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	// First chunk holds paragraphs 1-2, right at the optimal size.
	if chunks[0].TokenCount < 750 || chunks[0].TokenCount > 850 {
		t.Errorf("chunk 0 tokens = %d, want ~800", chunks[0].TokenCount)
	}
	// Second chunk is the two-sentence overlap plus paragraph 3.
	if !strings.HasSuffix(chunks[1].Text, p) {
		t.Error("chunk 1 does not end with paragraph 3")
	}
	if chunks[1].TokenCount <= 400 {
		t.Errorf("chunk 1 tokens = %d, want > 400 (overlap included)", chunks[1].TokenCount)
	}
	if chunks[0].Index != 0 || chunks[1].Index != 1 {
		t.Errorf("indices = %d, %d; want 0, 1", chunks[0].Index, chunks[1].Index)
	}
}

func TestSplit_IndicesContiguousAcrossSections(t *testing.T) {
	s := NewSplitter(800, 10, 1200, 150)
	text := "# Intro\n\n" + para(t, 5, 20) +
		"\n\n# Methods\n\n" + para(t, 5, 20) +
		"\n\n# Results\n\n" + para(t, 5, 20)

	chunks := s.Split(text)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3 (one per section)", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
	}
}

func TestSplit_OversizedParagraphFallsToSentences(t *testing.T) {
	s := NewSplitter(800, 100, 1200, 150)
	// One paragraph with no blank lines, 2000 tokens: must re-split at
	// sentence boundaries, producing multiple bounded chunks.
	text := para(t, 100, 20)

	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	for _, ch := range chunks {
		if ch.TokenCount > 1200 {
			t.Errorf("chunk %d tokens = %d, exceeds max", ch.Index, ch.TokenCount)
		}
	}
}

func TestSplit_SubMinimumSoleContentKept(t *testing.T) {
	s := NewSplitter(800, 100, 1200, 150)
	text := "Just one short line of text."

	chunks := s.Split(text)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 (sole content is never dropped)", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("chunk text = %q, want %q", chunks[0].Text, text)
	}
}

func TestSplit_SizeBounds(t *testing.T) {
	s := NewSplitter(800, 100, 1200, 150)
	var parts []string
	for i := 0; i < 12; i++ {
		parts = append(parts, para(t, 15, 20)) // 300 tokens each
	}
	chunks := s.Split(strings.Join(parts, "\n\n"))

	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, ch := range chunks {
		// Overlap slack: a chunk may exceed optimal by the seeded overlap.
		if ch.TokenCount > 1200+150 {
			t.Errorf("chunk %d tokens = %d, exceeds max plus overlap", i, ch.TokenCount)
		}
		if i < len(chunks)-1 && ch.TokenCount < 100 {
			t.Errorf("chunk %d tokens = %d, below min", i, ch.TokenCount)
		}
	}
}

func TestSplit_ReconstructsParagraphOrder(t *testing.T) {
	s := NewSplitter(800, 100, 1200, 150)
	var paras []string
	for i := 0; i < 6; i++ {
		p := fmt.Sprintf("Marker%d. %s", i, para(t, 14, 20))
		paras = append(paras, p)
	}
	chunks := s.Split(strings.Join(paras, "\n\n"))

	joined := make([]string, len(chunks))
	for i, ch := range chunks {
		joined[i] = ch.Text
	}
	all := strings.Join(joined, "\n\n")

	// Every paragraph marker appears, in document order.
	last := -1
	for i := 0; i < 6; i++ {
		pos := strings.Index(all, fmt.Sprintf("Marker%d.", i))
		if pos == -1 {
			t.Fatalf("paragraph %d missing from chunk output", i)
		}
		if pos < last {
			t.Errorf("paragraph %d appears out of order", i)
		}
		last = pos
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want Kind
	}{
		{"```go\nfunc main() {}\n```", KindCode},
		{"~~~\nliteral\n~~~", KindCode},
		{"| name | value |\n|---|---|", KindTable},
		{"- first\n- second", KindList},
		{"* starred item", KindList},
		{"## Section Title\nBody text.", KindSection},
		{"Plain prose without markers.", KindParagraph},
	}
	for _, tt := range tests {
		if got := classify(tt.text); got != tt.want {
			t.Errorf("classify(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestImportance(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"plain", "Nothing remarkable here.", 0},
		{"heading", "# Title\nBody.", 3},
		{"emphasis word", "This is important to remember.", 2},
		{"digit", "Version 2 shipped.", 0.5},
		{"clamped", "# Note\n" + strings.Repeat("critical 1 ", 60), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := importance(tt.text); got != tt.want {
				t.Errorf("importance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSplit_HeadingStartsNewSection(t *testing.T) {
	s := NewSplitter(800, 10, 1200, 150)
	text := "Overview:\nShort intro text here.\n\n1. First Topic\nDetails about it."
	chunks := s.Split(text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (title-case and numbered headings split)", len(chunks))
	}
	if !strings.HasPrefix(chunks[0].Text, "Overview:") {
		t.Errorf("chunk 0 = %q, want it to start with the heading", chunks[0].Text)
	}
	if !strings.HasPrefix(chunks[1].Text, "1. First Topic") {
		t.Errorf("chunk 1 = %q, want it to start with the numbered heading", chunks[1].Text)
	}
}
