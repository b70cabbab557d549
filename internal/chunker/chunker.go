// Package chunker splits extracted document text into ordered, overlapping,
// semantically scoped chunks sized for embedding.
package chunker

import (
	"regexp"
	"strings"

	"github.com/kovel/docchat/internal/token"
)

// Default sizing constants, in estimated tokens.
const (
	DefaultOptimalSize = 800
	DefaultMinSize     = 100
	DefaultMaxSize     = 1200
	DefaultOverlap     = 150
)

// Kind classifies the structural type of a chunk.
type Kind string

const (
	KindParagraph Kind = "paragraph"
	KindSection   Kind = "section"
	KindList      Kind = "list"
	KindCode      Kind = "code"
	KindTable     Kind = "table"
)

// Chunk is one contiguous span of document text prepared as the unit of
// embedding and retrieval. Index is 0-based and contiguous in document
// order. Importance is a heuristic score in [0, 5].
type Chunk struct {
	Text       string  `json:"text"`
	Index      int     `json:"index"`
	TokenCount int     `json:"token_count"`
	Kind       Kind    `json:"kind"`
	Importance float64 `json:"importance"`
}

// Splitter holds the sizing parameters for chunking. Chunks accumulate
// toward optimal, never exceed max plus overlap slack, and tails below min
// are merged away unless they are a section's only content.
type Splitter struct {
	optimal int
	min     int
	max     int
	overlap int
}

// NewSplitter creates a Splitter. Any parameter <= 0 falls back to its
// default.
func NewSplitter(optimal, min, max, overlap int) *Splitter {
	if optimal <= 0 {
		optimal = DefaultOptimalSize
	}
	if min <= 0 {
		min = DefaultMinSize
	}
	if max <= 0 {
		max = DefaultMaxSize
	}
	if overlap <= 0 {
		overlap = DefaultOverlap
	}
	return &Splitter{optimal: optimal, min: min, max: max, overlap: overlap}
}

var (
	markdownHeading = regexp.MustCompile(`^#{1,6}\s+.+`)
	titleHeading    = regexp.MustCompile(`^[A-Z][^.!?]*:$`)
	numberedHeading = regexp.MustCompile(`^\d+\.\s+[A-Z].+`)

	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[^.!?]+[.!?]+`)

	importantWords = regexp.MustCompile(`(?i)\b(important|critical|key|essential|note)\b`)
	topHeading     = regexp.MustCompile(`^#{1,3}\s+`)
	anyDigit       = regexp.MustCompile(`\d`)

	codeFence   = regexp.MustCompile("^(```|~~~)")
	tableRow    = regexp.MustCompile(`^\|.+\|`)
	listMarker  = regexp.MustCompile(`^[\s-]*[-*+]\s`)
	headingLine = regexp.MustCompile(`^#{1,6}\s+`)
)

// Split partitions text into chunks: section boundaries first, then
// paragraph accumulation with semantic overlap within each section.
// Indices are assigned globally in discovery order. Empty input yields an
// empty slice.
func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	for _, section := range splitSections(text) {
		chunks = append(chunks, s.chunkSection(section, len(chunks))...)
	}
	return chunks
}

// splitSections partitions text at heading-like boundaries. Each heading
// line starts a new section and stays attached to the content it titles.
// Text with no headings is a single section.
func splitSections(text string) []string {
	lines := strings.Split(text, "\n")

	var sections []string
	var current []string
	flush := func() {
		joined := strings.TrimSpace(strings.Join(current, "\n"))
		if joined != "" {
			sections = append(sections, joined)
		}
		current = current[:0]
	}

	for _, line := range lines {
		if isHeading(strings.TrimSpace(line)) {
			flush()
		}
		current = append(current, line)
	}
	flush()

	if len(sections) == 0 {
		return []string{text}
	}
	return sections
}

func isHeading(line string) bool {
	if line == "" {
		return false
	}
	return markdownHeading.MatchString(line) ||
		titleHeading.MatchString(line) ||
		numberedHeading.MatchString(line)
}

// chunkSection accumulates a section's paragraphs into chunks around the
// optimal size. Closing a chunk seeds the next one with a semantic overlap.
func (s *Splitter) chunkSection(section string, startIndex int) []Chunk {
	var chunks []Chunk
	index := startIndex

	var buf string
	var bufTokens int

	for _, para := range paragraphBreak.Split(section, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		paraTokens := token.Count(para)

		// A paragraph too large for any single chunk is re-split at
		// sentence boundaries, independent of paragraph grouping.
		if paraTokens > s.max {
			if buf != "" {
				chunks = append(chunks, s.finish(buf, index))
				index++
				buf, bufTokens = "", 0
			}
			sentenceChunks := s.chunkSentences(para, index)
			chunks = append(chunks, sentenceChunks...)
			index += len(sentenceChunks)
			continue
		}

		if bufTokens+paraTokens > s.optimal && buf != "" {
			chunks = append(chunks, s.finish(buf, index))
			index++

			overlap := s.overlapTail(buf)
			if overlap != "" {
				buf = overlap + "\n\n" + para
			} else {
				buf = para
			}
			bufTokens = token.Count(buf)
			continue
		}

		if buf == "" {
			buf = para
		} else {
			buf += "\n\n" + para
		}
		bufTokens += paraTokens
	}

	if strings.TrimSpace(buf) != "" {
		// A tail below the minimum is merged away, unless it is the
		// section's only content: content is never silently dropped.
		if bufTokens >= s.min || len(chunks) == 0 {
			chunks = append(chunks, s.finish(buf, index))
		}
	}

	return chunks
}

// chunkSentences splits an oversized paragraph at sentence boundaries with
// the same accumulate/overlap logic used for paragraphs.
func (s *Splitter) chunkSentences(text string, startIndex int) []Chunk {
	sentences := sentenceEnd.FindAllString(text, -1)
	if sentences == nil {
		sentences = []string{text}
	}

	var chunks []Chunk
	index := startIndex

	var buf string
	var bufTokens int

	for _, sentence := range sentences {
		sentenceTokens := token.Count(sentence)

		if bufTokens+sentenceTokens > s.optimal && buf != "" {
			chunks = append(chunks, s.finish(buf, index))
			index++

			buf = s.overlapTail(buf) + sentence
			bufTokens = token.Count(buf)
			continue
		}

		buf += sentence
		bufTokens += sentenceTokens
	}

	if strings.TrimSpace(buf) != "" {
		chunks = append(chunks, s.finish(buf, index))
	}

	return chunks
}

// overlapTail returns trailing context to seed the next chunk: the closed
// chunk's last two sentences, trimmed to the overlap token budget by
// falling back to trailing words when the sentences run long.
func (s *Splitter) overlapTail(text string) string {
	sentences := sentenceEnd.FindAllString(text, -1)
	if len(sentences) == 0 {
		return ""
	}
	if len(sentences) > 2 {
		sentences = sentences[len(sentences)-2:]
	}
	overlap := strings.Join(sentences, "")
	if token.Count(overlap) <= s.overlap {
		return overlap
	}
	return lastWords(text, s.overlap)
}

// lastWords returns roughly tokenLimit tokens worth of trailing words.
func lastWords(text string, tokenLimit int) string {
	words := strings.Fields(text)
	keep := (tokenLimit*3 + 3) / 4
	if keep < len(words) {
		words = words[len(words)-keep:]
	}
	return strings.Join(words, " ")
}

func (s *Splitter) finish(text string, index int) Chunk {
	text = strings.TrimSpace(text)
	return Chunk{
		Text:       text,
		Index:      index,
		TokenCount: token.Count(text),
		Kind:       classify(text),
		Importance: importance(text),
	}
}

// classify tags a chunk by its leading characters.
func classify(text string) Kind {
	switch {
	case codeFence.MatchString(text):
		return KindCode
	case tableRow.MatchString(text):
		return KindTable
	case listMarker.MatchString(text):
		return KindList
	case headingLine.MatchString(text):
		return KindSection
	default:
		return KindParagraph
	}
}

// importance scores a chunk heuristically: heading start +3, emphasis words
// +2, length over 500 chars +1, contains a digit +0.5, clamped to 5.
func importance(text string) float64 {
	var score float64
	if topHeading.MatchString(text) {
		score += 3
	}
	if importantWords.MatchString(text) {
		score += 2
	}
	if len(text) > 500 {
		score += 1
	}
	if anyDigit.MatchString(text) {
		score += 0.5
	}
	if score > 5 {
		score = 5
	}
	return score
}
