// Package composer assembles chat prompts from retrieved document context
// and conversation history.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kovel/docchat/internal/provider"
	"github.com/kovel/docchat/internal/retrieval"
	"github.com/kovel/docchat/internal/storage"
	"github.com/kovel/docchat/internal/token"
)

const (
	defaultMaxContextTokens = 4000
	defaultMaxHistory       = 10
)

const systemPrompt = `You are a helpful assistant that answers questions about a document.
Use ONLY the provided context excerpts to answer. If the context does not
contain the answer, say that the document does not cover it. Do not invent
facts that are not in the excerpts. When useful, quote short passages from
the context.`

// Composer builds provider message lists for document chat. Retrieved
// chunks are packed into the system message under a token budget;
// conversation history is replayed after it.
type Composer struct {
	MaxContextTokens int
	MaxHistory       int
}

// New creates a Composer. maxContextTokens <= 0 or maxHistory <= 0 fall
// back to the defaults.
func New(maxContextTokens, maxHistory int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Composer{MaxContextTokens: maxContextTokens, MaxHistory: maxHistory}
}

// Compose builds the full message list for a chat turn: system message
// with document context, recent history, then the user's question.
func (c *Composer) Compose(documentName string, chunks []retrieval.ScoredChunk, history []storage.ChatMessage, question string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{
		Role:    "system",
		Content: c.buildSystemMessage(documentName, chunks),
	})

	if len(history) > c.MaxHistory {
		history = history[len(history)-c.MaxHistory:]
	}
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}

	msgs = append(msgs, provider.Message{Role: "user", Content: question})
	return msgs
}

// buildSystemMessage packs chunks into the context section, best-scoring
// first, dropping whatever does not fit the token budget. Selected chunks
// are rendered in document order so the excerpt reads coherently.
func (c *Composer) buildSystemMessage(documentName string, chunks []retrieval.ScoredChunk) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString(fmt.Sprintf("\n\nDocument: %s", documentName))

	if len(chunks) == 0 {
		sb.WriteString("\n\nNo relevant excerpts were found in the document for this question.")
		return sb.String()
	}

	byScore := make([]retrieval.ScoredChunk, len(chunks))
	copy(byScore, chunks)
	sort.Slice(byScore, func(i, j int) bool {
		if byScore[i].Score != byScore[j].Score {
			return byScore[i].Score > byScore[j].Score
		}
		return byScore[i].Index < byScore[j].Index
	})

	header := "\n\nContext excerpts:\n"
	remaining := c.MaxContextTokens - token.Approximate(sb.String()) - token.Approximate(header)

	var selected []retrieval.ScoredChunk
	for _, ch := range byScore {
		entry := formatChunk(ch)
		cost := token.Approximate(entry)
		if cost > remaining {
			continue
		}
		selected = append(selected, ch)
		remaining -= cost
	}

	if len(selected) == 0 {
		sb.WriteString("\n\nNo relevant excerpts fit the context budget for this question.")
		return sb.String()
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Index < selected[j].Index })

	sb.WriteString(header)
	for _, ch := range selected {
		sb.WriteString(formatChunk(ch))
	}
	return sb.String()
}

func formatChunk(ch retrieval.ScoredChunk) string {
	return fmt.Sprintf("\n[Excerpt %d, relevance %.2f]\n%s\n", ch.Index+1, ch.Score, ch.Text)
}
