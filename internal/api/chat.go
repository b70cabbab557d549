package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kovel/docchat/internal/provider"
	"github.com/kovel/docchat/internal/retrieval"
	"github.com/kovel/docchat/internal/storage"
)

type chatRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

// SourceRef points at a chunk that grounded an answer.
type SourceRef struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
	Text  string  `json:"text"`
}

type chatResponse struct {
	Answer  string      `json:"answer"`
	Sources []SourceRef `json:"sources"`
}

// handleChat answers a question about a document. The retrieval step and
// prompt assembly are identical for both modes; only delivery differs.
// Streaming responses are SSE with one delta per event and a [DONE]
// terminator. The exchange is persisted so later turns see it as history.
func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}
		if doc.Status != storage.DocStatusReady {
			httpError(w, http.StatusConflict, "invalid_request_error", "document is not ready (status: %s)", doc.Status)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		chunks, err := deps.Retriever.Retrieve(r.Context(), id, req.Question)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "retrieving context: %v", err)
			return
		}

		history, err := deps.Store.GetChatMessages(id, maxHistoryFetch)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading chat history: %v", err)
			return
		}

		messages := deps.Composer.Compose(doc.Name, chunks, history, req.Question)

		if err := deps.Store.SaveChatMessage(storage.ChatMessage{
			ID:         uuid.New().String(),
			DocumentID: id,
			Role:       "user",
			Content:    req.Question,
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving message: %v", err)
			return
		}

		if req.Stream {
			streamChat(w, r, deps, id, messages)
			return
		}

		answer, err := deps.Chat.Chat(r.Context(), messages, nil)
		if err != nil {
			writeProviderError(w, err)
			return
		}

		saveAssistantMessage(deps, id, answer)
		writeJSON(w, http.StatusOK, chatResponse{Answer: answer, Sources: sourceRefs(chunks)})
	}
}

// streamChat delivers the answer as SSE. Headers are committed before the
// provider call completes, so mid-stream failures surface as an error event
// rather than an HTTP status.
func streamChat(w http.ResponseWriter, r *http.Request, deps AppDeps, documentID string, messages []provider.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	answer, err := deps.Chat.Chat(r.Context(), messages, func(delta string) {
		payload, _ := json.Marshal(map[string]string{"delta": delta})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	})
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return
	}

	saveAssistantMessage(deps, documentID, answer)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// saveAssistantMessage persists the answer on a best-effort basis; a failed
// write should not turn a delivered answer into an error.
func saveAssistantMessage(deps AppDeps, documentID, answer string) {
	_ = deps.Store.SaveChatMessage(storage.ChatMessage{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Role:       "assistant",
		Content:    answer,
	})
}

func writeProviderError(w http.ResponseWriter, err error) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		httpError(w, http.StatusBadGateway, "api_error", "provider error: %s", apiErr.Message)
		return
	}
	httpError(w, http.StatusBadGateway, "api_error", "chat failed: %v", err)
}

func sourceRefs(chunks []retrieval.ScoredChunk) []SourceRef {
	refs := make([]SourceRef, 0, len(chunks))
	for _, c := range chunks {
		refs = append(refs, SourceRef{Index: c.Index, Score: c.Score, Text: c.Text})
	}
	return refs
}

// MessageResponse is the wire shape for a stored chat message.
type MessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetDocument(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "document not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
			return
		}

		limit := parseIntParam(r, "limit", maxHistoryFetch, 200)
		msgs, err := deps.Store.GetChatMessages(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading messages: %v", err)
			return
		}

		out := make([]MessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, MessageResponse{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
