// Package api exposes the document chat service over HTTP: document
// upload and lifecycle, chat with SSE streaming, and an MCP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kovel/docchat/internal/composer"
	"github.com/kovel/docchat/internal/pipeline"
	"github.com/kovel/docchat/internal/provider"
	"github.com/kovel/docchat/internal/retrieval"
	"github.com/kovel/docchat/internal/storage"
)

const (
	maxUploadBytes     = 50 << 20 // 50MB
	maxRequestBodySize = 1 << 20  // 1MB
	maxHistoryFetch    = 50
)

// ChatClient produces an answer for a composed message list, optionally
// streaming deltas.
type ChatClient interface {
	Chat(ctx context.Context, messages []provider.Message, onDelta func(string)) (string, error)
}

// Processor runs the ingestion pipeline for an uploaded document.
type Processor interface {
	Process(ctx context.Context, documentID, name string, data []byte, onProgress func(pipeline.Progress)) (*pipeline.Result, error)
}

// AppDeps bundles everything the HTTP handlers need.
type AppDeps struct {
	Store     *storage.Store
	Vectors   *retrieval.Store
	Retriever *retrieval.Retriever
	Composer  *composer.Composer
	Chat      ChatClient
	Processor Processor
	SpoolDir  string
	Token     string
}

// NewHandler builds the chi router. Every route except /health requires
// the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Post("/documents/{id}/chat", handleChat(deps))
		r.Get("/documents/{id}/messages", handleListMessages(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
