package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kovel/docchat/internal/cache"
	"github.com/kovel/docchat/internal/extract"
	"github.com/kovel/docchat/internal/ingest"
	"github.com/kovel/docchat/internal/storage"
)

// DocumentResponse is the wire shape for a document.
type DocumentResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	PageCount  int       `json:"page_count"`
	ChunkCount int       `json:"chunk_count"`
	TokenCount int       `json:"token_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toDocumentResponse(d storage.Document) DocumentResponse {
	return DocumentResponse{
		ID:         d.ID,
		Name:       d.Name,
		Status:     d.Status,
		PageCount:  d.PageCount,
		ChunkCount: d.ChunkCount,
		TokenCount: d.TokenCount,
		Error:      d.LastError,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// handleUpload accepts a multipart PDF upload. By default the document is
// queued for background ingestion and the handler answers 202 immediately;
// with ?sync=1 ingestion runs inline and errors surface on this request.
// Re-uploading identical content returns the existing document.
func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required: %v", err)
			return
		}
		defer file.Close()

		if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "only PDF files are supported")
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "uploaded file is empty")
			return
		}

		fingerprint := cache.Fingerprint(string(data))
		if existing, err := deps.Store.GetDocumentByFingerprint(fingerprint); err == nil {
			writeJSON(w, http.StatusOK, toDocumentResponse(existing))
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "looking up document: %v", err)
			return
		}

		doc := storage.Document{
			ID:          uuid.New().String(),
			Name:        header.Filename,
			Fingerprint: fingerprint,
			Status:      storage.DocStatusPending,
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving document: %v", err)
			return
		}

		if r.URL.Query().Get("sync") == "1" {
			if _, err := deps.Processor.Process(r.Context(), doc.ID, doc.Name, data, nil); err != nil {
				writeIngestError(w, err)
				return
			}
			final, err := deps.Store.GetDocument(doc.ID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "loading document: %v", err)
				return
			}
			writeJSON(w, http.StatusCreated, toDocumentResponse(final))
			return
		}

		spoolName := doc.ID + ".pdf"
		if err := os.WriteFile(filepath.Join(deps.SpoolDir, spoolName), data, 0o600); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "spooling upload: %v", err)
			return
		}

		payload, _ := json.Marshal(ingest.Payload{DocumentID: doc.ID, Name: doc.Name, File: spoolName})
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        ingest.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing ingest job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
	}
}

// writeIngestError maps pipeline failures to HTTP status codes: documents
// with no extractable text are unprocessable, unparseable files are bad
// requests, and everything else is a server-side failure.
func writeIngestError(w http.ResponseWriter, err error) {
	var parseErr *extract.ParseError
	switch {
	case errors.Is(err, extract.ErrNoText):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "document contains no extractable text")
	case errors.As(err, &parseErr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "could not parse PDF: %v", parseErr.Err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "ingesting document: %v", err)
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing documents: %v", err)
			return
		}

		out := make([]DocumentResponse, 0, len(docs))
		for _, d := range docs {
			out = append(out, toDocumentResponse(d))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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

		writeJSON(w, http.StatusOK, toDocumentResponse(doc))
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Vectors.DeleteDocument(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting vectors: %v", err)
			return
		}

		err := deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting document: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// StatusResponse summarizes service state for the status endpoint.
type StatusResponse struct {
	Documents map[string]int `json:"documents"`
	Jobs      map[string]int `json:"jobs"`
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.CountDocumentsByStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting documents: %v", err)
			return
		}
		jobs, err := deps.Store.CountJobsByStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{Documents: docs, Jobs: jobs})
	}
}
