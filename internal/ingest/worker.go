// Package ingest runs document ingestion jobs from the SQLite job queue.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kovel/docchat/internal/pipeline"
	"github.com/kovel/docchat/internal/storage"
)

// JobType is the queue type claimed by this worker.
const JobType = "document_ingest"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Processor runs the ingestion pipeline for one document.
type Processor interface {
	Process(ctx context.Context, documentID, name string, data []byte, onProgress func(pipeline.Progress)) (*pipeline.Result, error)
}

// Payload is the job payload for document ingestion. File names a spooled
// PDF relative to the worker's spool directory.
type Payload struct {
	DocumentID string `json:"document_id"`
	Name       string `json:"name"`
	File       string `json:"file"`
}

// Worker processes document_ingest jobs from the SQLite job queue. Each
// job references a PDF spooled to disk by the upload handler; the file is
// removed once ingestion succeeds or the job permanently fails.
type Worker struct {
	store     JobStore
	processor Processor
	spoolDir  string
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, processor Processor, spoolDir string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		processor: processor,
		spoolDir:  spoolDir,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single document_ingest job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("ingest job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		// FailJob counts this attempt; once the job is permanently
		// failed the spooled PDF has no further use.
		if job.Attempts+1 >= job.MaxAttempts {
			w.removeSpooled(job)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// removeSpooled deletes the job's spooled PDF, if the payload names one.
func (w *Worker) removeSpooled(job *storage.Job) {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil || payload.File == "" {
		return
	}
	path := filepath.Join(w.spoolDir, filepath.Base(payload.File))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("removing spooled file", "path", path, "error", err)
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	path := filepath.Join(w.spoolDir, filepath.Base(payload.File))
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading spooled file for %s: %w", payload.DocumentID, err)
	}

	res, err := w.processor.Process(ctx, payload.DocumentID, payload.Name, data, nil)
	if err != nil {
		return fmt.Errorf("processing document %s: %w", payload.DocumentID, err)
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing spooled file", "path", path, "error", err)
	}

	w.logger.Info("ingest job done",
		"job_id", job.ID,
		"document_id", payload.DocumentID,
		"chunks", res.ChunkCount)
	return nil
}
