// Package extract reads PDF documents and produces their full text with
// page-granular progress reporting.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// ErrNoText is returned when a document parses cleanly but yields no
// extractable text, typically a scanned-image-only PDF. Callers should
// surface this distinctly from a parse failure.
var ErrNoText = errors.New("no extractable text in document")

// ParseError wraps a failure to parse the document at all.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parsing document: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Stage identifies a phase of extraction progress.
type Stage string

const (
	StageLoading    Stage = "loading"
	StageExtracting Stage = "extracting"
	StageCompleted  Stage = "completed"
)

// Progress is one extraction progress event. Page is the page whose
// extraction just finished (0 during loading).
type Progress struct {
	Stage     Stage
	Page      int
	PageCount int
	Percent   int
	Message   string
}

// Metadata holds best-effort document metadata. Fields the document does
// not declare, or declares malformed, stay zero.
type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Keywords string
	Creator  string
	Producer string
	Created  time.Time
	Modified time.Time
}

// Result is the outcome of a successful extraction.
type Result struct {
	Text      string
	PageCount int
	Metadata  Metadata
}

// docReader abstracts the parsed document so page scheduling can be tested
// without real PDF fixtures.
type docReader interface {
	numPages() int
	pageText(page int) (string, error)
	metadata() Metadata
}

// Extractor extracts page text concurrently, bounded by a worker limit,
// and reassembles pages in page-number order regardless of completion
// order.
type Extractor struct {
	concurrency int
}

// NewExtractor creates an Extractor. concurrency <= 0 uses the default.
func NewExtractor(concurrency int) *Extractor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Extractor{concurrency: concurrency}
}

// Extract parses the PDF bytes and extracts all page text. onProgress, if
// non-nil, is invoked at load start, after each page, and at completion.
// Returns *ParseError when the bytes are not a readable PDF and ErrNoText
// when parsing succeeds but no text is recovered.
func (e *Extractor) Extract(ctx context.Context, data []byte, onProgress func(Progress)) (Result, error) {
	r, err := openPDF(data)
	if err != nil {
		return Result{}, &ParseError{Err: err}
	}
	return e.extract(ctx, r, onProgress)
}

func (e *Extractor) extract(ctx context.Context, r docReader, onProgress func(Progress)) (Result, error) {
	// mu serializes progress callbacks from concurrent page workers.
	// The loading and completion events run outside the fan-out, so
	// report itself does not lock.
	var mu sync.Mutex
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	report(Progress{Stage: StageLoading, Percent: 5, Message: "loading document"})

	n := r.numPages()
	meta := r.metadata()

	pages := make([]string, n)
	completed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := 1; i <= n; i++ {
		page := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			text, err := r.pageText(page)
			if err != nil {
				return fmt.Errorf("extracting page %d: %w", page, err)
			}
			pages[page-1] = text

			// Counting and reporting share one critical section so
			// percentages reach the observer in increasing order.
			mu.Lock()
			completed++
			report(Progress{
				Stage:     StageExtracting,
				Page:      page,
				PageCount: n,
				Percent:   10 + 70*completed/max(n, 1),
				Message:   fmt.Sprintf("extracted page %d of %d", page, n),
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	full := strings.Join(pages, "\n\n")
	if strings.TrimSpace(full) == "" {
		return Result{}, ErrNoText
	}

	report(Progress{
		Stage:     StageCompleted,
		Page:      n,
		PageCount: n,
		Percent:   100,
		Message:   "text extraction completed",
	})

	return Result{Text: full, PageCount: n, Metadata: meta}, nil
}
