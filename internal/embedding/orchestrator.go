// Package embedding resolves texts to vectors through a cache-first,
// batched, bounded-concurrency pipeline against the embedding provider.
package embedding

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kovel/docchat/internal/cache"
)

// Batching ceilings. BatchSize stays under the provider's per-request item
// limit; ParallelPartitions bounds concurrent in-flight requests so a large
// document cannot fan out unbounded against a rate-limited API.
const (
	DefaultBatchSize          = 100
	DefaultParallelPartitions = 3
)

// Embedder is the provider boundary: one call per batch, output order
// matching input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Orchestrator coordinates the cache and the provider. It is logically
// idempotent: with a warm cache a repeated call performs zero provider
// requests and returns the cached vectors verbatim.
type Orchestrator struct {
	provider  Embedder
	cache     *cache.Cache
	batchSize int
	parallel  int
}

// New creates an Orchestrator. batchSize or parallel <= 0 fall back to the
// defaults.
func New(provider Embedder, c *cache.Cache, batchSize, parallel int) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if parallel <= 0 {
		parallel = DefaultParallelPartitions
	}
	return &Orchestrator{provider: provider, cache: c, batchSize: batchSize, parallel: parallel}
}

// EmbedOne resolves a single text, still consulting the cache.
func (o *Orchestrator) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedMany(ctx, []string{text}, nil)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany resolves all texts to vectors, in input order. Cached vectors
// are served directly; the rest go to the provider in batches, with
// parallel partitions only above the batch-size threshold where the
// coordination pays for itself. onProgress, if non-nil, receives
// monotonically increasing (completed, total) counts.
//
// A provider failure aborts the whole call: no silent retries, no
// placeholder vectors. Cancellation is honored between batches; an
// in-flight request may finish but no further batch is scheduled.
func (o *Orchestrator) EmbedMany(ctx context.Context, texts []string, onProgress func(completed, total int)) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	total := len(texts)
	report := func(completed int) {
		if onProgress != nil {
			onProgress(completed, total)
		}
	}

	// Cache lookup for every input, order preserved; nil marks a miss.
	results := o.cache.GetEmbeddings(ctx, texts)

	var uncachedIdx []int
	var uncached []string
	for i, v := range results {
		if v == nil {
			uncachedIdx = append(uncachedIdx, i)
			uncached = append(uncached, texts[i])
		}
	}

	if len(uncached) == 0 {
		report(total)
		return results, nil
	}

	fresh := make([][]float32, len(uncached))
	completed := total - len(uncached)
	var mu sync.Mutex

	// processSpan runs batches sequentially over uncached[start:end).
	processSpan := func(ctx context.Context, start, end int) error {
		for lo := start; lo < end; lo += o.batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			hi := min(lo+o.batchSize, end)
			batch := uncached[lo:hi]

			vecs, err := o.provider.Embed(ctx, batch)
			if err != nil {
				return fmt.Errorf("embedding batch of %d texts: %w", len(batch), err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch))
			}
			copy(fresh[lo:hi], vecs)

			if err := o.cache.PutEmbeddings(ctx, batch, vecs); err != nil {
				return err
			}

			// Reporting under the lock keeps the (completed, total)
			// sequence monotonic across partitions.
			mu.Lock()
			completed += len(batch)
			report(completed)
			mu.Unlock()
		}
		return nil
	}

	if total <= o.batchSize {
		if err := processSpan(ctx, 0, len(uncached)); err != nil {
			return nil, err
		}
	} else {
		span := (len(uncached) + o.parallel - 1) / o.parallel
		g, gctx := errgroup.WithContext(ctx)
		for start := 0; start < len(uncached); start += span {
			start, end := start, min(start+span, len(uncached))
			g.Go(func() error { return processSpan(gctx, start, end) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Merge fresh vectors back into the original input positions.
	for j, i := range uncachedIdx {
		results[i] = fresh[j]
	}
	return results, nil
}
