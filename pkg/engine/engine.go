// Package engine implements hybrid retrieval: parallel vector and
// keyword candidate generation over the corpus, deduplication,
// context-aware merging, small-document packing, and external
// reranking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/corpus"
	"github.com/quarrylabs/quarry/pkg/embedding"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/rerank"
	"github.com/quarrylabs/quarry/pkg/telemetry"
	"github.com/quarrylabs/quarry/pkg/types"
)

// separator joins merged chunk contents.
const separator = "\n\n---\n\n"

// ErrRetrievalFailed wraps any upstream failure that aborts a search.
var ErrRetrievalFailed = errors.New("retrieval failed")

// Engine orchestrates the retrieval pipeline.
type Engine struct {
	store    corpus.Store
	embedder embedding.Provider
	reranker rerank.Reranker
	cfg      config.EngineConfig
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	tracer   *telemetry.Provider
}

// New creates a retrieval engine. Metrics may be nil.
func New(store corpus.Store, embedder embedding.Provider, reranker rerank.Reranker, cfg config.EngineConfig, m *metrics.Metrics, logger zerolog.Logger, tracer *telemetry.Provider) *Engine {
	if cfg.SmallDocThreshold <= 0 {
		cfg.SmallDocThreshold = 1500
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.AdditionalURLCap <= 0 {
		cfg.AdditionalURLCap = 10
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		tracer:   tracer,
	}
}

// Search runs the full pipeline for a query. requestedCount is clamped
// to [1, max_results]; candidate retrieval fans out to 4x that count
// on each side.
func (e *Engine) Search(ctx context.Context, query string, requestedCount int) (*types.SearchOutput, error) {
	start := time.Now()

	n := clamp(requestedCount, 1, e.cfg.MaxResults)
	k := 4 * n

	var vectorChunks, keywordChunks []types.Chunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		embedCtx, span := e.tracer.StartEmbedding(gctx, e.embedder.ModelName())
		vec, err := e.embedder.Embed(embedCtx, query)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return fmt.Errorf("%w: embedding: %v", ErrRetrievalFailed, err)
		}
		span.End()

		searchCtx, span := e.tracer.StartVectorSearch(gctx, k)
		defer span.End()
		vectorChunks, err = e.store.VectorSearch(searchCtx, vec, k)
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("%w: vector search: %v", ErrRetrievalFailed, err)
		}
		return nil
	})
	g.Go(func() error {
		searchCtx, span := e.tracer.StartKeywordSearch(gctx, k)
		defer span.End()
		chunks, err := e.store.KeywordSearch(searchCtx, query, k)
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("%w: keyword search: %v", ErrRetrievalFailed, err)
		}
		keywordChunks = chunks
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	_, mergeSpan := e.tracer.StartMerge(ctx, len(vectorChunks)+len(keywordChunks))

	candidates := dedupeByID(vectorChunks, keywordChunks)
	merged := contextMerge(candidates)
	merged = packSmall(merged, e.cfg.SmallDocThreshold)

	telemetry.RecordResult(mergeSpan, len(vectorChunks)+len(keywordChunks), len(merged), time.Since(start))
	mergeSpan.End()

	if e.metrics != nil {
		e.metrics.RecordSearchStage("vector", len(vectorChunks))
		e.metrics.RecordSearchStage("keyword", len(keywordChunks))
		e.metrics.RecordSearchStage("merged", len(merged))
	}

	if len(merged) == 0 {
		return &types.SearchOutput{}, nil
	}

	topN := n
	if len(merged) < topN {
		topN = len(merged)
	}

	docs := make([]string, len(merged))
	for i, r := range merged {
		docs[i] = r.Content
	}

	rerankCtx, rerankSpan := e.tracer.StartRerank(ctx, len(docs), topN)
	scored, err := e.reranker.Rerank(rerankCtx, query, docs, topN)
	if err != nil {
		telemetry.RecordError(rerankSpan, err)
		rerankSpan.End()
		return nil, fmt.Errorf("%w: rerank: %v", ErrRetrievalFailed, err)
	}
	rerankSpan.End()

	ranked := make([]types.RankedResult, 0, len(scored))
	inRanked := make(map[int]bool, len(scored))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(merged) {
			continue
		}
		inRanked[s.Index] = true
		ranked = append(ranked, types.RankedResult{
			ProcessedResult: merged[s.Index],
			Score:           s.Score,
		})
	}

	output := &types.SearchOutput{
		Results:        ranked,
		AdditionalURLs: additionalURLs(merged, inRanked, e.cfg.AdditionalURLCap),
	}

	if e.metrics != nil {
		e.metrics.RecordSearchStage("ranked", len(ranked))
	}

	e.logger.Debug().
		Int("candidates", len(candidates)).
		Int("merged", len(merged)).
		Int("ranked", len(ranked)).
		Int("additional_urls", len(output.AdditionalURLs)).
		Dur("latency", time.Since(start)).
		Msg("search pipeline complete")

	return output, nil
}

// dedupeByID concatenates vector results before keyword results and
// drops repeated chunk ids, keeping first-seen order.
func dedupeByID(vector, keyword []types.Chunk) []types.Chunk {
	seen := make(map[int64]bool, len(vector)+len(keyword))
	out := make([]types.Chunk, 0, len(vector)+len(keyword))
	for _, c := range append(append([]types.Chunk{}, vector...), keyword...) {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// contextMerge groups chunks sharing a context label into one result
// per label. Chunks without a label stay singletons; grouping them
// would merge unrelated documents.
func contextMerge(chunks []types.Chunk) []types.ProcessedResult {
	var out []types.ProcessedResult
	groupIdx := make(map[string]int)

	for _, c := range chunks {
		label, content := types.ParseEnvelope(c.Content)

		if label == "" {
			out = append(out, types.ProcessedResult{
				ID:         c.ID,
				URL:        c.URL,
				Content:    content,
				MergedFrom: []int64{c.ID},
			})
			continue
		}

		if idx, ok := groupIdx[label]; ok {
			out[idx].Content += separator + content
			out[idx].MergedFrom = append(out[idx].MergedFrom, c.ID)
			continue
		}

		groupIdx[label] = len(out)
		out = append(out, types.ProcessedResult{
			ID:         c.ID,
			URL:        c.URL,
			Context:    label,
			Content:    content,
			MergedFrom: []int64{c.ID},
		})
	}

	return out
}

// packSmall coalesces results below the threshold into batches whose
// total length stays under it. Large results pass through unchanged,
// followed by the merged batches.
func packSmall(results []types.ProcessedResult, threshold int) []types.ProcessedResult {
	var large, small []types.ProcessedResult
	for _, r := range results {
		if r.Length() >= threshold {
			large = append(large, r)
		} else {
			small = append(small, r)
		}
	}

	sort.SliceStable(small, func(i, j int) bool {
		return small[i].Length() < small[j].Length()
	})

	out := large
	var batch []types.ProcessedResult
	batchLen := 0

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if len(batch) == 1 {
			out = append(out, batch[0])
		} else {
			out = append(out, mergeBatch(batch))
		}
		batch = nil
		batchLen = 0
	}

	for _, r := range small {
		if len(batch) > 0 && batchLen+r.Length() > threshold {
			flush()
		}
		batch = append(batch, r)
		batchLen += r.Length()
	}
	flush()

	return out
}

// mergeBatch folds a batch of small results into one, labeled with the
// batch's source context labels.
func mergeBatch(batch []types.ProcessedResult) types.ProcessedResult {
	var labels []string
	var contents []string
	var mergedFrom []int64
	for _, r := range batch {
		if r.Context != "" {
			labels = append(labels, r.Context)
		}
		contents = append(contents, r.Content)
		mergedFrom = append(mergedFrom, r.MergedFrom...)
	}

	return types.ProcessedResult{
		ID:         batch[0].ID,
		URL:        batch[0].URL,
		Context:    "Merged: " + strings.Join(labels, " | "),
		Content:    strings.Join(contents, separator),
		MergedFrom: mergedFrom,
	}
}

// additionalURLs collects URLs of unranked results in first-seen
// order, excluding any URL already present in the ranked set.
func additionalURLs(merged []types.ProcessedResult, inRanked map[int]bool, limit int) []string {
	rankedURLs := make(map[string]bool)
	for i := range merged {
		if inRanked[i] {
			rankedURLs[merged[i].URL] = true
		}
	}

	var urls []string
	seen := make(map[string]bool)
	for i, r := range merged {
		if inRanked[i] || seen[r.URL] || rankedURLs[r.URL] {
			continue
		}
		seen[r.URL] = true
		urls = append(urls, r.URL)
		if len(urls) >= limit {
			break
		}
	}
	return urls
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
