// Package walker drives the recursive collection traversal: it fetches and
// normalizes the root, discovers children, and resolves every leaf through
// the cache under a bounded concurrency budget.
package walker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openglam/iiif-harvest/internal/cache"
	"github.com/openglam/iiif-harvest/internal/iiif"
	"github.com/openglam/iiif-harvest/internal/metrics"
)

// ThumbnailResolver derives a preview image URL for a normalized resource.
type ThumbnailResolver interface {
	Resolve(ctx context.Context, res iiif.NormalizedResource) string
}

// Config controls traversal behavior.
type Config struct {
	RootURI     string
	Concurrency int
	ChunkSize   int
	Thumbnails  cache.ThumbnailMeta
}

// Failure identifies one resource that could not be resolved.
type Failure struct {
	URI    string `json:"uri"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// Report is the terminal summary of one harvest run. Partial success (some
// failures among many resolutions) is a valid outcome, not an error.
type Report struct {
	RunID       string    `json:"runId"`
	RootURI     string    `json:"rootUri"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Resolved    int       `json:"resolved"`
	CachedHits  int       `json:"cachedHits"`
	Collections int       `json:"collections"`
	Deduped     int       `json:"deduped"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Failed reports the number of per-resource failures.
func (r Report) Failed() int {
	return len(r.Failures)
}

// Walker orchestrates Fetcher, Normalizer, Cache Store and Thumbnail
// Resolver over an explicit work frontier.
type Walker struct {
	fetcher iiif.Fetcher
	store   *cache.Store
	thumbs  ThumbnailResolver
	hasher  iiif.Hasher
	clock   iiif.Clock
	ids     iiif.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Walker. The fetcher is expected to carry its own retry
// behavior; the walker treats any fetch error as final for that resource.
func New(
	fetcher iiif.Fetcher,
	store *cache.Store,
	thumbs ThumbnailResolver,
	hasher iiif.Hasher,
	clock iiif.Clock,
	ids iiif.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Walker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10
	}
	return &Walker{
		fetcher: fetcher,
		store:   store,
		thumbs:  thumbs,
		hasher:  hasher,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
	}
}

// walkState is the shared, synchronized traversal state. Claims are
// check-and-claim under one lock so two workers never duplicate work on the
// same URI or id.
type walkState struct {
	mu       sync.Mutex
	seenURIs map[string]struct{}
	seenIDs  map[string]struct{}
	report   *Report
}

// claimURI atomically claims a URI for this crawl. The second claimer gets
// false and must not fetch.
func (st *walkState) claimURI(uri string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, seen := st.seenURIs[uri]; seen {
		return false
	}
	st.seenURIs[uri] = struct{}{}
	return true
}

// claimID atomically claims a resource id after normalization. Two parents
// referencing the same id through different URIs keep exactly one entry.
func (st *walkState) claimID(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, seen := st.seenIDs[id]; seen {
		return false
	}
	st.seenIDs[id] = struct{}{}
	return true
}

func (st *walkState) recordFailure(f Failure) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.report.Failures = append(st.report.Failures, f)
}

func (st *walkState) add(fn func(r *Report)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.report)
}

// Run executes one harvest. Only a root-level failure (fetch or normalize)
// or an external abort aborts the build; per-resource failures accumulate
// in the report.
func (w *Walker) Run(ctx context.Context) (Report, error) {
	runID, err := w.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate run id: %w", err)
	}
	report := Report{
		RunID:     runID,
		RootURI:   w.cfg.RootURI,
		StartedAt: w.clock.Now(),
	}
	log := w.logger.With(zap.String("run_id", runID))

	stored := w.store.Root()
	if stored.URI != "" && stored.URI != w.cfg.RootURI {
		log.Info("root uri changed, invalidating cache",
			zap.String("old", stored.URI),
			zap.String("new", w.cfg.RootURI),
		)
		if err := w.store.InvalidateAll(); err != nil {
			return w.finish(report, "failed"), fmt.Errorf("invalidate cache: %w", err)
		}
		stored = cache.RootMeta{}
	}

	req := iiif.FetchRequest{URI: w.cfg.RootURI}
	if stored.URI == w.cfg.RootURI {
		req.IfNoneMatch = stored.ETag
		req.IfModifiedSince = stored.LastModified
	}
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return w.finish(report, "failed"), fmt.Errorf("fetch root %s: %w", w.cfg.RootURI, err)
	}

	if resp.NotModified {
		return w.reuseWarmCache(ctx, report, stored, log)
	}

	rootHash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return w.finish(report, "failed"), fmt.Errorf("hash root: %w", err)
	}
	if stored.URI == w.cfg.RootURI && stored.Hash == rootHash {
		stored.ETag = resp.ETag()
		stored.LastModified = resp.LastModified()
		return w.reuseWarmCache(ctx, report, stored, log)
	}

	root, err := iiif.Normalize(resp.Body)
	if err != nil {
		return w.finish(report, "failed"), fmt.Errorf("normalize root %s: %w", w.cfg.RootURI, err)
	}
	root.ContentHash = rootHash

	state := &walkState{
		seenURIs: map[string]struct{}{w.cfg.RootURI: {}},
		seenIDs:  map[string]struct{}{root.ID: {}},
		report:   &report,
	}

	var frontier []iiif.ResourceRef
	switch root.Kind {
	case iiif.KindCollection:
		report.Collections++
		frontier = w.enqueueChildren(state, root.Items)
	case iiif.KindManifest:
		// A manifest root is its own single leaf.
		w.resolveManifest(ctx, state, w.cfg.RootURI, root, resp)
	}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			return w.finish(report, "canceled"), fmt.Errorf("harvest aborted: %w", ctx.Err())
		}
		n := w.cfg.ChunkSize
		if n > len(frontier) {
			n = len(frontier)
		}
		chunk := frontier[:n]
		frontier = frontier[n:]
		frontier = append(frontier, w.processChunk(ctx, state, chunk)...)
	}

	rootMeta := cache.RootMeta{
		URI:          w.cfg.RootURI,
		Hash:         rootHash,
		ETag:         resp.ETag(),
		LastModified: resp.LastModified(),
		UpdatedAt:    w.clock.Now(),
	}
	if err := w.store.SetRoot(rootMeta); err != nil {
		return w.finish(report, "failed"), fmt.Errorf("persist root metadata: %w", err)
	}
	if err := w.store.SetThumbnailConfig(w.cfg.Thumbnails); err != nil {
		return w.finish(report, "failed"), fmt.Errorf("persist thumbnail config: %w", err)
	}

	outcome := "ok"
	if report.Failed() > 0 {
		outcome = "partial"
	}
	return w.finish(report, outcome), nil
}

// reuseWarmCache short-circuits the walk when the root is proven unchanged:
// the stored index is trusted wholesale. Thumbnails are still re-resolved
// when the config fingerprint changed since the entries were written.
func (w *Walker) reuseWarmCache(ctx context.Context, report Report, meta cache.RootMeta, log *zap.Logger) (Report, error) {
	log.Info("root unchanged, reusing cache", zap.Int("entries", w.store.Len()))

	if w.store.ThumbnailConfig() != w.cfg.Thumbnails {
		log.Info("thumbnail config changed, re-resolving thumbnails")
		for _, entry := range w.store.Entries() {
			entry.Thumbnail = w.thumbs.Resolve(ctx, entry.Resource)
			entry.StoredAt = w.clock.Now()
			if _, err := w.store.Put(entry.Resource.ID, entry); err != nil {
				return w.finish(report, "failed"), fmt.Errorf("rewrite entry %s: %w", entry.Slug, err)
			}
		}
		if err := w.store.SetThumbnailConfig(w.cfg.Thumbnails); err != nil {
			return w.finish(report, "failed"), fmt.Errorf("persist thumbnail config: %w", err)
		}
	}

	meta.UpdatedAt = w.clock.Now()
	if err := w.store.SetRoot(meta); err != nil {
		return w.finish(report, "failed"), fmt.Errorf("persist root metadata: %w", err)
	}

	report.CachedHits = w.store.Len()
	return w.finish(report, "ok"), nil
}

// enqueueChildren claims child URIs and returns the newly claimed refs.
// Already-claimed URIs (shared children, cycles) are counted as deduped.
func (w *Walker) enqueueChildren(state *walkState, children []iiif.ResourceRef) []iiif.ResourceRef {
	var fresh []iiif.ResourceRef
	for _, child := range children {
		if child.URI == "" {
			continue
		}
		if !state.claimURI(child.URI) {
			state.add(func(r *Report) { r.Deduped++ })
			continue
		}
		fresh = append(fresh, child)
	}
	return fresh
}

// processChunk resolves one chunk of the frontier with at most Concurrency
// fetches in flight, and gathers newly discovered children. The chunk
// barrier is also the completion check: when it returns, no work is in
// flight.
func (w *Walker) processChunk(ctx context.Context, state *walkState, chunk []iiif.ResourceRef) []iiif.ResourceRef {
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		discovered []iiif.ResourceRef
	)
	sem := make(chan struct{}, w.cfg.Concurrency)

	for _, ref := range chunk {
		wg.Add(1)
		go func(ref iiif.ResourceRef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			children := w.processRef(ctx, state, ref)
			if len(children) > 0 {
				mu.Lock()
				discovered = append(discovered, children...)
				mu.Unlock()
			}
		}(ref)
	}
	wg.Wait()
	return discovered
}

// processRef walks one reference through its states: cache check, fetch,
// normalize, resolve. It returns newly discovered (claimed) children when
// the reference is a collection.
func (w *Walker) processRef(ctx context.Context, state *walkState, ref iiif.ResourceRef) []iiif.ResourceRef {
	cached, hasCached := w.store.LookupURI(ref.URI)
	metrics.CacheLookup(hasCached)

	req := iiif.FetchRequest{URI: ref.URI}
	if hasCached {
		req.IfNoneMatch = cached.ETag
		req.IfModifiedSince = cached.LastModified
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.failResource(state, ref.URI, cached.Resource.ID, err)
		return nil
	}

	if resp.NotModified && hasCached {
		w.reuseEntry(ctx, state, cached)
		return nil
	}

	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		w.failResource(state, ref.URI, "", err)
		return nil
	}

	// No validator upstream: a full re-fetch with an unchanged hash is
	// still a cache hit, skipping re-normalization.
	if hasCached && cached.Resource.ContentHash == hash {
		w.reuseEntry(ctx, state, cached)
		return nil
	}

	res, err := iiif.Normalize(resp.Body)
	if err != nil {
		w.failResource(state, ref.URI, "", err)
		return nil
	}
	res.ContentHash = hash

	if !state.claimID(res.ID) {
		state.add(func(r *Report) { r.Deduped++ })
		return nil
	}

	switch res.Kind {
	case iiif.KindCollection:
		state.add(func(r *Report) { r.Collections++ })
		return w.enqueueChildren(state, res.Items)
	case iiif.KindManifest:
		w.resolveManifest(ctx, state, ref.URI, res, resp)
	}
	return nil
}

// reuseEntry records a cached hit, refreshing the thumbnail only when the
// active config differs from the one the entry was written under.
func (w *Walker) reuseEntry(ctx context.Context, state *walkState, entry cache.Entry) {
	if !state.claimID(entry.Resource.ID) {
		state.add(func(r *Report) { r.Deduped++ })
		return
	}
	if w.store.ThumbnailConfig() != w.cfg.Thumbnails {
		entry.Thumbnail = w.thumbs.Resolve(ctx, entry.Resource)
		entry.StoredAt = w.clock.Now()
		if _, err := w.store.Put(entry.Resource.ID, entry); err != nil {
			w.failResource(state, entry.URI, entry.Resource.ID, err)
			return
		}
	}
	state.add(func(r *Report) { r.CachedHits++ })
}

// resolveManifest persists one normalized leaf with its thumbnail.
func (w *Walker) resolveManifest(ctx context.Context, state *walkState, uri string, res iiif.NormalizedResource, resp iiif.FetchResponse) {
	var thumb string
	if existing, ok := w.store.Lookup(res.ID); ok &&
		existing.Resource.ContentHash == res.ContentHash &&
		w.store.ThumbnailConfig() == w.cfg.Thumbnails {
		thumb = existing.Thumbnail
	} else {
		thumb = w.thumbs.Resolve(ctx, res)
	}

	entry := cache.Entry{
		URI:          uri,
		Resource:     res,
		Thumbnail:    thumb,
		ETag:         resp.ETag(),
		LastModified: resp.LastModified(),
		StoredAt:     w.clock.Now(),
	}
	if _, err := w.store.Put(res.ID, entry); err != nil {
		w.failResource(state, uri, res.ID, err)
		return
	}
	metrics.ResourceCached()
	state.add(func(r *Report) { r.Resolved++ })
}

func (w *Walker) failResource(state *walkState, uri, id string, err error) {
	metrics.ResourceFailed()
	reason := err.Error()
	switch {
	case errors.Is(err, iiif.ErrUnsupportedSchema):
		w.logger.Warn("skipping resource with unsupported schema", zap.String("uri", uri), zap.Error(err))
	case errors.Is(err, iiif.ErrMalformedResource):
		w.logger.Warn("skipping malformed resource", zap.String("uri", uri), zap.Error(err))
	default:
		w.logger.Warn("resource failed", zap.String("uri", uri), zap.Error(err))
	}
	state.recordFailure(Failure{URI: uri, ID: id, Reason: reason})
}

func (w *Walker) finish(report Report, outcome string) Report {
	report.FinishedAt = w.clock.Now()
	if outcome != "" {
		metrics.RunCompleted(outcome)
	}
	return report
}
