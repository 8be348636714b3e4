package iiif

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFetcher serves canned responses and counts calls.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]FetchResponse
	errs      map[string]error
	calls     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URI)
	if err, ok := f.errs[req.URI]; ok {
		return FetchResponse{}, err
	}
	if resp, ok := f.responses[req.URI]; ok {
		return resp, nil
	}
	return FetchResponse{}, &FetchError{URI: req.URI, StatusCode: 404, Class: FailurePermanent, Err: fmt.Errorf("not found")}
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestResolve_SafePicksClosestSize(t *testing.T) {
	t.Parallel()

	res := NormalizedResource{
		ID:   "https://example.org/m",
		Kind: KindManifest,
		Thumbnails: []Image{
			{URL: "https://example.org/t-small.jpg", Width: 100},
			{URL: "https://example.org/t-mid.jpg", Width: 380},
			{URL: "https://example.org/t-big.jpg", Width: 1200},
		},
	}
	r := NewThumbnailResolver(nil, ThumbnailOptions{Strategy: StrategySafe, PreferredSize: 400}, zap.NewNop())
	require.Equal(t, "https://example.org/t-mid.jpg", r.Resolve(context.Background(), res))
}

func TestResolve_SafeFallsBackToCanvasThumbnails(t *testing.T) {
	t.Parallel()

	res := NormalizedResource{
		ID:   "https://example.org/m",
		Kind: KindManifest,
		Canvases: []Canvas{
			{ID: "c1"},
			{ID: "c2", Thumbnails: []Image{{URL: "https://example.org/c2-thumb.jpg", Width: 240}}},
		},
	}
	r := NewThumbnailResolver(nil, ThumbnailOptions{Strategy: StrategySafe, PreferredSize: 400}, zap.NewNop())
	require.Equal(t, "https://example.org/c2-thumb.jpg", r.Resolve(context.Background(), res))
}

func TestResolve_SafeInspectionCap(t *testing.T) {
	t.Parallel()

	// The only inline thumbnail sits past the inspection cap.
	canvases := make([]Canvas, maxInspectedCanvases+1)
	for i := range canvases {
		canvases[i] = Canvas{ID: fmt.Sprintf("c%d", i)}
	}
	canvases[maxInspectedCanvases].Thumbnails = []Image{{URL: "https://example.org/late.jpg"}}

	res := NormalizedResource{ID: "m", Kind: KindManifest, Canvases: canvases}
	r := NewThumbnailResolver(nil, ThumbnailOptions{Strategy: StrategySafe, PreferredSize: 400}, zap.NewNop())
	require.Empty(t, r.Resolve(context.Background(), res))
}

func TestResolve_SafeReturnsEmptyWithoutNetwork(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	res := NormalizedResource{
		ID:       "https://example.org/m",
		Kind:     KindManifest,
		Canvases: []Canvas{{ID: "c1", ImageService: "https://example.org/images/p1"}},
	}
	r := NewThumbnailResolver(fetcher, ThumbnailOptions{Strategy: StrategySafe, PreferredSize: 400}, zap.NewNop())
	require.Empty(t, r.Resolve(context.Background(), res))
	require.Zero(t, fetcher.callCount())
}

func TestResolve_UnsafeProbesImageService(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		responses: map[string]FetchResponse{
			"https://example.org/images/p1/info.json": {StatusCode: 200, Body: []byte(`{"width": 2000}`)},
		},
	}
	res := NormalizedResource{
		ID:       "https://example.org/m",
		Kind:     KindManifest,
		Canvases: []Canvas{{ID: "c1", ImageService: "https://example.org/images/p1"}},
	}
	r := NewThumbnailResolver(fetcher, ThumbnailOptions{Strategy: StrategyUnsafe, PreferredSize: 400}, zap.NewNop())
	require.Equal(t, "https://example.org/images/p1/full/!400,400/0/default.jpg", r.Resolve(context.Background(), res))
	require.Equal(t, 1, fetcher.callCount())
}

func TestResolve_UnsafeProbeLimit(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{} // every probe 404s
	canvases := make([]Canvas, 5)
	for i := range canvases {
		canvases[i] = Canvas{
			ID:           fmt.Sprintf("c%d", i),
			ImageService: fmt.Sprintf("https://example.org/images/p%d", i),
		}
	}
	res := NormalizedResource{ID: "m", Kind: KindManifest, Canvases: canvases}
	r := NewThumbnailResolver(fetcher, ThumbnailOptions{Strategy: StrategyUnsafe, PreferredSize: 400, ProbeLimit: 2}, zap.NewNop())

	require.Empty(t, r.Resolve(context.Background(), res))
	require.Equal(t, 2, fetcher.callCount())
}

// Strategy monotonicity: with a declared top-level preview, safe and unsafe
// agree; without one, unsafe may succeed where safe returns nothing.
func TestResolve_StrategyMonotonicity(t *testing.T) {
	t.Parallel()

	withPreview := NormalizedResource{
		ID:         "https://example.org/m1",
		Kind:       KindManifest,
		Thumbnails: []Image{{URL: "https://example.org/declared.jpg", Width: 400}},
		Canvases:   []Canvas{{ID: "c1", ImageService: "https://example.org/images/p1"}},
	}
	withoutPreview := NormalizedResource{
		ID:       "https://example.org/m2",
		Kind:     KindManifest,
		Canvases: []Canvas{{ID: "c1", ImageService: "https://example.org/images/p1"}},
	}

	fetcher := &fakeFetcher{
		responses: map[string]FetchResponse{
			"https://example.org/images/p1/info.json": {StatusCode: 200, Body: []byte(`{}`)},
		},
	}
	safe := NewThumbnailResolver(fetcher, ThumbnailOptions{Strategy: StrategySafe, PreferredSize: 400}, zap.NewNop())
	unsafeRes := NewThumbnailResolver(fetcher, ThumbnailOptions{Strategy: StrategyUnsafe, PreferredSize: 400}, zap.NewNop())

	require.Equal(t,
		safe.Resolve(context.Background(), withPreview),
		unsafeRes.Resolve(context.Background(), withPreview),
	)

	require.Empty(t, safe.Resolve(context.Background(), withoutPreview))
	require.NotEmpty(t, unsafeRes.Resolve(context.Background(), withoutPreview))
}

func TestClosestBySize_UndeclaredWidthLoses(t *testing.T) {
	t.Parallel()

	img, ok := closestBySize([]Image{
		{URL: "https://example.org/unknown.jpg"},
		{URL: "https://example.org/sized.jpg", Width: 350},
	}, 400)
	require.True(t, ok)
	require.Equal(t, "https://example.org/sized.jpg", img.URL)

	img, ok = closestBySize([]Image{{URL: "https://example.org/only.jpg"}}, 400)
	require.True(t, ok)
	require.Equal(t, "https://example.org/only.jpg", img.URL)

	_, ok = closestBySize(nil, 400)
	require.False(t, ok)
}
