package iiif

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ThumbnailStrategy selects how aggressively a preview image is resolved.
type ThumbnailStrategy string

// Supported thumbnail resolution strategies.
const (
	// StrategySafe only inspects preview references already declared on
	// the resource; it performs no network calls.
	StrategySafe ThumbnailStrategy = "safe"
	// StrategyUnsafe may additionally dereference a bounded number of
	// image services when no declared preview exists.
	StrategyUnsafe ThumbnailStrategy = "unsafe"
)

// maxInspectedCanvases caps how many canvases the safe strategy looks at
// for inline thumbnails.
const maxInspectedCanvases = 8

// ThumbnailOptions tunes the resolver.
type ThumbnailOptions struct {
	Strategy      ThumbnailStrategy
	PreferredSize int
	ProbeLimit    int
}

// ThumbnailResolver derives one representative preview-image URL per
// resource under the configured strategy.
type ThumbnailResolver struct {
	fetcher Fetcher
	opts    ThumbnailOptions
	logger  *zap.Logger
}

// NewThumbnailResolver builds a resolver. The fetcher is only exercised by
// the unsafe strategy and may be nil when the strategy is safe.
func NewThumbnailResolver(fetcher Fetcher, opts ThumbnailOptions, logger *zap.Logger) *ThumbnailResolver {
	if opts.PreferredSize <= 0 {
		opts.PreferredSize = 400
	}
	if opts.ProbeLimit <= 0 {
		opts.ProbeLimit = 3
	}
	return &ThumbnailResolver{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger,
	}
}

// Resolve returns the chosen thumbnail URL, or "" when no suitable image
// exists under the active strategy. An empty result is not an error; the
// caller persists it as "no thumbnail".
func (r *ThumbnailResolver) Resolve(ctx context.Context, res NormalizedResource) string {
	if url := r.resolveDeclared(res); url != "" {
		return url
	}
	if r.opts.Strategy == StrategyUnsafe {
		return r.probeImageServices(ctx, res)
	}
	return ""
}

// resolveDeclared implements the safe strategy: the resource's own
// thumbnail list first, then inline canvas thumbnails up to the inspection
// cap. No network.
func (r *ThumbnailResolver) resolveDeclared(res NormalizedResource) string {
	if img, ok := closestBySize(res.Thumbnails, r.opts.PreferredSize); ok {
		return img.URL
	}
	inspect := res.Canvases
	if len(inspect) > maxInspectedCanvases {
		inspect = inspect[:maxInspectedCanvases]
	}
	for _, canvas := range inspect {
		if img, ok := closestBySize(canvas.Thumbnails, r.opts.PreferredSize); ok {
			return img.URL
		}
	}
	return ""
}

// probeImageServices dereferences up to ProbeLimit image services looking
// for a live endpoint, then derives a sized image URL from the first that
// answers.
func (r *ThumbnailResolver) probeImageServices(ctx context.Context, res NormalizedResource) string {
	if r.fetcher == nil {
		return ""
	}
	probed := 0
	for _, canvas := range res.Canvases {
		if canvas.ImageService == "" {
			continue
		}
		if probed >= r.opts.ProbeLimit {
			break
		}
		probed++

		infoURI := canvas.ImageService + "/info.json"
		if _, err := r.fetcher.Fetch(ctx, FetchRequest{URI: infoURI}); err != nil {
			r.logger.Debug("image service probe failed",
				zap.String("resource", res.ID),
				zap.String("service", canvas.ImageService),
				zap.Error(err),
			)
			continue
		}
		return sizedImageURL(canvas.ImageService, r.opts.PreferredSize)
	}
	return ""
}

// sizedImageURL builds an IIIF Image API request constrained to fit inside
// a size x size box.
func sizedImageURL(service string, size int) string {
	return fmt.Sprintf("%s/full/!%d,%d/0/default.jpg", service, size, size)
}

// closestBySize picks the candidate whose width is nearest the preferred
// size. Candidates without a declared width sort last but still win when
// nothing better exists.
func closestBySize(candidates []Image, preferred int) (Image, bool) {
	best := -1
	bestDist := 0
	for i, img := range candidates {
		if img.URL == "" {
			continue
		}
		dist := preferred // undeclared width: worst finite distance
		if img.Width > 0 {
			dist = img.Width - preferred
			if dist < 0 {
				dist = -dist
			}
		}
		if best == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	if best == -1 {
		return Image{}, false
	}
	return candidates[best], true
}
