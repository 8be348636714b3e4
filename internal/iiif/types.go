// Package iiif defines core types shared across the harvest pipeline.
package iiif

import (
	"net/http"
	"time"
)

// ResourceKind distinguishes tree nodes from leaf resources.
type ResourceKind string

// Resource kinds appearing in a collection tree.
const (
	KindCollection ResourceKind = "Collection"
	KindManifest   ResourceKind = "Manifest"
)

// ResourceRef is a typed pointer to a remote document, discovered as a child
// of a Collection. Position is the child's index in its parent's item list,
// preserving the upstream presentation order.
type ResourceRef struct {
	Kind     ResourceKind `json:"kind"`
	URI      string       `json:"uri"`
	Position int          `json:"position"`
}

// Image is a declared preview-image candidate.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Canvas is the per-page structure of a normalized Manifest. ImageService,
// when present, is the base URI of an IIIF Image API endpoint.
type Canvas struct {
	ID           string  `json:"id"`
	Label        string  `json:"label,omitempty"`
	Thumbnails   []Image `json:"thumbnails,omitempty"`
	ImageService string  `json:"imageService,omitempty"`
}

// NormalizedResource is the canonical output of normalization. ContentHash
// is computed over the raw fetched bytes and is the sole change-detection
// signal; a new hash always produces a new cache entry.
type NormalizedResource struct {
	ID          string        `json:"id"`
	Kind        ResourceKind  `json:"kind"`
	Label       string        `json:"label"`
	Thumbnails  []Image       `json:"thumbnails,omitempty"`
	Items       []ResourceRef `json:"items,omitempty"`
	Canvases    []Canvas      `json:"canvases,omitempty"`
	ContentHash string        `json:"contentHash"`
}

// FetchRequest captures everything needed to retrieve one document.
// IfNoneMatch and IfModifiedSince enable conditional revalidation of a
// previously cached resource.
type FetchRequest struct {
	URI             string
	IfNoneMatch     string
	IfModifiedSince string
}

// FetchResponse is the result returned by a Fetcher implementation.
// NotModified reports a 304 answer to a conditional request; Body is empty
// in that case.
type FetchResponse struct {
	URI         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	NotModified bool
	Duration    time.Duration
}

// ETag returns the entity validator of the response, if any.
func (r FetchResponse) ETag() string {
	return r.Headers.Get("Etag")
}

// LastModified returns the Last-Modified header of the response, if any.
func (r FetchResponse) LastModified() string {
	return r.Headers.Get("Last-Modified")
}
