package iiif

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// envelope captures the fields shared by every supported dialect. Values
// that vary by dialect stay raw until the version is known.
type envelope struct {
	Context   json.RawMessage `json:"@context"`
	ID        string          `json:"id"`
	AtID      string          `json:"@id"`
	Type      string          `json:"type"`
	AtType    string          `json:"@type"`
	Label     json.RawMessage `json:"label"`
	Thumbnail json.RawMessage `json:"thumbnail"`

	// Presentation 3 children / canvases.
	Items []json.RawMessage `json:"items"`

	// Presentation 2 children.
	Collections []v2Ref           `json:"collections"`
	Manifests   []v2Ref           `json:"manifests"`
	Members     []v2Ref           `json:"members"`
	Sequences   []json.RawMessage `json:"sequences"`
}

// Identify extracts the canonical identifier from a fetched document.
// It accepts both Presentation 3 ("id") and Presentation 2 ("@id") forms
// and fails with ErrMalformedResource when neither is present.
func Identify(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResource, err)
	}
	if env.ID != "" {
		return env.ID, nil
	}
	if env.AtID != "" {
		return env.AtID, nil
	}
	return "", fmt.Errorf("%w: document has no id", ErrMalformedResource)
}

// Normalize converts a fetched document into the canonical schema. It is a
// pure function of its input bytes: identical bytes always yield an
// identical structure, which keeps hash-based caching sound. The caller is
// responsible for setting ContentHash on the result.
func Normalize(raw []byte) (NormalizedResource, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return NormalizedResource{}, fmt.Errorf("%w: %v", ErrMalformedResource, err)
	}

	switch declaredVersion(env.Context) {
	case 3:
		return normalizeV3(env)
	case 2:
		return normalizeV2(env)
	default:
		return NormalizedResource{}, fmt.Errorf("%w: unrecognized @context %s", ErrUnsupportedSchema, string(env.Context))
	}
}

// declaredVersion inspects the @context, which may be a string or an array
// of strings, and returns the Presentation API major version, or 0.
func declaredVersion(raw json.RawMessage) int {
	contexts := make([]string, 0, 2)
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		contexts = append(contexts, single)
	} else {
		var many []string
		if err := json.Unmarshal(raw, &many); err == nil {
			contexts = append(contexts, many...)
		}
	}
	for _, c := range contexts {
		switch {
		case strings.Contains(c, "iiif.io/api/presentation/3"):
			return 3
		case strings.Contains(c, "iiif.io/api/presentation/2"):
			return 2
		}
	}
	return 0
}

func normalizeV3(env envelope) (NormalizedResource, error) {
	if env.ID == "" {
		return NormalizedResource{}, fmt.Errorf("%w: document has no id", ErrMalformedResource)
	}
	kind, err := kindFromType(env.Type)
	if err != nil {
		return NormalizedResource{}, err
	}

	res := NormalizedResource{
		ID:         env.ID,
		Kind:       kind,
		Label:      decodeLabel(env.Label),
		Thumbnails: decodeThumbnails(env.Thumbnail),
	}

	switch kind {
	case KindCollection:
		for i, raw := range env.Items {
			var child struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &child); err != nil || child.ID == "" {
				continue
			}
			childKind, err := kindFromType(child.Type)
			if err != nil {
				continue
			}
			res.Items = append(res.Items, ResourceRef{Kind: childKind, URI: child.ID, Position: i})
		}
	case KindManifest:
		for _, raw := range env.Items {
			canvas, ok := decodeV3Canvas(raw)
			if ok {
				res.Canvases = append(res.Canvases, canvas)
			}
		}
	}
	return res, nil
}

func normalizeV2(env envelope) (NormalizedResource, error) {
	id := env.AtID
	if id == "" {
		id = env.ID
	}
	if id == "" {
		return NormalizedResource{}, fmt.Errorf("%w: document has no @id", ErrMalformedResource)
	}
	kind, err := kindFromType(env.AtType)
	if err != nil {
		return NormalizedResource{}, err
	}

	res := NormalizedResource{
		ID:         id,
		Kind:       kind,
		Label:      decodeLabel(env.Label),
		Thumbnails: decodeThumbnails(env.Thumbnail),
	}

	switch kind {
	case KindCollection:
		res.Items = v2Children(env)
	case KindManifest:
		res.Canvases = decodeV2Canvases(env.Sequences)
	}
	return res, nil
}

// kindFromType maps both v3 ("Collection") and v2 ("sc:Collection") type
// declarations onto ResourceKind.
func kindFromType(t string) (ResourceKind, error) {
	switch strings.TrimPrefix(t, "sc:") {
	case "Collection":
		return KindCollection, nil
	case "Manifest":
		return KindManifest, nil
	default:
		return "", fmt.Errorf("%w: resource type %q", ErrUnsupportedSchema, t)
	}
}

// v2Ref is a child reference in a Presentation 2 collection.
type v2Ref struct {
	AtID   string `json:"@id"`
	AtType string `json:"@type"`
}

// v2Children flattens the three Presentation 2 child lists, preserving the
// documented ordering: collections, then manifests, then members.
func v2Children(env envelope) []ResourceRef {
	var refs []ResourceRef
	appendRefs := func(list []v2Ref, fallback ResourceKind) {
		for _, r := range list {
			if r.AtID == "" {
				continue
			}
			kind := fallback
			if k, err := kindFromType(r.AtType); err == nil {
				kind = k
			}
			refs = append(refs, ResourceRef{Kind: kind, URI: r.AtID, Position: len(refs)})
		}
	}
	appendRefs(env.Collections, KindCollection)
	appendRefs(env.Manifests, KindManifest)
	appendRefs(env.Members, KindManifest)
	return refs
}

// decodeLabel collapses every label form the dialects allow (plain string,
// v2 value object or array of value objects, v3 language map) into one
// display string with a stable language preference: "en", then "none",
// then the lexically first language.
func decodeLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var langMap map[string][]string
	if err := json.Unmarshal(raw, &langMap); err == nil && len(langMap) > 0 {
		for _, lang := range []string{"en", "none"} {
			if vals := langMap[lang]; len(vals) > 0 {
				return vals[0]
			}
		}
		langs := make([]string, 0, len(langMap))
		for lang := range langMap {
			langs = append(langs, lang)
		}
		sort.Strings(langs)
		for _, lang := range langs {
			if vals := langMap[lang]; len(vals) > 0 {
				return vals[0]
			}
		}
	}

	var valueObj struct {
		Value string `json:"@value"`
	}
	if err := json.Unmarshal(raw, &valueObj); err == nil && valueObj.Value != "" {
		return valueObj.Value
	}

	var valueList []struct {
		Value string `json:"@value"`
	}
	if err := json.Unmarshal(raw, &valueList); err == nil {
		for _, v := range valueList {
			if v.Value != "" {
				return v.Value
			}
		}
	}
	return ""
}

// thumbEntry tolerates both dialects' thumbnail shapes.
type thumbEntry struct {
	ID     string `json:"id"`
	AtID   string `json:"@id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (t thumbEntry) image() (Image, bool) {
	url := t.ID
	if url == "" {
		url = t.AtID
	}
	if url == "" {
		return Image{}, false
	}
	return Image{URL: url, Width: t.Width, Height: t.Height}, true
}

// decodeThumbnails accepts a bare string, a single object, or an array.
func decodeThumbnails(raw json.RawMessage) []Image {
	if len(raw) == 0 {
		return nil
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil && plain != "" {
		return []Image{{URL: plain}}
	}

	var one thumbEntry
	if err := json.Unmarshal(raw, &one); err == nil {
		if img, ok := one.image(); ok {
			return []Image{img}
		}
	}

	var many []thumbEntry
	if err := json.Unmarshal(raw, &many); err == nil {
		var images []Image
		for _, t := range many {
			if img, ok := t.image(); ok {
				images = append(images, img)
			}
		}
		return images
	}
	return nil
}

// serviceRef tolerates both dialects' image service shapes.
type serviceRef struct {
	ID   string `json:"id"`
	AtID string `json:"@id"`
}

func (s serviceRef) base() string {
	if s.ID != "" {
		return s.ID
	}
	return s.AtID
}

// decodeServices accepts a single service object or an array of them and
// returns the first usable base URI.
func decodeServices(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var one serviceRef
	if err := json.Unmarshal(raw, &one); err == nil && one.base() != "" {
		return one.base()
	}
	var many []serviceRef
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, s := range many {
			if s.base() != "" {
				return s.base()
			}
		}
	}
	return ""
}

func decodeV3Canvas(raw json.RawMessage) (Canvas, bool) {
	var cv struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Label     json.RawMessage `json:"label"`
		Thumbnail json.RawMessage `json:"thumbnail"`
		Items     []struct {
			Items []struct {
				Body struct {
					ID      string          `json:"id"`
					Service json.RawMessage `json:"service"`
				} `json:"body"`
			} `json:"items"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &cv); err != nil || cv.ID == "" || cv.Type != "Canvas" {
		return Canvas{}, false
	}

	canvas := Canvas{
		ID:         cv.ID,
		Label:      decodeLabel(cv.Label),
		Thumbnails: decodeThumbnails(cv.Thumbnail),
	}
	// First painting annotation with an image service wins.
	for _, page := range cv.Items {
		for _, anno := range page.Items {
			if svc := decodeServices(anno.Body.Service); svc != "" {
				canvas.ImageService = svc
				break
			}
		}
		if canvas.ImageService != "" {
			break
		}
	}
	return canvas, true
}

func decodeV2Canvases(sequences []json.RawMessage) []Canvas {
	var canvases []Canvas
	for _, rawSeq := range sequences {
		var seq struct {
			Canvases []struct {
				AtID      string          `json:"@id"`
				Label     json.RawMessage `json:"label"`
				Thumbnail json.RawMessage `json:"thumbnail"`
				Images    []struct {
					Resource struct {
						Service json.RawMessage `json:"service"`
					} `json:"resource"`
				} `json:"images"`
			} `json:"canvases"`
		}
		if err := json.Unmarshal(rawSeq, &seq); err != nil {
			continue
		}
		for _, cv := range seq.Canvases {
			if cv.AtID == "" {
				continue
			}
			canvas := Canvas{
				ID:         cv.AtID,
				Label:      decodeLabel(cv.Label),
				Thumbnails: decodeThumbnails(cv.Thumbnail),
			}
			for _, img := range cv.Images {
				if svc := decodeServices(img.Resource.Service); svc != "" {
					canvas.ImageService = svc
					break
				}
			}
			canvases = append(canvases, canvas)
		}
	}
	return canvases
}
