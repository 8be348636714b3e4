package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var slugInvalidChars = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a filesystem- and URL-safe base name from a resource id.
// The last meaningful path segment is preferred; ids that yield nothing
// usable fall back to a digest prefix so the result is never empty.
func slugify(id string) string {
	segment := lastPathSegment(id)
	segment = strings.TrimSuffix(segment, ".json")
	slug := slugInvalidChars.ReplaceAllString(strings.ToLower(segment), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "resource-" + hashPrefix(id)
	}
	return slug
}

func lastPathSegment(id string) string {
	u, err := url.Parse(id)
	if err != nil {
		return id
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		// IIIF ids commonly end in /manifest or /collection; prefer the
		// segment that actually names the resource.
		seg := segments[i]
		if seg == "" || seg == "manifest" || seg == "manifest.json" || seg == "collection" {
			continue
		}
		return seg
	}
	return u.Hostname()
}

func hashPrefix(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:12]
}
