package outpost

import (
	"net/http"
	"path"
	"strings"
)

// Class is the request category that picks a caching strategy.
type Class string

const (
	ClassImage      Class = "image"
	ClassAPI        Class = "api-data"
	ClassStatic     Class = "static-asset"
	ClassNavigation Class = "navigation"
	ClassMutation   Class = "mutation"
	ClassOther      Class = "other"
	// ClassIgnored requests bypass every strategy and are passed through.
	ClassIgnored Class = "ignored"
)

var imageExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".avif": {}, ".bmp": {},
}

var staticExts = map[string]struct{}{
	".js": {}, ".mjs": {}, ".css": {}, ".map": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
	".svg": {}, ".ico": {}, ".avif": {},
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(p string) bool { return strings.HasPrefix(p, m.Prefix) }

// Rules is the immutable input of Classify.
type Rules struct {
	apiPaths     []pathPrefixMatcher
	apiPrefix    string
	ignoredHosts map[string]struct{}
	manifest     map[string]struct{}
}

// NewRules compiles classifier rules. manifest entries may be paths or
// absolute URLs; only their paths are matched.
func NewRules(apiPaths []string, apiPrefix string, ignoredHosts, manifest []string) Rules {
	r := Rules{
		apiPrefix:    apiPrefix,
		ignoredHosts: make(map[string]struct{}, len(ignoredHosts)),
	}
	for _, p := range apiPaths {
		if p = strings.TrimSpace(p); p != "" {
			r.apiPaths = append(r.apiPaths, pathPrefixMatcher{Prefix: p})
		}
	}
	for _, h := range ignoredHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.ignoredHosts[h] = struct{}{}
		}
	}
	return r.WithManifest(manifest)
}

// WithManifest returns a copy of r matching the given manifest.
func (r Rules) WithManifest(manifest []string) Rules {
	r.manifest = make(map[string]struct{}, len(manifest))
	for _, m := range manifest {
		if p := normalizeManifestEntry(m); p != "" {
			r.manifest[p] = struct{}{}
		}
	}
	return r
}

// Classify maps req to a Class. It never fails; anything unmatched is
// ClassOther.
func Classify(req *http.Request, r *Rules) Class {
	switch req.Method {
	case http.MethodGet:
	case http.MethodHead, http.MethodOptions:
		// Reads without a body worth caching; never queued.
		return ClassIgnored
	default:
		return ClassMutation
	}

	u := req.URL
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "":
	default:
		return ClassIgnored
	}
	if _, ok := r.ignoredHosts[strings.ToLower(u.Hostname())]; ok {
		return ClassIgnored
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	ext := strings.ToLower(path.Ext(p))
	accept := strings.ToLower(req.Header.Get("Accept"))

	if strings.HasPrefix(accept, "image/") || req.Header.Get("Sec-Fetch-Dest") == "image" {
		return ClassImage
	}
	if _, ok := imageExts[ext]; ok {
		return ClassImage
	}

	for _, m := range r.apiPaths {
		if m.Match(p) {
			return ClassAPI
		}
	}
	if r.apiPrefix != "" && strings.HasPrefix(p, r.apiPrefix) {
		return ClassAPI
	}

	if _, ok := r.manifest[p]; ok {
		return ClassStatic
	}
	if _, ok := staticExts[ext]; ok {
		return ClassStatic
	}

	if req.Header.Get("Sec-Fetch-Mode") == "navigate" || req.Header.Get("Sec-Fetch-Dest") == "document" ||
		strings.Contains(accept, "text/html") {
		return ClassNavigation
	}
	return ClassOther
}
