package outpost

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// maxSitemaps bounds how many sitemap documents one discovery run follows.
const maxSitemaps = 64

// DiscoverSitemaps expands sitemap indexes under the origin and returns the
// page paths they list, in document order and without duplicates. Locations
// on other hosts are skipped.
func (e *Engine) DiscoverSitemaps(ctx context.Context, sitemaps []string) ([]string, error) {
	origin, err := url.Parse(e.opts.Origin)
	if err != nil {
		return nil, err
	}

	var queue []string
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			u, err := resolveURL(e.opts.Origin, sm)
			if err != nil {
				return nil, fmt.Errorf("sitemap %q: %w", sm, err)
			}
			queue = append(queue, u)
		}
	}

	seenMaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var paths []string
	skipped := 0
	for len(queue) > 0 && len(seenMaps) < maxSitemaps {
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenMaps[smURL]; ok {
			continue
		}
		seenMaps[smURL] = struct{}{}

		doc, err := e.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if u, err := resolveURL(e.opts.Origin, nested); err == nil {
				queue = append(queue, u)
			}
		}
		for _, loc := range doc.URLs {
			p, ok := sameOriginPath(origin, loc)
			if !ok {
				skipped++
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			paths = append(paths, p)
		}
	}
	e.logger.Info("sitemaps discovered",
		zap.Int("sitemaps", len(seenMaps)), zap.Int("paths", len(paths)), zap.Int("skipped", skipped))
	return paths, nil
}

func (e *Engine) fetchSitemap(ctx context.Context, target string) (sitemapDoc, error) {
	resp, err := e.fetchAsset(ctx, target, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.ok() {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", resp.Status)
	}

	body := resp.Body
	// A .gz sitemap may or may not also carry Content-Encoding, so sniff.
	if strings.HasSuffix(strings.ToLower(target), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func sameOriginPath(origin *url.URL, loc string) (string, bool) {
	p := normalizeManifestEntry(loc)
	if p == "" {
		return "", false
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil || !strings.EqualFold(u.Host, origin.Host) {
			return "", false
		}
	}
	return p, true
}

// MergeAssets appends extra to assets, skipping entries already present.
func MergeAssets(assets, extra []string) []string {
	seen := make(map[string]struct{}, len(assets)+len(extra))
	out := make([]string, 0, len(assets)+len(extra))
	for _, list := range [][]string{assets, extra} {
		for _, a := range list {
			a = strings.TrimSpace(a)
			if _, ok := seen[a]; ok || a == "" {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
