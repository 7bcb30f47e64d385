package outpost

import (
	"errors"
	"fmt"
	"hash/crc32"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the deployment-time list of assets pre-warmed on install.
type Manifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

// LoadManifestFile reads a manifest file. Both a bare YAML list of assets
// and a mapping with version/assets keys are accepted.
func LoadManifestFile(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return parseManifest(b)
}

func parseManifest(b []byte) (Manifest, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil {
		return Manifest{}, err
	}
	if len(node.Content) == 0 {
		return Manifest{}, errors.New("empty manifest")
	}

	var m Manifest
	switch root := node.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&m.Assets); err != nil {
			return Manifest{}, err
		}
	case yaml.MappingNode:
		if err := root.Decode(&m); err != nil {
			return Manifest{}, err
		}
	default:
		return Manifest{}, fmt.Errorf("manifest must be a list or a mapping, line %d", root.Line)
	}

	for i, a := range m.Assets {
		if normalizeManifestEntry(a) == "" {
			return Manifest{}, fmt.Errorf("assets[%d]: invalid entry %q", i, a)
		}
		m.Assets[i] = strings.TrimSpace(a)
	}
	return m, nil
}

// normalizeManifestEntry returns the path an entry is matched by, or "" if
// the entry is unusable.
func normalizeManifestEntry(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil || u.Host == "" {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
	if strings.Contains(loc, "://") {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	p := u.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// resolveURL resolves a path or absolute URL against origin and returns its
// canonical form.
func resolveURL(origin, loc string) (string, error) {
	loc = strings.TrimSpace(loc)
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, "/") {
			loc = "/" + loc
		}
		loc = origin + loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return canonicalURL(u), nil
}

// canonicalURL is the cache key form of u: lower-case scheme and host, no
// default port, no userinfo, no fragment, and "/" for an empty path.
func canonicalURL(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	host := strings.ToLower(c.Host)
	switch {
	case c.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case c.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	c.Host = host
	c.User = nil
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" {
		c.Path = "/"
		c.RawPath = ""
	}
	return c.String()
}

// generationID derives the cache generation for a version and its resolved
// asset list. The same inputs always yield the same id.
func generationID(version string, urls []string) string {
	sum := crc32.ChecksumIEEE([]byte(strings.Join(urls, "\n")))
	if version == "" {
		return fmt.Sprintf("g-%08x", sum)
	}
	return fmt.Sprintf("%s-%08x", version, sum)
}
