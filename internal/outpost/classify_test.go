package outpost

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	rules := NewRules([]string{"/graphql"}, "/api/", []string{"Analytics.test"}, []string{"/", "/manifest.webmanifest", "http://app.test/boot"})

	tests := []struct {
		name   string
		method string
		url    string
		header map[string]string
		want   Class
	}{
		{"post", http.MethodPost, "http://app.test/api/notes", nil, ClassMutation},
		{"delete", http.MethodDelete, "http://app.test/app.js", nil, ClassMutation},
		{"head", http.MethodHead, "http://app.test/app.js", nil, ClassIgnored},
		{"ignored host", http.MethodGet, "http://analytics.test/collect", nil, ClassIgnored},
		{"foreign scheme", http.MethodGet, "ftp://app.test/file", nil, ClassIgnored},
		{"image by accept", http.MethodGet, "http://app.test/avatar", map[string]string{"Accept": "image/webp,*/*"}, ClassImage},
		{"image by dest", http.MethodGet, "http://app.test/avatar", map[string]string{"Sec-Fetch-Dest": "image"}, ClassImage},
		{"image by ext", http.MethodGet, "http://app.test/img/a.PNG", nil, ClassImage},
		{"image under api", http.MethodGet, "http://app.test/api/avatar.png", nil, ClassImage},
		{"api prefix", http.MethodGet, "http://app.test/api/items?page=2", nil, ClassAPI},
		{"api path", http.MethodGet, "http://app.test/graphql", nil, ClassAPI},
		{"api before document", http.MethodGet, "http://app.test/api/report", map[string]string{"Accept": "text/html"}, ClassAPI},
		{"manifest root", http.MethodGet, "http://app.test/", map[string]string{"Accept": "text/html"}, ClassStatic},
		{"manifest entry", http.MethodGet, "http://app.test/manifest.webmanifest", nil, ClassStatic},
		{"manifest absolute", http.MethodGet, "http://app.test/boot", nil, ClassStatic},
		{"static ext", http.MethodGet, "http://app.test/assets/app.9f3c.js", nil, ClassStatic},
		{"font", http.MethodGet, "http://app.test/fonts/a.woff2", nil, ClassStatic},
		{"navigate", http.MethodGet, "http://app.test/settings", map[string]string{"Sec-Fetch-Mode": "navigate"}, ClassNavigation},
		{"document dest", http.MethodGet, "http://app.test/settings", map[string]string{"Sec-Fetch-Dest": "document"}, ClassNavigation},
		{"html accept", http.MethodGet, "http://app.test/settings", map[string]string{"Accept": "text/html,*/*"}, ClassNavigation},
		{"other", http.MethodGet, "http://app.test/data.bin", nil, ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, Classify(req, &rules))
		})
	}
}

func TestRules_WithManifestDoesNotMutate(t *testing.T) {
	base := NewRules(nil, "/api/", nil, []string{"/a"})
	next := base.WithManifest([]string{"/b"})

	req, _ := http.NewRequest(http.MethodGet, "http://app.test/a", nil)
	assert.Equal(t, ClassStatic, Classify(req, &base))
	assert.Equal(t, ClassOther, Classify(req, &next))
}
