package outpost

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchManifest_ReinstallsOnChange(t *testing.T) {
	e, fn := newTestEngine(t)
	fn.set("/a.js", http.StatusOK, "a")
	fn.set("/b.js", http.StatusOK, "b")

	p := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(p, []byte("- /a.js\n"), 0o644))
	require.NoError(t, e.WatchManifest(p, "v1", 20*time.Millisecond))

	require.NoError(t, os.WriteFile(p, []byte("version: v2\nassets: [/a.js, /b.js]\n"), 0o644))
	require.Eventually(t, func() bool {
		return len(e.Lifecycle().Status().Assets) == 2
	}, 5*time.Second, 20*time.Millisecond)

	st := e.Lifecycle().Status()
	assert.Regexp(t, `^v2-`, st.Current)
	assert.Equal(t, ClassStatic, e.Classify(mustRequest(t, http.MethodGet, "/b.js")))

	// A broken manifest leaves the active generation alone.
	require.NoError(t, os.WriteFile(p, []byte("assets: [ftp://nope]\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, st.Current, e.Lifecycle().Current())
}

func TestWatchManifest_UsesFallbackVersion(t *testing.T) {
	e, fn := newTestEngine(t)
	fn.set("/a.js", http.StatusOK, "a")

	p := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, e.WatchManifest(p, "v9", 20*time.Millisecond))
	require.NoError(t, os.WriteFile(p, []byte("- /a.js\n"), 0o644))

	require.Eventually(t, func() bool { return e.Lifecycle().Current() != "" }, 5*time.Second, 20*time.Millisecond)
	assert.Regexp(t, `^v9-`, e.Lifecycle().Current())
}
