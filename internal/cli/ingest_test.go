package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[3,4]}],
			"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	path, dataDir := writeConfig(t, "ai:\n  openai_key: sk-test-key\n  openai_base_url: "+srv.URL+
		"\nmodels:\n  embedding_dimensions: 2\n")

	screens := filepath.Join(dataDir, "screens")
	require.NoError(t, os.MkdirAll(screens, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(screens, "home.md"),
		[]byte("---\nname: Home Dashboard\n---\n\nSales cards and a recent orders table.\n"), 0644))

	t.Run("should index new screens", func(t *testing.T) {
		out, err := execute(t, "ingest", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Indexed: 1")
		assert.Contains(t, out, "Screens: 1")
	})

	t.Run("should skip unchanged screens", func(t *testing.T) {
		out, err := execute(t, "ingest", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Indexed: 0")
		assert.Contains(t, out, "Unchanged: 1")
	})

	t.Run("should read an explicit directory", func(t *testing.T) {
		empty := t.TempDir()
		t.Cleanup(func() { ingestDir = "" })

		out, err := execute(t, "ingest", "--config", path, "--dir", empty)
		require.NoError(t, err)
		assert.Contains(t, out, "Removed: 1")
		assert.Contains(t, out, "Screens: 0")
	})
}
