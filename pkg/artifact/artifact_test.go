package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Load(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "images"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "images", "home.png"), []byte("home"), 0o644))

	store := New(root, filepath.Join(root, "edited"))

	t.Run("should read paths relative to root", func(t *testing.T) {
		data, err := store.Load(context.Background(), "images/home.png")
		require.NoError(t, err)
		assert.Equal(t, []byte("home"), data)
	})

	t.Run("should read absolute paths", func(t *testing.T) {
		data, err := store.Load(context.Background(), filepath.Join(root, "images", "home.png"))
		require.NoError(t, err)
		assert.Equal(t, []byte("home"), data)
	})

	t.Run("should reject paths escaping root", func(t *testing.T) {
		_, err := store.Load(context.Background(), "../secret.png")
		assert.ErrorIs(t, err, ErrOutsideRoot)
	})

	t.Run("should reject empty references", func(t *testing.T) {
		_, err := store.Load(context.Background(), "  ")
		assert.ErrorIs(t, err, ErrEmptyRef)
	})

	t.Run("should fail for missing files", func(t *testing.T) {
		_, err := store.Load(context.Background(), "images/missing.png")
		assert.Error(t, err)
	})
}

func TestStore_LoadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	store := New(t.TempDir(), t.TempDir(), WithHTTPClient(srv.Client()))

	data, err := store.Load(context.Background(), srv.URL+"/screen.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), data)

	_, err = store.Load(context.Background(), srv.URL+"/missing.png")
	assert.Error(t, err)
}

func TestStore_SaveEdited(t *testing.T) {
	editedDir := filepath.Join(t.TempDir(), "edited")
	store := New(".", editedDir)

	path, err := store.SaveEdited("data/images/product_list.png", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(editedDir, "product_list.png"), path)

	path, err = store.SaveEdited("https://cdn.example.com/x/product_list.png?v=2", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(editedDir, "product_list.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	_, err = store.SaveEdited("", []byte("x"))
	assert.ErrorIs(t, err, ErrEmptyRef)
}

func TestStore_SaveEditedLoadsBack(t *testing.T) {
	t.Run("should load an edit saved under a relative directory with a non-default root", func(t *testing.T) {
		t.Chdir(t.TempDir())
		root := filepath.Join(t.TempDir(), "assets")
		require.NoError(t, os.MkdirAll(root, 0o755))
		store := New(root, filepath.Join("data", "edited"))

		path, err := store.SaveEdited("images/screen.png", []byte("edited"))
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(path))

		data, err := store.Load(t.Context(), path)
		require.NoError(t, err)
		assert.Equal(t, []byte("edited"), data)
	})
}
