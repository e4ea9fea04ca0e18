package knowledge

import (
	"context"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder is a deterministic bag-of-words embedder for tests.
type hashEmbedder struct {
	dimension int
}

func (e hashEmbedder) Dimension() int { return e.dimension }

func (e hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.dimension)]++
	}
	return normalize(vec), nil
}

func TestNormalize(t *testing.T) {
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, normalize([]float32{3, 4}), 1e-6)
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[3,4]}],
			"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		Dimensions: 2,
	}, option.WithMaxRetries(0))
	require.NoError(t, err)
	assert.Equal(t, 2, e.Dimension())

	vec, err := e.Embed(context.Background(), "product list")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1,2,3]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 2}, option.WithMaxRetries(0))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewOpenAIEmbedder_Defaults(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{})
	assert.Error(t, err)

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", Model: "text-embedding-3-large"})
	require.NoError(t, err)
	assert.Equal(t, 3072, e.Dimension())
}
