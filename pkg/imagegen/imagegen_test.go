package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

func TestPrompt(t *testing.T) {
	assert.Equal(t, "summary\n\ntask", Prompt([]string{" summary ", "", "task"}))
	assert.Empty(t, Prompt([]string{"", "  "}))
}

func TestDetectMIME(t *testing.T) {
	assert.Equal(t, "image/png", DetectMIME(pngBytes))
	assert.Equal(t, "image/jpeg", DetectMIME([]byte("\xff\xd8\xff\xe0 jfif")))
	assert.Equal(t, "image/png", DetectMIME([]byte("not an image")))
}

func TestOpenAI_Edit(t *testing.T) {
	var prompt, model, filename string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			prompt = r.FormValue("prompt")
			model = r.FormValue("model")
			for _, headers := range r.MultipartForm.File {
				filename = headers[0].Filename
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"created":1,"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(pngBytes))
	}))
	defer srv.Close()

	editor, err := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL}, option.WithMaxRetries(0))
	require.NoError(t, err)

	images, err := editor.Edit(context.Background(), []string{"A product list screen.", "Add a red button"}, pngBytes)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "image/png", images[0].MIME)
	assert.Equal(t, pngBytes, images[0].Data)

	assert.Equal(t, "A product list screen.\n\nAdd a red button", prompt)
	assert.Equal(t, "gpt-image-1", model)
	assert.Equal(t, "screen.png", filename)
}

func TestOpenAI_Edit_NoImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"created":1,"data":[]}`)
	}))
	defer srv.Close()

	editor, err := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL}, option.WithMaxRetries(0))
	require.NoError(t, err)

	images, err := editor.Edit(context.Background(), []string{"task"}, pngBytes)
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestOpenAI_Edit_ResponseFormat(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"dall-e-2", "b64_json"},
		{"gpt-image-1", ""},
	}
	for _, tt := range tests {
		t.Run("should request the right response format for "+tt.model, func(t *testing.T) {
			var format string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if assert.NoError(t, r.ParseMultipartForm(1<<20)) {
					format = r.FormValue("response_format")
				}
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"created":1,"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(pngBytes))
			}))
			defer srv.Close()

			editor, err := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: tt.model}, option.WithMaxRetries(0))
			require.NoError(t, err)

			images, err := editor.Edit(context.Background(), []string{"task"}, pngBytes)
			require.NoError(t, err)
			assert.Len(t, images, 1)
			assert.Equal(t, tt.want, format)
		})
	}

	t.Run("should fail when only image URLs come back", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"created":1,"data":[{"url":"https://cdn.example.com/edit.png"}]}`)
		}))
		defer srv.Close()

		editor, err := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "dall-e-3"}, option.WithMaxRetries(0))
		require.NoError(t, err)

		_, err = editor.Edit(context.Background(), []string{"task"}, pngBytes)
		assert.ErrorContains(t, err, "without inline data")
	})
}

func TestOpenAI_Edit_Validation(t *testing.T) {
	editor, err := NewOpenAI(Config{APIKey: "sk-test"})
	require.NoError(t, err)

	_, err = editor.Edit(context.Background(), []string{"task"}, nil)
	assert.Error(t, err)

	_, err = editor.Edit(context.Background(), nil, pngBytes)
	assert.Error(t, err)

	_, err = NewOpenAI(Config{})
	assert.Error(t, err)
}
