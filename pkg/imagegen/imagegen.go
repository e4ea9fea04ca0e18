// Package imagegen edits screen images through a hosted image model.
package imagegen

import (
	"context"
	"net/http"
	"strings"
)

// Image is one generated image payload.
type Image struct {
	MIME string
	Data []byte
}

// Editor is the image-edit service. Zero results with a nil error means the
// model produced no edit.
type Editor interface {
	Edit(ctx context.Context, instructions []string, base []byte) ([]Image, error)
}

// Prompt joins the non-empty instructions into one edit prompt.
func Prompt(instructions []string) string {
	parts := make([]string, 0, len(instructions))
	for _, in := range instructions {
		if in = strings.TrimSpace(in); in != "" {
			parts = append(parts, in)
		}
	}
	return strings.Join(parts, "\n\n")
}

// DetectMIME sniffs an image type, defaulting to image/png.
func DetectMIME(data []byte) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/png"
}
