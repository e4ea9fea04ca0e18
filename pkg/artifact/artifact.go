// Package artifact loads reference screen images and persists edited ones.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/screencraft/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// MaxImageBytes caps a single loaded image.
const MaxImageBytes = 20 << 20

var (
	ErrEmptyRef      = errors.New("empty image reference")
	ErrOutsideRoot   = errors.New("image reference escapes assets root")
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

// Store resolves image references against an assets root and writes edited
// images into a dedicated directory.
type Store struct {
	root      string
	editedDir string
	client    *http.Client
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient overrides the client used for http(s) references.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// New creates a Store. editedDir is created on first save.
func New(root, editedDir string, opts ...Option) *Store {
	if root == "" {
		root = "."
	}
	s := &Store{
		root:      root,
		editedDir: editedDir,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EditedDir returns the directory edited images are written to.
func (s *Store) EditedDir() string { return s.editedDir }

// Load returns the bytes behind ref: an http(s) URL, an absolute path, or a
// path relative to the assets root.
func (s *Store) Load(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyRef
	}

	ctx, span := tracing.StartSpan(ctx, "screencraft.artifact", "artifact.load",
		attribute.String("ref", ref),
	)
	defer span.End()

	var (
		data []byte
		err  error
	)
	if isURL(ref) {
		data, err = s.fetch(ctx, ref)
	} else {
		data, err = s.readLocal(ref)
	}
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("bytes", len(data)))
	return data, nil
}

// SaveEdited writes data as the edited counterpart of originalRef and returns
// the absolute written path, which Load accepts regardless of the assets root.
// A later edit of the same original overwrites it.
func (s *Store) SaveEdited(originalRef string, data []byte) (string, error) {
	name := baseName(originalRef)
	if name == "" {
		return "", ErrEmptyRef
	}
	if err := os.MkdirAll(s.editedDir, 0o755); err != nil {
		return "", fmt.Errorf("create edited dir: %w", err)
	}

	path, err := filepath.Abs(filepath.Join(s.editedDir, name))
	if err != nil {
		return "", fmt.Errorf("resolve edited path: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write edited image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit edited image: %w", err)
	}
	return path, nil
}

func (s *Store) readLocal(ref string) ([]byte, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, ref)
		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, ErrOutsideRoot
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if info.Size() > MaxImageBytes {
		return nil, ErrImageTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}

func (s *Store) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, ErrImageTooLarge
	}
	return data, nil
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func baseName(ref string) string {
	ref = strings.TrimSpace(ref)
	if isURL(ref) {
		if i := strings.IndexAny(ref, "?#"); i >= 0 {
			ref = ref[:i]
		}
		return ref[strings.LastIndex(ref, "/")+1:]
	}
	name := filepath.Base(ref)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
