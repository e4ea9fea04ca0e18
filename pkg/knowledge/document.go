package knowledge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var frontMatterDelim = []byte("---")

// Document is a parsed screen document.
type Document struct {
	// Source is the document path relative to the screens directory.
	Source  string
	Name    string
	Images  []string
	Content string
	Hash    string
}

type frontMatter struct {
	Name   string   `yaml:"name"`
	Images []string `yaml:"images"`
}

// ParseDocument parses a screen document. Without front matter the name is
// derived from the file name and the whole file is the content.
func ParseDocument(source string, data []byte) (Document, error) {
	sum := sha256.Sum256(data)
	doc := Document{
		Source: filepath.ToSlash(source),
		Hash:   hex.EncodeToString(sum[:]),
	}

	body := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if bytes.HasPrefix(body, append(frontMatterDelim, '\n')) {
		rest := body[len(frontMatterDelim)+1:]
		end := bytes.Index(rest, append([]byte("\n"), frontMatterDelim...))
		if end < 0 {
			return Document{}, fmt.Errorf("%s: unterminated front matter", source)
		}

		var fm frontMatter
		if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
			return Document{}, fmt.Errorf("%s: front matter: %w", source, err)
		}
		doc.Name = strings.TrimSpace(fm.Name)
		for _, img := range fm.Images {
			if img = strings.TrimSpace(img); img != "" {
				doc.Images = append(doc.Images, img)
			}
		}
		body = rest[end+1+len(frontMatterDelim):]
	}

	if doc.Name == "" {
		base := filepath.Base(source)
		doc.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	doc.Content = strings.TrimSpace(string(body))
	if doc.Content == "" {
		return Document{}, fmt.Errorf("%s: empty content", source)
	}
	return doc, nil
}

// LoadDocuments parses every .md file under dir, sorted by source path.
// Unparsable files are returned in the joined error alongside the documents
// that did parse.
func LoadDocuments(dir string) ([]Document, error) {
	var (
		docs []Document
		errs []error
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDocument(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		doc, err := ParseDocument(rel, data)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Source < docs[j].Source })
	return docs, errors.Join(errs...)
}

func isDocument(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".md")
}
