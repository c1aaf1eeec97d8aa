package documents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/menta2k/hwassist/internal/utils"
)

// Catalog finds reference documents for a product and loads their text
type Catalog interface {
	// Lookup returns references (paths) of documents about product
	Lookup(ctx context.Context, product string) ([]string, error)
	// Content returns the text of a reference returned by Lookup
	Content(ctx context.Context, ref string) (string, error)
}

// DirCatalog serves text documents from a directory tree, matching on file names
type DirCatalog struct {
	root string
}

// NewDirCatalog creates a catalog rooted at dir
func NewDirCatalog(dir string) (*DirCatalog, error) {
	if !utils.DirExists(dir) {
		return nil, fmt.Errorf("documents directory not found: %s", dir)
	}
	return &DirCatalog{root: dir}, nil
}

// Lookup returns the documents whose path contains every word of product,
// relative to the catalog root and sorted
func (c *DirCatalog) Lookup(ctx context.Context, product string) ([]string, error) {
	want := utils.Words(product)
	if len(want) == 0 {
		return nil, nil
	}

	files, err := utils.ListDocumentFiles(c.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	var refs []string
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			continue
		}
		if containsAll(utils.Words(strings.TrimSuffix(rel, filepath.Ext(rel))), want) {
			refs = append(refs, filepath.ToSlash(rel))
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// Content reads a document below the root
func (c *DirCatalog) Content(ctx context.Context, ref string) (string, error) {
	path, err := c.resolve(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read document %s: %w", ref, err)
	}
	return string(data), nil
}

// Files lists every document in the catalog, relative to the root
func (c *DirCatalog) Files() ([]string, error) {
	files, err := utils.ListDocumentFiles(c.root)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(files))
	for _, path := range files {
		if rel, err := filepath.Rel(c.root, path); err == nil {
			refs = append(refs, filepath.ToSlash(rel))
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (c *DirCatalog) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("document reference outside catalog: %s", ref)
	}
	return filepath.Join(c.root, clean), nil
}

// ProductFromFilename guesses the product a document describes from its name,
// e.g. "boards/raspberry_pi_4.md" → "raspberry pi 4"
func ProductFromFilename(ref string) string {
	base := filepath.Base(ref)
	return strings.Join(utils.Words(strings.TrimSuffix(base, filepath.Ext(base))), " ")
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, w := range have {
		set[w] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
