// Package template provides the read-only catalogue mapping a document
// type label to its canonical reference image and precomputed features.
package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cardalign/internal/features"
	"cardalign/internal/imgproc"

	"gocv.io/x/gocv"
)

// ErrNotFound is returned for labels with no reference image. It is a
// recoverable condition: callers fall back to the original capture.
var ErrNotFound = errors.New("no template for label")

// imageExts are the reference encodings the store resolves, in order.
var imageExts = []string{".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp"}

// Template is one catalogue entry. The image and feature set are shared
// across requests and must not be mutated or Closed by callers.
// Features are detected on a copy normalized to the store's target
// dimension; Scale maps full-resolution template coordinates into that
// normalized frame.
type Template struct {
	Label    string
	Image    gocv.Mat
	Features features.Set
	Scale    float64
}

// Store resolves labels to templates backed by a directory holding one
// reference image per label (<label>.<ext>). Feature sets are computed
// lazily on first access per label and cached for the process lifetime.
// Safe for concurrent readers; first-access computation is mutually
// excluded so it runs once per label.
type Store struct {
	dir       string
	targetDim int
	extractor *features.Extractor

	mu    sync.RWMutex
	cache map[string]*Template
}

// NewStore creates a store over dir. The detector options and target
// dimension are used for every template's feature computation and must
// match the pipeline's input-side settings.
func NewStore(dir string, opts features.Options, targetDim int) *Store {
	return &Store{
		dir:       dir,
		targetDim: targetDim,
		extractor: features.NewExtractor(opts),
		cache:     make(map[string]*Template),
	}
}

// Close releases all cached reference images and detector resources.
// Get must not be called afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.cache {
		t.Image.Close()
	}
	s.cache = make(map[string]*Template)
	return s.extractor.Close()
}

// Labels lists the document type labels the store can resolve.
func (s *Store) Labels() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	var labels []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, known := range imageExts {
			if ext == known {
				labels = append(labels, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
				break
			}
		}
	}
	sort.Strings(labels)
	return labels, nil
}

// Get resolves a label to its template, computing and caching the
// feature set on first access. Returns ErrNotFound for unknown labels.
func (s *Store) Get(label string) (*Template, error) {
	s.mu.RLock()
	t, ok := s.cache[label]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cache[label]; ok {
		return t, nil
	}

	path, err := s.resolve(label)
	if err != nil {
		return nil, err
	}

	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return nil, fmt.Errorf("undecodable template image %s", path)
	}

	norm, scale := imgproc.NormalizeSize(img, s.targetDim)
	defer norm.Close()

	t = &Template{
		Label:    label,
		Image:    img,
		Features: s.extractor.Extract(norm),
		Scale:    scale,
	}
	s.cache[label] = t
	return t, nil
}

func (s *Store) resolve(label string) (string, error) {
	for _, ext := range imageExts {
		path := filepath.Join(s.dir, label+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, label)
}
