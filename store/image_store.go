package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tehasdf/pbcr/domain"
)

// ImageStore is a JSON-file-backed table of domain.ImageSummary records,
// keyed by manifest digest, the index `pbcr images` reads and `pbcr pull`
// updates.
type ImageStore struct {
	sync.RWMutex

	fs   afero.Fs
	path string

	digestTable map[domain.Digest]domain.ImageSummary
	order       []domain.Digest
}

// NewImageStore loads path (if present) into a new store rooted at fs.
func NewImageStore(fs afero.Fs, path string) (*ImageStore, error) {
	s := &ImageStore{
		fs:          fs,
		path:        path,
		digestTable: make(map[domain.Digest]domain.ImageSummary),
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("store: checking %s: %w", path, err)
	}
	if !exists {
		return s, nil
	}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.digestTable); err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", path, err)
	}
	for digest := range s.digestTable {
		s.order = append(s.order, digest)
	}

	return s, nil
}

// Upsert inserts or replaces the summary for img.Digest and flushes to
// disk. A tag not already recorded for that digest is appended rather than
// replacing the existing tag list.
func (s *ImageStore) Upsert(img domain.ImageSummary) error {
	s.Lock()
	defer s.Unlock()

	if existing, ok := s.digestTable[img.Digest]; ok {
		img.Tags = mergeTags(existing.Tags, img.Tags)
	} else {
		s.order = append(s.order, img.Digest)
	}
	s.digestTable[img.Digest] = img
	return s.flushLocked()
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range incoming {
		if !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	return out
}

// Get returns the summary for digest, or false if not present.
func (s *ImageStore) Get(digest domain.Digest) (domain.ImageSummary, bool) {
	s.RLock()
	defer s.RUnlock()

	img, ok := s.digestTable[digest]
	return img, ok
}

// List returns every stored image summary. Summaries added through this
// store come in insertion order, after those loaded from the file; the
// file does not record insertion order, so loaded summaries come in no
// defined order.
func (s *ImageStore) List() []domain.ImageSummary {
	s.RLock()
	defer s.RUnlock()

	out := make([]domain.ImageSummary, 0, len(s.order))
	for _, digest := range s.order {
		out = append(out, s.digestTable[digest])
	}
	return out
}

func (s *ImageStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.digestTable, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling images: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, raw, 0o644); err != nil {
		return fmt.Errorf("store: writing %s: %w", s.path, err)
	}
	logrus.WithField("path", s.path).Debug("image store flushed")
	return nil
}
