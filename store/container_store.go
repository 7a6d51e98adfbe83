// Package store persists the three JSON-file-backed tables pbcr keeps
// across invocations: containers.json, images.json and pull_tokens.json.
// Each is a single
// service struct holding a sync.RWMutex plus an id-keyed map, flushed to
// an afero-backed file on every mutation.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tehasdf/pbcr/domain"
)

// ContainerStore is a JSON-file-backed table of domain.Container records,
// keyed by ContainerID.
type ContainerStore struct {
	sync.RWMutex

	fs   afero.Fs
	path string

	idTable map[string]domain.Container
	order   []string
}

// NewContainerStore loads path (if it exists) into a new store rooted at
// fs. A missing file is treated as an empty store, not an error.
func NewContainerStore(fs afero.Fs, path string) (*ContainerStore, error) {
	s := &ContainerStore{
		fs:      fs,
		path:    path,
		idTable: make(map[string]domain.Container),
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
	if err := json.Unmarshal(raw, &s.idTable); err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", path, err)
	}
	for id := range s.idTable {
		s.order = append(s.order, id)
	}

	return s, nil
}

// Upsert inserts or replaces c and flushes the table to disk.
func (s *ContainerStore) Upsert(c domain.Container) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.idTable[c.ContainerID]; !ok {
		s.order = append(s.order, c.ContainerID)
	}
	s.idTable[c.ContainerID] = c
	return s.flushLocked()
}

// Get returns the container with id, or false if not present.
func (s *ContainerStore) Get(id string) (domain.Container, bool) {
	s.RLock()
	defer s.RUnlock()

	c, ok := s.idTable[id]
	return c, ok
}

// List returns every stored container. Containers added through this
// store come in insertion order, after those loaded from the file; the
// file does not record insertion order, so loaded containers come in no
// defined order.
func (s *ContainerStore) List() []domain.Container {
	s.RLock()
	defer s.RUnlock()

	out := make([]domain.Container, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.idTable[id])
	}
	return out
}

// Remove deletes id from the table and flushes. A no-op if id isn't present.
func (s *ContainerStore) Remove(id string) error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.idTable[id]; !ok {
		return nil
	}
	delete(s.idTable, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.flushLocked()
}

func (s *ContainerStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.idTable, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling containers: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, raw, 0o644); err != nil {
		return fmt.Errorf("store: writing %s: %w", s.path, err)
	}
	logrus.WithField("path", s.path).Debug("container store flushed")
	return nil
}
