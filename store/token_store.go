package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tehasdf/pbcr/domain"
)

// TokenStore is a JSON-file-backed table of registry bearer tokens, keyed
// by repo, so a pull doesn't re-authenticate on every invocation while the
// previous token is still valid.
type TokenStore struct {
	sync.RWMutex

	fs   afero.Fs
	path string

	repoTable map[string]domain.PullToken
}

// NewTokenStore loads path (if present) into a new store rooted at fs.
func NewTokenStore(fs afero.Fs, path string) (*TokenStore, error) {
	s := &TokenStore{
		fs:        fs,
		path:      path,
		repoTable: make(map[string]domain.PullToken),
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
	if err := json.Unmarshal(raw, &s.repoTable); err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", path, err)
	}

	return s, nil
}

// Get returns the cached token for repo, or false if none is stored.
// Callers must still check PullToken.IsExpired before reusing it.
func (s *TokenStore) Get(repo string) (domain.PullToken, bool) {
	s.RLock()
	defer s.RUnlock()

	tok, ok := s.repoTable[repo]
	return tok, ok
}

// Upsert inserts or replaces the token cached for repo and flushes to disk.
func (s *TokenStore) Upsert(repo string, tok domain.PullToken) error {
	s.Lock()
	defer s.Unlock()

	s.repoTable[repo] = tok
	return s.flushLocked()
}

func (s *TokenStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.repoTable, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling tokens: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, raw, 0o600); err != nil {
		return fmt.Errorf("store: writing %s: %w", s.path, err)
	}
	logrus.WithField("path", s.path).Debug("token store flushed")
	return nil
}
