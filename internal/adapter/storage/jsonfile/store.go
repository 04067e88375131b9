// Package jsonfile stores artifact records in a single JSON manifest, for
// setups that do not want a database, such as one-shot CLI conversions.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/port"
)

const ManifestName = "pixbatch-manifest.json"

type Store struct {
	mu        sync.RWMutex
	path      string
	artifacts map[string]*domain.ConvertedArtifact
}

func NewStore(dir string) (*Store, error) {
	store := &Store{
		path:      filepath.Join(dir, ManifestName),
		artifacts: make(map[string]*domain.ConvertedArtifact),
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	return store, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var list []*domain.ConvertedArtifact
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for _, a := range list {
		s.artifacts[a.ItemID] = a
	}
	return nil
}

// save writes the manifest through a temp file so a crash never leaves a
// truncated manifest behind. Callers hold mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.sorted(nil), "", "  ")
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func (s *Store) sorted(keep func(*domain.ConvertedArtifact) bool) []*domain.ConvertedArtifact {
	list := make([]*domain.ConvertedArtifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if keep == nil || keep(a) {
			c := *a
			list = append(list, &c)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ItemID < list[j].ItemID
	})
	return list
}

func (s *Store) Save(a *domain.ConvertedArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *a
	s.artifacts[a.ItemID] = &c
	return s.save()
}

func (s *Store) Get(itemID string) (*domain.ConvertedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[itemID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *Store) Delete(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[itemID]; !ok {
		return nil
	}
	delete(s.artifacts, itemID)
	return s.save()
}

func (s *Store) List() ([]*domain.ConvertedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(nil), nil
}

func (s *Store) ListByBatch(batchID string) ([]*domain.ConvertedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(a *domain.ConvertedArtifact) bool {
		return a.BatchID == batchID
	}), nil
}

var _ port.ArtifactStore = (*Store)(nil)
