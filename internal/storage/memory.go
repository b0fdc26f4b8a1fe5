package storage

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Checkpoints are encoded
// on Save, so later changes to the caller's network do not leak in.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[Key][]byte
	blobs     map[Key][]byte
	latest    map[string]Key
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: make(map[Key][]byte),
		blobs:     make(map[Key][]byte),
		latest:    make(map[string]Key),
	}
}

func (s *MemoryStore) Save(key Key, cp *Checkpoint) error {
	blob, err := encodeBlob(cp)
	if err != nil {
		return err
	}
	m := newManifest(cp, key.String(), blob, 1)
	m.RunID, m.State.Superbatch = key.RunID, key.Superbatch
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = blob
	s.manifests[key] = data
	s.latest[key.RunID] = key
	return nil
}

func (s *MemoryStore) Load(key Key) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.manifests[key]
	blob := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m.restore(blob)
}

func (s *MemoryStore) Latest(runID string) (*Checkpoint, error) {
	s.mu.RLock()
	key, ok := s.latest[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: run %s has no checkpoints", ErrNotFound, runID)
	}
	return s.Load(key)
}

func (s *MemoryStore) Close() error { return nil }
