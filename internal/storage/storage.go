package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ChunkSize bounds a single stored value.
const ChunkSize = 4 << 20

// Storage keys
const (
	prefixManifest = "manifest/"
	prefixChunk    = "chunk/"
	prefixLatest   = "latest/"
)

func manifestKey(k Key) []byte { return []byte(prefixManifest + k.String()) }
func latestKey(runID string) []byte { return []byte(prefixLatest + runID) }
func chunkKey(blobID string, i int) []byte {
	return fmt.Appendf(nil, "%s%s/%06d", prefixChunk, blobID, i)
}

// Storage wraps BadgerDB as a checkpoint store.
type Storage struct {
	db        *badger.DB
	chunkSize int
}

// Open opens or creates a checkpoint database in dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*Storage, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	return &Storage{db: db, chunkSize: ChunkSize}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save stores cp under key. Chunks go in first under a fresh blob id; the
// manifest and the run's latest pointer are committed together afterwards,
// so a save that fails part way leaves the previous checkpoint intact.
func (s *Storage) Save(key Key, cp *Checkpoint) error {
	blob, err := encodeBlob(cp)
	if err != nil {
		return err
	}
	blobID := uuid.New().String()

	wb := s.db.NewWriteBatch()
	chunks := 0
	for off := 0; off < len(blob) || chunks == 0; off += s.chunkSize {
		end := min(off+s.chunkSize, len(blob))
		if err := wb.Set(chunkKey(blobID, chunks), blob[off:end]); err != nil {
			wb.Cancel()
			return fmt.Errorf("failed to write checkpoint chunk: %w", err)
		}
		chunks++
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to write checkpoint chunks: %w", err)
	}

	m := newManifest(cp, blobID, blob, chunks)
	m.RunID, m.State.Superbatch = key.RunID, key.Superbatch
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	var previous *manifest
	err = s.db.Update(func(txn *badger.Txn) error {
		if old, err := getManifest(txn, key); err == nil {
			previous = old
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := txn.Set(manifestKey(key), data); err != nil {
			return err
		}
		return txn.Set(latestKey(key.RunID), []byte(key.String()))
	})
	if err != nil {
		s.deleteChunks(blobID, chunks)
		return fmt.Errorf("failed to commit checkpoint %s: %w", key, err)
	}
	if previous != nil {
		s.deleteChunks(previous.BlobID, previous.Chunks)
	}
	return nil
}

// deleteChunks removes an unreferenced blob. Failures only leak space.
func (s *Storage) deleteChunks(blobID string, chunks int) {
	wb := s.db.NewWriteBatch()
	for i := range chunks {
		if wb.Delete(chunkKey(blobID, i)) != nil {
			wb.Cancel()
			return
		}
	}
	_ = wb.Flush()
}

func getManifest(txn *badger.Txn, key Key) (*manifest, error) {
	item, err := txn.Get(manifestKey(key))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	m := &manifest{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, m)
	})
	return m, err
}

// Load reads the checkpoint stored under key.
func (s *Storage) Load(key Key) (*Checkpoint, error) {
	var (
		m    *manifest
		blob []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if m, err = getManifest(txn, key); err != nil {
			return err
		}
		blob = make([]byte, 0, m.Size)
		for i := range m.Chunks {
			item, err := txn.Get(chunkKey(m.BlobID, i))
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("checkpoint %s is corrupt: chunk %d missing", key, i)
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				blob = append(blob, val...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.restore(blob)
}

// Latest returns the most recently saved checkpoint of a run.
func (s *Storage) Latest(runID string) (*Checkpoint, error) {
	var name string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(runID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: run %s has no checkpoints", ErrNotFound, runID)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		name = string(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	key, err := ParseKey(name)
	if err != nil {
		return nil, err
	}
	return s.Load(key)
}

// List returns the keys of every checkpoint of a run in superbatch order.
func (s *Storage) List(runID string) ([]Key, error) {
	var keys []Key
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixManifest + runID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k, err := ParseKey(string(it.Item().Key()[len(prefixManifest):]))
			if err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	})
	return keys, err
}

func (s *Storage) loadManifest(key Key) (*manifest, error) {
	var m *manifest
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = getManifest(txn, key)
		return err
	})
	return m, err
}
