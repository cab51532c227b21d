// Package artifact caches compiled executables between runs. Entries are
// content-addressed by the sha256 of the source that produced them and
// compressed with zstd at rest, so a worker that sees the same submission
// twice (rejudges, batched tests) skips the compiler entirely.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"
)

// Store is a concurrent-safe, content-addressed artifact cache rooted at
// one directory. Concurrent computes for the same key are deduplicated:
// only one compiler runs, everyone gets its result.
type Store struct {
	dir    string
	flight singleflight.Group
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Key derives the cache key for a source blob.
func Key(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".zst")
}

// Get returns the cached artifact for key, or ok=false when absent.
func (s *Store) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, false, fmt.Errorf("artifact %s is corrupt: %w", key, err)
	}
	return out, true, nil
}

// Put stores an artifact under key. The write goes through a temp file and
// rename so readers never observe a half-written entry.
func (s *Store) Put(key string, artifact []byte) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(artifact, nil)
	if err := enc.Close(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return fmt.Errorf("failed to stage artifact %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(key))
}

// GetOrCompute returns the cached artifact for key, running compute (and
// caching its result) on a miss. Concurrent callers with the same key
// share one compute invocation.
func (s *Store) GetOrCompute(key string, compute func() ([]byte, error)) ([]byte, error) {
	out, err, _ := s.flight.Do(key, func() (any, error) {
		if data, ok, err := s.Get(key); err != nil {
			return nil, err
		} else if ok {
			return data, nil
		}
		data, err := compute()
		if err != nil {
			return nil, err
		}
		if err := s.Put(key, data); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}
