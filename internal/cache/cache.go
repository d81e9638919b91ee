// Package cache implements a disk-backed TTL cache for fetched market
// data. Payloads live in one file per key; a JSON index file maps keys
// to payload paths and expiry times and is rebuilt from disk at
// startup. Corruption anywhere is treated as a miss, never as a fatal
// error, so a damaged cache only costs a re-fetch.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const indexFile = "cache_index.json"

// entry is the on-disk index record for one cached payload.
type entry struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	ExpireAt  time.Time `json:"expire_at"`
}

// Store is a keyed TTL blob store. A single mutex serializes index
// mutations; payload files for distinct keys never contend.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	index map[string]entry

	// now is swappable in tests.
	now func() time.Time
}

// New opens (or creates) a cache rooted at dir and rebuilds the index
// from the on-disk index file. An unreadable index starts empty. The
// only fatal condition is a cache directory that cannot be created.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	s := &Store{
		dir:    dir,
		logger: slog.Default().With("component", "cache"),
		index:  make(map[string]entry),
		now:    time.Now,
	}
	s.loadIndex()
	return s, nil
}

// Key derives the deterministic cache key for an operation and its
// parameters. Parameters are serialized with sorted keys, so the same
// logical call always maps to the same key regardless of insertion
// order, and the result is md5-hexed to stay filesystem safe.
func Key(op string, params map[string]string) string {
	// encoding/json marshals map keys in sorted order.
	encoded, _ := json.Marshal(params)
	sum := md5.Sum([]byte(op + "_" + string(encoded)))
	return hex.EncodeToString(sum[:])
}

// Get returns the payload for key, or a miss when the key is absent,
// expired, or unreadable. A hit does not extend the TTL.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	e, ok := s.index[key]
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	if s.now().After(e.ExpireAt) {
		s.logger.Debug("cache entry expired", "key", key)
		return nil, false
	}

	payload, err := os.ReadFile(e.Path)
	if err != nil {
		s.logger.Warn("failed to read cached payload, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return payload, true
}

// Put persists payload under key with the given TTL and rewrites the
// index file. The whole-index rewrite is acceptable: index size is
// bounded by distinct fetch parameter combinations, not data volume.
func (s *Store) Put(key string, payload []byte, ttl time.Duration) error {
	path := filepath.Join(s.dir, key+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write cache payload: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	s.index[key] = entry{
		Path:      path,
		CreatedAt: now,
		ExpireAt:  now.Add(ttl),
	}
	err := s.saveIndexLocked()
	s.mu.Unlock()
	return err
}

// Sweep removes every expired entry from disk and the index. Entries
// written concurrently win over the sweep (last write wins on the
// index) because both run under the store mutex.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.index {
		if !now.After(e.ExpireAt) {
			continue
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove expired payload", "key", key, "error", err)
		}
		delete(s.index, key)
		removed++
	}

	if removed > 0 {
		if err := s.saveIndexLocked(); err != nil {
			s.logger.Warn("failed to persist index after sweep", "error", err)
		}
		s.logger.Info("swept expired cache entries", "removed", removed)
	}
	return removed
}

// Len returns the number of live index entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// TTLFor maps a data period to its cache lifetime. Volatile intraday
// and daily data expire quickly; weekly and monthly bars and the
// instrument list are stable and can live much longer.
func TTLFor(period string) time.Duration {
	switch period {
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly", "instruments":
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

func (s *Store) loadIndex() {
	path := filepath.Join(s.dir, indexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read cache index, starting fresh", "error", err)
		}
		return
	}

	var index map[string]entry
	if err := json.Unmarshal(data, &index); err != nil {
		s.logger.Warn("cache index corrupted, starting fresh", "error", err)
		return
	}
	s.index = index
	s.logger.Debug("cache index loaded", "entries", len(index))
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}
	path := filepath.Join(s.dir, indexFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	return nil
}
