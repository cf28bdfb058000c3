// Package cache implements the persistent render-result cache: an in-memory
// LRU bounded by entry count and TTL, mirrored to one file per key on disk so
// warm results survive restarts.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/umlforge/umlforge/internal/apperrors"
)

const fileSuffix = ".cache"

// Entry is a single cached render result. The payload is immutable once
// stored; only the access bookkeeping mutates on reads.
type Entry struct {
	Payload        []byte
	Metadata       map[string]string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// envelope is the on-disk JSON record for one entry. The payload is base64
// in the file; a file that fails to unmarshal is treated as corrupt and
// deleted.
type envelope struct {
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   []byte            `json:"payload"`
}

// Options configures a Store.
type Options struct {
	// Dir is the cache directory; one file per key is kept under it.
	Dir string

	// TTL is the maximum entry age. Zero disables expiry.
	TTL time.Duration

	// MaxEntries bounds the in-memory entry count.
	MaxEntries int

	// Group is an optional label value used to namespace Prometheus metrics
	// (cache_hits_total, cache_misses_total, etc.). Empty disables metrics.
	Group string

	// Logger receives warnings about disk I/O failures.
	Logger zerolog.Logger
}

// Stats is a point-in-time snapshot of the store's counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Errors    uint64 `json:"errors"`
	Items     int    `json:"items"`
	Bytes     int64  `json:"bytes"`
}

// Store memoizes rendered output by content-derived key. All operations on
// the in-memory state are serialized under one mutex; disk writes for Set are
// dispatched outside the critical section so they never block cache
// operations.
type Store struct {
	dir        string
	ttl        time.Duration
	maxEntries int
	group      string
	log        zerolog.Logger

	// now is the clock; replaceable in tests.
	now func() time.Time

	mu        sync.Mutex
	lru       *simplelru.LRU[string, *Entry]
	bytes     int64
	hits      uint64
	misses    uint64
	evictions uint64
	errors    uint64

	pending sync.WaitGroup
}

// New creates a Store, creates the cache directory if needed, and reconciles
// existing disk files: corrupt or expired files are deleted, the remainder is
// loaded into memory up to capacity. Excess disk files stay in place and are
// promoted lazily on lookup.
func New(opts Options) (*Store, error) {
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache: max entries must be positive, got %d", opts.MaxEntries)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating directory %s: %w", opts.Dir, err)
	}

	lru, err := simplelru.NewLRU[string, *Entry](opts.MaxEntries, nil)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:        opts.Dir,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		group:      opts.Group,
		log:        opts.Logger,
		now:        time.Now,
		lru:        lru,
	}
	s.loadPersistent()

	if s.group != "" {
		registerEntriesCollector(s.group, s.Len)
	}
	return s, nil
}

// Get returns the payload for key, or nil and false when absent. Memory is
// checked first; an expired entry is removed from memory and disk and
// reported absent. On a memory miss a valid, non-expired disk file is
// promoted into memory, subject to eviction at capacity.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()

	if e, ok := s.lru.Get(key); ok {
		if s.expiredLocked(e) {
			s.removeLocked(key, e)
			s.misses++
			s.mu.Unlock()
			s.countMiss()
			return nil, false
		}
		e.LastAccessedAt = s.now()
		e.AccessCount++
		s.hits++
		payload := e.Payload
		s.mu.Unlock()
		s.countHit()
		return payload, true
	}

	if e := s.readDiskLocked(key); e != nil {
		s.evictForInsertLocked()
		s.lru.Add(key, e)
		s.bytes += int64(len(e.Payload))
		e.LastAccessedAt = s.now()
		e.AccessCount++
		s.hits++
		payload := e.Payload
		s.mu.Unlock()
		s.countHit()
		return payload, true
	}

	s.misses++
	s.mu.Unlock()
	s.countMiss()
	return nil, false
}

// Set inserts payload under key as the most-recently-used entry, evicting the
// least-recently-used entry first if the store is at capacity. The disk write
// is asynchronous and best-effort: a failure is logged and counted but never
// surfaces to the caller.
func (s *Store) Set(key string, payload []byte, metadata map[string]string) {
	now := s.now()
	e := &Entry{
		Payload:        payload,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	s.mu.Lock()
	if old, ok := s.lru.Peek(key); ok {
		s.bytes -= int64(len(old.Payload))
	} else {
		s.evictForInsertLocked()
	}
	s.lru.Add(key, e)
	s.bytes += int64(len(payload))
	s.mu.Unlock()

	s.pending.Add(1)
	go s.writeDisk(key, e)

	s.log.Debug().Str("key", shortKey(key)).Int("size", len(payload)).Msg("Cache entry stored")
}

// Delete removes key from memory and disk. It is idempotent.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if e, ok := s.lru.Peek(key); ok {
		s.bytes -= int64(len(e.Payload))
		s.lru.Remove(key)
	}
	s.mu.Unlock()

	s.removeFile(key)
}

// Clear removes all in-memory entries and all on-disk cache files. In-flight
// disk writes are drained first so they cannot resurrect cleared entries.
func (s *Store) Clear() {
	s.pending.Wait()

	s.mu.Lock()
	s.lru.Purge()
	s.bytes = 0
	s.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		s.recordError("clear", err)
		return
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			s.recordError("clear", err)
		}
	}
	s.log.Info().Msg("Cache cleared")
}

// Sweep removes expired and corrupt files from the cache directory. It is a
// best-effort pass, independent of the lazy expiry done on access.
func (s *Store) Sweep() {
	files, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		s.recordError("sweep", err)
		return
	}

	removed := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || s.expiredAt(env.CreatedAt) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("Swept stale cache files")
	}
}

// Len returns the number of in-memory entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Errors:    s.errors,
		Items:     s.lru.Len(),
		Bytes:     s.bytes,
	}
}

// Close waits for pending disk writes and unregisters the metrics collector.
func (s *Store) Close() error {
	s.pending.Wait()
	if s.group != "" {
		unregisterEntriesCollector(s.group)
	}
	return nil
}

// evictForInsertLocked makes room for one new entry by removing the
// least-recently-used entries while the store is at capacity.
func (s *Store) evictForInsertLocked() {
	for s.lru.Len() >= s.maxEntries {
		key, e, ok := s.lru.RemoveOldest()
		if !ok {
			return
		}
		s.bytes -= int64(len(e.Payload))
		s.evictions++
		s.countEviction()
		s.removeFile(key)
		s.log.Debug().Str("key", shortKey(key)).Msg("Evicted least-recently-used cache entry")
	}
}

// removeLocked drops key from memory and its file from disk.
func (s *Store) removeLocked(key string, e *Entry) {
	s.bytes -= int64(len(e.Payload))
	s.lru.Remove(key)
	s.removeFile(key)
}

func (s *Store) expiredLocked(e *Entry) bool {
	return s.expiredAt(e.CreatedAt)
}

func (s *Store) expiredAt(createdAt time.Time) bool {
	return s.ttl > 0 && s.now().Sub(createdAt) > s.ttl
}

// readDiskLocked loads key's disk file, deleting it when corrupt or expired.
// Returns nil when no usable entry exists.
func (s *Store) readDiskLocked(key string) *Entry {
	if !validKey(key) {
		return nil
	}
	path := s.filePath(key)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.errors++
			s.countError()
			s.log.Warn().Err(err).Str("key", shortKey(key)).Msg("Failed to read cache file")
		}
		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.errors++
		s.countError()
		s.log.Warn().Err(err).Str("key", shortKey(key)).Msg("Corrupt cache file, deleting")
		_ = os.Remove(path)
		return nil
	}

	if s.expiredAt(env.CreatedAt) {
		_ = os.Remove(path)
		return nil
	}

	return &Entry{
		Payload:        env.Payload,
		Metadata:       env.Metadata,
		CreatedAt:      env.CreatedAt,
		LastAccessedAt: s.now(),
	}
}

// writeDisk persists one entry, whole-file and atomic-by-replace: the record
// is written to a temp file in the same directory and renamed over the final
// path, so concurrent writers to the same key leave the last complete record.
func (s *Store) writeDisk(key string, e *Entry) {
	defer s.pending.Done()

	if !validKey(key) {
		return
	}

	data, err := json.Marshal(envelope{
		CreatedAt: e.CreatedAt,
		Metadata:  e.Metadata,
		Payload:   e.Payload,
	})
	if err != nil {
		s.recordError("write", err)
		return
	}

	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		s.recordError("write", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		s.recordError("write", err)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		s.recordError("write", err)
		return
	}
	if err := os.Rename(tmpName, s.filePath(key)); err != nil {
		_ = os.Remove(tmpName)
		s.recordError("write", err)
		return
	}
}

// loadPersistent scans the cache directory at startup, deleting corrupt and
// expired files and loading the rest into memory up to capacity.
func (s *Store) loadPersistent() {
	files, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		s.recordError("load", err)
		return
	}

	loaded := 0
	for _, path := range files {
		key := strings.TrimSuffix(filepath.Base(path), fileSuffix)

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Str("key", shortKey(key)).Msg("Corrupt cache file, deleting")
			_ = os.Remove(path)
			continue
		}
		if s.expiredAt(env.CreatedAt) {
			_ = os.Remove(path)
			continue
		}
		if s.lru.Len() >= s.maxEntries {
			// At capacity; leave the file for lazy promotion.
			continue
		}

		s.lru.Add(key, &Entry{
			Payload:        env.Payload,
			Metadata:       env.Metadata,
			CreatedAt:      env.CreatedAt,
			LastAccessedAt: env.CreatedAt,
		})
		s.bytes += int64(len(env.Payload))
		loaded++
	}
	if loaded > 0 {
		s.log.Info().Int("entries", loaded).Msg("Loaded cache entries from disk")
	}
}

func (s *Store) removeFile(key string) {
	if !validKey(key) {
		return
	}
	if err := os.Remove(s.filePath(key)); err != nil && !os.IsNotExist(err) {
		s.recordError("delete", err)
	}
}

func (s *Store) recordError(op string, err error) {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
	s.countError()
	s.log.Warn().Err(apperrors.NewCacheError(op, err)).Msg("Cache disk operation failed")
}

func (s *Store) filePath(key string) string {
	return filepath.Join(s.dir, key+fileSuffix)
}

// validKey rejects keys that could escape the cache directory. Keys derived
// by the render pipeline are hex digests, so this only trips on misuse.
func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, "/\\") && key != "." && key != ".."
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}

func (s *Store) countHit() {
	if s.group != "" {
		HitsTotal.WithLabelValues(s.group).Inc()
	}
}

func (s *Store) countMiss() {
	if s.group != "" {
		MissesTotal.WithLabelValues(s.group).Inc()
	}
}

func (s *Store) countEviction() {
	if s.group != "" {
		EvictionsTotal.WithLabelValues(s.group).Inc()
	}
}

func (s *Store) countError() {
	if s.group != "" {
		ErrorsTotal.WithLabelValues(s.group).Inc()
	}
}
