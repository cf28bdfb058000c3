package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T, dir string, maxEntries int, ttl time.Duration) *Store {
	t.Helper()
	s, err := New(Options{
		Dir:        dir,
		TTL:        ttl,
		MaxEntries: maxEntries,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGet(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 10, time.Hour)

	if _, ok := s.Get("absent"); ok {
		t.Fatal("Expected miss for absent key")
	}

	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	s.Set("key1", payload, map[string]string{"format": "png"})

	got, ok := s.Get("key1")
	if !ok {
		t.Fatal("Expected hit for key1")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Payload mismatch: got %v, want %v", got, payload)
	}
}

func TestStore_LRUEviction(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 3, time.Hour)

	s.Set("a", []byte("A"), nil)
	s.Set("b", []byte("B"), nil)
	s.Set("c", []byte("C"), nil)
	s.pending.Wait()

	// Touch "a" so "b" becomes the least recently used.
	if _, ok := s.Get("a"); !ok {
		t.Fatal("Expected hit for a")
	}

	s.Set("d", []byte("D"), nil)
	s.pending.Wait()

	if _, ok := s.Get("b"); ok {
		t.Error("Expected b to be evicted as least recently used")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := s.Get(key); !ok {
			t.Errorf("Expected %s to survive eviction", key)
		}
	}

	stats := s.Stats()
	if stats.Evictions != 1 {
		t.Errorf("Expected exactly 1 eviction, got %d", stats.Evictions)
	}
	if stats.Items != 3 {
		t.Errorf("Expected 3 items after eviction, got %d", stats.Items)
	}
}

func TestStore_EvictionRemovesDiskFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 1, time.Hour)

	s.Set("old", []byte("old"), nil)
	s.pending.Wait()
	if _, err := os.Stat(filepath.Join(dir, "old.cache")); err != nil {
		t.Fatalf("Expected disk file for old: %v", err)
	}

	s.Set("new", []byte("new"), nil)
	s.pending.Wait()

	if _, err := os.Stat(filepath.Join(dir, "old.cache")); !os.IsNotExist(err) {
		t.Errorf("Expected old.cache to be removed on eviction, stat err: %v", err)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 10, time.Minute)

	base := time.Now()
	s.now = func() time.Time { return base }

	s.Set("key", []byte("data"), nil)
	s.pending.Wait()

	if _, ok := s.Get("key"); !ok {
		t.Fatal("Expected hit before expiry")
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	if _, ok := s.Get("key"); ok {
		t.Error("Expected miss after TTL expiry")
	}
	if _, err := os.Stat(filepath.Join(dir, "key.cache")); !os.IsNotExist(err) {
		t.Errorf("Expected on-disk artifact removed after expiry, stat err: %v", err)
	}
}

func TestStore_ZeroTTLNeverExpires(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 10, 0)

	base := time.Now()
	s.now = func() time.Time { return base }
	s.Set("key", []byte("data"), nil)

	s.now = func() time.Time { return base.Add(1000 * time.Hour) }
	if _, ok := s.Get("key"); !ok {
		t.Error("Expected entry to survive with zero TTL")
	}
}

func TestStore_RestartReloadsEntries(t *testing.T) {
	dir := t.TempDir()

	s1 := newTestStore(t, dir, 10, time.Hour)
	s1.Set("persisted", []byte("bytes on disk"), map[string]string{"format": "svg"})
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := newTestStore(t, dir, 10, time.Hour)
	got, ok := s2.Get("persisted")
	if !ok {
		t.Fatal("Expected entry to be reachable after restart without a prior Set")
	}
	if string(got) != "bytes on disk" {
		t.Errorf("Payload mismatch after restart: got %q", got)
	}
}

func TestStore_StartupDiscardsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "deadbeef.cache")
	if err := os.WriteFile(corrupt, []byte("not json at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := newTestStore(t, dir, 10, time.Hour)

	if s.Len() != 0 {
		t.Errorf("Expected corrupt file to be skipped, got %d entries", s.Len())
	}
	if _, err := os.Stat(corrupt); !os.IsNotExist(err) {
		t.Errorf("Expected corrupt file deleted at startup, stat err: %v", err)
	}
}

func TestStore_StartupRespectsCapacity(t *testing.T) {
	dir := t.TempDir()

	seed := newTestStore(t, dir, 10, time.Hour)
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		seed.Set(key, []byte(key), nil)
	}
	seed.Close()

	s := newTestStore(t, dir, 3, time.Hour)
	if s.Len() != 3 {
		t.Errorf("Expected 3 entries loaded at capacity, got %d", s.Len())
	}

	// Lazy promotion may evict loaded entries (removing their files), but at
	// capacity 3 at least three of the five keys must stay reachable.
	reachable := 0
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		if _, ok := s.Get(key); ok {
			reachable++
		}
	}
	if reachable < 3 {
		t.Errorf("Expected at least 3 reachable keys after restart, got %d", reachable)
	}
}

func TestStore_Delete(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 10, time.Hour)

	s.Set("key", []byte("data"), nil)
	s.pending.Wait()

	s.Delete("key")
	if _, ok := s.Get("key"); ok {
		t.Error("Expected miss after delete")
	}
	if _, err := os.Stat(filepath.Join(dir, "key.cache")); !os.IsNotExist(err) {
		t.Errorf("Expected disk file removed on delete, stat err: %v", err)
	}

	// Idempotent.
	s.Delete("key")
	s.Delete("never-existed")
}

func TestStore_Clear(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 10, time.Hour)

	s.Set("k1", []byte("1"), nil)
	s.Set("k2", []byte("2"), nil)
	s.pending.Wait()

	s.Clear()

	if s.Len() != 0 {
		t.Errorf("Expected empty store after clear, got %d entries", s.Len())
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*.cache"))
	if len(files) != 0 {
		t.Errorf("Expected no cache files after clear, found %d", len(files))
	}
}

func TestStore_SweepRemovesExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 10, time.Minute)

	base := time.Now()
	s.now = func() time.Time { return base }
	s.Set("stale", []byte("old"), nil)
	s.pending.Wait()

	s.now = func() time.Time { return base.Add(time.Hour) }
	s.Sweep()

	if _, err := os.Stat(filepath.Join(dir, "stale.cache")); !os.IsNotExist(err) {
		t.Errorf("Expected sweep to remove expired file, stat err: %v", err)
	}
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 10, time.Hour)

	s.Set("key", []byte("four"), nil)
	s.Get("key")
	s.Get("key")
	s.Get("missing")

	stats := s.Stats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.Items != 1 {
		t.Errorf("Expected 1 item, got %d", stats.Items)
	}
	if stats.Bytes != 4 {
		t.Errorf("Expected 4 payload bytes, got %d", stats.Bytes)
	}
}

func TestStore_PayloadImmutableAcrossReads(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 10, time.Hour)

	s.Set("key", []byte("original"), nil)
	first, _ := s.Get("key")
	second, _ := s.Get("key")
	if !bytes.Equal(first, second) {
		t.Error("Expected identical payload on repeated reads")
	}
}
