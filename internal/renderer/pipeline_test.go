package renderer

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/umlforge/umlforge/internal/apperrors"
	"github.com/umlforge/umlforge/internal/cache"
	"github.com/umlforge/umlforge/internal/config"
	"github.com/umlforge/umlforge/internal/gate"
)

// countingRunner returns a Runner backed by the given command and a counter
// of how many times the engine was actually invoked.
func countingRunner(t *testing.T, cfg *config.Config, name string, args ...string) (*Runner, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	r := NewRunner(cfg, zerolog.Nop(), WithCommandFactory(
		func(ctx context.Context, format string) *exec.Cmd {
			calls.Add(1)
			return exec.CommandContext(ctx, name, args...)
		},
	))
	return r, &calls
}

func testStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.New(cache.Options{
		Dir:        t.TempDir(),
		TTL:        time.Hour,
		MaxEntries: 16,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCacheKey_Deterministic(t *testing.T) {
	a := CacheKey("@startuml\nA -> B\n@enduml", "png")
	b := CacheKey("@startuml\nA -> B\n@enduml", "png")
	if a != b {
		t.Error("Expected identical input to produce identical keys")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
	if a == CacheKey("@startuml\nA -> B\n@enduml", "svg") {
		t.Error("Expected format to be part of the key")
	}
	if a == CacheKey("@startuml\nA -> C\n@enduml", "png") {
		t.Error("Expected diagram text to be part of the key")
	}
}

func TestRenderer_MissThenHit(t *testing.T) {
	cfg := testConfig(t)
	runner, calls := countingRunner(t, cfg, "cat")
	r := New(cfg, testStore(t), gate.New(2, 0), runner, zerolog.Nop())

	diagram := "@startuml\nAlice -> Bob\n@enduml"

	first, err := r.Render(context.Background(), diagram, "png")
	if err != nil {
		t.Fatalf("Expected first render to succeed: %v", err)
	}
	if first.CacheHit {
		t.Error("Expected first render to miss the cache")
	}

	second, err := r.Render(context.Background(), diagram, "png")
	if err != nil {
		t.Fatalf("Expected second render to succeed: %v", err)
	}
	if !second.CacheHit {
		t.Error("Expected second render to hit the cache")
	}
	if string(first.Data) != string(second.Data) {
		t.Error("Expected identical payloads across cache hit")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected one engine invocation, got %d", got)
	}
}

func TestRenderer_FailedRendersAreNotCached(t *testing.T) {
	cfg := testConfig(t)
	runner, calls := countingRunner(t, cfg, "sh", "-c", "exit 2")
	r := New(cfg, testStore(t), gate.New(2, 0), runner, zerolog.Nop())

	diagram := "@startuml\nA -> B\n@enduml"
	for i := 0; i < 2; i++ {
		if _, err := r.Render(context.Background(), diagram, "png"); !errors.Is(err, &apperrors.RenderEngineError{}) {
			t.Fatalf("Expected RenderEngineError, got %v", err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected failure to reach the engine twice, got %d invocations", got)
	}
}

func TestRenderer_NilStoreDisablesCaching(t *testing.T) {
	cfg := testConfig(t)
	runner, calls := countingRunner(t, cfg, "cat")
	r := New(cfg, nil, gate.New(2, 0), runner, zerolog.Nop())

	diagram := "@startuml\nA -> B\n@enduml"
	for i := 0; i < 2; i++ {
		res, err := r.Render(context.Background(), diagram, "png")
		if err != nil {
			t.Fatal(err)
		}
		if res.CacheHit {
			t.Error("Expected no cache hits with caching disabled")
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("Expected two engine invocations, got %d", got)
	}
}

func TestRenderer_CoalescesIdenticalRenders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Render.CoalesceIdentical = true
	runner, calls := countingRunner(t, cfg, "sh", "-c", "sleep 0.3; cat")
	r := New(cfg, testStore(t), gate.New(4, 0), runner, zerolog.Nop())

	diagram := "@startuml\nA -> B\n@enduml"
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Render(context.Background(), diagram, "png")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Expected render %d to succeed: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected concurrent identical renders to share one invocation, got %d", got)
	}
}

func TestRenderer_PendingBoundRefuses(t *testing.T) {
	cfg := testConfig(t)
	runner, _ := countingRunner(t, cfg, "sh", "-c", "sleep 0.5; cat")
	g := gate.New(1, 1)
	r := New(cfg, nil, g, runner, zerolog.Nop())

	diagram := "@startuml\nA -> B\n@enduml"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Render(context.Background(), diagram, "png")
	}()

	// Wait for the first render to hold the slot, then fill the pending queue.
	for g.InFlight() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	go func() {
		defer wg.Done()
		r.Render(context.Background(), diagram, "svg")
	}()
	for g.Waiting() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := r.Render(context.Background(), diagram, "png")
	if !errors.Is(err, &apperrors.ConcurrencyLimitError{}) {
		t.Fatalf("Expected ConcurrencyLimitError, got %v", err)
	}
	wg.Wait()
}

func TestRenderer_StatsReflectsState(t *testing.T) {
	cfg := testConfig(t)
	runner, _ := countingRunner(t, cfg, "cat")
	r := New(cfg, testStore(t), gate.New(3, 0), runner, zerolog.Nop())

	if _, err := r.Render(context.Background(), "@startuml\nA -> B\n@enduml", "png"); err != nil {
		t.Fatal(err)
	}

	stats := r.Stats()
	if stats.Capacity != 3 {
		t.Errorf("Expected capacity 3, got %d", stats.Capacity)
	}
	if stats.InFlight != 0 {
		t.Errorf("Expected no in-flight renders, got %d", stats.InFlight)
	}
	if stats.Cache == nil {
		t.Fatal("Expected cache stats")
	}
	if stats.Cache.Items != 1 {
		t.Errorf("Expected one cached entry, got %d", stats.Cache.Items)
	}
}
