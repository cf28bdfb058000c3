// Package renderer orchestrates the render path: cache lookup, admission,
// engine invocation, cache fill, and metrics.
package renderer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/umlforge/umlforge/internal/apperrors"
	"github.com/umlforge/umlforge/internal/cache"
	"github.com/umlforge/umlforge/internal/config"
	"github.com/umlforge/umlforge/internal/gate"
	"github.com/umlforge/umlforge/internal/metrics"
)

// Result is a completed render.
type Result struct {
	Data     []byte
	Format   string
	CacheHit bool
	Duration time.Duration
	Key      string
}

// Stats is a point-in-time snapshot of the renderer and its cache.
type Stats struct {
	InFlight int          `json:"in_flight"`
	Waiting  int          `json:"waiting"`
	Capacity int          `json:"capacity"`
	Cache    *cache.Stats `json:"cache,omitempty"`
}

// Renderer serves render requests: cached results are returned directly,
// everything else goes through the admission gate to the engine and the
// result is cached on success.
type Renderer struct {
	cfg    *config.Config
	store  *cache.Store // nil when caching is disabled
	gate   *gate.Gate
	runner *Runner
	log    zerolog.Logger

	// inflight coalesces concurrent renders of the same key when enabled.
	inflight singleflight.Group
	coalesce bool
}

// New wires a Renderer from its parts. store may be nil to disable caching.
func New(cfg *config.Config, store *cache.Store, g *gate.Gate, runner *Runner, log zerolog.Logger) *Renderer {
	return &Renderer{
		cfg:      cfg,
		store:    store,
		gate:     g,
		runner:   runner,
		log:      log,
		coalesce: cfg.Render.CoalesceIdentical,
	}
}

// CacheKey derives the deterministic cache key for a diagram/format pair.
// Identical input always maps to the same key.
func CacheKey(diagram, format string) string {
	sum := sha256.Sum256([]byte(diagram + ":" + format))
	return hex.EncodeToString(sum[:])
}

// Render produces the rendered diagram in the requested format, serving from
// cache when possible. Failed renders are never cached.
func (r *Renderer) Render(ctx context.Context, diagram, format string) (*Result, error) {
	start := time.Now()
	key := CacheKey(diagram, format)

	log := r.log.With().
		Str("session", uuid.NewString()[:8]).
		Str("key", key[:12]).
		Str("format", format).
		Logger()

	if r.store != nil {
		if data, ok := r.store.Get(key); ok {
			metrics.RendersTotal.WithLabelValues(format, "cache_hit").Inc()
			log.Debug().Int("size", len(data)).Msg("Serving render from cache")
			return &Result{
				Data:     data,
				Format:   format,
				CacheHit: true,
				Duration: time.Since(start),
				Key:      key,
			}, nil
		}
	}

	render := func() (any, error) {
		if err := r.gate.Acquire(ctx); err != nil {
			return nil, err
		}
		defer r.gate.Release()

		data, err := r.runner.Run(ctx, diagram, format)
		if err != nil {
			return nil, err
		}

		if r.store != nil {
			r.store.Set(key, data, map[string]string{"format": format})
		}
		return data, nil
	}

	var (
		out    any
		err    error
		shared bool
	)
	if r.coalesce {
		out, err, shared = r.inflight.Do(key, render)
	} else {
		out, err = render()
	}

	if err != nil {
		kind := errorKind(err)
		metrics.RenderErrorsTotal.WithLabelValues(kind).Inc()
		metrics.RendersTotal.WithLabelValues(format, "error").Inc()
		log.Warn().Err(err).Str("kind", kind).Msg("Render failed")
		return nil, err
	}

	data := out.([]byte)
	elapsed := time.Since(start)

	metrics.RendersTotal.WithLabelValues(format, "success").Inc()
	metrics.RenderDuration.WithLabelValues(format).Observe(elapsed.Seconds())
	metrics.RenderOutputBytes.WithLabelValues(format).Observe(float64(len(data)))

	log.Info().
		Int("size", len(data)).
		Dur("duration", elapsed).
		Bool("coalesced", shared).
		Msg("Render completed")

	return &Result{
		Data:     data,
		Format:   format,
		Duration: elapsed,
		Key:      key,
	}, nil
}

// Stats reports the current admission and cache state.
func (r *Renderer) Stats() Stats {
	s := Stats{
		InFlight: r.gate.InFlight(),
		Waiting:  r.gate.Waiting(),
		Capacity: r.gate.Capacity(),
	}
	if r.store != nil {
		cs := r.store.Stats()
		s.Cache = &cs
	}
	return s
}

// errorKind classifies an error for the failure counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, &apperrors.RenderTimeoutError{}):
		return "timeout"
	case errors.Is(err, &apperrors.RenderEngineError{}):
		return "engine"
	case errors.Is(err, &apperrors.ConcurrencyLimitError{}):
		return "concurrency_limit"
	case errors.Is(err, &apperrors.ValidationError{}):
		return "validation"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
