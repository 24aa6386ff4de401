package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Source supplies the full reference snapshot the cache fits the engine
// with, typically backed by the feature store.
type Source interface {
	References(ctx context.Context) ([]Reference, error)
}

// Cache lazily materializes a fitted Engine from a Source. The reference
// set is loaded and fitted once; later calls reuse the in-memory state, so
// rows inserted after the first fit are invisible until Invalidate or Refit
// is called. That staleness window is the documented trade-off for not
// re-reading the full reference set on every request.
type Cache struct {
	mu        sync.Mutex
	source    Source
	logger    *slog.Logger
	normalize bool
	engine    *Engine
}

// NewCache creates an empty cache over the given source
func NewCache(source Source, normalize bool, logger *slog.Logger) *Cache {
	return &Cache{
		source:    source,
		logger:    logger,
		normalize: normalize,
	}
}

// Engine returns the fitted engine, loading and fitting on first use.
// An empty reference set returns ErrNoReferences without caching, so the
// next call retries the load.
func (c *Cache) Engine(ctx context.Context) (*Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.engine != nil {
		return c.engine, nil
	}

	engine, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.engine = engine
	return c.engine, nil
}

// Invalidate drops the fitted engine so the next request reloads the
// reference set
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.engine = nil
	c.logger.Info("Similarity cache invalidated")
}

// Refit reloads the reference set and fits a fresh engine immediately
func (c *Cache) Refit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	engine, err := c.load(ctx)
	if err != nil {
		return err
	}

	c.engine = engine
	return nil
}

func (c *Cache) load(ctx context.Context) (*Engine, error) {
	refs, err := c.source.References(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference vectors: %w", err)
	}

	if len(refs) == 0 {
		return nil, ErrNoReferences
	}

	engine := NewEngine(c.normalize)
	if err := engine.Fit(refs); err != nil {
		return nil, fmt.Errorf("failed to fit similarity engine: %w", err)
	}

	c.logger.Info("Similarity engine fitted",
		slog.Int("references", engine.Len()),
		slog.Int("dimension", engine.Dimension()),
		slog.Bool("normalize", c.normalize),
	)

	return engine, nil
}
