package similarity

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	refs  []Reference
	err   error
	calls int
}

func (s *stubSource) References(ctx context.Context) ([]Reference, error) {
	s.calls++
	return s.refs, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestCache_LoadsOnce(t *testing.T) {
	source := &stubSource{refs: basisReferences()}
	cache := NewCache(source, false, testLogger())

	first, err := cache.Engine(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := cache.Engine(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, source.calls)
}

func TestCache_EmptySourceIsNotCached(t *testing.T) {
	source := &stubSource{}
	cache := NewCache(source, false, testLogger())

	_, err := cache.Engine(context.Background())
	require.ErrorIs(t, err, ErrNoReferences)

	// Reference rows showing up later must become visible, since the
	// empty result was not cached.
	source.refs = basisReferences()
	engine, err := cache.Engine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, engine.Len())
	assert.Equal(t, 2, source.calls)
}

func TestCache_SourceErrorPropagates(t *testing.T) {
	source := &stubSource{err: errors.New("connection refused")}
	cache := NewCache(source, false, testLogger())

	_, err := cache.Engine(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load reference vectors")
}

func TestCache_Invalidate(t *testing.T) {
	source := &stubSource{refs: basisReferences()}
	cache := NewCache(source, false, testLogger())

	first, err := cache.Engine(context.Background())
	require.NoError(t, err)

	cache.Invalidate()

	second, err := cache.Engine(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, source.calls)
}

func TestCache_Refit(t *testing.T) {
	source := &stubSource{refs: basisReferences()}
	cache := NewCache(source, true, testLogger())

	engine, err := cache.Engine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, engine.Len())

	source.refs = append(basisReferences(), Reference{ID: 4, Name: "D", Vector: []float64{2, 2}})
	require.NoError(t, cache.Refit(context.Background()))

	engine, err = cache.Engine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, engine.Len())
}
