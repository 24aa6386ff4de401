package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshaz/openshaz/internal/dispatch"
	"github.com/openshaz/openshaz/internal/features"
	"github.com/openshaz/openshaz/internal/similarity"
)

type storedVector struct {
	kind features.Kind
	fv   features.FeatureVector
}

type stubStore struct {
	stored    []storedVector
	storeErr  error
	known     map[string]*features.FeatureVector
	lookupErr error
}

func (s *stubStore) StoreOne(ctx context.Context, kind features.Kind, fv *features.FeatureVector) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	fv.ID = len(s.stored) + 1
	s.stored = append(s.stored, storedVector{kind: kind, fv: *fv})
	return nil
}

func (s *stubStore) GetByName(ctx context.Context, kind features.Kind, name string) (*features.FeatureVector, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	if fv, ok := s.known[string(kind)+"/"+name]; ok {
		return fv, nil
	}
	return nil, features.ErrNotFound
}

type stubDownloader struct {
	err       error
	downloads int
}

func (s *stubDownloader) Download(ctx context.Context, objectURL string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.downloads++

	dir, err := os.MkdirTemp("", "worker-test-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "audio.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

type catalogueSource struct {
	refs []similarity.Reference
}

func (s *catalogueSource) References(ctx context.Context) ([]similarity.Reference, error) {
	return s.refs, nil
}

func fixedExtractor(vector []float64, err error) features.Extractor {
	return features.ExtractorFunc(func(ctx context.Context, localPath string) ([]float64, error) {
		return vector, err
	})
}

func newTestProcessor(store *stubStore, downloader *stubDownloader, extractor features.Extractor, refs []similarity.Reference) *Processor {
	logger := slog.New(slog.DiscardHandler)
	return NewProcessor(&ProcessorConfig{
		Logger:    logger,
		Store:     store,
		Objects:   downloader,
		Extractor: extractor,
		Cache:     similarity.NewCache(&catalogueSource{refs: refs}, false, logger),
	})
}

func TestProcessor_HandleExtraction(t *testing.T) {
	store := &stubStore{}
	downloader := &stubDownloader{}
	p := newTestProcessor(store, downloader, fixedExtractor([]float64{1, 2, 3}, nil), nil)

	job := dispatch.NewExtractionJob("jazz.00001.wav", "s3://songs/jazz.00001.wav")
	result, err := p.HandleExtraction(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, job.JobID, result.JobID)
	assert.Equal(t, dispatch.StatusExtracted, result.Status)
	assert.Equal(t, []float64{1, 2, 3}, result.Features)

	require.Len(t, store.stored, 1)
	assert.Equal(t, features.KindOpensource, store.stored[0].kind)
	assert.Equal(t, "jazz.00001.wav", store.stored[0].fv.Name)
	assert.Equal(t, 1, downloader.downloads)
}

func TestProcessor_HandleExtraction_MissingFieldsIsTerminal(t *testing.T) {
	p := newTestProcessor(&stubStore{}, &stubDownloader{}, fixedExtractor(nil, nil), nil)

	for _, job := range []dispatch.Job{
		{JobID: "j1", Type: dispatch.JobTypeExtraction, BucketURL: "s3://b/x.wav"},
		{JobID: "j2", Type: dispatch.JobTypeExtraction, MusicName: "x.wav"},
	} {
		_, err := p.HandleExtraction(context.Background(), job)
		require.Error(t, err)
		assert.True(t, dispatch.IsTerminal(err))
	}
}

func TestProcessor_HandleExtraction_DownloadFailureIsRetryable(t *testing.T) {
	downloader := &stubDownloader{err: errors.New("connection refused")}
	p := newTestProcessor(&stubStore{}, downloader, fixedExtractor(nil, nil), nil)

	_, err := p.HandleExtraction(context.Background(), dispatch.NewExtractionJob("x.wav", "s3://b/x.wav"))

	require.Error(t, err)
	assert.False(t, dispatch.IsTerminal(err))
}

func TestProcessor_HandleSimilarity(t *testing.T) {
	store := &stubStore{}
	downloader := &stubDownloader{}
	refs := []similarity.Reference{
		{ID: 1, Name: "a.wav", Vector: []float64{1, 0}},
		{ID: 2, Name: "b.wav", Vector: []float64{0, 1}},
		{ID: 3, Name: "c.wav", Vector: []float64{1, 1}},
	}
	p := newTestProcessor(store, downloader, fixedExtractor([]float64{1, 0}, nil), refs)

	job := dispatch.NewSimilarityJob("query.wav", "s3://queries/query.wav", 2)
	result, err := p.HandleSimilarity(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, result.Status)
	assert.Equal(t, "query.wav", result.QuerySong)
	require.Len(t, result.Similar, 2)
	assert.Equal(t, "a.wav", result.Similar[0].Name)
	assert.InDelta(t, 1.0, result.Similar[0].Similarity, 1e-9)

	// The query song's features are persisted for reuse
	require.Len(t, store.stored, 1)
	assert.Equal(t, features.KindQuery, store.stored[0].kind)
}

func TestProcessor_HandleSimilarity_ReusesStoredQueryFeatures(t *testing.T) {
	store := &stubStore{
		known: map[string]*features.FeatureVector{
			"query_songs/query.wav": {ID: 9, Name: "query.wav", Vector: []float64{0, 1}},
		},
	}
	downloader := &stubDownloader{}
	refs := []similarity.Reference{
		{ID: 1, Name: "a.wav", Vector: []float64{1, 0}},
		{ID: 2, Name: "b.wav", Vector: []float64{0, 1}},
	}
	p := newTestProcessor(store, downloader, fixedExtractor(nil, errors.New("must not extract")), refs)

	result, err := p.HandleSimilarity(context.Background(), dispatch.NewSimilarityJob("query.wav", "s3://q/query.wav", 1))

	require.NoError(t, err)
	require.Len(t, result.Similar, 1)
	assert.Equal(t, "b.wav", result.Similar[0].Name)
	assert.Equal(t, 0, downloader.downloads)
	assert.Empty(t, store.stored)
}

func TestProcessor_HandleSimilarity_EmptyCatalogue(t *testing.T) {
	p := newTestProcessor(&stubStore{}, &stubDownloader{}, fixedExtractor([]float64{1, 0}, nil), nil)

	result, err := p.HandleSimilarity(context.Background(), dispatch.NewSimilarityJob("query.wav", "s3://q/query.wav", 5))

	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, result.Status)
	assert.NotNil(t, result.Similar)
	assert.Empty(t, result.Similar)
}

func TestProcessor_HandleSimilarity_DimensionMismatchIsTerminal(t *testing.T) {
	refs := []similarity.Reference{{ID: 1, Name: "a.wav", Vector: []float64{1, 0}}}
	p := newTestProcessor(&stubStore{}, &stubDownloader{}, fixedExtractor([]float64{1, 0, 0}, nil), refs)

	_, err := p.HandleSimilarity(context.Background(), dispatch.NewSimilarityJob("query.wav", "s3://q/query.wav", 1))

	require.Error(t, err)
	assert.True(t, dispatch.IsTerminal(err))
}

func TestProcessor_HandleSimilarity_DefaultTopK(t *testing.T) {
	refs := []similarity.Reference{
		{ID: 1, Name: "a.wav", Vector: []float64{1, 0}},
		{ID: 2, Name: "b.wav", Vector: []float64{0, 1}},
	}
	p := newTestProcessor(&stubStore{}, &stubDownloader{}, fixedExtractor([]float64{1, 0}, nil), refs)

	result, err := p.HandleSimilarity(context.Background(), dispatch.NewSimilarityJob("query.wav", "s3://q/query.wav", 0))

	require.NoError(t, err)
	assert.Len(t, result.Similar, 2)
}
