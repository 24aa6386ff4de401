package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openshaz/openshaz/internal/dispatch"
	"github.com/openshaz/openshaz/internal/features"
	"github.com/openshaz/openshaz/internal/similarity"
)

// featureStore is the slice of the feature store the processor needs
type featureStore interface {
	StoreOne(ctx context.Context, kind features.Kind, fv *features.FeatureVector) error
	GetByName(ctx context.Context, kind features.Kind, name string) (*features.FeatureVector, error)
}

// objectDownloader fetches an object URL to a local temp file
type objectDownloader interface {
	Download(ctx context.Context, objectURL string) (string, error)
}

// ProcessorConfig holds processor dependencies
type ProcessorConfig struct {
	Logger      *slog.Logger
	Store       featureStore
	Objects     objectDownloader
	Extractor   features.Extractor
	Cache       *similarity.Cache
	Metric      similarity.Metric
	DefaultTopK int
}

// Processor implements the extraction and similarity job handlers. The
// similarity cache is owned by whoever builds the processor and passed in,
// not hidden in package state.
type Processor struct {
	logger      *slog.Logger
	store       featureStore
	objects     objectDownloader
	extractor   features.Extractor
	cache       *similarity.Cache
	metric      similarity.Metric
	defaultTopK int
}

// NewProcessor creates a new job processor
func NewProcessor(cfg *ProcessorConfig) *Processor {
	metric := cfg.Metric
	if metric == "" {
		metric = similarity.MetricCosine
	}

	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = 5
	}

	return &Processor{
		logger:      cfg.Logger,
		store:       cfg.Store,
		objects:     cfg.Objects,
		extractor:   cfg.Extractor,
		cache:       cfg.Cache,
		metric:      metric,
		defaultTopK: topK,
	}
}

// HandleExtraction downloads the audio, extracts its feature vector, and
// stores it in the opensource catalogue
func (p *Processor) HandleExtraction(ctx context.Context, job dispatch.Job) (*dispatch.JobResult, error) {
	if job.MusicName == "" || job.BucketURL == "" {
		return nil, dispatch.Terminal(errors.New("extraction task is missing music_name or bucket_url"))
	}

	vector, err := p.downloadAndExtract(ctx, job.BucketURL)
	if err != nil {
		return nil, err
	}

	fv := &features.FeatureVector{
		Name:      job.MusicName,
		BucketURL: job.BucketURL,
		Vector:    vector,
	}
	if err := p.store.StoreOne(ctx, features.KindOpensource, fv); err != nil {
		return nil, fmt.Errorf("failed to store features: %w", err)
	}

	p.logger.Info("Extracted and stored song features",
		slog.String("job_id", job.JobID),
		slog.String("music_name", job.MusicName),
		slog.Int("id", fv.ID),
		slog.Int("dimension", len(vector)),
	)

	return &dispatch.JobResult{
		JobID:     job.JobID,
		MusicName: job.MusicName,
		BucketURL: job.BucketURL,
		Status:    dispatch.StatusExtracted,
		Features:  vector,
	}, nil
}

// HandleSimilarity resolves the query song's features (stored copy first,
// extraction otherwise) and ranks the opensource catalogue against them
func (p *Processor) HandleSimilarity(ctx context.Context, job dispatch.Job) (*dispatch.JobResult, error) {
	if job.MusicName == "" || job.BucketURL == "" {
		return nil, dispatch.Terminal(errors.New("similarity task is missing music_name or bucket_url"))
	}

	topK := job.TopK
	if topK <= 0 {
		topK = p.defaultTopK
	}

	queryVector, err := p.queryFeatures(ctx, job)
	if err != nil {
		return nil, err
	}

	engine, err := p.cache.Engine(ctx)
	if err != nil {
		if errors.Is(err, similarity.ErrNoReferences) {
			p.logger.Warn("No opensource songs available for comparison",
				slog.String("job_id", job.JobID),
			)
			return &dispatch.JobResult{
				JobID:     job.JobID,
				QuerySong: job.MusicName,
				BucketURL: job.BucketURL,
				Status:    dispatch.StatusCompleted,
				Similar:   []similarity.Match{},
			}, nil
		}
		return nil, err
	}

	matches, err := engine.FindSimilar(queryVector, topK, p.metric)
	if err != nil {
		// Wrong dimensionality or a bad metric never heals on retry
		return nil, dispatch.Terminal(fmt.Errorf("similarity search failed: %w", err))
	}

	p.logger.Info("Similarity search completed",
		slog.String("job_id", job.JobID),
		slog.String("query_song", job.MusicName),
		slog.Int("matches", len(matches)),
	)

	return &dispatch.JobResult{
		JobID:     job.JobID,
		QuerySong: job.MusicName,
		BucketURL: job.BucketURL,
		Status:    dispatch.StatusCompleted,
		Similar:   matches,
	}, nil
}

// queryFeatures reuses stored query-song features when present, extracting
// and storing them otherwise
func (p *Processor) queryFeatures(ctx context.Context, job dispatch.Job) ([]float64, error) {
	existing, err := p.store.GetByName(ctx, features.KindQuery, job.MusicName)
	if err == nil {
		p.logger.Info("Query song already known, using cached features",
			slog.String("music_name", job.MusicName),
		)
		return existing.Vector, nil
	}
	if !errors.Is(err, features.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up query song: %w", err)
	}

	vector, err := p.downloadAndExtract(ctx, job.BucketURL)
	if err != nil {
		return nil, err
	}

	fv := &features.FeatureVector{
		Name:      job.MusicName,
		BucketURL: job.BucketURL,
		Vector:    vector,
	}
	if err := p.store.StoreOne(ctx, features.KindQuery, fv); err != nil {
		return nil, fmt.Errorf("failed to store query features: %w", err)
	}

	return vector, nil
}

// downloadAndExtract fetches the audio file and runs the external feature
// extractor on it, cleaning up the local copy afterwards
func (p *Processor) downloadAndExtract(ctx context.Context, bucketURL string) ([]float64, error) {
	localPath, err := p.objects.Download(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio: %w", err)
	}
	defer p.cleanupAudioFile(localPath)

	vector, err := p.extractor.Extract(ctx, localPath)
	if err != nil {
		return nil, fmt.Errorf("feature extraction failed: %w", err)
	}

	return vector, nil
}

func (p *Processor) cleanupAudioFile(localPath string) {
	// Download places each file in its own temp dir
	if err := os.RemoveAll(filepath.Dir(localPath)); err != nil {
		p.logger.Warn("Failed to clean up downloaded audio file",
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)
	}
}
