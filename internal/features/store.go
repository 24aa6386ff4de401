package features

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/openshaz/openshaz/internal/similarity"
)

// Store handles all database operations on the feature tables
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Init creates the feature tables if they do not exist
func (s *Store) Init(ctx context.Context) error {
	for _, kind := range []Kind{KindOpensource, KindQuery} {
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				name VARCHAR(512) NOT NULL UNIQUE,
				bucket_url TEXT NOT NULL,
				features JSONB NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP NOT NULL DEFAULT NOW()
			)
		`, kind)

		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table %s: %w", kind, err)
		}
	}

	s.logger.Info("Feature store schema initialized")
	return nil
}

// StoreOne upserts a song by name and fills in its assigned id
func (s *Store) StoreOne(ctx context.Context, kind Kind, fv *FeatureVector) error {
	if !kind.valid() {
		return fmt.Errorf("unknown feature kind: %s", kind)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, bucket_url, features)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET bucket_url = EXCLUDED.bucket_url,
		    features = EXCLUDED.features,
		    updated_at = NOW()
		RETURNING id
	`, kind)

	if err := s.db.QueryRowContext(ctx, query, fv.Name, fv.BucketURL, fv.Vector).Scan(&fv.ID); err != nil {
		return fmt.Errorf("failed to store song %s: %w", fv.Name, err)
	}

	s.logger.Info("Stored song features",
		slog.String("kind", string(kind)),
		slog.String("name", fv.Name),
		slog.Int("id", fv.ID),
		slog.Int("dimension", len(fv.Vector)),
	)

	return nil
}

// FetchAll returns every stored song of the given kind, ordered by id so
// downstream matrices are positionally stable
func (s *Store) FetchAll(ctx context.Context, kind Kind) ([]FeatureVector, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("unknown feature kind: %s", kind)
	}

	query := fmt.Sprintf(`
		SELECT id, name, bucket_url, features, created_at, updated_at
		FROM %s
		ORDER BY id
	`, kind)

	var songs []FeatureVector
	if err := s.db.SelectContext(ctx, &songs, query); err != nil {
		return nil, fmt.Errorf("failed to fetch songs from %s: %w", kind, err)
	}

	s.logger.Debug("Fetched songs from feature store",
		slog.String("kind", string(kind)),
		slog.Int("count", len(songs)),
	)

	return songs, nil
}

// GetByName returns a single song by name, or ErrNotFound
func (s *Store) GetByName(ctx context.Context, kind Kind, name string) (*FeatureVector, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("unknown feature kind: %s", kind)
	}

	query := fmt.Sprintf(`
		SELECT id, name, bucket_url, features, created_at, updated_at
		FROM %s
		WHERE name = $1
	`, kind)

	var fv FeatureVector
	if err := s.db.GetContext(ctx, &fv, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get song %s: %w", name, err)
	}

	return &fv, nil
}

// References adapts the opensource catalogue into the similarity engine's
// reference rows, making the store usable as a similarity.Source.
func (s *Store) References(ctx context.Context) ([]similarity.Reference, error) {
	songs, err := s.FetchAll(ctx, KindOpensource)
	if err != nil {
		return nil, err
	}

	refs := make([]similarity.Reference, len(songs))
	for i, song := range songs {
		refs[i] = similarity.Reference{
			ID:     song.ID,
			Name:   song.Name,
			Vector: song.Vector,
		}
	}

	return refs, nil
}
