// Package features owns the persisted audio feature vectors and the
// contract to the external acoustic extractor.
package features

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind selects which feature table an operation targets
type Kind string

const (
	// KindOpensource is the reference catalogue similarity queries rank against
	KindOpensource Kind = "opensource_songs"

	// KindQuery holds uploaded query songs so repeated lookups skip extraction
	KindQuery Kind = "query_songs"
)

var (
	// ErrNotFound is returned when a song cannot be found in the store
	ErrNotFound = errors.New("song not found")
)

// Vector is a feature vector stored as a JSON array in the database
type Vector []float64

// Value implements driver.Valuer
func (v Vector) Value() (driver.Value, error) {
	return json.Marshal(v)
}

// Scan implements sql.Scanner
func (v *Vector) Scan(src any) error {
	switch data := src.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	case nil:
		*v = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}
}

// FeatureVector is one stored song with its extracted features
type FeatureVector struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	BucketURL string    `db:"bucket_url"`
	Vector    Vector    `db:"features"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (k Kind) valid() bool {
	return k == KindOpensource || k == KindQuery
}
