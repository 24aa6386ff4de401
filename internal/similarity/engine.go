// Package similarity ranks cached audio feature vectors against a query
// vector using cosine, euclidean, or manhattan scoring.
package similarity

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Metric selects the scoring function used by FindSimilar
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricManhattan Metric = "manhattan"
)

var (
	// ErrNotFitted is returned when FindSimilar is called before Fit
	ErrNotFitted = errors.New("similarity engine not fitted")

	// ErrNoReferences is returned when a fit is attempted with no vectors
	ErrNoReferences = errors.New("no reference vectors")
)

// Reference is one row of the reference set the engine is fitted with
type Reference struct {
	ID     int
	Name   string
	Vector []float64
}

// Match is a scored reference row returned by FindSimilar
type Match struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// Engine scores query vectors against a fitted N x D reference matrix.
// Fitting replaces all prior state; the engine is never updated
// incrementally. It is safe for concurrent reads after Fit, but Fit itself
// must not race with FindSimilar.
type Engine struct {
	normalize bool
	matrix    [][]float64
	mean      []float64
	stddev    []float64
	ids       []int
	names     []string
	dim       int
	fitted    bool
}

// NewEngine creates an unfitted engine. When normalize is true, Fit
// standardizes each column to zero mean and unit variance and FindSimilar
// applies the same transform to the query.
func NewEngine(normalize bool) *Engine {
	return &Engine{normalize: normalize}
}

// Fit builds the reference matrix from the given vectors. All vectors must
// share the same dimensionality.
func (e *Engine) Fit(refs []Reference) error {
	if len(refs) == 0 {
		return ErrNoReferences
	}

	dim := len(refs[0].Vector)
	if dim == 0 {
		return errors.New("reference vectors must not be empty")
	}

	matrix := make([][]float64, len(refs))
	ids := make([]int, len(refs))
	names := make([]string, len(refs))

	for i, ref := range refs {
		if len(ref.Vector) != dim {
			return fmt.Errorf("reference vector %q has dimension %d, expected %d", ref.Name, len(ref.Vector), dim)
		}
		row := make([]float64, dim)
		copy(row, ref.Vector)
		matrix[i] = row
		ids[i] = ref.ID
		names[i] = ref.Name
	}

	e.matrix = matrix
	e.ids = ids
	e.names = names
	e.dim = dim
	e.mean = nil
	e.stddev = nil

	if e.normalize {
		e.fitScaler()
		for _, row := range e.matrix {
			e.transform(row)
		}
	}

	e.fitted = true
	return nil
}

// Fitted reports whether the engine holds a reference matrix
func (e *Engine) Fitted() bool {
	return e.fitted
}

// Dimension returns the fitted vector dimensionality, 0 when unfitted
func (e *Engine) Dimension() int {
	return e.dim
}

// Len returns the number of fitted reference rows
func (e *Engine) Len() int {
	return len(e.matrix)
}

// FindSimilar scores the query against every reference row and returns up
// to topK matches ordered by descending similarity. Ties are broken by the
// original row index, so results are reproducible across calls.
func (e *Engine) FindSimilar(query []float64, topK int, metric Metric) ([]Match, error) {
	if !e.fitted {
		return nil, ErrNotFitted
	}
	if topK < 1 {
		return nil, fmt.Errorf("top_k must be positive, got %d", topK)
	}
	if len(query) != e.dim {
		return nil, fmt.Errorf("query vector has dimension %d, expected %d", len(query), e.dim)
	}

	q := make([]float64, e.dim)
	copy(q, query)
	if e.normalize {
		// Apply the fitted scaler, never refit on the query
		e.transform(q)
	}

	scores := make([]float64, len(e.matrix))
	for i, row := range e.matrix {
		score, err := similarity(q, row, metric)
		if err != nil {
			return nil, err
		}
		scores[i] = score
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	// Stable sort keeps ascending row index on equal scores
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if topK > len(order) {
		topK = len(order)
	}

	matches := make([]Match, topK)
	for i := 0; i < topK; i++ {
		idx := order[i]
		matches[i] = Match{
			ID:         e.ids[idx],
			Name:       e.names[idx],
			Similarity: scores[idx],
		}
	}

	return matches, nil
}

// fitScaler computes per-column mean and stddev from the reference matrix
func (e *Engine) fitScaler() {
	n := float64(len(e.matrix))
	mean := make([]float64, e.dim)
	stddev := make([]float64, e.dim)

	for _, row := range e.matrix {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= n
	}

	for _, row := range e.matrix {
		for j, v := range row {
			d := v - mean[j]
			stddev[j] += d * d
		}
	}
	for j := range stddev {
		stddev[j] = math.Sqrt(stddev[j] / n)
		if stddev[j] == 0 {
			// Constant column: pass values through unscaled
			stddev[j] = 1
		}
	}

	e.mean = mean
	e.stddev = stddev
}

// transform standardizes a vector in place using the fitted scaler
func (e *Engine) transform(v []float64) {
	for j := range v {
		v[j] = (v[j] - e.mean[j]) / e.stddev[j]
	}
}

func similarity(a, b []float64, metric Metric) (float64, error) {
	switch metric {
	case MetricCosine:
		return cosineSimilarity(a, b), nil
	case MetricEuclidean:
		return 1 / (1 + euclideanDistance(a, b)), nil
	case MetricManhattan:
		return 1 / (1 + manhattanDistance(a, b)), nil
	default:
		return 0, fmt.Errorf("unknown metric: %s", metric)
	}
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func euclideanDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func manhattanDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum
}

// ParseMetric validates a metric name from config or a task payload
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricEuclidean, MetricManhattan:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("unknown metric: %s", s)
	}
}
