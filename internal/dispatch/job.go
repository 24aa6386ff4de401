// Package dispatch implements the job dispatch protocol: RPC-style
// submit-and-wait, fire-and-forget submission, and the retry governor that
// bounds redelivery of failed jobs.
package dispatch

import (
	"github.com/google/uuid"

	"github.com/openshaz/openshaz/internal/similarity"
)

// Work queue names. Both are durable; every worker replica consumes them
// with a prefetch of 1.
const (
	ExtractionQueue = "audio_extraction_tasks"
	SimilarityQueue = "audio_similarity_tasks"
)

// Job types
const (
	JobTypeExtraction = "extraction"
	JobTypeSimilarity = "similarity"
)

// Job result statuses
const (
	StatusExtracted = "extracted"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Job is the message body placed on a work queue
type Job struct {
	JobID     string `json:"job_id"`
	Type      string `json:"type"`
	MusicName string `json:"music_name"`
	BucketURL string `json:"bucket_url"`
	TopK      int    `json:"top_k,omitempty"`
}

// NewExtractionJob builds an extraction job with a fresh id
func NewExtractionJob(musicName, bucketURL string) Job {
	return Job{
		JobID:     uuid.New().String(),
		Type:      JobTypeExtraction,
		MusicName: musicName,
		BucketURL: bucketURL,
	}
}

// NewSimilarityJob builds a similarity job with a fresh id
func NewSimilarityJob(musicName, bucketURL string, topK int) Job {
	return Job{
		JobID:     uuid.New().String(),
		Type:      JobTypeSimilarity,
		MusicName: musicName,
		BucketURL: bucketURL,
		TopK:      topK,
	}
}

// JobResult is the reply published to a job's private reply queue. A job
// without a reply queue produces no result through this channel.
type JobResult struct {
	JobID     string             `json:"job_id"`
	MusicName string             `json:"music_name,omitempty"`
	QuerySong string             `json:"query_song,omitempty"`
	BucketURL string             `json:"bucket_url"`
	Status    string             `json:"status"`
	Features  []float64          `json:"features,omitempty"`
	Similar   []similarity.Match `json:"similar,omitempty"`
}
