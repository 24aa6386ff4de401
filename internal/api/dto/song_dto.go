package dto

import "github.com/openshaz/openshaz/internal/similarity"

// UploadSongResponse is returned by POST /api/v1/songs when the caller does
// not wait for extraction to finish
type UploadSongResponse struct {
	JobID     string `json:"job_id"`
	MusicName string `json:"music_name"`
	BucketURL string `json:"bucket_url"`
	Status    string `json:"status"`
}

// ExtractionResponse is returned by POST /api/v1/songs?wait=true once the
// worker has extracted the song's features
type ExtractionResponse struct {
	JobID     string    `json:"job_id"`
	MusicName string    `json:"music_name"`
	BucketURL string    `json:"bucket_url"`
	Status    string    `json:"status"`
	Features  []float64 `json:"features,omitempty"`
}

// SimilarityResponse is returned by POST /api/v1/songs/similar
type SimilarityResponse struct {
	JobID     string             `json:"job_id"`
	QuerySong string             `json:"query_song"`
	BucketURL string             `json:"bucket_url"`
	Status    string             `json:"status"`
	Similar   []similarity.Match `json:"similar"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error string `json:"error"`
}
