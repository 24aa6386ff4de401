package handler

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/openshaz/openshaz/internal/dispatch"
)

// Caller performs a submit-and-wait RPC round trip over the broker
type Caller interface {
	Call(ctx context.Context, queue string, job dispatch.Job, timeout time.Duration) (*dispatch.JobResult, error)
}

// Submitter publishes a job without waiting for its result
type Submitter interface {
	Submit(ctx context.Context, queue string, job dispatch.Job) (string, error)
}

// Uploader stores an uploaded file in the song bucket and returns its
// object URL
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, size int64, name, bucket string) (string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Caller      Caller
	Submitter   Submitter
	Uploader    Uploader
	Bucket      string
	RPCTimeout  time.Duration
	DefaultTopK int
}

// SongHandler handles song upload and similarity HTTP requests
type SongHandler struct {
	logger      *slog.Logger
	caller      Caller
	submitter   Submitter
	uploader    Uploader
	bucket      string
	rpcTimeout  time.Duration
	defaultTopK int
}

// NewSongHandler creates a new SongHandler instance
func NewSongHandler(deps *Dependencies) *SongHandler {
	topK := deps.DefaultTopK
	if topK <= 0 {
		topK = 5
	}

	timeout := deps.RPCTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	return &SongHandler{
		logger:      deps.Logger,
		caller:      deps.Caller,
		submitter:   deps.Submitter,
		uploader:    deps.Uploader,
		bucket:      deps.Bucket,
		rpcTimeout:  timeout,
		defaultTopK: topK,
	}
}
