package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshaz/openshaz/internal/api/dto"
	"github.com/openshaz/openshaz/internal/dispatch"
	"github.com/openshaz/openshaz/internal/similarity"
)

type fakeCaller struct {
	queue   string
	job     dispatch.Job
	timeout time.Duration
	result  *dispatch.JobResult
	err     error
	calls   int
}

func (f *fakeCaller) Call(ctx context.Context, queue string, job dispatch.Job, timeout time.Duration) (*dispatch.JobResult, error) {
	f.calls++
	f.queue = queue
	f.job = job
	f.timeout = timeout
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSubmitter struct {
	queue string
	job   dispatch.Job
	err   error
	calls int
}

func (f *fakeSubmitter) Submit(ctx context.Context, queue string, job dispatch.Job) (string, error) {
	f.calls++
	f.queue = queue
	f.job = job
	if f.err != nil {
		return "", f.err
	}
	return job.JobID, nil
}

type fakeUploader struct {
	name   string
	bucket string
	size   int64
	err    error
}

func (f *fakeUploader) Upload(ctx context.Context, r io.Reader, size int64, name, bucket string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.name = name
	f.bucket = bucket
	f.size = size
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "s3://" + bucket + "/" + name, nil
}

type handlerFixture struct {
	caller    *fakeCaller
	submitter *fakeSubmitter
	uploader  *fakeUploader
	router    *gin.Engine
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		caller:    &fakeCaller{},
		submitter: &fakeSubmitter{},
		uploader:  &fakeUploader{},
	}

	h := NewSongHandler(&Dependencies{
		Logger:      slog.New(slog.DiscardHandler),
		Caller:      f.caller,
		Submitter:   f.submitter,
		Uploader:    f.uploader,
		Bucket:      "songs",
		RPCTimeout:  30 * time.Second,
		DefaultTopK: 5,
	})

	r := gin.New()
	r.POST("/api/v1/songs", h.UploadSong)
	r.POST("/api/v1/songs/similar", h.FindSimilarSongs)
	f.router = r
	return f
}

func multipartBody(t *testing.T, filename string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte("RIFF fake audio"))
		require.NoError(t, err)
	}

	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}

	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func doRequest(t *testing.T, r *gin.Engine, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestUploadSong_FireAndForget(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartBody(t, "blues.00042.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs", body, contentType)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp dto.UploadSongResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "blues.00042.wav", resp.MusicName)
	assert.Equal(t, "s3://songs/blues.00042.wav", resp.BucketURL)
	assert.Equal(t, "queued", resp.Status)
	assert.NotEmpty(t, resp.JobID)

	assert.Equal(t, 1, f.submitter.calls)
	assert.Equal(t, dispatch.ExtractionQueue, f.submitter.queue)
	assert.Equal(t, dispatch.JobTypeExtraction, f.submitter.job.Type)
	assert.Equal(t, 0, f.caller.calls)
	assert.Equal(t, "songs", f.uploader.bucket)
}

func TestUploadSong_WaitForExtraction(t *testing.T) {
	f := newFixture(t)
	f.caller.result = &dispatch.JobResult{
		JobID:     "job-1",
		MusicName: "blues.00042.wav",
		BucketURL: "s3://songs/blues.00042.wav",
		Status:    dispatch.StatusExtracted,
		Features:  []float64{1, 2, 3},
	}

	body, contentType := multipartBody(t, "blues.00042.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs?wait=true", body, contentType)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.ExtractionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, dispatch.StatusExtracted, resp.Status)
	assert.Equal(t, []float64{1, 2, 3}, resp.Features)

	assert.Equal(t, dispatch.ExtractionQueue, f.caller.queue)
	assert.Equal(t, 30*time.Second, f.caller.timeout)
	assert.Equal(t, 0, f.submitter.calls)
}

func TestUploadSong_MissingFile(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartBody(t, "", nil)
	rec := doRequest(t, f.router, "/api/v1/songs", body, contentType)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "file field is required")
}

func TestUploadSong_StorageFailure(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = errors.New("bucket unreachable")

	body, contentType := multipartBody(t, "x.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs", body, contentType)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUploadSong_RPCTimeout(t *testing.T) {
	f := newFixture(t)
	f.caller.err = dispatch.ErrRPCTimeout

	body, contentType := multipartBody(t, "x.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs?wait=true", body, contentType)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "did not complete in time")
}

func TestFindSimilarSongs(t *testing.T) {
	f := newFixture(t)
	f.caller.result = &dispatch.JobResult{
		JobID:     "job-2",
		QuerySong: "query.wav",
		BucketURL: "s3://songs/query.wav",
		Status:    dispatch.StatusCompleted,
		Similar: []similarity.Match{
			{ID: 1, Name: "a.wav", Similarity: 0.98},
			{ID: 3, Name: "c.wav", Similarity: 0.71},
		},
	}

	body, contentType := multipartBody(t, "query.wav", map[string]string{"top_k": "2"})
	rec := doRequest(t, f.router, "/api/v1/songs/similar", body, contentType)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.SimilarityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, dispatch.StatusCompleted, resp.Status)
	require.Len(t, resp.Similar, 2)
	assert.Equal(t, "a.wav", resp.Similar[0].Name)

	assert.Equal(t, dispatch.SimilarityQueue, f.caller.queue)
	assert.Equal(t, 2, f.caller.job.TopK)
	assert.Equal(t, "query.wav", f.caller.job.MusicName)
	assert.Equal(t, "queries/query.wav", f.uploader.name)
}

func TestFindSimilarSongs_DefaultTopK(t *testing.T) {
	f := newFixture(t)
	f.caller.result = &dispatch.JobResult{Status: dispatch.StatusCompleted}

	body, contentType := multipartBody(t, "query.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs/similar", body, contentType)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.caller.job.TopK)
}

func TestFindSimilarSongs_TopKQueryParam(t *testing.T) {
	f := newFixture(t)
	f.caller.result = &dispatch.JobResult{Status: dispatch.StatusCompleted}

	body, contentType := multipartBody(t, "query.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs/similar?top_k=3", body, contentType)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, f.caller.job.TopK)
}

func TestFindSimilarSongs_InvalidTopK(t *testing.T) {
	f := newFixture(t)

	for _, raw := range []string{"0", "-3", "five"} {
		body, contentType := multipartBody(t, "query.wav", map[string]string{"top_k": raw})
		rec := doRequest(t, f.router, "/api/v1/songs/similar", body, contentType)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "top_k=%s", raw)
	}
	assert.Equal(t, 0, f.caller.calls)
}

func TestFindSimilarSongs_EmptyMatchesSerializeAsArray(t *testing.T) {
	f := newFixture(t)
	f.caller.result = &dispatch.JobResult{
		JobID:     "job-3",
		QuerySong: "query.wav",
		Status:    dispatch.StatusCompleted,
	}

	body, contentType := multipartBody(t, "query.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs/similar", body, contentType)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"similar":[]`)
}

func TestFindSimilarSongs_RPCTimeout(t *testing.T) {
	f := newFixture(t)
	f.caller.err = dispatch.ErrRPCTimeout

	body, contentType := multipartBody(t, "query.wav", nil)
	rec := doRequest(t, f.router, "/api/v1/songs/similar", body, contentType)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
