package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Extractor is the contract to the acoustic feature extractor. How the
// features are computed is external to this service; implementations only
// promise a fixed-length vector per audio file.
type Extractor interface {
	Extract(ctx context.Context, localPath string) ([]float64, error)
}

// ExtractorFunc adapts a plain function to the Extractor interface
type ExtractorFunc func(ctx context.Context, localPath string) ([]float64, error)

// Extract implements Extractor
func (f ExtractorFunc) Extract(ctx context.Context, localPath string) ([]float64, error) {
	return f(ctx, localPath)
}

// HTTPExtractor calls a feature-extraction sidecar over HTTP. The sidecar
// accepts a multipart audio upload on /extract and answers with a JSON
// feature array.
type HTTPExtractor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPExtractor creates an extractor client for the given sidecar URL
func NewHTTPExtractor(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPExtractor {
	return &HTTPExtractor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Extract uploads the audio file and returns the extracted feature vector
func (e *HTTPExtractor) Extract(ctx context.Context, localPath string) ([]float64, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart request: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	e.logger.Debug("Calling feature extractor",
		slog.String("url", req.URL.String()),
		slog.String("file", filepath.Base(localPath)),
	)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feature extractor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feature extractor returned status %d: %s", resp.StatusCode, payload)
	}

	var result struct {
		Features []float64 `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode extractor response: %w", err)
	}

	if len(result.Features) == 0 {
		return nil, fmt.Errorf("feature extractor returned an empty vector")
	}

	return result.Features, nil
}
