package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object storage connection configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Client wraps a MinIO/S3-compatible object storage client
type Client struct {
	mc     *minio.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new object storage client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("object storage access key and secret key are required")
	}

	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	logger.Info("Object storage client initialized",
		slog.String("endpoint", config.Endpoint),
		slog.String("region", config.Region),
	)

	return &Client{
		mc:     mc,
		config: config,
		logger: logger,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}

	if !exists {
		c.logger.Info("Bucket does not exist, creating it",
			slog.String("bucket", bucket),
		)
		if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	return nil
}

// Upload stores an object and returns its URL. An object that already exists
// under the same name is left untouched and its URL returned.
func (c *Client) Upload(ctx context.Context, r io.Reader, size int64, name, bucket string) (string, error) {
	if err := c.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}

	objectURL := c.ObjectURL(bucket, name)

	if _, err := c.mc.StatObject(ctx, bucket, name, minio.StatObjectOptions{}); err == nil {
		c.logger.Info("Object already exists in storage",
			slog.String("url", objectURL),
		)
		return objectURL, nil
	}

	c.logger.Info("Uploading object",
		slog.String("bucket", bucket),
		slog.String("name", name),
	)

	_, err := c.mc.PutObject(ctx, bucket, name, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		c.logger.Error("Failed to upload object",
			slog.String("bucket", bucket),
			slog.String("name", name),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("failed to upload %s to bucket %s: %w", name, bucket, err)
	}

	c.logger.Info("Object uploaded successfully",
		slog.String("url", objectURL),
	)

	return objectURL, nil
}

// Download fetches the object behind an object URL into a temp file and
// returns the local path. The caller owns the file and should remove it when
// done.
func (c *Client) Download(ctx context.Context, objectURL string) (string, error) {
	bucket, key, err := ParseObjectURL(objectURL)
	if err != nil {
		return "", err
	}

	destDir, err := os.MkdirTemp("", "openshaz-audio-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	localPath := filepath.Join(destDir, sanitizeFilename(filepath.Base(key)))

	c.logger.Info("Downloading object",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.String("local_path", localPath),
	)

	if err := c.mc.FGetObject(ctx, bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		os.RemoveAll(destDir)
		return "", fmt.Errorf("failed to download %s/%s: %w", bucket, key, err)
	}

	return localPath, nil
}

// Delete removes an object from the bucket
func (c *Client) Delete(ctx context.Context, name, bucket string) error {
	if err := c.mc.RemoveObject(ctx, bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s from bucket %s: %w", name, bucket, err)
	}

	c.logger.Info("Object deleted",
		slog.String("bucket", bucket),
		slog.String("name", name),
	)

	return nil
}

// HealthCheck verifies the object storage endpoint is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.mc.ListBuckets(ctx); err != nil {
		return fmt.Errorf("object storage health check failed: %w", err)
	}
	return nil
}

// ObjectURL builds the canonical URL for an object in this store
func (c *Client) ObjectURL(bucket, name string) string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, c.config.Endpoint, bucket, name)
}

// ParseObjectURL extracts bucket and key from an object URL. Both
// s3://bucket/key and http(s)://host:port/bucket/key forms are accepted.
func ParseObjectURL(objectURL string) (bucket, key string, err error) {
	var path string

	switch {
	case strings.HasPrefix(objectURL, "s3://"):
		path = strings.TrimPrefix(objectURL, "s3://")
	case strings.Contains(objectURL, "://"):
		// Strip protocol and host:port
		rest := strings.SplitN(objectURL, "://", 2)[1]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			path = rest[idx+1:]
		}
	default:
		return "", "", fmt.Errorf("unsupported object URL: %s", objectURL)
	}

	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("object URL is missing bucket or key")
	}

	return parts[0], parts[1], nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeFilename makes an object key safe for the local filesystem
func sanitizeFilename(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}
