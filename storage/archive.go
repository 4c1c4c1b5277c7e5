package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// FileArchive writes decrypted partner payloads to the local filesystem,
// one file per payload, grouped under a date directory.
type FileArchive struct {
	baseDir string
	log     *slog.Logger
}

// NewFileArchive creates a file-based payload archive rooted at baseDir.
func NewFileArchive(baseDir string, log *slog.Logger) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileArchive{baseDir: baseDir, log: log}, nil
}

// Store writes data under <baseDir>/<yyyy-mm-dd>/<name>.json.
func (a *FileArchive) Store(_ context.Context, name string, data []byte) (string, error) {
	dir := filepath.Join(a.baseDir, time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	path := filepath.Join(dir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}

	a.log.Debug("Archived payload", slog.String("path", path), slog.Int("size", len(data)))
	return "file://" + path, nil
}

// S3Archive writes decrypted partner payloads to an S3-compatible bucket.
type S3Archive struct {
	client *s3.S3
	bucket string
	prefix string
	log    *slog.Logger
}

// NewS3Archive creates an S3 payload archive. Credentials are optional for
// buckets writable through instance roles.
func NewS3Archive(bucket, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Archive, error) {
	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Archive{
		client: s3.New(sess),
		bucket: bucket,
		prefix: prefix,
		log:    log,
	}, nil
}

// Store uploads data under <prefix>/<yyyy-mm-dd>/<name>.json.
func (a *S3Archive) Store(ctx context.Context, name string, data []byte) (string, error) {
	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, time.Now().UTC().Format("2006-01-02"), name)

	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		a.log.Error("Failed to upload payload to S3", slog.String("key", key), "err", err)
		return "", fmt.Errorf("failed to upload archive object: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
