package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("archive: object not found")

// Bucket is a flat object namespace.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// DirBucket stores objects as files under a directory.
type DirBucket struct {
	baseDir string
}

func NewDirBucket(baseDir string) (*DirBucket, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &DirBucket{baseDir: baseDir}, nil
}

func (b *DirBucket) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive: invalid key %q", key)
	}
	return filepath.Join(b.baseDir, clean), nil
}

// Put writes to a temp file and renames it into place.
func (b *DirBucket) Put(_ context.Context, key string, data []byte) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("archive: ensure dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("archive: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: commit %s: %w", key, err)
	}
	return nil
}

func (b *DirBucket) Get(_ context.Context, key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // key validated by path
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// S3Bucket stores objects in an S3 bucket.
type S3Bucket struct {
	client *s3.Client
	bucket string
}

// S3Config holds configuration for S3Bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
}

func NewS3Bucket(ctx context.Context, cfg S3Config) (*S3Bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Bucket{client: client, bucket: cfg.Bucket}, nil
}

func (b *S3Bucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s failed: %w", key, err)
	}
	return nil
}

func (b *S3Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3 get %s failed: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

// GCSBucket stores objects in a Google Cloud Storage bucket.
type GCSBucket struct {
	client *storage.Client
	bucket string
}

// NewGCSBucket uses application default credentials.
func NewGCSBucket(ctx context.Context, bucket string) (*GCSBucket, error) {
	if bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBucket{client: client, bucket: bucket}, nil
}

func (b *GCSBucket) Put(ctx context.Context, key string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s failed: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s failed: %w", key, err)
	}
	return nil
}

func (b *GCSBucket) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s failed: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

// Close closes the GCS client.
func (b *GCSBucket) Close() error {
	return b.client.Close()
}
