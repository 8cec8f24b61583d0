package archive

import (
	"context"
	"fmt"
)

// Backend represents the type of archive storage.
type Backend string

const (
	BackendNone Backend = "none"
	BackendDir  Backend = "dir"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// Config selects and configures the archive backend.
type Config struct {
	Backend     Backend
	Bucket      string // bucket name, or base directory for BackendDir
	Prefix      string
	Region      string
	Endpoint    string
	Compression string
}

// New builds the configured archiver. It returns nil for BackendNone.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	compression, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var bucket Bucket
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendDir:
		bucket, err = NewDirBucket(cfg.Bucket)
	case BackendS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		bucket, err = NewS3Bucket(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint})
	case BackendGCS:
		bucket, err = NewGCSBucket(ctx, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewArchiver(bucket, cfg.Prefix, compression), nil
}
