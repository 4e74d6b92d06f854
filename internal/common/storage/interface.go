package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the object storage operations used to archive
// finished jobs. It is intentionally small so MinIO can be swapped for any
// S3-compatible backend.
type ObjectStorage interface {
	// EnsureBucket creates the bucket when it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// PutObject uploads size bytes from reader. size -1 streams with unknown length.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
