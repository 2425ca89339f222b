package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"
)

// Output tree directories, relative to the output root.
const (
	DataDir        = "data"
	AttachmentsDir = "attachments"
	LogsDir        = "logs"
	MetadataDir    = "metadata"
	ReportsDir     = "reports"
)

// DataKey returns the key of a per-format data file.
func DataKey(format, name string) string {
	return path.Join(DataDir, format, name)
}

// MetadataKey returns the key of a file in the metadata directory.
func MetadataKey(name string) string {
	return path.Join(MetadataDir, name)
}

// ReportKey returns the key of a file in the reports directory.
func ReportKey(name string) string {
	return path.Join(ReportsDir, name)
}

// Store writes keyed objects. Keys are slash separated and relative to the
// store root.
type Store interface {
	// Write stores data under key, replacing any previous object atomically.
	Write(ctx context.Context, key string, data []byte) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// MirrorConfig configures the optional remote copy of the output tree.
type MirrorConfig struct {
	Backend string // "" (disabled) | "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix   string // path prefix within the bucket
	Compress bool   // zstd-compress uploaded objects
}

// Enabled reports whether a mirror backend is configured.
func (c MirrorConfig) Enabled() bool {
	return c.Backend != ""
}

// BucketURL builds the gocloud.dev bucket URL for the configured backend.
func (c MirrorConfig) BucketURL() (string, error) {
	switch c.Backend {
	case "local":
		if c.LocalDir == "" {
			return "", fmt.Errorf("LocalDir required for local backend")
		}
		return "file://" + c.LocalDir, nil
	case "gcs":
		if c.GCSBucket == "" {
			return "", fmt.Errorf("GCSBucket required for gcs backend")
		}
		return fmt.Sprintf("gs://%s", c.GCSBucket), nil
	case "s3":
		if c.S3Bucket == "" {
			return "", fmt.Errorf("S3Bucket required for s3 backend")
		}
		bucketURL := fmt.Sprintf("s3://%s", c.S3Bucket)
		params := url.Values{}
		if c.S3Region != "" {
			params.Set("region", c.S3Region)
		}
		if c.S3Endpoint != "" {
			params.Set("endpoint", c.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL = bucketURL + "?" + params.Encode()
		}
		return bucketURL, nil
	default:
		return "", fmt.Errorf("unknown mirror backend: %s", c.Backend)
	}
}
