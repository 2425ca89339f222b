package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore writes objects to a gocloud.dev bucket.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
	compress  bool
}

// NewBlobStore opens the bucket described by cfg.
func NewBlobStore(ctx context.Context, cfg MirrorConfig) (*BlobStore, error) {
	bucketURL, err := cfg.BucketURL()
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &BlobStore{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    prefix,
		compress:  cfg.Compress,
	}, nil
}

// ObjectKey maps an output-tree key to the bucket key.
func (s *BlobStore) ObjectKey(key string) string {
	k := s.prefix + key
	if s.compress {
		k += ".zst"
	}
	return k
}

// Write stores data under key, zstd-compressing it when configured.
func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	return s.upload(ctx, key, bytes.NewReader(data))
}

func (s *BlobStore) upload(ctx context.Context, key string, r io.Reader) error {
	objKey := s.ObjectKey(key)

	var opts *blob.WriterOptions
	if s.compress {
		opts = &blob.WriterOptions{ContentEncoding: "zstd"}
	}

	w, err := s.bucket.NewWriter(ctx, objKey, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", objKey, err)
	}

	var dst io.Writer = w
	var enc *zstd.Encoder
	if s.compress {
		enc, err = zstd.NewWriter(w)
		if err != nil {
			w.Close()
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		dst = enc
	}

	if _, err := io.Copy(dst, r); err != nil {
		if enc != nil {
			enc.Close()
		}
		w.Close()
		return fmt.Errorf("write data to %s: %w", objKey, err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			w.Close()
			return fmt.Errorf("flush zstd stream for %s: %w", objKey, err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", objKey, err)
	}

	return nil
}

// Exists checks if an object exists.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.ObjectKey(key))
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, s.ObjectKey(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("object %s not found: %w", key, err)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: attrs.Size, ModTime: attrs.ModTime}, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.Location() + s.ObjectKey(key)
}

// Location returns the bucket URL and prefix without query parameters.
func (s *BlobStore) Location() string {
	base := s.bucketURL
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + s.prefix
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

// MirrorResult summarizes a mirror pass.
type MirrorResult struct {
	Objects int
	Bytes   int64
}

// Mirror uploads every file of the local output tree to dst. Objects that
// fail to upload are reported together after all others were attempted.
func Mirror(ctx context.Context, src *LocalStore, dst *BlobStore) (MirrorResult, error) {
	log := slog.With("component", "mirror")

	keys, err := src.List(ctx, "")
	if err != nil {
		return MirrorResult{}, err
	}

	var res MirrorResult
	var failed []string
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		info, err := src.Head(ctx, key)
		if err != nil {
			failed = append(failed, key)
			continue
		}
		if err := mirrorOne(ctx, src, dst, key); err != nil {
			log.Warn("mirror upload failed", "key", key, "error", err)
			failed = append(failed, key)
			continue
		}
		res.Objects++
		res.Bytes += info.Size
	}

	log.Info("mirror complete",
		"objects", res.Objects,
		"bytes", res.Bytes,
		"failed", len(failed),
		"destination", dst.Location(),
	)

	if len(failed) > 0 {
		return res, fmt.Errorf("mirror %d objects failed, first %s", len(failed), failed[0])
	}
	return res, nil
}

func mirrorOne(ctx context.Context, src *LocalStore, dst *BlobStore, key string) error {
	f, err := src.Open(key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()
	return dst.upload(ctx, key, f)
}
