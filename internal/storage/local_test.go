package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestLocalStoreAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewLocalStore(tmpDir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	key := DataKey("json", "app1_Tasks.json")

	if err := store.Write(ctx, key, []byte(`[{"id":"rec1"}]`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Write(ctx, key, []byte(`[{"id":"rec1"},{"id":"rec2"}]`)); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "data", "json", "app1_Tasks.json"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `[{"id":"rec1"},{"id":"rec2"}]` {
		t.Errorf("unexpected content %q", data)
	}

	// No temp files should remain next to the target.
	entries, err := os.ReadDir(filepath.Join(tmpDir, "data", "json"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 file, got %d", len(entries))
	}

	exists, err := store.Exists(ctx, key)
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true", exists, err)
	}
	exists, err = store.Exists(ctx, DataKey("json", "missing.json"))
	if err != nil || exists {
		t.Errorf("Exists(missing) = %v, %v; want false", exists, err)
	}
}

func TestLocalStoreEnsureTreeAndList(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if err := store.EnsureTree([]string{"json", "csv"}); err != nil {
		t.Fatalf("EnsureTree failed: %v", err)
	}
	for _, d := range []string{"attachments", "logs", "metadata", "reports", "data/json", "data/csv"} {
		if info, err := os.Stat(store.Path(d)); err != nil || !info.IsDir() {
			t.Errorf("directory %s missing: %v", d, err)
		}
	}

	ctx := context.Background()
	for _, key := range []string{"metadata/a.json", "data/csv/b.csv"} {
		if err := store.Write(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Write %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{"data/csv/b.csv", "metadata/a.json"}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("List = %v, want %v", keys, want)
	}

	info, err := store.Head(ctx, "metadata/a.json")
	if err != nil || info.Size != 1 {
		t.Errorf("Head = %+v, %v", info, err)
	}
}

func TestMirrorConfigBucketURL(t *testing.T) {
	tests := []struct {
		cfg     MirrorConfig
		want    string
		wantErr bool
	}{
		{MirrorConfig{Backend: "gcs", GCSBucket: "bk"}, "gs://bk", false},
		{MirrorConfig{Backend: "s3", S3Bucket: "bk", S3Region: "eu-west-1"}, "s3://bk?region=eu-west-1", false},
		{MirrorConfig{Backend: "s3", S3Bucket: "bk", S3Endpoint: "http://minio:9000"}, "s3://bk?endpoint=http%3A%2F%2Fminio%3A9000&s3ForcePathStyle=true", false},
		{MirrorConfig{Backend: "gcs"}, "", true},
		{MirrorConfig{Backend: "ftp"}, "", true},
	}
	for _, tt := range tests {
		got, err := tt.cfg.BucketURL()
		if (err != nil) != tt.wantErr {
			t.Errorf("BucketURL(%+v) error = %v", tt.cfg, err)
			continue
		}
		if got != tt.want {
			t.Errorf("BucketURL(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}
