package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Config{FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected filesystem default, got %s", fsStore.Driver())
	}
	mem, err := Open(ctx, Config{Driver: "memory"})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("open memory: %v", err)
	}
	if _, err := Open(ctx, Config{Driver: "s3"}); err == nil {
		t.Fatalf("expected s3 without bucket to fail")
	}
	if _, err := Open(ctx, Config{Driver: "gcs"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FCREPORT_BLOB_DRIVER", "s3")
	t.Setenv("FCREPORT_BLOB_FS_ROOT", "/tmp/x")
	t.Setenv("FCREPORT_BLOB_S3_BUCKET", "fc")
	cfg := ConfigFromEnv()
	if cfg.Driver != "s3" || cfg.FSRoot != "/tmp/x" || cfg.S3.Bucket != "fc" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestStoresShareContract(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, store := range []Store{NewMemory(), fsStore, NewMockS3ForTests()} {
		t.Run(string(store.Driver()), func(t *testing.T) {
			if _, err := store.Put(ctx, "runs/a/report.json", bytes.NewReader([]byte("{}")), PutOptions{ContentType: "application/json"}); err != nil {
				t.Fatalf("put: %v", err)
			}
			if _, err := store.Put(ctx, "runs/a/report.json", bytes.NewReader([]byte("{}")), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			if _, err := store.Head(ctx, "runs/b/report.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			list, err := store.List(ctx, "runs/")
			if err != nil || len(list) != 1 {
				t.Fatalf("list: %v %+v", err, list)
			}
		})
	}
}
