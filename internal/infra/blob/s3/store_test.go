package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"fcreport/internal/blob/core"
)

func TestMockStore_Flow(t *testing.T) {
	ctx := context.Background()
	store := NewMock("fc")
	if store.Driver() != core.DriverS3 {
		t.Fatalf("expected s3 driver")
	}
	info, err := store.Put(ctx, "runs/r1/report.csv", strings.NewReader("rank,edge\n"), core.PutOptions{ContentType: "text/csv", Metadata: map[string]string{"format": "csv"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "runs/r1/report.csv" || info.ContentType != "text/csv" || info.Size != 10 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "runs/r1/report.csv", strings.NewReader("again"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := store.Get(ctx, "runs/r1/report.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "rank,edge\n" {
		t.Fatalf("unexpected body %q", body)
	}
	list, err := store.List(ctx, "runs/")
	if err != nil || len(list) != 1 || list[0].Key != "runs/r1/report.csv" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	url, err := store.PresignURL(ctx, "runs/r1/report.csv", 0)
	if err != nil || !strings.Contains(url, "fc/runs/r1/report.csv") {
		t.Fatalf("presign: %v %s", err, url)
	}
	if ok, err := store.Delete(ctx, "runs/r1/report.csv"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "runs/r1/report.csv"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestMockStore_MissingIsNotFound(t *testing.T) {
	store := NewMock("")
	if _, err := store.Head(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	s, err := New(context.Background(), Config{Bucket: "b", Endpoint: "http://localhost:9000", PathStyle: true, AccessKeyID: "a", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.objectKey("k") != "k" {
		t.Fatalf("unexpected key mapping")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FCREPORT_BLOB_S3_BUCKET", "bkt")
	t.Setenv("FCREPORT_BLOB_S3_PATH_STYLE", "TRUE")
	t.Setenv("FCREPORT_BLOB_S3_PREFIX", "reports")
	cfg := ConfigFromEnv()
	if cfg.Bucket != "bkt" || !cfg.PathStyle || cfg.Prefix != "reports" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	raw := []byte("5;chunk-signature=x\r\nhello\r\n3\r\nabc\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	if got := string(decodeAWSChunked(raw)); got != "helloabc" {
		t.Fatalf("unexpected decode %q", got)
	}
	if got := string(decodeAWSChunked([]byte("plain"))); got != "plain" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
