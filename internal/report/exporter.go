package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fcreport/internal/blob"
)

// ExportStatus describes the outcome of one artifact export.
type ExportStatus string

const (
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// Artifact captures a stored report artifact.
type Artifact struct {
	Format      Format    `json:"format"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditLogger records export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry captures audit trail metadata for exports.
type AuditEntry struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	RunID      string            `json:"run_id"`
	Format     Format            `json:"format"`
	Key        string            `json:"key,omitempty"`
	Status     ExportStatus      `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ZapAuditLogger writes audit entries as structured log lines.
type ZapAuditLogger struct {
	Logger *zap.Logger
}

func (l ZapAuditLogger) Record(_ context.Context, e AuditEntry) {
	if l.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("audit_id", e.ID),
		zap.String("run_id", e.RunID),
		zap.String("format", string(e.Format)),
		zap.String("key", e.Key),
		zap.String("status", string(e.Status)),
	}
	for k, v := range e.Metadata {
		fields = append(fields, zap.String(k, v))
	}
	l.Logger.Info(e.Action, fields...)
}

// MemoryAuditLog captures audit entries in-memory for assertions.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of recorded audit entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Exporter renders reports and stores them under <prefix>/<run id>/.
type Exporter struct {
	store   blob.Store
	audit   AuditLogger
	prefix  string
	presign time.Duration
	now     func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithAudit sets the audit sink.
func WithAudit(a AuditLogger) ExporterOption { return func(e *Exporter) { e.audit = a } }

// WithPrefix sets the key prefix; default "runs".
func WithPrefix(p string) ExporterOption { return func(e *Exporter) { e.prefix = p } }

// WithPresignExpiry sets the lifetime of presigned artifact URLs.
func WithPresignExpiry(d time.Duration) ExporterOption { return func(e *Exporter) { e.presign = d } }

// NewExporter constructs an exporter writing to store.
func NewExporter(store blob.Store, opts ...ExporterOption) *Exporter {
	e := &Exporter{store: store, prefix: "runs", now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the blob key for a run's artifact in format f.
func (e *Exporter) Key(runID string, f Format) string {
	return path.Join(e.prefix, runID, "report."+f.extension())
}

// Export renders r in each format and stores the results. Duplicate formats
// are skipped. The first failure stops the export; artifacts already stored
// are returned alongside the error.
func (e *Exporter) Export(ctx context.Context, r Report, formats []Format) ([]Artifact, error) {
	if e.store == nil {
		return nil, errors.New("report exporter: no blob store configured")
	}
	if r.RunID == "" {
		return nil, errors.New("report exporter: run id required")
	}
	if len(formats) == 0 {
		formats = AllFormats
	}
	seen := make(map[Format]struct{}, len(formats))
	out := make([]Artifact, 0, len(formats))
	for _, f := range formats {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		art, err := e.exportOne(ctx, r, f)
		if err != nil {
			e.record(ctx, r.RunID, f, e.Key(r.RunID, f), ExportStatusFailed, map[string]string{"error": err.Error()})
			return out, err
		}
		e.record(ctx, r.RunID, f, art.Key, ExportStatusSucceeded, map[string]string{"size_bytes": strconv.FormatInt(art.SizeBytes, 10)})
		out = append(out, art)
	}
	return out, nil
}

func (e *Exporter) exportOne(ctx context.Context, r Report, f Format) (Artifact, error) {
	payload, err := Bytes(r, f)
	if err != nil {
		return Artifact{}, fmt.Errorf("render %s: %w", f, err)
	}
	key := e.Key(r.RunID, f)
	info, err := e.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: f.contentType(),
		Metadata:    map[string]string{"run-id": r.RunID, "format": string(f)},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store %s: %w", key, err)
	}
	art := Artifact{
		Format:      f,
		Key:         info.Key,
		ContentType: info.ContentType,
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		URL:         info.URL,
		CreatedAt:   info.LastModified,
	}
	if art.ContentType == "" {
		art.ContentType = f.contentType()
	}
	if art.SizeBytes == 0 {
		art.SizeBytes = int64(len(payload))
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = e.now()
	}
	if art.URL == "" {
		url, err := e.store.PresignURL(ctx, key, e.presign)
		if err != nil && !errors.Is(err, blob.ErrUnsupported) {
			return Artifact{}, fmt.Errorf("presign %s: %w", key, err)
		}
		art.URL = url
	}
	return art, nil
}

func (e *Exporter) record(ctx context.Context, runID string, f Format, key string, status ExportStatus, md map[string]string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, AuditEntry{
		ID:         uuid.NewString(),
		Action:     "report_export",
		RunID:      runID,
		Format:     f,
		Key:        key,
		Status:     status,
		Metadata:   md,
		OccurredAt: e.now(),
	})
}
