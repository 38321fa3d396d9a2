package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fcreport/internal/blob"
	"fcreport/internal/ingest"
	"fcreport/internal/metrics"
	"fcreport/internal/persistence"
	"fcreport/internal/pipeline"
	"fcreport/internal/report"
)

// serviceOptions returns pipeline options for the loaded configuration.
// Store and exporter are left for the caller.
func (a *app) serviceOptions(rec metrics.Recorder) (pipeline.Options, error) {
	statsOpts, err := a.cfg.StatsOptions()
	if err != nil {
		return pipeline.Options{}, err
	}
	formats, err := a.cfg.Formats()
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Logger:      a.logger,
		Metrics:     rec,
		Parallelism: a.cfg.Parallelism,
		Stats:       statsOpts,
		Rule:        a.cfg.Rule,
		Alpha:       a.cfg.Analysis.Alpha,
		Formats:     formats,
	}, nil
}

// sessionJobs reads the shared edge list and returns one job per configured
// session. only restricts the sessions by name.
func (a *app) sessionJobs(only []string) ([]pipeline.SessionJob, error) {
	sessions := a.cfg.Analysis.Sessions
	if len(only) > 0 {
		want := make(map[string]struct{}, len(only))
		for _, name := range only {
			want[name] = struct{}{}
		}
		var filtered []ingest.SessionSource
		for _, s := range sessions {
			if _, ok := want[s.Name]; ok {
				filtered = append(filtered, s)
				delete(want, s.Name)
			}
		}
		for name := range want {
			return nil, fmt.Errorf("unknown session %q", name)
		}
		sessions = filtered
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	edges, err := ingest.LoadRegionPairs(a.cfg.Analysis.RegionPairs)
	if err != nil {
		return nil, fmt.Errorf("region pairs: %w", err)
	}
	jobs := make([]pipeline.SessionJob, len(sessions))
	for i, s := range sessions {
		jobs[i] = pipeline.FromSource(s, edges)
	}
	return jobs, nil
}

func (a *app) linkInput() (*pipeline.LinkInput, error) {
	if !a.cfg.HasLinkage() {
		return nil, nil
	}
	src, err := a.cfg.LinkSources()
	if err != nil {
		return nil, err
	}
	in, err := pipeline.LoadLinkInput(src)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("linkage sources loaded",
		zap.Int("records", len(in.Records)),
		zap.Int("rejected", len(in.Rejected)),
		zap.Int("candidates", len(in.Candidates)))
	return &in, nil
}

func (a *app) openStore(ctx context.Context) (persistence.Store, error) {
	store, err := persistence.Open(ctx, a.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open run archive: %w", err)
	}
	a.logger.Debug("run archive opened", zap.String("driver", string(store.Driver())))
	return store, nil
}

func (a *app) exporter(ctx context.Context) (*report.Exporter, error) {
	store, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	opts := []report.ExporterOption{
		report.WithAudit(report.ZapAuditLogger{Logger: a.logger.Named("audit")}),
		report.WithPresignExpiry(a.cfg.Report.PresignExpiry),
	}
	if a.cfg.Report.Prefix != "" {
		opts = append(opts, report.WithPrefix(a.cfg.Report.Prefix))
	}
	return report.NewExporter(store, opts...), nil
}

// flushMetrics writes the textfile and pushes to the gateway when
// configured. Failures are logged; they never fail the command.
func (a *app) flushMetrics(ctx context.Context, reg *metrics.Registry) {
	if p := a.cfg.Metrics.TextfilePath; p != "" {
		if err := reg.WriteTextfile(p); err != nil {
			a.logger.Warn("write metrics textfile failed", zap.String("path", p), zap.Error(err))
		}
	}
	if u := a.cfg.Metrics.PushURL; u != "" {
		if err := reg.Push(ctx, u, a.cfg.Metrics.PushJob); err != nil {
			a.logger.Warn("push metrics failed", zap.String("url", u), zap.Error(err))
		}
	}
}

// render writes r in the --format given on cmd to --output or stdout.
func render(cmd *cobra.Command, r report.Report) (err error) {
	name, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to read --format flag: %w", err)
	}
	format, err := report.ParseFormat(name)
	if err != nil {
		return err
	}
	path, err := cmd.Flags().GetString("output")
	if err != nil {
		return fmt.Errorf("failed to read --output flag: %w", err)
	}
	var w io.Writer = cmd.OutOrStdout()
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	return report.Render(w, r, format)
}
