package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fcreport/internal/linkage"
	"fcreport/internal/metrics"
	"fcreport/internal/persistence"
	"fcreport/internal/pipeline"
	"fcreport/internal/report"
)

func (a *app) runRun(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	reg := metrics.NewRegistry()
	defer a.flushMetrics(ctx, reg)

	opts, err := a.serviceOptions(reg)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close run archive: %w", cerr)
		}
	}()
	opts.Store = store
	if opts.Exporter, err = a.exporter(ctx); err != nil {
		return err
	}
	svc, err := pipeline.New(opts)
	if err != nil {
		return err
	}

	jobs, err := a.sessionJobs(nil)
	if err != nil {
		return err
	}
	link, err := a.linkInput()
	if err != nil {
		return err
	}
	if len(jobs) == 0 && link == nil {
		return errors.New("nothing to do: configure analysis.sessions or linkage sources")
	}

	rep, runErr := svc.Run(ctx, pipeline.RunInput{
		Name:        a.cfg.Name,
		Description: a.cfg.Description,
		Sessions:    jobs,
		Linkage:     link,
	})
	if rep.RunID == "" {
		return runErr
	}
	run, getErr := store.GetRun(ctx, rep.RunID)
	if getErr != nil {
		return errors.Join(runErr, getErr)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s)\n", run.ID, run.Status)
	for _, s := range run.Sessions {
		if s.Error != "" {
			fmt.Fprintf(out, "  session %s: failed: %s\n", s.Name, s.Error)
			continue
		}
		fmt.Fprintf(out, "  session %s: %d edges, %d warnings\n", s.Name, s.Edges, s.Warnings)
	}
	for _, art := range run.Artifacts {
		loc := art.URL
		if loc == "" {
			loc = art.Key
		}
		fmt.Fprintf(out, "  %s: %s\n", art.Format, loc)
	}
	a.logger.Info("run finished", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
	return runErr
}

// preview builds a service without archive or exporter.
func (a *app) preview(cmd *cobra.Command, in pipeline.RunInput) (report.Report, error) {
	ctx := cmd.Context()
	reg := metrics.NewRegistry()
	defer a.flushMetrics(ctx, reg)
	opts, err := a.serviceOptions(reg)
	if err != nil {
		return report.Report{}, err
	}
	svc, err := pipeline.New(opts)
	if err != nil {
		return report.Report{}, err
	}
	in.Name = a.cfg.Name
	in.Description = a.cfg.Description
	return svc.Run(ctx, in)
}

func (a *app) runCompare(cmd *cobra.Command, _ []string) error {
	only, err := cmd.Flags().GetStringSlice("session")
	if err != nil {
		return fmt.Errorf("failed to read --session flag: %w", err)
	}
	jobs, err := a.sessionJobs(only)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return errors.New("no sessions configured")
	}
	rep, err := a.preview(cmd, pipeline.RunInput{Sessions: jobs})
	if err != nil {
		return err
	}
	return render(cmd, rep)
}

func (a *app) runLink(cmd *cobra.Command, _ []string) error {
	candidates, err := cmd.Flags().GetString("candidates")
	if err != nil {
		return fmt.Errorf("failed to read --candidates flag: %w", err)
	}
	ns, err := cmd.Flags().GetString("namespace")
	if err != nil {
		return fmt.Errorf("failed to read --namespace flag: %w", err)
	}
	if candidates != "" {
		a.cfg.Linkage.Candidates = candidates
	}
	if ns != "" {
		if _, err := linkage.ParseNamespace(ns); err != nil {
			return err
		}
		a.cfg.Linkage.CandidatesNamespace = ns
	}
	link, err := a.linkInput()
	if err != nil {
		return err
	}
	if link == nil {
		return errors.New("no linkage sources configured")
	}
	rep, err := a.preview(cmd, pipeline.RunInput{Linkage: link})
	if err != nil {
		return err
	}
	return render(cmd, rep)
}

func (a *app) runList(cmd *cobra.Command, _ []string) (err error) {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("failed to read --json flag: %w", err)
	}
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		for i := range runs {
			runs[i].Report = nil
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no archived runs")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %s  %-9s  %d sessions  %d artifacts  %s\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.Status, len(r.Sessions), len(r.Artifacts), r.Name)
	}
	return nil
}

func (a *app) runShow(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	var rep report.Report
	if err := json.Unmarshal(run.Report, &rep); err != nil {
		return fmt.Errorf("decode archived report %s: %w", run.ID, err)
	}
	return render(cmd, rep)
}

func (a *app) runDelete(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	ok, err := store.DeleteRun(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s: %w", args[0], persistence.ErrNotFound)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", args[0])
	return nil
}

func (a *app) runReplay(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	opts, err := a.serviceOptions(metrics.Noop{})
	if err != nil {
		return err
	}
	opts.Store = store
	svc, err := pipeline.New(opts)
	if err != nil {
		return err
	}
	var in pipeline.LinkInput
	if a.cfg.HasLinkage() {
		src, err := a.cfg.LinkSources()
		if err != nil {
			return err
		}
		src.Mapping, src.Interview, src.Questionnaire = "", "", ""
		if in, err = pipeline.LoadLinkInput(src); err != nil {
			return err
		}
	}
	lk, err := svc.Replay(ctx, in.Candidates, in.RosterImagingIDs)
	if err != nil {
		return err
	}
	return render(cmd, report.Report{
		Name:        a.cfg.Name,
		GeneratedAt: time.Now().UTC(),
		Alpha:       a.cfg.Analysis.Alpha,
		Cohort:      &lk.Result,
		Roster:      lk.Roster,
		Diagnostics: report.Diagnostics{
			Conflicts:  lk.Graph.Conflicts(),
			Unresolved: lk.Result.Unresolved,
		},
	})
}
