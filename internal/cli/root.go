// Package cli implements the fcreport command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fcreport/internal/config"
)

type app struct {
	version    string
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version, logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:   "fcreport",
		Short: "Compare functional connectivity between two groups and link cohort identities",
		Long: `fcreport computes per-edge group statistics (Welch t, Cohen's d,
Benjamini-Hochberg q) for every recording session, links imaging, baseline
and interview identities into one graph, classifies the target cohort and
writes Markdown, HTML, CSV and JSON reports.

Inputs and outputs are described by a YAML file (--config); FCREPORT_*
environment variables override it.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { _ = a.logger.Sync() },
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML run configuration")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Compare all sessions, classify the cohort, export and archive the report",
		Args:  cobra.NoArgs,
		RunE:  a.runRun,
	}

	compareCmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare sessions and print the report without archiving",
		Args:  cobra.NoArgs,
		RunE:  a.runCompare,
	}
	compareCmd.Flags().StringSlice("session", nil, "only compare these sessions")
	addRenderFlags(compareCmd)

	linkCmd := &cobra.Command{
		Use:   "link",
		Short: "Link identities, classify the cohort and print the result",
		Args:  cobra.NoArgs,
		RunE:  a.runLink,
	}
	linkCmd.Flags().String("candidates", "", "candidate ID list overriding linkage.candidates")
	linkCmd.Flags().String("namespace", "", "namespace of the candidate IDs")
	addRenderFlags(linkCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect archived runs",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  a.runList,
	}
	listCmd.Flags().Bool("json", false, "print machine-readable output")
	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Render an archived report",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runShow,
	}
	addRenderFlags(showCmd)
	deleteCmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete an archived run",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runDelete,
	}
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Classify the archived identity records again with the current rule",
		Args:  cobra.NoArgs,
		RunE:  a.runReplay,
	}
	addRenderFlags(replayCmd)
	runsCmd.AddCommand(listCmd, showCmd, deleteCmd, replayCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fcreport %s\n", a.version)
		},
	}

	rootCmd.AddCommand(runCmd, compareCmd, linkCmd, runsCmd, versionCmd)
	return rootCmd
}

func addRenderFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", "markdown", "output format: markdown|html|csv|json")
	cmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
}

// setup loads configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(a.configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	zc := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if a.verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger.With(zap.String("cmd", cmd.CommandPath()))
	return nil
}
