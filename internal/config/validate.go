package config

import (
	"fmt"
	"strings"

	"fcreport/internal/blob"
	"fcreport/internal/persistence"
	"fcreport/internal/stats"
)

// Validate reports the first configuration error.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	}
	if c.Analysis.TopK < 1 {
		return fmt.Errorf("analysis.top_k must be >= 1, got %d", c.Analysis.TopK)
	}
	if c.Analysis.Alpha <= 0 || c.Analysis.Alpha >= 1 {
		return fmt.Errorf("analysis.alpha must be within (0,1), got %g", c.Analysis.Alpha)
	}
	if _, err := stats.ParseTTestKind(c.Analysis.TTest); err != nil {
		return fmt.Errorf("analysis.t_test: %w", err)
	}
	if len(c.Analysis.Sessions) > 0 && c.Analysis.RegionPairs == "" {
		return fmt.Errorf("analysis.region_pairs is required when sessions are configured")
	}
	seen := make(map[string]struct{}, len(c.Analysis.Sessions))
	for i, s := range c.Analysis.Sessions {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("analysis.sessions[%d]: name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("analysis.sessions[%d]: duplicate session %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		for side, g := range map[string]struct{ matrix, subjects string }{
			"group_a": {s.GroupA.Matrix, s.GroupA.Subjects},
			"group_b": {s.GroupB.Matrix, s.GroupB.Subjects},
		} {
			if g.matrix == "" || g.subjects == "" {
				return fmt.Errorf("analysis.sessions[%d].%s: matrix and subjects are required", i, side)
			}
		}
	}
	if _, err := c.LinkSources(); err != nil {
		return err
	}
	if len(c.Linkage.Questionnaire.Keywords) == 0 && c.Linkage.Questionnaire.Path != "" {
		return fmt.Errorf("linkage.questionnaire.keywords must not be empty")
	}
	if c.HasLinkage() {
		if err := c.Rule.Validate(); err != nil {
			return err
		}
	}
	if len(c.Report.Formats) == 0 {
		return fmt.Errorf("report.formats must list at least one format")
	}
	if _, err := c.Formats(); err != nil {
		return fmt.Errorf("report.formats: %w", err)
	}
	if _, err := blob.ParseDriver(c.Blob.Driver); err != nil {
		return fmt.Errorf("blob.driver: %w", err)
	}
	if _, err := persistence.ParseDriver(c.Storage.Driver); err != nil {
		return fmt.Errorf("storage.driver: %w", err)
	}
	return nil
}
