// Package config loads the YAML run description and applies FCREPORT_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fcreport/internal/blob"
	"fcreport/internal/cohort"
	"fcreport/internal/ingest"
	"fcreport/internal/linkage"
	"fcreport/internal/persistence"
	"fcreport/internal/pipeline"
	"fcreport/internal/report"
	"fcreport/internal/stats"
)

type Config struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	LogLevel    string `yaml:"log_level"`
	Parallelism int    `yaml:"parallelism"`

	Analysis AnalysisConfig     `yaml:"analysis"`
	Linkage  LinkageConfig      `yaml:"linkage"`
	Rule     cohort.Rule        `yaml:"rule"`
	Report   ReportConfig       `yaml:"report"`
	Blob     blob.Config        `yaml:"blob"`
	Storage  persistence.Config `yaml:"storage"`
	Metrics  MetricsConfig      `yaml:"metrics"`
}

type AnalysisConfig struct {
	RegionPairs string                 `yaml:"region_pairs"`
	TopK        int                    `yaml:"top_k"`
	TTest       string                 `yaml:"t_test"`
	Alpha       float64                `yaml:"alpha"`
	Sessions    []ingest.SessionSource `yaml:"sessions"`
}

type LinkageConfig struct {
	Mapping             MappingSource       `yaml:"mapping"`
	Interview           InterviewSource     `yaml:"interview"`
	Questionnaire       QuestionnaireSource `yaml:"questionnaire"`
	ImagingIDs          string              `yaml:"imaging_ids"`
	Candidates          string              `yaml:"candidates"`
	// CandidatesNamespace defaults to interview: flagged lists are keyed by
	// MINI subject number.
	CandidatesNamespace string `yaml:"candidates_namespace"`
}

type MappingSource struct {
	Path    string                `yaml:"path"`
	Columns ingest.MappingColumns `yaml:"columns"`
}

type InterviewSource struct {
	Path                    string `yaml:"path"`
	ingest.InterviewOptions `yaml:",inline"`
}

type QuestionnaireSource struct {
	Path        string   `yaml:"path"`
	IDColumn    string   `yaml:"id_column"`
	IDNamespace string   `yaml:"id_namespace"`
	Fields      []string `yaml:"fields"`
	Keywords    []string `yaml:"keywords"`
}

type ReportConfig struct {
	Formats       []string      `yaml:"formats"`
	Prefix        string        `yaml:"prefix"`
	PresignExpiry time.Duration `yaml:"presign_expiry"`
}

type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
	PushURL      string `yaml:"push_url"`
	PushJob      string `yaml:"push_job"`
}

func Default() Config {
	q := ingest.DefaultQuestionnaireOptions()
	return Config{
		Name:        "fc-comparison",
		LogLevel:    "info",
		Parallelism: pipeline.DefaultParallelism,
		Analysis: AnalysisConfig{
			TopK:  stats.DefaultTopK,
			TTest: string(stats.TTestWelch),
			Alpha: report.DefaultAlpha,
		},
		Linkage: LinkageConfig{
			Mapping:   MappingSource{Columns: ingest.DefaultMappingColumns()},
			Interview: InterviewSource{InterviewOptions: ingest.DefaultInterviewOptions()},
			Questionnaire: QuestionnaireSource{
				IDColumn:    q.IDColumn,
				IDNamespace: string(q.IDNamespace),
				Keywords:    []string{"抑郁"},
			},
			CandidatesNamespace: string(linkage.NamespaceInterview),
		},
		Rule: cohort.DefaultRule(),
		Report: ReportConfig{
			Formats: []string{string(report.FormatMarkdown), string(report.FormatHTML), string(report.FormatCSV), string(report.FormatJSON)},
			Prefix:  "runs",
		},
		Blob:    blob.Config{Driver: string(blob.DriverFilesystem), FSRoot: blob.DefaultFSRoot},
		Storage: persistence.Config{Driver: string(persistence.DriverSQLite)},
		Metrics: MetricsConfig{PushJob: "fcreport"},
	}
}

// LoadFile layers the YAML file at path over Default. Relative input paths
// in the file are resolved against the file's directory.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&c.Analysis.RegionPairs)
	for i := range c.Analysis.Sessions {
		s := &c.Analysis.Sessions[i]
		abs(&s.GroupA.Matrix)
		abs(&s.GroupA.Subjects)
		abs(&s.GroupB.Matrix)
		abs(&s.GroupB.Subjects)
	}
	abs(&c.Linkage.Mapping.Path)
	abs(&c.Linkage.Interview.Path)
	abs(&c.Linkage.Questionnaire.Path)
	abs(&c.Linkage.ImagingIDs)
	abs(&c.Linkage.Candidates)
}

// ApplyEnv overrides fields from FCREPORT_* variables. Blob and storage
// variables are those read by blob.ConfigFromEnv and
// persistence.ConfigFromEnv. Malformed numbers are ignored.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("FCREPORT_LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v, err := strconv.Atoi(os.Getenv("FCREPORT_PARALLELISM")); err == nil {
		c.Parallelism = v
	}
	if v, err := strconv.Atoi(os.Getenv("FCREPORT_TOP_K")); err == nil {
		c.Analysis.TopK = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("FCREPORT_ALPHA"), 64); err == nil {
		c.Analysis.Alpha = v
	}
	if v := strings.TrimSpace(os.Getenv("FCREPORT_TTEST")); v != "" {
		c.Analysis.TTest = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("FCREPORT_FORMATS")); v != "" {
		c.Report.Formats = splitList(v)
	}
	if v := os.Getenv("FCREPORT_METRICS_TEXTFILE"); v != "" {
		c.Metrics.TextfilePath = v
	}
	if v := os.Getenv("FCREPORT_METRICS_PUSH_URL"); v != "" {
		c.Metrics.PushURL = v
	}

	b := blob.ConfigFromEnv()
	setIf(&c.Blob.Driver, b.Driver)
	setIf(&c.Blob.FSRoot, b.FSRoot)
	setIf(&c.Blob.S3.Bucket, b.S3.Bucket)
	setIf(&c.Blob.S3.Region, b.S3.Region)
	setIf(&c.Blob.S3.Prefix, b.S3.Prefix)
	setIf(&c.Blob.S3.Endpoint, b.S3.Endpoint)
	if b.S3.PathStyle {
		c.Blob.S3.PathStyle = true
	}

	s := persistence.ConfigFromEnv()
	setIf(&c.Storage.Driver, s.Driver)
	setIf(&c.Storage.SQLitePath, s.SQLitePath)
	setIf(&c.Storage.PostgresDSN, s.PostgresDSN)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Formats parses the configured report formats.
func (c Config) Formats() ([]report.Format, error) {
	out := make([]report.Format, 0, len(c.Report.Formats))
	for _, s := range c.Report.Formats {
		f, err := report.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// StatsOptions returns the engine options.
func (c Config) StatsOptions() (stats.Options, error) {
	kind, err := stats.ParseTTestKind(c.Analysis.TTest)
	if err != nil {
		return stats.Options{}, err
	}
	return stats.Options{TopK: c.Analysis.TopK, TTest: kind}, nil
}

// LinkSources returns the linkage inputs in pipeline form.
func (c Config) LinkSources() (pipeline.LinkSources, error) {
	src := pipeline.DefaultLinkSources()
	l := c.Linkage
	src.Mapping = l.Mapping.Path
	src.MappingColumns = l.Mapping.Columns
	src.Interview = l.Interview.Path
	src.InterviewOptions = l.Interview.InterviewOptions
	src.Questionnaire = l.Questionnaire.Path
	src.ImagingIDs = l.ImagingIDs
	src.Candidates = l.Candidates

	var err error
	if src.CandidatesNS, err = linkage.ParseNamespace(l.CandidatesNamespace); err != nil {
		return src, fmt.Errorf("linkage.candidates_namespace: %w", err)
	}
	if src.InterviewOptions.IDNamespace, err = linkage.ParseNamespace(string(l.Interview.IDNamespace)); err != nil {
		return src, fmt.Errorf("linkage.interview.id_namespace: %w", err)
	}
	ns, err := linkage.ParseNamespace(l.Questionnaire.IDNamespace)
	if err != nil {
		return src, fmt.Errorf("linkage.questionnaire.id_namespace: %w", err)
	}
	src.QuestionOptions = ingest.QuestionnaireOptions{
		IDColumn:    l.Questionnaire.IDColumn,
		IDNamespace: ns,
		Fields:      l.Questionnaire.Fields,
		Matcher:     ingest.SubstringMatcher(l.Questionnaire.Keywords),
	}
	return src, nil
}

// HasLinkage reports whether any identity source is configured.
func (c Config) HasLinkage() bool {
	l := c.Linkage
	return l.Mapping.Path != "" || l.Interview.Path != "" || l.Questionnaire.Path != "" || l.ImagingIDs != "" || l.Candidates != ""
}
