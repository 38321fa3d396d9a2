package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"fcreport/internal/linkage"
)

const utf8BOM = "\uFEFF"

// Row is one CSV data row keyed by trimmed header name.
type Row struct {
	Line   int
	Fields map[string]string
}

// Get returns the trimmed value of column name, or "".
func (r Row) Get(name string) string { return strings.TrimSpace(r.Fields[name]) }

// Table is a parsed CSV export.
type Table struct {
	Header []string
	Rows   []Row
}

// HasColumn reports whether the header contains name.
func (t Table) HasColumn(name string) bool {
	for _, h := range t.Header {
		if h == name {
			return true
		}
	}
	return false
}

// RowError rejects a single source row without aborting the stream.
type RowError struct {
	Source string `json:"source"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.Source, e.Line, e.Reason)
}

// ReadTable parses a header-first CSV, tolerating a UTF-8 byte order mark
// and ragged rows.
func ReadTable(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Table{}, FormatError{Reason: "csv has no header row"}
	}
	if err != nil {
		return Table{}, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := Table{Header: header}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read csv: %w", err)
		}
		line++
		fields := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) && h != "" {
				fields[h] = rec[i]
			}
		}
		t.Rows = append(t.Rows, Row{Line: line, Fields: fields})
	}
	return t, nil
}

// LoadTable reads the CSV file at path.
func LoadTable(path string) (Table, error) {
	t, err := readFile(path, ReadTable)
	if fe, ok := err.(FormatError); ok {
		fe.Path = path
		return Table{}, fe
	}
	return t, err
}

func requireColumns(source string, t Table, cols ...string) error {
	for _, c := range cols {
		if c != "" && !t.HasColumn(c) {
			return FormatError{Reason: fmt.Sprintf("%s: missing column %q", source, c)}
		}
	}
	return nil
}

// MappingColumns names the roster columns carrying each namespace's ID. An
// empty name skips that namespace.
type MappingColumns struct {
	Imaging   string `yaml:"imaging"`
	Baseline  string `yaml:"baseline"`
	Interview string `yaml:"interview"`
}

// DefaultMappingColumns matches the enrolment roster export.
func DefaultMappingColumns() MappingColumns {
	return MappingColumns{
		Imaging:   "核磁编号",
		Baseline:  "基线问卷编号",
		Interview: "编号",
	}
}

// MappingRecords emits one record per roster row linking every ID it
// carries. Rows with no ID at all are rejected.
func MappingRecords(source string, t Table, cols MappingColumns) ([]linkage.Record, []RowError, error) {
	if err := requireColumns(source, t, cols.Imaging, cols.Baseline, cols.Interview); err != nil {
		return nil, nil, err
	}
	var out []linkage.Record
	var rejected []RowError
	for _, row := range t.Rows {
		rec := linkage.Record{Source: source}
		if cols.Imaging != "" {
			rec.ImagingID = row.Get(cols.Imaging)
		}
		if cols.Baseline != "" {
			rec.BaselineID = row.Get(cols.Baseline)
		}
		if cols.Interview != "" {
			rec.InterviewID = row.Get(cols.Interview)
		}
		if rec.ImagingID == "" && rec.BaselineID == "" && rec.InterviewID == "" {
			rejected = append(rejected, RowError{Source: source, Line: row.Line, Reason: "row carries no identifier"})
			continue
		}
		out = append(out, rec)
	}
	return out, rejected, nil
}

// InterviewOptions describes the structured diagnostic interview export.
type InterviewOptions struct {
	IDColumn        string            `yaml:"id_column"`
	IDNamespace     linkage.Namespace `yaml:"id_namespace"`
	CohortColumn    string            `yaml:"cohort_column"`
	DateColumn      string            `yaml:"date_column"`
	DiagnosisFields []string          `yaml:"diagnosis_fields"`
	MissingCodes    []string          `yaml:"missing_codes"`
}

// DefaultInterviewOptions matches the MINI baseline interview export.
func DefaultInterviewOptions() InterviewOptions {
	return InterviewOptions{
		IDColumn:     "被试编号",
		IDNamespace:  linkage.NamespaceInterview,
		CohortColumn: "入组",
		DateColumn:   "访谈时间_MINI",
		DiagnosisFields: []string{
			"抑郁发作-当前_MINI",
			"抑郁发作-既往_MINI",
			"抑郁发作-复发_MINI",
			"自杀倾向_MINI",
			"躁狂病史_MINI",
			"躁狂发作-当前_MINI",
			"躁狂发作-既往_MINI",
			"终生惊恐障碍_MINI",
			"当前的惊恐障碍_MINI",
			"广场恐怖_MINI",
			"当前社交恐怖_MINI",
			"强迫症_MINI",
			"创伤后应激障碍_MINI",
			"酒精依赖_MINI",
			"酒精滥用_MINI",
			"物质依赖_MINI",
			"物质滥用_MINI",
			"精神病特征的心境障碍终身_MINI",
			"精神病特征的心境障碍当前_MINI",
			"当前的精神病性障碍_MINI",
			"终生的精神病性障碍_MINI",
			"神经性厌食症_MINI",
			"神经性暴食症_MINI",
			"广泛性焦虑障碍_MINI",
			"反社会人格障碍_MINI",
		},
		MissingCodes: []string{"", "0", "-9", "-99", "-999"},
	}
}

// InterviewRecords emits one record per interview row carrying the cohort
// tag, interview date and every diagnosis field whose value is not a
// missing code.
func InterviewRecords(source string, t Table, opts InterviewOptions) ([]linkage.Record, []RowError, error) {
	if err := requireColumns(source, t, opts.IDColumn); err != nil {
		return nil, nil, err
	}
	missing := make(map[string]struct{}, len(opts.MissingCodes))
	for _, c := range opts.MissingCodes {
		missing[strings.TrimSpace(c)] = struct{}{}
	}
	var out []linkage.Record
	var rejected []RowError
	for _, row := range t.Rows {
		id := row.Get(opts.IDColumn)
		if id == "" {
			rejected = append(rejected, RowError{Source: source, Line: row.Line, Reason: fmt.Sprintf("empty %s", opts.IDColumn)})
			continue
		}
		rec := linkage.Record{Source: source}
		setID(&rec, opts.IDNamespace, id)
		if opts.CohortColumn != "" {
			rec.Cohort = row.Get(opts.CohortColumn)
		}
		if opts.DateColumn != "" {
			rec.InterviewDate = row.Get(opts.DateColumn)
		}
		for _, field := range opts.DiagnosisFields {
			v := row.Get(field)
			if _, skip := missing[v]; skip || v == "" {
				continue
			}
			rec.Indicators = append(rec.Indicators, linkage.Indicator{Name: field, Value: v})
		}
		out = append(out, rec)
	}
	return out, rejected, nil
}

// KeywordMatcher decides whether a free-text answer is keyword evidence.
type KeywordMatcher interface {
	Match(text string) bool
}

// SubstringMatcher matches any text containing one of its terms.
type SubstringMatcher []string

func (m SubstringMatcher) Match(text string) bool {
	for _, term := range m {
		if term != "" && strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// QuestionnaireOptions describes the free-text baseline questionnaire.
type QuestionnaireOptions struct {
	IDColumn    string            `yaml:"id_column"`
	IDNamespace linkage.Namespace `yaml:"id_namespace"`
	// Fields limits keyword scanning. Empty scans every non-ID column.
	Fields  []string       `yaml:"fields"`
	Matcher KeywordMatcher `yaml:"-"`
}

// DefaultQuestionnaireOptions scans every answer for "抑郁".
func DefaultQuestionnaireOptions() QuestionnaireOptions {
	return QuestionnaireOptions{
		IDColumn:    "基线问卷编号",
		IDNamespace: linkage.NamespaceBaseline,
		Matcher:     SubstringMatcher{"抑郁"},
	}
}

// QuestionnaireRecords emits one record per row with its keyword hits.
// Rows without hits are still emitted so the ID is known to the graph.
func QuestionnaireRecords(source string, t Table, opts QuestionnaireOptions) ([]linkage.Record, []RowError, error) {
	if err := requireColumns(source, t, opts.IDColumn); err != nil {
		return nil, nil, err
	}
	if opts.Matcher == nil {
		return nil, nil, fmt.Errorf("%s: keyword matcher is required", source)
	}
	fields := opts.Fields
	if len(fields) == 0 {
		for _, h := range t.Header {
			if h != "" && h != opts.IDColumn {
				fields = append(fields, h)
			}
		}
	}
	var out []linkage.Record
	var rejected []RowError
	for _, row := range t.Rows {
		id := row.Get(opts.IDColumn)
		if id == "" {
			rejected = append(rejected, RowError{Source: source, Line: row.Line, Reason: fmt.Sprintf("empty %s", opts.IDColumn)})
			continue
		}
		rec := linkage.Record{Source: source}
		setID(&rec, opts.IDNamespace, id)
		for _, f := range fields {
			if v := row.Get(f); v != "" && opts.Matcher.Match(v) {
				rec.KeywordHits = append(rec.KeywordHits, linkage.KeywordHit{Field: f, Text: v})
			}
		}
		out = append(out, rec)
	}
	return out, rejected, nil
}

// ImagingRecords emits one imaging-only record per subject ID, so subjects
// scanned but absent from every roster still appear in the graph.
func ImagingRecords(source string, ids []string) []linkage.Record {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(set))
	for id := range set {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	out := make([]linkage.Record, len(sorted))
	for i, id := range sorted {
		out[i] = linkage.Record{Source: source, ImagingID: id}
	}
	return out
}

// ReadIDList reads a candidate list: one ID per line, or the first column
// of a CSV when the file has a .csv extension.
func ReadIDList(path string) ([]string, error) {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		t, err := LoadTable(path)
		if err != nil {
			return nil, err
		}
		if len(t.Header) == 0 {
			return nil, nil
		}
		var ids []string
		for _, row := range t.Rows {
			if id := row.Get(t.Header[0]); id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open id list: %w", err)
	}
	defer f.Close()
	return ReadSubjectSequence(f)
}

func setID(rec *linkage.Record, ns linkage.Namespace, id string) {
	switch ns {
	case linkage.NamespaceImaging:
		rec.ImagingID = id
	case linkage.NamespaceBaseline:
		rec.BaselineID = id
	default:
		rec.InterviewID = id
	}
}
