package ingest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"fcreport/internal/linkage"
	"fcreport/internal/stats"
)

func TestNPYRoundTrip(t *testing.T) {
	m := Matrix{Rows: 2, Cols: 3, Data: []float64{0.1, 0.2, 0.3, -1, math.NaN(), 4}}
	var buf bytes.Buffer
	if err := WriteNPY(&buf, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if (buf.Len()-len(m.Data)*8)%64 != 0 {
		t.Fatalf("preamble not 64-byte aligned: %d", buf.Len())
	}
	got, err := ReadNPY(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Rows != 2 || got.Cols != 3 {
		t.Fatalf("unexpected shape %dx%d", got.Rows, got.Cols)
	}
	if got.Row(1)[0] != -1 || !math.IsNaN(got.Row(1)[1]) || got.Row(0)[2] != 0.3 {
		t.Fatalf("unexpected data %v", got.Data)
	}
}

func buildNPY(major byte, header string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{major, 0})
	if major == 1 {
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	} else {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(header)))
	}
	buf.WriteString(header)
	buf.Write(body)
	return buf.Bytes()
}

func TestReadNPYFloat32Version2(t *testing.T) {
	var body bytes.Buffer
	for _, v := range []float32{1.5, -2, 0.25, 8} {
		_ = binary.Write(&body, binary.LittleEndian, math.Float32bits(v))
	}
	raw := buildNPY(2, "{'descr': '<f4', 'fortran_order': False, 'shape': (2, 2), }\n", body.Bytes())
	m, err := ReadNPY(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]float64{1.5, -2, 0.25, 8}, m.Data); diff != "" {
		t.Fatalf("data (-want +got):\n%s", diff)
	}
}

func TestReadNPYRejects(t *testing.T) {
	eight := make([]byte, 8)
	cases := map[string][]byte{
		"magic":   []byte("NOTNUMPYxxxxxxxx"),
		"version": buildNPY(9, "{}", nil),
		"fortran": buildNPY(1, "{'descr': '<f8', 'fortran_order': True, 'shape': (1, 1), }", eight),
		"dtype":   buildNPY(1, "{'descr': '<i4', 'fortran_order': False, 'shape': (1, 1), }", eight),
		"rank":    buildNPY(1, "{'descr': '<f8', 'fortran_order': False, 'shape': (1,), }", eight),
		"size":    buildNPY(1, "{'descr': '<f8', 'fortran_order': False, 'shape': (2, 1), }", eight),
		"huge":    buildNPY(1, "{'descr': '<f8', 'fortran_order': False, 'shape': (9223372036854775807, 2), }", eight),
		"short":   []byte("\x93NUM"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadNPY(bytes.NewReader(raw))
			var fe FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FormatError, got %v", err)
			}
		})
	}
}

func TestReadRegionPairs(t *testing.T) {
	edges, err := ReadRegionPairs(strings.NewReader("# header\nPFC  ACC\n\nINS\tAMY\n"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []stats.Edge{{A: "PFC", B: "ACC"}, {A: "INS", B: "AMY"}}
	if diff := cmp.Diff(want, edges); diff != "" {
		t.Fatalf("edges (-want +got):\n%s", diff)
	}
	if _, err := ReadRegionPairs(strings.NewReader("PFC ACC INS\n")); err == nil {
		t.Fatalf("expected error for three labels")
	}
}

func TestReadSubjectSequence(t *testing.T) {
	ids, err := ReadSubjectSequence(strings.NewReader(" sub-01 \n\nsub-02\r\n"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff([]string{"sub-01", "sub-02"}, ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func npyBytes(t *testing.T, m Matrix) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteNPY(&buf, m); err != nil {
		t.Fatalf("write npy: %v", err)
	}
	return buf.Bytes()
}

func TestLoadSession(t *testing.T) {
	dir := t.TempDir()
	edges := []stats.Edge{{A: "A", B: "B"}}
	src := SessionSource{
		Name: "Rest 1",
		GroupA: GroupSource{
			Label:    "AH",
			Matrix:   writeFile(t, dir, "ah.npy", npyBytes(t, Matrix{Rows: 2, Cols: 1, Data: []float64{0.5, 0.3}})),
			Subjects: writeFile(t, dir, "ah.txt", []byte("h1\nh2\n")),
		},
		GroupB: GroupSource{
			Label:  "AP",
			Matrix: writeFile(t, dir, "ap.npy", npyBytes(t, Matrix{Rows: 2, Cols: 1, Data: []float64{0.1, 0.1}})),
		},
	}
	in, err := LoadSession(src, edges)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if in.GroupA.Subjects[1].ID != "h2" || in.GroupB.Subjects[0].ID != "AP-1" {
		t.Fatalf("unexpected subject ids %+v %+v", in.GroupA.Subjects, in.GroupB.Subjects)
	}

	src.GroupA.Subjects = writeFile(t, dir, "short.txt", []byte("h1\n"))
	_, err = LoadSession(src, edges)
	var shape stats.InputShapeError
	if !errors.As(err, &shape) || shape.Group != "AH" {
		t.Fatalf("expected shape error for AH, got %v", err)
	}
}

func TestLoadNPYAddsPath(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bad.npy", []byte("garbage-garbage"))
	_, err := LoadNPY(p)
	var fe FormatError
	if !errors.As(err, &fe) || fe.Path != p {
		t.Fatalf("expected FormatError with path, got %v", err)
	}
}

func TestReadTableStripsBOM(t *testing.T) {
	tbl, err := ReadTable(strings.NewReader("\uFEFF被试编号, 入组\n2032,NSSI组\n"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !tbl.HasColumn("被试编号") || !tbl.HasColumn("入组") {
		t.Fatalf("unexpected header %q", tbl.Header)
	}
	if tbl.Rows[0].Get("入组") != "NSSI组" || tbl.Rows[0].Line != 2 {
		t.Fatalf("unexpected row %+v", tbl.Rows[0])
	}
	if _, err := ReadTable(strings.NewReader("")); err == nil {
		t.Fatalf("expected error for empty csv")
	}
}

func TestInterviewRecords(t *testing.T) {
	csvText := "被试编号,入组,访谈时间_MINI,抑郁发作-当前_MINI,抑郁发作-既往_MINI,强迫症_MINI\n" +
		"2032,NSSI组,2024-03-01,1,-99,0\n" +
		",NSSI组,2024-03-02,1,,\n" +
		"2040,HC组,,-9,2,\n"
	tbl, err := ReadTable(strings.NewReader(csvText))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	recs, rejected, err := InterviewRecords("mini", tbl, DefaultInterviewOptions())
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Line != 3 {
		t.Fatalf("expected row 3 rejected, got %+v", rejected)
	}
	want := []linkage.Record{
		{Source: "mini", InterviewID: "2032", Cohort: "NSSI组", InterviewDate: "2024-03-01",
			Indicators: []linkage.Indicator{{Name: "抑郁发作-当前_MINI", Value: "1"}}},
		{Source: "mini", InterviewID: "2040", Cohort: "HC组",
			Indicators: []linkage.Indicator{{Name: "抑郁发作-既往_MINI", Value: "2"}}},
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}

	opts := DefaultInterviewOptions()
	opts.IDColumn = "编号"
	if _, _, err := InterviewRecords("mini", tbl, opts); err == nil {
		t.Fatalf("expected missing column error")
	}
}

func TestMappingRecords(t *testing.T) {
	tbl, _ := ReadTable(strings.NewReader("编号,基线问卷编号,fMRI,核磁编号\n2032,B32,,sub-032\n,,,\n2040,,,\n"))
	recs, rejected, err := MappingRecords("mapping", tbl, DefaultMappingColumns())
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 2 || len(rejected) != 1 {
		t.Fatalf("expected 2 records and 1 rejection, got %d %d", len(recs), len(rejected))
	}
	if recs[0].ImagingID != "sub-032" || recs[0].BaselineID != "B32" || recs[0].InterviewID != "2032" {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestQuestionnaireRecords(t *testing.T) {
	tbl, _ := ReadTable(strings.NewReader("基线问卷编号,既往史,备注\nB1,曾诊断抑郁症,无\nB2,无,无\n"))
	recs, _, err := QuestionnaireRecords("baseline", tbl, DefaultQuestionnaireOptions())
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected every row emitted, got %d", len(recs))
	}
	want := []linkage.KeywordHit{{Field: "既往史", Text: "曾诊断抑郁症"}}
	if diff := cmp.Diff(want, recs[0].KeywordHits); diff != "" {
		t.Fatalf("hits (-want +got):\n%s", diff)
	}
	if len(recs[1].KeywordHits) != 0 {
		t.Fatalf("expected no hits for B2")
	}

	opts := DefaultQuestionnaireOptions()
	opts.Matcher = nil
	if _, _, err := QuestionnaireRecords("baseline", tbl, opts); err == nil {
		t.Fatalf("expected error without matcher")
	}
}

func TestImagingRecordsDeduplicates(t *testing.T) {
	recs := ImagingRecords("imaging", []string{"sub-2", " sub-1", "sub-2", ""})
	if len(recs) != 2 || recs[0].ImagingID != "sub-1" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestReadIDList(t *testing.T) {
	dir := t.TempDir()
	txt := writeFile(t, dir, "ids.txt", []byte("2032\n\n2040\n"))
	csvPath := writeFile(t, dir, "ids.csv", []byte("id,note\n2032,x\n,y\n"))
	ids, err := ReadIDList(txt)
	if err != nil || len(ids) != 2 {
		t.Fatalf("txt ids %v %v", ids, err)
	}
	ids, err = ReadIDList(csvPath)
	if err != nil || len(ids) != 1 || ids[0] != "2032" {
		t.Fatalf("csv ids %v %v", ids, err)
	}
}
