package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"fcreport/internal/stats"
)

// ReadSubjectSequence returns the non-blank trimmed lines of r, one subject
// ID per matrix row.
func ReadSubjectSequence(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			ids = append(ids, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read subject sequence: %w", err)
	}
	return ids, nil
}

// ReadRegionPairs parses one edge per line as two whitespace separated
// region labels. Blank lines and lines starting with '#' are skipped; any
// other line without exactly two labels is an error.
func ReadRegionPairs(r io.Reader) ([]stats.Edge, error) {
	var edges []stats.Edge
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, FormatError{Reason: fmt.Sprintf("line %d: expected 2 region labels, got %d", lineNo, len(parts))}
		}
		edges = append(edges, stats.Edge{A: parts[0], B: parts[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read region pairs: %w", err)
	}
	return edges, nil
}

// GroupSource locates one group's matrix and subject sequence.
type GroupSource struct {
	Label    string `yaml:"label"`
	Matrix   string `yaml:"matrix"`
	Subjects string `yaml:"subjects"`
}

// SessionSource locates every input of one recording session.
type SessionSource struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	GroupA      GroupSource `yaml:"group_a"`
	GroupB      GroupSource `yaml:"group_b"`
}

// LoadSession reads both groups of a session against the shared edge list.
// Shape problems surface from stats.Engine.Compare, not here.
func LoadSession(src SessionSource, edges []stats.Edge) (stats.SessionInput, error) {
	in := stats.SessionInput{Name: src.Name, Edges: edges}
	var err error
	if in.GroupA, err = loadGroup(src.Name, src.GroupA); err != nil {
		return stats.SessionInput{}, err
	}
	if in.GroupB, err = loadGroup(src.Name, src.GroupB); err != nil {
		return stats.SessionInput{}, err
	}
	return in, nil
}

func loadGroup(session string, src GroupSource) (stats.Group, error) {
	m, err := LoadNPY(src.Matrix)
	if err != nil {
		return stats.Group{}, fmt.Errorf("session %s group %s: %w", session, src.Label, err)
	}
	var ids []string
	if src.Subjects != "" {
		ids, err = readFile(src.Subjects, ReadSubjectSequence)
		if err != nil {
			return stats.Group{}, fmt.Errorf("session %s group %s: %w", session, src.Label, err)
		}
		if len(ids) != m.Rows {
			return stats.Group{}, stats.InputShapeError{
				Session: session,
				Group:   src.Label,
				Reason:  fmt.Sprintf("subject sequence lists %d ids, matrix has %d rows", len(ids), m.Rows),
			}
		}
	}
	return MatrixGroup(src.Label, m, ids), nil
}

// MatrixGroup turns matrix rows into subjects. Missing IDs are numbered
// from 1 within the group.
func MatrixGroup(label string, m Matrix, ids []string) stats.Group {
	g := stats.Group{Label: label, Subjects: make([]stats.Subject, m.Rows)}
	for i := 0; i < m.Rows; i++ {
		id := fmt.Sprintf("%s-%d", label, i+1)
		if i < len(ids) {
			id = ids[i]
		}
		g.Subjects[i] = stats.Subject{ID: id, Values: m.Row(i)}
	}
	return g
}

// LoadRegionPairs reads the edge list file at path.
func LoadRegionPairs(path string) ([]stats.Edge, error) {
	edges, err := readFile(path, ReadRegionPairs)
	if fe, ok := err.(FormatError); ok {
		fe.Path = path
		return nil, fe
	}
	return edges, err
}

func readFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return parse(f)
}
