// Package ingest loads the pipeline's raw inputs: connectivity matrices,
// subject and region-pair sequences, and the CSV exports feeding the
// identity graph.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

// Matrix is a dense row-major subjects x edges array.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// Row returns a copy of row i.
func (m Matrix) Row(i int) []float64 {
	out := make([]float64, m.Cols)
	copy(out, m.Data[i*m.Cols:(i+1)*m.Cols])
	return out
}

// FormatError describes an input file that cannot be interpreted.
type FormatError struct {
	Path   string
	Reason string
}

func (e FormatError) Error() string {
	if e.Path == "" {
		return "ingest: " + e.Reason
	}
	return fmt.Sprintf("ingest: %s: %s", e.Path, e.Reason)
}

// LoadNPY reads a two-dimensional little-endian float32 or float64 .npy
// file stored in C order.
func LoadNPY(path string) (Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return Matrix{}, fmt.Errorf("open matrix: %w", err)
	}
	defer f.Close()
	m, err := ReadNPY(bufio.NewReader(f))
	if fe, ok := err.(FormatError); ok {
		fe.Path = path
		return Matrix{}, fe
	}
	return m, err
}

// ReadNPY decodes an .npy stream. See LoadNPY for the supported subset.
func ReadNPY(r io.Reader) (Matrix, error) {
	head := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, head); err != nil {
		return Matrix{}, FormatError{Reason: "header is truncated"}
	}
	if !bytes.Equal(head[:len(npyMagic)], npyMagic) {
		return Matrix{}, FormatError{Reason: "missing .npy magic"}
	}
	major, minor := head[6], head[7]

	var headerLen int
	switch major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Matrix{}, FormatError{Reason: "header length is truncated"}
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Matrix{}, FormatError{Reason: "header length is truncated"}
		}
		headerLen = int(n)
	default:
		return Matrix{}, FormatError{Reason: fmt.Sprintf("unsupported .npy version %d.%d", major, minor)}
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Matrix{}, FormatError{Reason: "header is truncated"}
	}
	descr, fortran, shape, err := parseNPYHeader(string(header))
	if err != nil {
		return Matrix{}, err
	}
	if fortran {
		return Matrix{}, FormatError{Reason: "fortran order is not supported"}
	}
	if len(shape) != 2 {
		return Matrix{}, FormatError{Reason: fmt.Sprintf("expected a 2-D array, got shape %v", shape)}
	}

	var width int
	switch descr {
	case "<f4":
		width = 4
	case "<f8":
		width = 8
	default:
		return Matrix{}, FormatError{Reason: fmt.Sprintf("unsupported dtype %s", descr)}
	}

	rows, cols := shape[0], shape[1]
	if cols != 0 && rows > math.MaxInt/width/cols {
		return Matrix{}, FormatError{Reason: fmt.Sprintf("shape (%d, %d) is too large", rows, cols)}
	}
	want := rows * cols
	raw, err := io.ReadAll(r)
	if err != nil {
		return Matrix{}, fmt.Errorf("read matrix body: %w", err)
	}
	if len(raw) != want*width {
		return Matrix{}, FormatError{Reason: fmt.Sprintf("contains %d bytes of data, expected %d values", len(raw), want)}
	}
	data := make([]float64, want)
	for i := range data {
		if width == 4 {
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		} else {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	}
	return Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

// parseNPYHeader reads the python dict literal written by numpy, e.g.
// {'descr': '<f8', 'fortran_order': False, 'shape': (3, 4), }
func parseNPYHeader(h string) (descr string, fortran bool, shape []int, err error) {
	value := func(key string) (string, bool) {
		i := strings.Index(h, "'"+key+"'")
		if i < 0 {
			return "", false
		}
		rest := strings.TrimSpace(h[i+len(key)+2:])
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		return rest, true
	}

	v, ok := value("descr")
	if !ok || len(v) < 2 || (v[0] != '\'' && v[0] != '"') {
		return "", false, nil, FormatError{Reason: "header has no descr"}
	}
	end := strings.IndexByte(v[1:], v[0])
	if end < 0 {
		return "", false, nil, FormatError{Reason: "header descr is unterminated"}
	}
	descr = v[1 : end+1]

	if v, ok := value("fortran_order"); ok {
		fortran = strings.HasPrefix(v, "True")
	}

	v, ok = value("shape")
	if !ok || !strings.HasPrefix(v, "(") {
		return "", false, nil, FormatError{Reason: "header has no shape"}
	}
	rparen := strings.IndexByte(v, ')')
	if rparen < 0 {
		return "", false, nil, FormatError{Reason: "header shape is unterminated"}
	}
	for _, part := range strings.Split(v[1:rparen], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if convErr != nil || n < 0 {
			return "", false, nil, FormatError{Reason: fmt.Sprintf("invalid shape dimension %q", part)}
		}
		shape = append(shape, n)
	}
	return descr, fortran, shape, nil
}

// WriteNPY encodes m as a version 1.0 float64 .npy stream.
func WriteNPY(w io.Writer, m Matrix) error {
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", m.Rows, m.Cols)
	// Total preamble length must be a multiple of 64, ending in a newline.
	pad := 64 - (len(npyMagic)+2+2+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	buf := bytes.NewBuffer(make([]byte, 0, len(header)+10+len(m.Data)*8))
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for _, v := range m.Data {
		_ = binary.Write(buf, binary.LittleEndian, math.Float64bits(v))
	}
	_, err := w.Write(buf.Bytes())
	return err
}
