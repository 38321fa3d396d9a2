package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// WriteJSON encodes r with undefined statistics as null.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}

// Render writes r to w in format f.
func Render(w io.Writer, r Report, f Format) error {
	switch f {
	case FormatMarkdown:
		return WriteMarkdown(w, r)
	case FormatHTML:
		return WriteHTML(w, r)
	case FormatCSV:
		return WriteCSV(w, r)
	case FormatJSON:
		return WriteJSON(w, r)
	default:
		return fmt.Errorf("unsupported report format %q", f)
	}
}

// Bytes renders r into memory.
func Bytes(r Report, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, r, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
