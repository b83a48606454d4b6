// Package render writes command output as a table or as structured data.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable  Format = "table"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatTSV    Format = "tsv"
)

// ParseFormat validates a --output value
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatNDJSON, FormatYAML, FormatTSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json, ndjson, yaml or tsv)", s)
}

// Table is the tabular view of a value
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Options for rendering
type Options struct {
	Format Format
	// Porcelain drops table decoration and JSON indentation
	Porcelain bool
}

// Renderer handles output rendering
type Renderer struct {
	w    io.Writer
	opts Options
}

// NewRenderer creates a new renderer
func NewRenderer(w io.Writer, opts Options) *Renderer {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Renderer{w: w, opts: opts}
}

// Format returns the selected format
func (r *Renderer) Format() Format {
	return r.opts.Format
}

// Structured reports whether the format is a data encoding
func (r *Renderer) Structured() bool {
	switch r.opts.Format {
	case FormatJSON, FormatNDJSON, FormatYAML:
		return true
	}
	return false
}

// Render writes data in a structured format, or the tables in table/tsv
// format. NDJSON writes one line per element when data is a slice of rows.
func (r *Renderer) Render(data interface{}, tables ...Table) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.JSON(data)
	case FormatNDJSON:
		return r.JSON(data)
	case FormatYAML:
		return r.YAML(data)
	case FormatTSV:
		for _, t := range tables {
			if err := r.TSV(t); err != nil {
				return err
			}
		}
		return nil
	}
	for i, t := range tables {
		if i > 0 {
			fmt.Fprintln(r.w)
		}
		if err := r.Table(t); err != nil {
			return err
		}
	}
	return nil
}

// RenderRows writes a list: one JSON document per line for ndjson, a single
// document for json/yaml, or a table
func RenderRows[T any](r *Renderer, rows []T, t Table) error {
	if r.opts.Format == FormatNDJSON {
		enc := json.NewEncoder(r.w)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	}
	if rows == nil {
		rows = []T{}
	}
	return r.Render(rows, t)
}

// JSON renders data as JSON
func (r *Renderer) JSON(data interface{}) error {
	enc := json.NewEncoder(r.w)
	if !r.opts.Porcelain && r.opts.Format != FormatNDJSON {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// YAML renders data as YAML
func (r *Renderer) YAML(data interface{}) error {
	enc := yaml.NewEncoder(r.w)
	defer enc.Close()
	return enc.Encode(data)
}

// TSV renders a table as tab-separated values
func (r *Renderer) TSV(t Table) error {
	if _, err := fmt.Fprintln(r.w, strings.Join(t.Headers, "\t")); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if _, err := fmt.Fprintln(r.w, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// Table renders a table with aligned columns. An empty table prints only
// its title.
func (r *Renderer) Table(t Table) error {
	if t.Title != "" && !r.opts.Porcelain {
		fmt.Fprintln(r.w, t.Title)
	}
	if len(t.Rows) == 0 {
		return nil
	}
	if r.opts.Porcelain {
		return r.TSV(t)
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = len(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	r.row(t.Headers, widths)
	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	r.row(seps, widths)
	for _, row := range t.Rows {
		r.row(row, widths)
	}
	return nil
}

func (r *Renderer) row(cells []string, widths []int) {
	var b strings.Builder
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		if i > 0 {
			b.WriteString("  ")
		}
		if i == len(cells)-1 {
			b.WriteString(cell)
		} else {
			fmt.Fprintf(&b, "%-*s", widths[i], cell)
		}
	}
	fmt.Fprintln(r.w, b.String())
}

// Bytes formats a byte count for humans
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Count formats a counter with thousands separators
func Count(n int) string {
	return humanize.Comma(int64(n))
}
