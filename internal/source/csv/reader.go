// Package csv streams delimited text files into typed table batches.
//
// Column names come from the header row. Column types are inferred from
// every row of the input before the first batch is emitted, so all batches
// and all staged files share one layout.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"tableauetl/internal/table"
)

// DefaultBatchSize is the number of rows per batch when Options.BatchSize
// is not set.
const DefaultBatchSize = 100_000

// Options controls parsing.
type Options struct {
	// Comma is the field delimiter; ',' when zero.
	Comma rune

	// Encoding is a WHATWG/IANA charset label ("utf-8", "windows-1250",
	// "iso-8859-2", ...). Empty means UTF-8.
	Encoding string

	// TrimSpace trims leading and trailing whitespace from every cell.
	TrimSpace bool

	LazyQuotes bool

	// BatchSize is the number of rows per emitted batch.
	BatchSize int

	// AllText disables type inference; every column is VARCHAR.
	AllText bool

	// NormalizeHeaders lower-cases header names and replaces spaces with
	// underscores. HeaderMap renames take precedence.
	NormalizeHeaders bool
	HeaderMap        map[string]string
}

// Stats summarises one stream.
type Stats struct {
	Rows    int64
	Batches int
	Columns []table.Column
}

// ReadFile opens path and streams it with Stream.
func ReadFile(ctx context.Context, path string, opt Options, fn func(table.Batch) error) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return Stream(ctx, f, opt, fn)
}

// Stream parses r and calls fn once per batch of up to opt.BatchSize rows.
// Empty cells become NULL. A header-only input yields one empty batch so the
// schema is still known downstream.
//
// The input is read twice: once to infer column types over every row, then
// to emit batches. A reader that cannot seek is first copied to a temporary
// file, which is removed before Stream returns.
//
// Errors:
//   - malformed CSV and rows wider than the header abort with the line number.
//   - any error returned by fn aborts the stream and is returned as is.
func Stream(ctx context.Context, r io.Reader, opt Options, fn func(table.Batch) error) (Stats, error) {
	rs, start, cleanup, err := rewindable(r)
	if err != nil {
		return Stats{}, err
	}
	defer cleanup()

	cols, err := Infer(ctx, rs, opt)
	if err != nil {
		return Stats{}, err
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return Stats{}, fmt.Errorf("csv: rewind: %w", err)
	}
	return stream(ctx, rs, opt, cols, fn)
}

// Infer reads all of r and returns the header's columns with the narrowest
// type that fits every value of each column (VARCHAR for all columns when
// opt.AllText is set).
func Infer(ctx context.Context, r io.Reader, opt Options) ([]table.Column, error) {
	rr, err := newRowReader(r, opt)
	if err != nil {
		return nil, err
	}
	inf := make([]table.Inferrer, len(rr.names))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells, _, err := rr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if opt.AllText {
			continue
		}
		for i, c := range cells {
			inf[i].Observe(c)
		}
	}

	cols := make([]table.Column, len(rr.names))
	for i, n := range rr.names {
		cols[i] = table.Column{Name: n, Type: table.Varchar}
		if !opt.AllText {
			cols[i].Type = inf[i].Type()
		}
	}
	return cols, nil
}

func stream(ctx context.Context, r io.Reader, opt Options, cols []table.Column, fn func(table.Batch) error) (Stats, error) {
	st := Stats{Columns: cols}

	rr, err := newRowReader(r, opt)
	if err != nil {
		return st, err
	}
	if len(rr.names) != len(cols) {
		return st, fmt.Errorf("csv: header has %d columns, want %d", len(rr.names), len(cols))
	}

	size := opt.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	pending := make([][]string, 0, size)
	lines := make([]int, 0, size)

	flush := func() error {
		b := table.Batch{Columns: cols, Rows: make([][]any, 0, len(pending))}
		for j, cells := range pending {
			row := make([]any, len(cols))
			for i, c := range cols {
				v, err := table.ParseString(cells[i], c.Type)
				if err != nil {
					return fmt.Errorf("csv: line %d column %q: %w", lines[j], c.Name, err)
				}
				row[i] = v
			}
			b.Rows = append(b.Rows, row)
		}
		if err := fn(b); err != nil {
			return err
		}
		st.Rows += int64(len(pending))
		st.Batches++
		pending = pending[:0]
		lines = lines[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		cells, line, err := rr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, err
		}
		pending = append(pending, cells)
		lines = append(lines, line)

		if len(pending) >= size {
			if err := flush(); err != nil {
				return st, err
			}
		}
	}

	if len(pending) > 0 || st.Batches == 0 {
		if err := flush(); err != nil {
			return st, err
		}
	}
	return st, nil
}

// rowReader yields header-width records with their line numbers.
type rowReader struct {
	cr    *csv.Reader
	names []string
	trim  bool
}

func newRowReader(r io.Reader, opt Options) (*rowReader, error) {
	dec, err := decoder(r, opt.Encoding)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(dec)
	cr.Comma = opt.Comma
	if cr.Comma == 0 {
		cr.Comma = ','
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv: empty input, header row expected")
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}
	return &rowReader{cr: cr, names: headerNames(hdr, opt), trim: opt.TrimSpace}, nil
}

// next returns the next record padded to the header width. It returns
// io.EOF at the end of input.
func (rr *rowReader) next() ([]string, int, error) {
	rec, err := rr.cr.Read()
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, 0, fmt.Errorf("csv: line %d: %w", pe.Line, pe.Err)
		}
		return nil, 0, fmt.Errorf("csv: %w", err)
	}
	line, _ := rr.cr.FieldPos(0)

	if len(rec) > len(rr.names) {
		return nil, line, fmt.Errorf("csv: line %d: expected %d fields, saw %d", line, len(rr.names), len(rec))
	}

	cells := make([]string, len(rr.names))
	for i, v := range rec {
		if rr.trim {
			v = strings.TrimSpace(v)
		}
		cells[i] = v
	}
	return cells, line, nil
}

// rewindable returns r as a seeker and the offset to rewind to. Readers that
// cannot seek (pipes, network bodies) are copied to a temporary file.
func rewindable(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		if start, err := rs.Seek(0, io.SeekCurrent); err == nil {
			return rs, start, func() {}, nil
		}
	}

	f, err := os.CreateTemp("", "csv-stream-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("csv: buffer input: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("csv: buffer input: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("csv: buffer input: %w", err)
	}
	return f, 0, cleanup, nil
}

func decoder(r io.Reader, label string) (io.Reader, error) {
	label = strings.TrimSpace(label)
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return r, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("csv: unsupported encoding %q: %w", label, err)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

// headerNames cleans header cells: BOM strip, trimming, optional
// normalisation and renames, then unique names.
func headerNames(hdr []string, opt Options) []string {
	out := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		h = strings.TrimSpace(h)
		if mapped, ok := opt.HeaderMap[h]; ok {
			h = mapped
		} else if opt.NormalizeHeaders {
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		out[i] = h
	}
	return table.UniqueNames(out)
}
