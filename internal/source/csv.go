package source

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

// CSVReader reads a delimited text file whose first record is the header.
type CSVReader struct {
	path    string
	comma   rune
	file    *os.File
	reader  *csv.Reader
	headers []string
}

// NewCSVReader creates a reader for path using comma as the field delimiter.
func NewCSVReader(path string, comma rune) *CSVReader {
	return &CSVReader{path: path, comma: comma}
}

// Name returns the file path.
func (r *CSVReader) Name() string { return r.path }

// Open (re)opens the file and reads the header.
func (r *CSVReader) Open(ctx context.Context) error {
	_ = r.Close()
	f, err := os.Open(r.path)
	if err != nil {
		return fault.New(fault.SourceReadError, "open csv", err)
	}
	cr := csv.NewReader(f)
	cr.Comma = r.comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	raw, err := cr.Read()
	if err != nil {
		f.Close()
		if err == io.EOF {
			return fault.Errorf(fault.SourceReadError, "open csv", "%s: missing header row", r.path)
		}
		return fault.New(fault.SourceReadError, "read csv header", err)
	}
	headers, err := headerNames(raw)
	if err != nil {
		f.Close()
		return fault.New(fault.SourceReadError, "read csv header", err)
	}
	r.file, r.reader, r.headers = f, cr, headers
	return nil
}

// Next returns the next non-blank row.
func (r *CSVReader) Next(ctx context.Context) (models.RawRow, error) {
	if r.reader == nil {
		return nil, fault.Errorf(fault.SourceReadError, "read csv", "%s: reader not open", r.path)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells, err := r.reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, fault.New(fault.InvalidInput, "read csv", err)
			}
			return nil, fault.New(fault.SourceReadError, "read csv", err)
		}
		if blank(cells) {
			continue
		}
		row, err := buildRow(r.headers, cells)
		if err != nil {
			line, _ := r.reader.FieldPos(0)
			return nil, fault.Errorf(fault.InvalidInput, "read csv", "%s line %d: %v", r.path, line, err)
		}
		return row, nil
	}
}

// Headers returns the column names read by Open.
func (r *CSVReader) Headers() []string { return r.headers }

// Close closes the file.
func (r *CSVReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.reader = nil, nil
	return err
}
