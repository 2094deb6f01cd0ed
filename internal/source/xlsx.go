package source

import (
	"context"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

// XLSXReader reads one worksheet of an Excel workbook whose first row is the header.
type XLSXReader struct {
	path    string
	sheet   string
	file    *excelize.File
	rows    *excelize.Rows
	headers []string
	line    int
}

// NewXLSXReader creates a reader for sheet of the workbook at path.
// An empty sheet name selects the first sheet.
func NewXLSXReader(path, sheet string) *XLSXReader {
	return &XLSXReader{path: path, sheet: sheet}
}

// Name returns the file path.
func (r *XLSXReader) Name() string { return r.path }

// Open (re)opens the workbook and reads the header row.
func (r *XLSXReader) Open(ctx context.Context) error {
	_ = r.Close()
	f, err := excelize.OpenFile(r.path)
	if err != nil {
		return fault.New(fault.SourceReadError, "open xlsx", err)
	}
	sheet := r.sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return fault.Errorf(fault.SourceReadError, "open xlsx", "%s: workbook has no sheets", r.path)
		}
		sheet = sheets[0]
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return fault.New(fault.SourceReadError, "open xlsx", err)
	}
	r.file, r.rows, r.line = f, rows, 0

	for {
		cells, err := r.nextCells()
		if err == io.EOF {
			_ = r.Close()
			return fault.Errorf(fault.SourceReadError, "open xlsx", "%s: missing header row", r.path)
		}
		if err != nil {
			_ = r.Close()
			return err
		}
		if blank(cells) {
			continue
		}
		if r.headers, err = headerNames(cells); err != nil {
			_ = r.Close()
			return fault.New(fault.SourceReadError, "read xlsx header", err)
		}
		return nil
	}
}

func (r *XLSXReader) nextCells() ([]string, error) {
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			return nil, fault.New(fault.SourceReadError, "read xlsx", err)
		}
		return nil, io.EOF
	}
	r.line++
	cells, err := r.rows.Columns()
	if err != nil {
		return nil, fault.New(fault.SourceReadError, "read xlsx", err)
	}
	return cells, nil
}

// Next returns the next non-blank row.
func (r *XLSXReader) Next(ctx context.Context) (models.RawRow, error) {
	if r.rows == nil {
		return nil, fault.Errorf(fault.SourceReadError, "read xlsx", "%s: reader not open", r.path)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells, err := r.nextCells()
		if err != nil {
			return nil, err
		}
		if blank(cells) {
			continue
		}
		row, err := buildRow(r.headers, cells)
		if err != nil {
			return nil, fault.Errorf(fault.InvalidInput, "read xlsx", "%s row %d: %v", r.path, r.line, err)
		}
		return row, nil
	}
}

// Close closes the workbook.
func (r *XLSXReader) Close() error {
	if r.file == nil {
		return nil
	}
	if r.rows != nil {
		_ = r.rows.Close()
	}
	err := r.file.Close()
	r.file, r.rows = nil, nil
	return err
}
