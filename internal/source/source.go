// Package source reads tabular rows from CSV and XLSX files.
package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

// Reader produces the rows of one source as a lazy, finite sequence. Open (re)starts
// the sequence from the first data row; Next returns io.EOF once it is exhausted.
//
// Next fails with fault.InvalidInput for a single malformed row, after which reading
// may continue, and with fault.SourceReadError when the source itself cannot be read.
type Reader interface {
	Name() string
	Open(ctx context.Context) error
	Next(ctx context.Context) (models.RawRow, error)
	Close() error
}

// Supported reports whether path has an extension Open can read.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".xlsx":
		return true
	}
	return false
}

// Open returns an unopened Reader for path chosen by file extension.
func Open(path string) (Reader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return NewCSVReader(path, ','), nil
	case ".tsv":
		return NewCSVReader(path, '\t'), nil
	case ".xlsx":
		return NewXLSXReader(path, ""), nil
	default:
		return nil, fault.Errorf(fault.InvalidInput, "open source", "unsupported file type: %s", path)
	}
}

// headerNames cleans a header row: a UTF-8 BOM is dropped, names are trimmed, blank
// names become column_<n>, and duplicates are rejected.
func headerNames(raw []string) ([]string, error) {
	names := make([]string, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, h := range raw {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		if seen[h] {
			return nil, fmt.Errorf("duplicate column %q", h)
		}
		seen[h] = true
		names[i] = h
	}
	return names, nil
}

// buildRow zips headers with cells. Missing trailing cells are nil; extra cells are an error.
func buildRow(headers, cells []string) (models.RawRow, error) {
	if len(cells) > len(headers) {
		return nil, fmt.Errorf("row has %d cells but header has %d columns", len(cells), len(headers))
	}
	row := make(models.RawRow, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			row[h] = cells[i]
		} else {
			row[h] = nil
		}
	}
	return row, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
