package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readAll(t *testing.T, r Reader) (rows []models.RawRow, invalid int) {
	t.Helper()
	ctx := context.Background()
	for {
		row, err := r.Next(ctx)
		if err == io.EOF {
			return rows, invalid
		}
		if fault.Is(err, fault.InvalidInput) {
			invalid++
			continue
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, row)
	}
}

func TestCSVReader(t *testing.T) {
	path := writeFile(t, "places.csv", "\ufeffname,city, rating\nCafe,Paris,4.5\n\nBar,Lyon\nBad,Row,1,extra\n\"Quoted, name\",Nice,3\n")
	r := NewCSVReader(path, ',')
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if h := r.Headers(); len(h) != 3 || h[0] != "name" || h[2] != "rating" {
		t.Fatalf("headers = %q", h)
	}
	rows, invalid := readAll(t, r)
	if len(rows) != 3 || invalid != 1 {
		t.Fatalf("rows=%d invalid=%d, want 3 and 1", len(rows), invalid)
	}
	if rows[0]["name"] != "Cafe" || rows[0]["rating"] != "4.5" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if v, ok := rows[1]["rating"]; !ok || v != nil {
		t.Errorf("missing trailing cell should be nil, got %v", v)
	}
	if rows[2]["name"] != "Quoted, name" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestCSVReader_Restartable(t *testing.T) {
	path := writeFile(t, "a.csv", "id,v\n1,a\n2,b\n3,c\n")
	r := NewCSVReader(path, ',')
	ctx := context.Background()
	if err := r.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Open(ctx); err != nil {
		t.Fatal(err)
	}
	rows, _ := readAll(t, r)
	if len(rows) != 3 || rows[0]["id"] != "1" {
		t.Errorf("reopen should restart from the first row, got %v", rows)
	}
}

func TestCSVReader_Errors(t *testing.T) {
	ctx := context.Background()
	r := NewCSVReader(filepath.Join(t.TempDir(), "missing.csv"), ',')
	if err := r.Open(ctx); !fault.Is(err, fault.SourceReadError) {
		t.Errorf("missing file: expected SourceReadError, got %v", err)
	}

	empty := NewCSVReader(writeFile(t, "empty.csv", ""), ',')
	if err := empty.Open(ctx); !fault.Is(err, fault.SourceReadError) {
		t.Errorf("empty file: expected SourceReadError, got %v", err)
	}

	dup := NewCSVReader(writeFile(t, "dup.csv", "a,a\n1,2\n"), ',')
	if err := dup.Open(ctx); !fault.Is(err, fault.SourceReadError) {
		t.Errorf("duplicate header: expected SourceReadError, got %v", err)
	}

	unopened := NewCSVReader("x.csv", ',')
	if _, err := unopened.Next(ctx); !fault.Is(err, fault.SourceReadError) {
		t.Errorf("unopened: expected SourceReadError, got %v", err)
	}
}

func TestHeaderNames(t *testing.T) {
	got, err := headerNames([]string{" a ", "", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != "a" || got[1] != "column_2" || got[2] != "b" {
		t.Errorf("headerNames = %q", got)
	}
}

func TestXLSXReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	data := [][]any{
		{"name", "city"},
		{"Cafe", "Paris"},
		{nil, nil},
		{"Bar", "Lyon"},
	}
	for i, row := range data {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	rows, invalid := readAll(t, r)
	if len(rows) != 2 || invalid != 0 {
		t.Fatalf("rows=%v invalid=%d", rows, invalid)
	}
	if rows[1]["name"] != "Bar" || rows[1]["city"] != "Lyon" {
		t.Errorf("row 1 = %v", rows[1])
	}
}

func TestOpenByExtension(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"a.csv", true},
		{"a.CSV", true},
		{"a.tsv", true},
		{"a.xlsx", true},
		{"a.pdf", false},
	}
	for _, tt := range tests {
		_, err := Open(tt.path)
		if (err == nil) != tt.ok || Supported(tt.path) != tt.ok {
			t.Errorf("Open(%q) err=%v supported=%v", tt.path, err, Supported(tt.path))
		}
	}
}

func TestRefAndChecksum(t *testing.T) {
	path := writeFile(t, "a.csv", "id\n1\n")
	ref, err := Ref(path)
	if err != nil {
		t.Fatal(err)
	}
	dotted, _ := Ref(filepath.Join(filepath.Dir(path), ".", "a.csv"))
	if ref != dotted || !filepath.IsAbs(ref) {
		t.Errorf("Ref not canonical: %q vs %q", ref, dotted)
	}

	sum1, err := Checksum(path)
	if err != nil || len(sum1) != 64 {
		t.Fatalf("Checksum = %q, %v", sum1, err)
	}
	_ = os.WriteFile(path, []byte("id\n2\n"), 0644)
	sum2, _ := Checksum(path)
	if sum1 == sum2 {
		t.Error("checksum should change with content")
	}
}
