package normalize

import (
	"testing"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"trim and collapse", "  a \t b\n\nc  ", "a b c"},
		{"no-break space", "a\u00a0b", "a b"},
		{"zero width", "ab\u200bc\ufeff", "abc"},
		{"smart quotes", "\u201cquoted\u201d \u2018x\u2019", "\"quoted\" 'x'"},
		{"dashes", "a\u2013b\u2014c", "a-b-c"},
		{"compose", "e\u0301", "\u00e9"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.in); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextIdempotent(t *testing.T) {
	in := " \u201cCafe\u0301\u201d \u2014 open\u00a0late "
	once := Text(in)
	if twice := Text(once); twice != once {
		t.Errorf("Text not idempotent: %q then %q", once, twice)
	}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := Fingerprint(map[string]string{"name": "Cafe", "city": "Paris", "note": ""})
	b := Fingerprint(map[string]string{"note": "", "city": "Paris", "name": "Cafe"})
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	c := Fingerprint(map[string]string{"name": "Cafe", "city": "Lyon", "note": ""})
	if a == c {
		t.Error("fingerprint should change when a value changes")
	}
}

func TestFingerprintKnownValue(t *testing.T) {
	// sha256("a=1;b=;")
	want := "7e4aeb5af629cdf6b08ce2cbccf30f2199315f6e0b126c07bdfbf038061f7b6b"
	if got := Fingerprint(map[string]string{"b": "", "a": "1"}); got != want {
		t.Errorf("Fingerprint = %s, want %s", got, want)
	}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(
		WithExemptFields("map_link"),
		WithIgnoredContentFields("external_id", "map_link"),
	)
	rec, err := n.Normalize(models.RawRow{
		"name":        "  Caf\u00e9\u00a0Central ",
		"rating":      4.5,
		"open":        true,
		"map_link":    "https://maps.example/?q=a  b",
		"external_id": "ext-1",
		"notes":       nil,
		"phone":       "#NAME?",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec.Fields["name"] != "Café Central" {
		t.Errorf("name = %q", rec.Fields["name"])
	}
	if rec.Fields["rating"] != "4.5" || rec.Fields["open"] != "true" {
		t.Errorf("scalar fields = %q %q", rec.Fields["rating"], rec.Fields["open"])
	}
	if rec.Fields["map_link"] != "https://maps.example/?q=a  b" {
		t.Errorf("exempt field modified: %q", rec.Fields["map_link"])
	}
	if v, ok := rec.Fields["notes"]; !ok || v != "" {
		t.Errorf("null field = %q, %v", v, ok)
	}
	if rec.Fields["phone"] != "" {
		t.Errorf("error cell should read as empty, got %q", rec.Fields["phone"])
	}
	if rec.ExternalID != "ext-1" {
		t.Errorf("ExternalID = %q", rec.ExternalID)
	}
	wantContent := "name: Café Central | open: true | rating: 4.5"
	if rec.Content != wantContent {
		t.Errorf("Content = %q, want %q", rec.Content, wantContent)
	}
	if rec.Fingerprint != Fingerprint(rec.Fields) {
		t.Error("fingerprint does not match fields")
	}
}

func TestNormalizeKeyOrderIrrelevant(t *testing.T) {
	n := NewNormalizer()
	a, err := n.Normalize(models.RawRow{"x": "1", "y": "2"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(models.RawRow{"y": "2", "x": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint != b.Fingerprint || a.Content != b.Content {
		t.Error("key order changed the record")
	}
}

func TestNormalizeInvalid(t *testing.T) {
	n := NewNormalizer()
	tests := []struct {
		name string
		raw  models.RawRow
	}{
		{"empty row", models.RawRow{}},
		{"empty column", models.RawRow{"": "x"}},
		{"nested map", models.RawRow{"a": map[string]string{"b": "c"}}},
		{"slice", models.RawRow{"a": []string{"b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.raw)
			if !fault.Is(err, fault.InvalidInput) {
				t.Errorf("expected InvalidInput, got %v", err)
			}
		})
	}
}
