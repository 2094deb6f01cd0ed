package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/models"
)

// DefaultExternalIDField is the column copied into Record.ExternalID when present.
const DefaultExternalIDField = "external_id"

// errorCell is what spreadsheet exports write for a broken formula; it is read as null.
const errorCell = "#NAME?"

// Normalizer turns raw rows into records. It is safe for concurrent use.
type Normalizer struct {
	exempt          map[string]struct{}
	ignoreContent   map[string]struct{}
	externalIDField string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithExemptFields passes the named fields through byte-for-byte.
func WithExemptFields(names ...string) Option {
	return func(n *Normalizer) {
		for _, name := range names {
			n.exempt[name] = struct{}{}
		}
	}
}

// WithIgnoredContentFields leaves the named fields (case-insensitive) out of the
// embedding content. They are still stored and fingerprinted.
func WithIgnoredContentFields(names ...string) Option {
	return func(n *Normalizer) {
		for _, name := range names {
			n.ignoreContent[strings.ToLower(name)] = struct{}{}
		}
	}
}

// WithExternalIDField sets the column used as the caller-supplied identifier.
func WithExternalIDField(name string) Option {
	return func(n *Normalizer) { n.externalIDField = name }
}

// NewNormalizer creates a normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		exempt:          make(map[string]struct{}),
		ignoreContent:   make(map[string]struct{}),
		externalIDField: DefaultExternalIDField,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize canonicalizes every field of raw and derives content and fingerprint.
// It fails with fault.InvalidInput for empty rows, empty column names and values
// that are not strings, numbers, booleans or nil.
func (n *Normalizer) Normalize(raw models.RawRow) (*models.Record, error) {
	if len(raw) == 0 {
		return nil, fault.Errorf(fault.InvalidInput, "normalize", "empty row")
	}
	fields := make(map[string]string, len(raw))
	for name, v := range raw {
		if name == "" {
			return nil, fault.Errorf(fault.InvalidInput, "normalize", "empty column name")
		}
		s, err := n.value(name, v)
		if err != nil {
			return nil, err
		}
		fields[name] = s
	}
	return &models.Record{
		Fingerprint: Fingerprint(fields),
		ExternalID:  fields[n.externalIDField],
		Content:     n.Content(fields),
		Fields:      fields,
	}, nil
}

func (n *Normalizer) value(name string, v any) (string, error) {
	_, exempt := n.exempt[name]
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		if exempt {
			return x, nil
		}
		if strings.TrimSpace(x) == errorCell {
			return "", nil
		}
		return Text(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fault.Errorf(fault.InvalidInput, "normalize", "field %q: unsupported value type %T", name, v)
	}
}

// Content renders fields as "name: value" pairs joined by " | " in sorted name order,
// skipping empty values and ignored fields.
func (n *Normalizer) Content(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		if _, skip := n.ignoreContent[strings.ToLower(k)]; skip {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s: %s", k, fields[k])
	}
	return strings.Join(parts, " | ")
}
