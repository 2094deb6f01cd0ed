package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint returns the lowercase hex SHA-256 of the field set.
//
// Byte construction: field names are sorted by byte-wise lexicographic order; for each
// name the UTF-8 bytes of name, "=", value and ";" are fed to the hash in that order.
// Absent (null) values are encoded as the empty string. No other separators or
// prefixes are written, so any implementation following this rule yields the same digest.
func Fingerprint(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, k := range names {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(fields[k]))
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
