package source

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/hyperjump/csvrag/internal/fault"
)

// Ref returns the canonical reference of a file source: its cleaned absolute path.
// The same file always yields the same reference, which keys its lock and registry entry.
func Ref(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Checksum returns the lowercase hex SHA-256 of the file contents.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fault.New(fault.SourceReadError, "checksum", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fault.New(fault.SourceReadError, "checksum", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
