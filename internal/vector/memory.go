package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/lock"
	"github.com/hyperjump/csvrag/internal/models"
)

// snapshotMagic prefixes every MemoryIndex snapshot; the trailing byte is the format version.
var snapshotMagic = [4]byte{'C', 'R', 'V', 1}

// MemoryIndex is an in-memory brute-force index. When created with a path, Persist
// writes a snapshot there and NewMemoryIndex loads it back. The snapshot has a single
// owner: the index holds an exclusive lock on it until Close, so a second process
// cannot open the same path and overwrite it with a diverging copy.
type MemoryIndex struct {
	dimensions int
	path       string
	owner      lock.Lease
	keys       []string
	vectors    [][]float32
	meta       []map[string]string
	slot       map[string]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension, loading
// the snapshot at path when it exists. An empty path disables persistence.
func NewMemoryIndex(dimensions int, path string) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	m := &MemoryIndex{
		dimensions: dimensions,
		path:       path,
		slot:       make(map[string]int),
	}
	if path != "" {
		lease, err := claimSnapshot(path)
		if err != nil {
			return nil, err
		}
		m.owner = lease
	}
	if err := m.load(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// claimSnapshot takes the owner lock for the snapshot at path. The lock file lives
// next to the snapshot and is released by the OS if the process dies.
func claimSnapshot(path string) (lock.Lease, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fault.New(fault.IndexUnavailable, "index open", err)
	}
	locker, err := lock.NewSQLiteLocker(filepath.Dir(abs))
	if err != nil {
		return nil, fault.New(fault.IndexUnavailable, "index open", err)
	}
	lease, err := locker.Acquire(context.Background(), abs)
	if err != nil {
		if fault.Is(err, fault.LockContention) {
			return nil, fault.Errorf(fault.IndexUnavailable, "index open",
				"%s is owned by another process; use index_type sqlite to share an index", path)
		}
		return nil, fault.New(fault.IndexUnavailable, "index open", err)
	}
	return lease, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Add inserts entries, replacing the vector and metadata of existing keys.
// The whole call is rejected if any vector has the wrong dimension.
func (m *MemoryIndex) Add(ctx context.Context, entries []models.VectorEntry) error {
	for _, e := range entries {
		if e.Key == "" {
			return fault.Errorf(fault.InvalidInput, "index add", "empty key")
		}
		if len(e.Vector) != m.dimensions {
			return fault.Errorf(fault.InvalidInput, "index add",
				"key %s: vector dimension mismatch: got %d, expected %d", e.Key, len(e.Vector), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		vec := make([]float32, m.dimensions)
		copy(vec, e.Vector)
		if i, ok := m.slot[e.Key]; ok {
			m.vectors[i] = vec
			m.meta[i] = copyMeta(e.Metadata)
			continue
		}
		m.slot[e.Key] = len(m.keys)
		m.keys = append(m.keys, e.Key)
		m.vectors = append(m.vectors, vec)
		m.meta = append(m.meta, copyMeta(e.Metadata))
	}
	return nil
}

// Query returns up to k entries matching filter, closest first.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]*Hit, error) {
	if len(vector) != m.dimensions {
		return nil, fault.Errorf(fault.InvalidInput, "index query",
			"query dimension mismatch: got %d, expected %d", len(vector), m.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]*Hit, 0, len(m.keys))
	for i, key := range m.keys {
		if !matches(m.meta[i], filter) {
			continue
		}
		hits = append(hits, &Hit{Key: key, Distance: CosineDistance(vector, m.vectors[i]), Metadata: copyMeta(m.meta[i])})
	}
	return rank(hits, k), nil
}

// Delete removes the given keys. Unknown keys are ignored.
func (m *MemoryIndex) Delete(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		i, ok := m.slot[key]
		if !ok {
			continue
		}
		last := len(m.keys) - 1
		if i != last {
			m.keys[i], m.vectors[i], m.meta[i] = m.keys[last], m.vectors[last], m.meta[last]
			m.slot[m.keys[i]] = i
		}
		m.keys, m.vectors, m.meta = m.keys[:last], m.vectors[:last], m.meta[:last]
		delete(m.slot, key)
	}
	return nil
}

// Keys returns all keys in the index, in no particular order.
func (m *MemoryIndex) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.keys...)
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Close releases the snapshot. It does not persist; call Persist first to keep the contents.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil {
		return nil
	}
	err := m.owner.Release()
	m.owner = nil
	return err
}

// Persist writes a snapshot to a temporary file and renames it over the index path,
// so a crash mid-write leaves the previous snapshot intact.
//
// Format (little endian): magic [4]byte, dimension uint32, count uint32, then per entry:
// key (uint32 length + bytes), vector (dimension float32), metadata pair count uint32,
// and each pair as two length-prefixed strings.
func (m *MemoryIndex) Persist(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.owner == nil {
		return fault.Errorf(fault.IndexUnavailable, "index persist", "index is closed")
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := m.writeSnapshot(w); err != nil {
		tmp.Close()
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	if err := tmp.Close(); err != nil {
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fault.New(fault.IndexUnavailable, "index persist", err)
	}
	return nil
}

func (m *MemoryIndex) writeSnapshot(w io.Writer) error {
	if _, err := w.Write(snapshotMagic[:]); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(m.dimensions)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.keys))); err != nil {
		return err
	}
	for i, key := range m.keys {
		if err := writeString(w, key); err != nil {
			return err
		}
		if _, err := w.Write(float32SliceToBytes(m.vectors[i])); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(len(m.meta[i]))); err != nil {
			return err
		}
		for k, v := range m.meta[i] {
			if err := writeString(w, k); err != nil {
				return err
			}
			if err := writeString(w, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// load replaces the in-memory contents with the snapshot at m.path, if any.
func (m *MemoryIndex) load() error {
	if m.path == "" {
		return nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fault.New(fault.IndexUnavailable, "index load", err)
	}
	defer f.Close()
	if err := m.readSnapshot(bufio.NewReader(f)); err != nil {
		return fault.New(fault.IndexUnavailable, "index load", fmt.Errorf("%s: %w", m.path, err))
	}
	return nil
}

func (m *MemoryIndex) readSnapshot(r io.Reader) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if magic != snapshotMagic {
		return errors.New("not an index snapshot")
	}
	dim, err := readUint32(r)
	if err != nil {
		return err
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		key, err := readString(r)
		if err != nil {
			return err
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		pairs, err := readUint32(r)
		if err != nil {
			return err
		}
		var meta map[string]string
		if pairs > 0 {
			meta = make(map[string]string, pairs)
		}
		for p := uint32(0); p < pairs; p++ {
			k, err := readString(r)
			if err != nil {
				return err
			}
			v, err := readString(r)
			if err != nil {
				return err
			}
			meta[k] = v
		}
		m.slot[key] = len(m.keys)
		m.keys = append(m.keys, key)
		m.vectors = append(m.vectors, bytesToFloat32Slice(buf))
		m.meta = append(m.meta, meta)
	}
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
