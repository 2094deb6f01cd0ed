package embedding

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/csvrag/internal/fault"
)

// markerEmbedder maps "t<n>" to the vector {n}, so order is visible in the output.
type markerEmbedder struct {
	mu      sync.Mutex
	calls   []int
	failOn  int
	delay   time.Duration
	short   bool
	closed bool
}

func (m *markerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *markerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, len(texts))
	call := len(m.calls)
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failOn == call {
		return nil, errors.New("model offline")
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		n, _ := strconv.Atoi(t[1:])
		out = append(out, []float32{float32(n)})
	}
	if m.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (m *markerEmbedder) Dimensions() int { return 1 }
func (m *markerEmbedder) Close() error    { m.closed = true; return nil }

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "t" + strconv.Itoa(i)
	}
	return out
}

func TestEmbedAll_PreservesOrder(t *testing.T) {
	m := &markerEmbedder{}
	in := texts(10)
	vecs, err := EmbedAll(context.Background(), m, in, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != len(in) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(in))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d = %v, want marker %d", i, v, i)
		}
	}
	want := []int{3, 3, 3, 1}
	if len(m.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", m.calls, want)
	}
	for i := range want {
		if m.calls[i] != want[i] {
			t.Errorf("calls = %v, want %v", m.calls, want)
			break
		}
	}
}

func TestEmbedAll_AllOrNothing(t *testing.T) {
	m := &markerEmbedder{failOn: 2}
	vecs, err := EmbedAll(context.Background(), m, texts(6), 2, 0)
	if vecs != nil {
		t.Errorf("expected no partial result, got %d vectors", len(vecs))
	}
	if !fault.Is(err, fault.EmbeddingUnavailable) {
		t.Errorf("expected EmbeddingUnavailable, got %v", err)
	}
}

func TestEmbedAll_ShortResponse(t *testing.T) {
	m := &markerEmbedder{short: true}
	_, err := EmbedAll(context.Background(), m, texts(3), 10, 0)
	if !fault.Is(err, fault.EmbeddingUnavailable) {
		t.Errorf("expected EmbeddingUnavailable, got %v", err)
	}
}

func TestEmbedAll_Timeout(t *testing.T) {
	m := &markerEmbedder{delay: time.Second}
	start := time.Now()
	_, err := EmbedAll(context.Background(), m, texts(2), 10, 20*time.Millisecond)
	if !fault.Is(err, fault.EmbeddingUnavailable) {
		t.Errorf("expected EmbeddingUnavailable on timeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout not enforced")
	}
}

func TestEmbedAll_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := EmbedAll(ctx, NewMockEmbedder(8), texts(2), 10, 0)
	if fault.KindOf(err) != fault.Canceled {
		t.Errorf("expected Canceled, got %v", err)
	}
}

func TestEmbedAll_Empty(t *testing.T) {
	vecs, err := EmbedAll(context.Background(), &markerEmbedder{}, nil, 4, 0)
	if err != nil || vecs != nil {
		t.Errorf("EmbedAll(nil) = %v, %v", vecs, err)
	}
}

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(16)
	ctx := context.Background()
	a, _ := e.Embed(ctx, "hello")
	b, _ := e.Embed(ctx, "hello")
	c, _ := e.Embed(ctx, "world")
	if len(a) != 16 {
		t.Fatalf("len = %d", len(a))
	}
	same, differs := true, false
	for i := range a {
		if a[i] != b[i] {
			same = false
		}
		if a[i] != c[i] {
			differs = true
		}
	}
	if !same {
		t.Error("same text should embed identically")
	}
	if !differs {
		t.Error("different texts should embed differently")
	}
}
