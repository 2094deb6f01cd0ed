package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/csvrag/internal/fault"
)

// EmbedAll embeds texts in chunks of at most batchSize and returns the vectors in
// input order. Each chunk call is bounded by timeout when it is positive. The result
// is all-or-nothing: any chunk failure fails the whole call with
// fault.EmbeddingUnavailable, or with the context error when ctx itself ended.
func EmbedAll(ctx context.Context, e Embedder, texts []string, batchSize int, timeout time.Duration) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		chunk := texts[start:min(start+batchSize, len(texts))]
		vecs, err := embedChunk(ctx, e, chunk, timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func embedChunk(ctx context.Context, e Embedder, texts []string, timeout time.Duration) ([][]float32, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	vecs, err := e.EmbedBatch(callCtx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if fault.KindOf(err) == fault.EmbeddingUnavailable {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Errorf(fault.EmbeddingUnavailable, "embed", "timed out after %s", timeout)
		}
		return nil, fault.New(fault.EmbeddingUnavailable, "embed", err)
	}
	if len(vecs) != len(texts) {
		return nil, fault.New(fault.EmbeddingUnavailable, "embed", errBatchSize(len(vecs), len(texts)))
	}
	dims := e.Dimensions()
	for i, v := range vecs {
		if len(v) == 0 || (dims > 0 && len(v) != dims) {
			return nil, fault.New(fault.EmbeddingUnavailable, "embed",
				fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), dims))
		}
	}
	return vecs, nil
}

func errBatchSize(got, want int) error {
	return fmt.Errorf("model returned %d vectors for %d texts", got, want)
}
