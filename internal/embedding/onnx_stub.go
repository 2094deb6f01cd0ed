//go:build !cgo
// +build !cgo

package embedding

import (
	"context"

	"github.com/hyperjump/csvrag/internal/fault"
)

// ONNXEmbedder stub type when built without CGO (see onnx.go for real implementation).
type ONNXEmbedder struct{}

// NewONNXEmbedder returns EmbeddingUnavailable when built without CGO.
func NewONNXEmbedder(_ ONNXConfig) (*ONNXEmbedder, error) {
	return nil, fault.Errorf(fault.EmbeddingUnavailable, "onnx init",
		"ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, errNoONNX }

func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errNoONNX
}

func (e *ONNXEmbedder) Dimensions() int { return 0 }
func (e *ONNXEmbedder) Close() error    { return nil }

var errNoONNX = fault.Errorf(fault.EmbeddingUnavailable, "onnx embed", "built without CGO")
