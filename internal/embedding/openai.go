package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/pkg/utils"
)

// OpenAIConfig configures an OpenAI-compatible /embeddings endpoint.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings API. Transient HTTP failures
// (429, 5xx, transport errors) are retried with exponential backoff.
type OpenAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	maxRetries int
	client     *http.Client
}

// NewOpenAIEmbedder creates a client. Dimensions must match what the model returns.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIEmbedder{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxRetries: cfg.MaxRetries,
		client:     client,
	}, nil
}

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts in one request and returns vectors ordered by input index.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embeddingsRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if err := utils.Sleep(ctx, retryAfter(lastErr, attempt-1)); err != nil {
				return nil, err
			}
		}
		var payload []byte
		payload, lastErr = e.post(ctx, body)
		if lastErr == nil {
			return e.decode(payload, len(texts))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if se, ok := lastErr.(*statusError); ok && !se.retryable() {
			break
		}
	}
	return nil, fault.New(fault.EmbeddingUnavailable, "openai embed", lastErr)
}

func (e *OpenAIEmbedder) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		se := &statusError{code: resp.StatusCode, status: resp.Status, body: utils.Truncate(string(payload), 200)}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
		return nil, se
	}
	return payload, nil
}

func (e *OpenAIEmbedder) decode(payload []byte, n int) ([][]float32, error) {
	var out embeddingsResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fault.New(fault.EmbeddingUnavailable, "openai embed", fmt.Errorf("decode response: %w", err))
	}
	if len(out.Data) != n {
		return nil, fault.New(fault.EmbeddingUnavailable, "openai embed", errBatchSize(len(out.Data), n))
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, n)
	for i, d := range out.Data {
		if d.Index != i {
			return nil, fault.Errorf(fault.EmbeddingUnavailable, "openai embed", "response index %d out of range", d.Index)
		}
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// Dimensions returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases idle connections.
func (e *OpenAIEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

type statusError struct {
	code       int
	status     string
	body       string
	retryAfter time.Duration
}

func (s *statusError) Error() string {
	if s.body == "" {
		return "embeddings request failed: " + s.status
	}
	return fmt.Sprintf("embeddings request failed: %s: %s", s.status, s.body)
}

func (s *statusError) retryable() bool {
	return s.code == http.StatusTooManyRequests || s.code >= 500
}

func retryAfter(err error, attempt int) time.Duration {
	if se, ok := err.(*statusError); ok && se.retryAfter > 0 {
		return se.retryAfter
	}
	return utils.Backoff(200*time.Millisecond, 5*time.Second, attempt)
}
