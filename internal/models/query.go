package models

import "fmt"

// QueryRequest is a nearest-neighbour query over ingested records.
type QueryRequest struct {
	Query  string            `json:"query"`
	TopK   int               `json:"top_k,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

// Validate ensures the request has a query and clamps TopK into [1, maxTopK], using defaultTopK when unset.
func (q *QueryRequest) Validate(defaultTopK, maxTopK int) error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.TopK <= 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	return nil
}

// QueryResult is one resolved hit. Score is the index-reported distance (lower is closer).
type QueryResult struct {
	ID         int64             `json:"id"`
	ExternalID string            `json:"external_id,omitempty"`
	Content    string            `json:"content"`
	Fields     map[string]string `json:"fields"`
	Score      float64           `json:"score"`
	Rank       int               `json:"rank"`
}

// QueryResponse is the response for a query request.
type QueryResponse struct {
	Results   []*QueryResult `json:"results"`
	Query     string         `json:"query"`
	QueryTime int64          `json:"query_time_ms"`
	// Stale lists index keys that had no relational row and were dropped.
	Stale []string `json:"stale,omitempty"`
}
