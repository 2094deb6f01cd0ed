package config

import "time"

// Embedding providers.
const (
	ProviderMock   = "mock"
	ProviderONNX   = "onnx"
	ProviderOpenAI = "openai"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/csvrag/data/csvrag.db"
	}
	if cfg.Storage.IndexType == "" {
		cfg.Storage.IndexType = "sqlite"
	}
	if cfg.Storage.IndexPath == "" {
		if cfg.Storage.IndexType == "memory" {
			cfg.Storage.IndexPath = "/usr/local/var/csvrag/data/vectors.idx"
		} else {
			cfg.Storage.IndexPath = "/usr/local/var/csvrag/data/vectors.db"
		}
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderMock
	}
	if cfg.Embedding.Provider == ProviderOpenAI {
		if cfg.Embedding.Model == "" {
			cfg.Embedding.Model = "text-embedding-3-small"
		}
		if cfg.Embedding.BaseURL == "" {
			cfg.Embedding.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedding.APIKeyEnv == "" {
			cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 128
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 60 * time.Second
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 64
	}
	if cfg.Ingest.LockWaitTimeout == 0 {
		cfg.Ingest.LockWaitTimeout = 5 * time.Minute
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 3
	}
	if cfg.Ingest.RetryBaseDelay == 0 {
		cfg.Ingest.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.ExemptFields == nil {
		cfg.Ingest.ExemptFields = []string{"map_link"}
	}
	if cfg.Ingest.IgnoreContentFields == nil {
		cfg.Ingest.IgnoreContentFields = []string{"id", "external_id", "phone", "phone_number", "map_link", "url", "link", "number"}
	}
	if cfg.Ingest.ExternalIDField == "" {
		cfg.Ingest.ExternalIDField = "external_id"
	}
	if cfg.Ingest.Extensions == nil {
		cfg.Ingest.Extensions = []string{".csv", ".xlsx"}
	}
	if cfg.Query.DefaultTopK == 0 {
		cfg.Query.DefaultTopK = 10
	}
	if cfg.Query.MaxTopK == 0 {
		cfg.Query.MaxTopK = 100
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = cfg.Ingest.Extensions
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
