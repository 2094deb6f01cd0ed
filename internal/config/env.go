package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables that override file settings.
const (
	EnvDatabasePath       = "CSVRAG_DATABASE_PATH"
	EnvIndexPath          = "CSVRAG_INDEX_PATH"
	EnvBatchSize          = "CSVRAG_BATCH_SIZE"
	EnvEmbeddingBatchSize = "CSVRAG_EMBEDDING_BATCH_SIZE"
	EnvEmbeddingProvider  = "CSVRAG_EMBEDDING_PROVIDER"
	EnvEmbeddingModel     = "CSVRAG_EMBEDDING_MODEL"
	EnvEmbeddingBaseURL   = "CSVRAG_EMBEDDING_BASE_URL"
	EnvEmbeddingAPIKey    = "CSVRAG_EMBEDDING_API_KEY"
	EnvDebug              = "CSVRAG_DEBUG"
)

// ApplyEnv overrides cfg from the environment and resolves the embedding API key.
// Call it after Load (or Default), and after loading any .env file.
func ApplyEnv(cfg *Config) error {
	setString(&cfg.Storage.DatabasePath, EnvDatabasePath)
	setString(&cfg.Storage.IndexPath, EnvIndexPath)
	setString(&cfg.Embedding.Provider, EnvEmbeddingProvider)
	setString(&cfg.Embedding.Model, EnvEmbeddingModel)
	setString(&cfg.Embedding.BaseURL, EnvEmbeddingBaseURL)
	if err := setInt(&cfg.Ingest.BatchSize, EnvBatchSize); err != nil {
		return err
	}
	if err := setInt(&cfg.Embedding.BatchSize, EnvEmbeddingBatchSize); err != nil {
		return err
	}
	if v, ok := os.LookupEnv(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}
		cfg.Debug = b
	}

	// Provider may have changed; fill provider-specific defaults before resolving the key.
	ApplyDefaults(cfg)
	if v := os.Getenv(EnvEmbeddingAPIKey); v != "" {
		cfg.Embedding.APIKey = v
	} else if cfg.Embedding.APIKeyEnv != "" {
		cfg.Embedding.APIKey = os.Getenv(cfg.Embedding.APIKeyEnv)
	}
	return cfg.Validate()
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s %q: must be a positive integer", key, v)
	}
	*dst = n
	return nil
}
