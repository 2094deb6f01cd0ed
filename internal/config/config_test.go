package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
  index_type: sqlite
embedding:
  provider: openai
  timeout: 15s
ingest:
  batch_size: 16
  lock_wait: true
  lock_wait_timeout: 2m
  exempt_fields: [sku]
query:
  default_top_k: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" || cfg.Storage.IndexType != "sqlite" {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Embedding.Timeout != 15*time.Second {
		t.Errorf("embedding timeout = %s", cfg.Embedding.Timeout)
	}
	if cfg.Embedding.BaseURL == "" || cfg.Embedding.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("openai defaults not applied: %+v", cfg.Embedding)
	}
	if cfg.Ingest.BatchSize != 16 || !cfg.Ingest.LockWait || cfg.Ingest.LockWaitTimeout != 2*time.Minute {
		t.Errorf("unexpected ingest config: %+v", cfg.Ingest)
	}
	if len(cfg.Ingest.ExemptFields) != 1 || cfg.Ingest.ExemptFields[0] != "sku" {
		t.Errorf("exempt fields = %v", cfg.Ingest.ExemptFields)
	}
	if cfg.Query.DefaultTopK != 5 || cfg.Query.MaxTopK != 100 {
		t.Errorf("unexpected query config: %+v", cfg.Query)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./data/csvrag.db"
  index_path: "./data/vectors.idx"
  lock_dir: "./data/locks"
watch:
  directories: ["./dev/sample"]
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "data", "csvrag.db"); cfg.Storage.DatabasePath != want {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, want)
	}
	if want := filepath.Join(dir, "data", "locks"); cfg.Storage.LockDir != want {
		t.Errorf("lock_dir = %s, want %s", cfg.Storage.LockDir, want)
	}
	if len(cfg.Watch.Directories) != 1 || cfg.Watch.Directories[0] != filepath.Join(dir, "dev", "sample") {
		t.Errorf("watch directories = %v", cfg.Watch.Directories)
	}
}

func TestLoad_lockDirFollowsDatabase(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./shared/csvrag.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(filepath.Dir(path), "shared", "locks")
	if got := cfg.Storage.LockDirOrDefault(); got != want {
		t.Errorf("lock dir = %s, want %s", got, want)
	}

	// An env override of the database moves the locks with it.
	t.Setenv(EnvDatabasePath, "/srv/csvrag/csvrag.db")
	if err := ApplyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if got := cfg.Storage.LockDirOrDefault(); got != filepath.Join("/srv/csvrag", "locks") {
		t.Errorf("lock dir after env override = %s", got)
	}

	cfg.Storage.LockDir = "/var/lock/csvrag"
	if got := cfg.Storage.LockDirOrDefault(); got != "/var/lock/csvrag" {
		t.Errorf("explicit lock dir = %s", got)
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"provider", "embedding:\n  provider: word2vec\n"},
		{"index type", "storage:\n  index_type: faiss\n"},
		{"top k", "query:\n  default_top_k: 50\n  max_top_k: 10\n"},
		{"yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("default server: %+v", cfg.Server)
	}
	if cfg.Embedding.Provider != ProviderMock || cfg.Embedding.Dimensions != 384 || cfg.Embedding.BatchSize != 128 {
		t.Errorf("default embedding: %+v", cfg.Embedding)
	}
	if cfg.Embedding.Timeout != 60*time.Second {
		t.Errorf("default timeout: %s", cfg.Embedding.Timeout)
	}
	if cfg.Ingest.BatchSize != 64 || cfg.Ingest.MaxRetries != 3 || cfg.Ingest.Workers != 4 {
		t.Errorf("default ingest: %+v", cfg.Ingest)
	}
	if cfg.Ingest.RetryBaseDelay != 200*time.Millisecond || cfg.Ingest.LockWait {
		t.Errorf("default retry/lock: %+v", cfg.Ingest)
	}
	if len(cfg.Ingest.Extensions) != 2 || cfg.Ingest.Extensions[0] != ".csv" {
		t.Errorf("default extensions: %v", cfg.Ingest.Extensions)
	}
	if len(cfg.Ingest.IgnoreContentFields) != 8 || cfg.Ingest.ExemptFields[0] != "map_link" {
		t.Errorf("default field lists: %+v", cfg.Ingest)
	}
	if cfg.Query.DefaultTopK != 10 || cfg.Query.MaxTopK != 100 {
		t.Errorf("default query: %+v", cfg.Query)
	}
	if len(cfg.Watch.Extensions) != 2 {
		t.Errorf("watch extensions should follow ingest extensions: %v", cfg.Watch.Extensions)
	}
	if cfg.Storage.IndexType != "sqlite" || filepath.Ext(cfg.Storage.IndexPath) != ".db" {
		t.Errorf("default index: %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/data"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	f := false
	if !(&WatchConfig{}).RecursiveOrDefault() {
		t.Error("nil should mean recursive")
	}
	if (&WatchConfig{Recursive: &f}).RecursiveOrDefault() {
		t.Error("explicit false should be honored")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvDatabasePath, "/srv/csvrag.db")
	t.Setenv(EnvBatchSize, "32")
	t.Setenv(EnvEmbeddingProvider, "openai")
	t.Setenv(EnvDebug, "true")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := Default()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DatabasePath != "/srv/csvrag.db" || cfg.Ingest.BatchSize != 32 || !cfg.Debug {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Embedding.Provider != ProviderOpenAI || cfg.Embedding.APIKey != "sk-test" {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}

	t.Setenv(EnvEmbeddingAPIKey, "sk-direct")
	if err := ApplyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.APIKey != "sk-direct" {
		t.Errorf("direct key should win, got %q", cfg.Embedding.APIKey)
	}
}

func TestApplyEnv_invalid(t *testing.T) {
	t.Setenv(EnvBatchSize, "lots")
	if err := ApplyEnv(Default()); err == nil {
		t.Error("expected error for non-numeric batch size")
	}
}
