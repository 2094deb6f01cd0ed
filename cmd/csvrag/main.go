// Package main is the csvrag CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/cli"
	"github.com/hyperjump/csvrag/internal/config"
	"github.com/hyperjump/csvrag/internal/ingest"
	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/internal/server"
	"github.com/hyperjump/csvrag/internal/watcher"
	"github.com/hyperjump/csvrag/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/csvrag/config.yaml"

// errRunFailed signals a command that already reported its failure.
var errRunFailed = errors.New("one or more runs failed")

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory takes precedence, and a missing default file means built-in
// defaults. Environment overrides are applied last. Returns the config and the
// path that was loaded, empty for built-in defaults.
func loadConfig(path string) (*config.Config, string, error) {
	var (
		cfg      *config.Config
		resolved string
		err      error
	)
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			if fallback := filepath.Join(cwd, "config.yaml"); fileExists(fallback) {
				path = fallback
			}
		}
	}
	switch {
	case fileExists(path):
		cfg, err = config.Load(path)
		resolved = path
	case path == defaultConfigPath:
		cfg = config.Default()
	default:
		_, err = config.Load(path)
	}
	if err != nil {
		return nil, "", err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, resolved, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "server":
		err = runServer(args)
	case "ingest":
		err = runIngest(args)
	case "query":
		err = runQuery(args)
	case "status":
		err = runStatus(args)
	case "delete-source":
		err = runDeleteSource(args)
	case "watch":
		err = runWatch(args)
	case "version", "--version", "-v":
		fmt.Printf("csvrag version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		}
		os.Exit(1)
	}
}

// setup loads config, builds the logger and initializes components.
func setup(configPath string, debug, lockWait bool) (*config.Config, *zap.Logger, *Components, error) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	components, err := initializeComponents(cfg, logger, lockWait)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return cfg, logger, components, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, logger, components, err := setup(*configPath, *debug, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	ctx, stop := signalContext()
	defer stop()

	handler := watcher.NewIngestHandler(components.Ingest, ingest.FileOptions{}, logger)
	watchSvc := watcher.New(cfg.Watch.Directories, handler,
		watcher.WithLogger(logger),
		watcher.WithRecursive(cfg.Watch.RecursiveOrDefault()),
		watcher.WithFilter(watchFilter(cfg.Watch.Extensions)),
	)
	if err := watchSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watchSvc.Stop()
	go watchSvc.Sync(ctx)

	srv := server.NewServer(components.Ingest, components.Query, components.Store, &cfg.Server, logger,
		server.WithWatch(watchSvc),
		server.WithStatusPaths(statusPaths(cfg)...),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	watchSvc.Stop()
	if err := components.Index.Persist(shutdownCtx); err != nil {
		logger.Warn("vector index persist failed", zap.Error(err))
	}
	return nil
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	force := fs.Bool("force", false, "re-ingest files whose content is unchanged")
	batchSize := fs.Int("batch-size", 0, "records per batch (default from config)")
	wait := fs.Bool("wait", false, "wait for a source lock held by another run instead of failing")
	output := fs.String("output", "text", "output format: text or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: csvrag ingest [flags] <file-or-directory>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() != 1 {
		fs.Usage()
		return errRunFailed
	}
	format, err := cli.ParseFormat(*output)
	if err != nil {
		return err
	}
	path := fs.Arg(0)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat path: %w", err)
	}

	_, logger, components, err := setup(*configPath, *debug, *wait)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	ctx, stop := signalContext()
	defer stop()

	opts := ingest.FileOptions{BatchSize: *batchSize, Force: *force}
	var results []*models.IngestResult
	if info.IsDir() {
		results, err = components.Ingest.IngestDirectory(ctx, path, opts)
		if err != nil {
			return err
		}
	} else {
		results = []*models.IngestResult{components.Ingest.IngestFile(ctx, path, opts)}
	}
	if err := cli.WriteIngestResults(os.Stdout, results, format); err != nil {
		return err
	}
	for _, r := range results {
		if !r.OK() {
			return errRunFailed
		}
	}
	return nil
}

func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL; empty queries the local stores directly")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	output := fs.String("output", "text", "output format: text, compact, or json")
	pruneStale := fs.Bool("prune-stale", false, "delete index entries whose records no longer exist")
	filters := filterFlag{}
	fs.Var(filters, "filter", "metadata equality filter key=value (repeatable), e.g. source=/data/a.csv")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: csvrag query [flags] <text>\n\n")
		fmt.Fprintf(fs.Output(), "Text is all remaining arguments joined by spaces.\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(reorderArgs(args))

	text := buildQuery(fs.Args())
	if text == "" {
		fs.Usage()
		return errRunFailed
	}
	format, err := cli.ParseFormat(*output)
	if err != nil {
		return err
	}
	req := &models.QueryRequest{Query: text, TopK: *topK}
	if len(filters) > 0 {
		req.Filter = filters
	}

	if *serverURL != "" {
		if *pruneStale {
			return fmt.Errorf("--prune-stale needs direct store access; drop --server")
		}
		resp, err := queryViaHTTP(*serverURL, req)
		if err != nil {
			return err
		}
		return cli.WriteQueryResults(os.Stdout, resp, format)
	}

	_, logger, components, err := setup(*configPath, false, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	ctx, stop := signalContext()
	defer stop()
	resp, err := components.Query.Query(ctx, req)
	if err != nil {
		return err
	}
	if err := cli.WriteQueryResults(os.Stdout, resp, format); err != nil {
		return err
	}
	if *pruneStale && len(resp.Stale) > 0 {
		n, err := components.Query.DeleteStale(ctx, resp.Stale)
		if err != nil {
			return fmt.Errorf("prune stale entries: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Pruned %d stale index entries\n", n)
	}
	return nil
}

func queryViaHTTP(serverURL string, req *models.QueryRequest) (*models.QueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(strings.TrimRight(serverURL, "/")+"/api/v1/query", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var out models.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)
	format, err := cli.ParseFormat(*output)
	if err != nil {
		return err
	}

	cfg, logger, components, err := setup(*configPath, false, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	st, err := components.Ingest.Status(context.Background(), statusPaths(cfg)...)
	if err != nil {
		return err
	}
	return cli.WriteStatus(os.Stdout, st, format)
}

func runDeleteSource(args []string) error {
	fs := flag.NewFlagSet("delete-source", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Println("Usage: csvrag delete-source [flags] <path>")
		return errRunFailed
	}

	_, logger, components, err := setup(*configPath, false, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	n, err := components.Ingest.DeleteSource(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d record(s) of %s\n", n, fs.Arg(0))
	return nil
}

// runWatch ingests the watched directories in the foreground, without the HTTP API.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, logger, components, err := setup(*configPath, *debug, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	dirs := cfg.Watch.Directories
	if fs.NArg() > 0 {
		dirs = fs.Args()
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to watch: pass them as arguments or set watch.directories")
	}

	ctx, stop := signalContext()
	defer stop()
	w := watcher.New(dirs, watcher.NewIngestHandler(components.Ingest, ingest.FileOptions{}, logger),
		watcher.WithLogger(logger),
		watcher.WithRecursive(cfg.Watch.RecursiveOrDefault()),
		watcher.WithFilter(watchFilter(cfg.Watch.Extensions)),
	)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()
	w.Sync(ctx)
	<-ctx.Done()
	return nil
}

// filterFlag collects repeated key=value flags.
type filterFlag map[string]string

func (f filterFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f filterFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("filter must be key=value, got %q", s)
	}
	f[strings.TrimSpace(k)] = v
	return nil
}

// buildQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves any flags (and their values) that appear after the positional
// arguments to the front so that flag.Parse sees them. Go's flag package stops at
// the first non-flag argument.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printUsage() {
	fmt.Println(`csvrag - CSV ingestion and semantic query engine

Usage:
  csvrag server [flags]                    Start the HTTP server and directory watcher
  csvrag ingest [flags] <file-or-dir>      Ingest CSV/TSV/XLSX files
  csvrag query [flags] <text>              Query ingested records
  csvrag status [flags]                    Show store, index and source status
  csvrag delete-source [flags] <path>      Delete a source's records and vectors
  csvrag watch [flags] [dir...]            Ingest files as they change
  csvrag version                           Show version
  csvrag help                              Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/csvrag/config.yaml,
                     or ./config.yaml when present)

Ingest Flags:
  --force            Re-ingest files whose checksum is unchanged
  --batch-size int   Records per batch (default from config: 64)
  --wait             Wait for a source lock instead of failing fast
  --output string    text or json

Query Flags:
  --top-k int        Number of results (default from config: 10)
  --filter k=v       Metadata equality filter, repeatable (e.g. source=/data/a.csv)
  --output string    text, compact, or json
  --server string    Query a running server instead of the local stores
  --prune-stale      Delete index entries whose records no longer exist

Environment:
  CSVRAG_DATABASE_PATH, CSVRAG_INDEX_PATH, CSVRAG_BATCH_SIZE, CSVRAG_EMBEDDING_BATCH_SIZE,
  CSVRAG_EMBEDDING_PROVIDER, CSVRAG_EMBEDDING_MODEL, CSVRAG_EMBEDDING_BASE_URL,
  CSVRAG_EMBEDDING_API_KEY, CSVRAG_DEBUG. A .env file in the working directory is loaded first.

Examples:
  csvrag ingest ./data/places.csv
  csvrag ingest --batch-size 256 ./data
  csvrag query --top-k 5 coffee near the river
  csvrag query --output json --filter source=/data/places.csv "late night ramen"
  csvrag status --output json
  csvrag delete-source ./data/places.csv`)
}
