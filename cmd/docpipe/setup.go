package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/patient-docs/internal/branching"
	"github.com/jonathan/patient-docs/internal/catalog"
	"github.com/jonathan/patient-docs/internal/config"
	"github.com/jonathan/patient-docs/internal/db"
	"github.com/jonathan/patient-docs/internal/invoker"
	"github.com/jonathan/patient-docs/internal/llm"
	plog "github.com/jonathan/patient-docs/internal/log"
	"github.com/jonathan/patient-docs/internal/observability"
	"github.com/jonathan/patient-docs/internal/pipeline"
	"github.com/jonathan/patient-docs/internal/recorder"
	"github.com/jonathan/patient-docs/internal/types"
)

// Flags shared by every command
var (
	configPath  string
	databaseURL string
	stepsFile   string
	apiKey      string
	logLevel    string
	verbose     bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to JSON config file")
	flags.StringVar(&databaseURL, "db-url", "", "PostgreSQL connection URL (or set DATABASE_URL)")
	flags.StringVar(&stepsFile, "steps", "", "YAML/JSON step configuration file used instead of the database")
	flags.StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Print detailed output")
}

// loadConfig resolves the effective configuration. Precedence is flags, then the config file,
// then the environment, then defaults. override applies command-specific flags.
func loadConfig(cmd *cobra.Command, override func(cfg *config.Config)) (config.Config, error) {
	var cfg config.Config

	// Step 1: Load config file if provided
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config: %w", err)
		}
		if err := loaded.Validate(); err != nil {
			return cfg, err
		}
		cfg = *loaded
	}

	// Step 2: Apply CLI overrides; only flags that were explicitly set
	flags := cmd.Flags()
	if flags.Changed("db-url") {
		cfg.DatabaseURL = databaseURL
	}
	if flags.Changed("steps") {
		cfg.StepsFile = stepsFile
	}
	if flags.Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("verbose") {
		cfg.Verbose = verbose
	}
	if override != nil {
		override(&cfg)
	}

	// Step 3: Environment and defaults for anything still unset
	cfg.ApplyEnv()
	cfg = cfg.MergeWithDefaults(config.Defaults())

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	plog.Setup(cfg.LogLevel)
	return cfg, nil
}

// backend bundles the step source, class registry and job store chosen by configuration.
// A database URL selects Postgres for all three; a steps file takes over the step source and
// registry; without either the embedded default pipeline and an in-memory job store are used.
type backend struct {
	steps    pipeline.StepSource
	registry branching.Registry
	store    recorder.Store

	database *db.DB
	catalog  *catalog.Catalog
	memory   *recorder.MemoryStore
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}

	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.database = database
		b.steps = database
		b.registry = database
		b.store = database
	} else {
		b.memory = recorder.NewMemoryStore()
		b.store = b.memory
	}

	switch {
	case cfg.StepsFile != "":
		c, err := catalog.LoadFile(cfg.StepsFile)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.useCatalog(c)
	case b.database == nil:
		c, err := catalog.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to load default pipeline: %w", err)
		}
		b.useCatalog(c)
	}

	return b, nil
}

func (b *backend) useCatalog(c *catalog.Catalog) {
	b.catalog = c
	b.steps = c
	b.registry = c
}

// requireDatabase fails for commands that only make sense against Postgres.
func (b *backend) requireDatabase() (*db.DB, error) {
	if b.database == nil {
		return nil, fmt.Errorf("DATABASE_URL environment variable or --db-url flag is required")
	}
	return b.database, nil
}

func (b *backend) Close() {
	if b.database != nil {
		b.database.Close()
	}
}

// engineDeps holds the engine together with the resources it needs released.
type engineDeps struct {
	engine *pipeline.Engine
	client *llm.GeminiClient
}

func (d *engineDeps) Close() {
	if d.client != nil {
		_ = d.client.Close()
	}
}

func buildEngine(ctx context.Context, cfg config.Config, b *backend, onProgress pipeline.ProgressCallback) (*engineDeps, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable or --api-key flag is required")
	}

	client, err := llm.NewClient(ctx, cfg.LLMConfig(), cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	inv := invoker.New(client, invoker.Options{
		BackoffUnit: cfg.Backoff(),
		Logger:      plog.WithModule("invoker"),
	})
	resolver := branching.NewResolver(b.registry, plog.WithModule("branching"))
	rec := recorder.New(b.store, plog.WithModule("recorder"))

	engine := pipeline.NewEngine(b.steps, inv, resolver, pipeline.Options{
		Recorder:       rec,
		Tracer:         observability.Tracer(),
		Logger:         plog.WithModule("pipeline"),
		TruncateLength: cfg.TruncateLength,
		OnProgress:     onProgress,
	})

	return &engineDeps{engine: engine, client: client}, nil
}

// setupTracing installs the OTLP exporter when an endpoint is configured. The returned function
// flushes pending spans.
func setupTracing(ctx context.Context, cfg config.Config) (func(), error) {
	shutdown, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}, nil
}

// parseContextPairs turns repeated key=value flags into template variables.
func parseContextPairs(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context value %q: expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// jobDetails loads a job and its step executions from whichever store recorded them.
// Returns nil when the job cannot be found.
func (b *backend) jobDetails(ctx context.Context, jobID string) (*types.PipelineJob, []types.StepExecutionRecord) {
	if jobID == "" {
		return nil, nil
	}
	if b.memory != nil {
		return b.memory.Job(jobID), b.memory.StepExecutions(jobID)
	}

	job, err := b.database.GetJob(ctx, jobID)
	if err != nil || job == nil {
		if err != nil {
			slog.WarnContext(ctx, "Failed to load job", "job_id", jobID, "error", err)
		}
		return nil, nil
	}
	records, err := b.database.ListStepExecutions(ctx, jobID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load step executions", "job_id", jobID, "error", err)
	}
	return job, records
}
