package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"loom/internal/collect"
	"loom/internal/config"
	"loom/internal/counter"
	"loom/internal/embedding"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/queue"
	"loom/internal/reasoning"
	"loom/internal/retry"
	"loom/internal/scheduler"
	"loom/internal/server"
	"loom/internal/store"
	"loom/internal/vector"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - asynchronous content pipeline",
	Long: `loom turns collected raw text into categorized social content through
an asynchronous multi-stage pipeline.

A counter-triggered scheduler collects upstream text, fans out to parallel
context producers over a shared buffer, and refines the joined context into
short- and medium-term digests. The record chain observes the refined
context, researches it, fact-checks, drafts and selects angles, and
categorizes the result. Every stage is independently triggerable over HTTP.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return logging.Initialize(workspace)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	store  *store.Store
	runner *pipeline.Runner
	queue  *queue.Queue
	sched  *scheduler.Scheduler
	vec    *vector.Search
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// buildApp wires the full pipeline from configuration.
func buildApp(requireSecrets bool) (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if requireSecrets {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	dbPath := cfg.Store.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(workspace, dbPath)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st}

	// Embedding + vector search. A missing embedding key degrades to the
	// deterministic local engine rather than disabling search.
	engCfg := embedding.Config{
		Provider: cfg.Embedding.Provider,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
	}
	if engCfg.Provider == "genai" && engCfg.APIKey == "" {
		logger.Warn("no embedding API key, using local hash embeddings")
		engCfg.Provider = "hash"
	}
	eng, err := embedding.NewEngine(engCfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	vec, err := vector.New(st.DB(), eng)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.vec = vec

	// Reasoning clients.
	var clients pipeline.ClientSet
	if cfg.Reasoning.Default.APIKey != "" {
		clients.Default, err = reasoning.NewClient(llmConfig(cfg.Reasoning.Default))
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	if cfg.Reasoning.Research.APIKey != "" {
		clients.Research, err = reasoning.NewClient(llmConfig(cfg.Reasoning.Research))
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	runnerCfg := pipeline.DefaultConfig()
	runnerCfg.RetryPolicy = retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   config.Duration(cfg.Retry.BaseDelay, time.Second),
		Multiplier:  2,
	}
	a.runner = pipeline.NewRunner(st, vec, clients, runnerCfg)

	a.queue = queue.New(st, a.runner, queue.Options{
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   config.Duration(cfg.Queue.BaseDelay, 2*time.Second),
	})

	// Counter backend.
	var ctr counter.Counter
	switch cfg.Counter.Backend {
	case "rest":
		ctr, err = counter.NewRESTClient(counter.RESTConfig{
			BaseURL: cfg.Counter.URL,
			Token:   cfg.Counter.Token,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	case "memory":
		ctr = counter.NewMemory()
	default:
		ctr = counter.NewSQL(st.DB())
	}

	// Collector.
	var col collect.Collector
	if cfg.Collector.URL != "" {
		col, err = collect.NewHTTPCollector(collect.Config{
			URL:     cfg.Collector.URL,
			Token:   cfg.Collector.Token,
			Timeout: config.Duration(cfg.Collector.Timeout, 60*time.Second),
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	if col != nil {
		a.sched = scheduler.New(st, ctr, col, a.queue.Enqueue, scheduler.Config{
			FanOutEvery: cfg.Scheduler.FanOutEvery,
			MediumEvery: cfg.Scheduler.MediumEvery,
			RetryPolicy: runnerCfg.RetryPolicy,
		})
	}

	return a, nil
}

func llmConfig(c config.LLMConfig) reasoning.Config {
	return reasoning.Config{
		Provider: c.Provider,
		APIKey:   c.APIKey,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
		Timeout:  config.Duration(c.Timeout, 0),
	}
}

// serveCmd runs the HTTP trigger surface and the queue workers.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trigger server and stage workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a.queue.Start(ctx)
		defer a.queue.Stop()

		// Live-reload cadence thresholds on config change.
		cfgPath := configPath
		if cfgPath == "" {
			cfgPath = config.DefaultPath(workspace)
		}
		if w, err := config.NewWatcher(cfgPath, func(c *config.Config) {
			if a.sched != nil {
				a.sched.SetCadence(c.Scheduler.FanOutEvery, c.Scheduler.MediumEvery)
			}
		}); err == nil {
			if err := w.Start(); err == nil {
				defer w.Stop()
			}
		}

		stats := map[string]server.StatsProvider{
			"queue":  a.queue,
			"vector": statsFunc(a.vec.Stats),
			"store":  statsFunc(a.store.Stats),
		}
		srv := server.New(a.runner, a.sched, stats, server.Config{
			Addr:         a.cfg.Server.Addr,
			StageTimeout: config.Duration(a.cfg.Server.StageTimeout, 5*time.Minute),
			Logger:       logger,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			shutdownCtx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}

// statsFunc adapts a method to the stats interface.
type statsFunc func(ctx context.Context) (map[string]interface{}, error)

func (f statsFunc) Stats(ctx context.Context) (map[string]interface{}, error) {
	return f(ctx)
}

var (
	stageRecordID string
	stageBufferID string
)

// stageCmd triggers a single stage once, without the server.
var stageCmd = &cobra.Command{
	Use:   "stage [name]",
	Short: "Run one pipeline stage",
	Long: `Runs a single stage to completion and prints the result. Without
--record or --buffer the stage resolves its own target, exactly as the HTTP
trigger does.

Stages: ` + stageList(),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, err := pipeline.ParseStage(args[0])
		if err != nil {
			return err
		}

		a, err := buildApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.runner.Run(cmd.Context(), stage, stageRecordID, stageBufferID)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// tickCmd runs one scheduler cycle.
var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one collection cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if a.sched == nil {
			return fmt.Errorf("no collector configured; set collector.url")
		}
		res, err := a.sched.Tick(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// statsCmd prints pipeline state counts.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		out := map[string]interface{}{}
		if s, err := a.store.Stats(cmd.Context()); err == nil {
			out["store"] = s
		}
		if s, err := a.queue.Stats(cmd.Context()); err == nil {
			out["queue"] = s
		}
		if s, err := a.vec.Stats(cmd.Context()); err == nil {
			out["vector"] = s
		}
		return printJSON(out)
	},
}

// deadCmd lists dead-lettered stage tasks.
var deadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered stage tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		dead, err := a.store.DeadTasks(cmd.Context(), 100)
		if err != nil {
			return err
		}
		return printJSON(dead)
	},
}

// initCmd writes a starter config file.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath(workspace)
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func stageList() string {
	out := ""
	for i, s := range pipeline.Stages() {
		if i > 0 {
			out += ", "
		}
		out += string(s)
	}
	return out
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	stageCmd.Flags().StringVar(&stageRecordID, "record", "", "explicit pipeline record id")
	stageCmd.Flags().StringVar(&stageBufferID, "buffer", "", "explicit unrefined buffer id")

	rootCmd.AddCommand(serveCmd, stageCmd, tickCmd, statsCmd, deadCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
