package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gridmind/internal/config"
	"gridmind/internal/engine"
	"gridmind/internal/knowledge"
	"gridmind/internal/logging"
	"gridmind/internal/memory"
	"gridmind/internal/packs"
	"gridmind/internal/planner"
	"gridmind/internal/store"
	"gridmind/internal/turnlog"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// run flags
	framesPath  string
	outPath     string
	dbPath      string
	packsDir    string
	metricsAddr string
	turnTimeout time.Duration
	noWatch     bool

	// export flags
	exportOut  string
	exportName string

	// state flags
	mutationLimit int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gridmind",
	Short: "gridmind - persistent reasoning core for grid-puzzle agents",
	Long: `gridmind is the reasoning core of an agent that plays unfamiliar
grid-based puzzles by repeatedly observing, hypothesizing, and acting.

It maintains a persistent rule store with confidence scoring, turn-based
decay, and consolidation on external success signals; an append-only turn
log for causal attribution; and a mood-driven action planner. Perception
and execution are external collaborators: observation frames come in as
JSON lines, decisions go out the same way.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd replays observation frames through the engine
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay observation frames through the reasoning core",
	Long: `Reads JSONL observation frames (a file via --frames, or stdin) and
processes one turn per frame: grade the previous prediction, ingest
evidence, decay, consolidate on episode-complete, plan, commit. One JSONL
decision line is written per frame.

With --db, the full reasoning state is loaded before the run and saved
after it, so a later run resumes with everything the agent has learned.`,
	RunE: runReplay,
}

// stateCmd summarizes a persisted reasoning state
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print a knowledge and mood summary from a state database",
	RunE:  showState,
}

// exportCmd writes the learned rule set as a knowledge pack
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export learned rules from a state database as a knowledge pack",
	Long: `Writes every non-contradicted rule and hypothesis in the database
as a YAML knowledge pack. Dropping the pack into a packs directory seeds a
fresh session with the exported knowledge as prior hypotheses.`,
	RunE: exportPack,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .gridmind/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd.Flags().StringVar(&framesPath, "frames", "", "JSONL observation frames (default stdin)")
	runCmd.Flags().StringVar(&outPath, "out", "", "JSONL decision output (default stdout)")
	runCmd.Flags().StringVar(&dbPath, "db", "", "state database path (overrides config)")
	runCmd.Flags().StringVar(&packsDir, "packs", "", "knowledge pack directory (overrides config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	runCmd.Flags().DurationVar(&turnTimeout, "turn-timeout", 0, "per-turn frame deadline (0 disables)")
	runCmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable pack directory watching")

	stateCmd.Flags().StringVar(&dbPath, "db", "", "state database path (overrides config)")
	stateCmd.Flags().IntVar(&mutationLimit, "mutations", 10, "recent confidence mutations to show")

	exportCmd.Flags().StringVar(&dbPath, "db", "", "state database path (overrides config)")
	exportCmd.Flags().StringVar(&exportOut, "out", "pack.yaml", "output pack file")
	exportCmd.Flags().StringVar(&exportName, "name", "exported", "pack name")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// RUN
// =============================================================================

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("gridmind run starting (db=%s packs=%s)", cfg.Store.Path, cfg.Packs.Dir)

	audit, err := logging.NewAudit(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence. An empty path means a memory-only run.
	var stateStore *store.StateStore
	snap := store.Snapshot{}
	if cfg.Store.Path != "" {
		stateStore, err = store.NewStateStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer stateStore.Close()
		if snap, err = stateStore.Load(); err != nil {
			return err
		}
	}

	eng, err := restoreEngine(snap, audit, cfg.Engine.MinRuleConfidence)
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if !snap.Empty() {
		logger.Info("resumed prior session",
			zap.Int("rules", len(snap.Records)),
			zap.Int("turns", len(snap.Entries)),
			zap.Int("episode", snap.Episode))
	}

	// Knowledge packs seed the store before the first frame; the watcher
	// folds later edits in between turns.
	runnerOpts := engine.RunnerOptions{TurnTimeout: cfg.GetTurnTimeout()}
	if cfg.Packs.Dir != "" {
		result, err := packs.LoadDir(cfg.Packs.Dir, eng.Store())
		if err != nil {
			return err
		}
		if result.Packs > 0 {
			logger.Info("loaded knowledge packs",
				zap.Int("packs", result.Packs),
				zap.Int("seeded", result.Seeded),
				zap.Int("skipped", result.Skipped),
				zap.Int("invalid", result.Invalid))
		}
		if cfg.Packs.Watch {
			watcher, err := packs.NewWatcher(cfg.Packs.Dir, eng.Store(), cfg.GetPackDebounce())
			if err != nil {
				logger.Warn("pack watcher unavailable", zap.Error(err))
			} else if err := watcher.Start(ctx); err != nil {
				logger.Warn("pack watcher failed to start", zap.Error(err))
			} else {
				defer watcher.Stop()
				runnerOpts.BetweenTurns = func() { watcher.Drain() }
			}
		}
	}

	shutdownMetrics, err := serveMetrics(cfg)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	in, out, cleanup, err := openStreams()
	if err != nil {
		return err
	}
	defer cleanup()

	sessionID := uuid.New().String()
	start := time.Now()
	audit.SessionStart(sessionID)

	runErr := engine.NewRunner(eng, runnerOpts).Run(ctx, in, out)

	audit.SessionEnd(sessionID, eng.TurnLog().Len(), time.Since(start))
	_ = audit.Sync()

	// Learned state survives even a failed run; the engine only commits
	// finalized turns, so whatever is here is consistent.
	if stateStore != nil {
		if err := stateStore.Save(snapshotOf(eng)); err != nil {
			if runErr != nil {
				logger.Error("failed to save state after run error", zap.Error(err))
				return runErr
			}
			return err
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("replay complete",
		zap.Int("turns", eng.TurnLog().Len()),
		zap.Int("episode", eng.Episode()),
		zap.Int("rules", eng.Store().Len()))
	return nil
}

// openStreams resolves the frame source and decision sink from flags.
func openStreams() (io.Reader, io.Writer, func(), error) {
	var (
		in      io.Reader = os.Stdin
		out     io.Writer = os.Stdout
		closers []io.Closer
	)
	none := func() {}

	if framesPath != "" {
		f, err := os.Open(framesPath)
		if err != nil {
			return nil, nil, none, fmt.Errorf("failed to open frames: %w", err)
		}
		in = f
		closers = append(closers, f)
	}
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, none, fmt.Errorf("failed to create output: %w", err)
		}
		out = f
		closers = append(closers, f)
	}

	return in, out, func() {
		for _, c := range closers {
			c.Close()
		}
	}, nil
}

// serveMetrics starts the Prometheus endpoint when enabled. The returned
// function shuts the listener down.
func serveMetrics(cfg *config.Config) (func(), error) {
	if !cfg.Metrics.Enabled {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	// Give a bad address a moment to fail fast rather than silently
	// serving nothing for the whole run.
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return func() {}, fmt.Errorf("metrics endpoint: %w", err)
		}
	case <-time.After(100 * time.Millisecond):
	}

	logging.Metrics("Serving /metrics on %s", cfg.Metrics.Addr)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// =============================================================================
// STATE
// =============================================================================

func showState(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("no state database configured (use --db)")
	}

	stateStore, err := store.NewStateStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer stateStore.Close()

	snap, err := stateStore.Load()
	if err != nil {
		return err
	}
	if snap.Empty() {
		fmt.Println("No prior session recorded.")
		return nil
	}

	ks, err := knowledge.Restore(snap.Records)
	if err != nil {
		return fmt.Errorf("corrupt rule table: %w", err)
	}
	hyp, active, contradicted := ks.Counts()

	fmt.Printf("Episode:       %d\n", snap.Episode)
	fmt.Printf("Turns logged:  %d\n", len(snap.Entries))
	fmt.Printf("Experiences:   %d\n", len(snap.Experiences))
	fmt.Println()
	fmt.Printf("Knowledge:     %d records (%d hypotheses, %d active rules, %d contradicted)\n",
		len(snap.Records), hyp, active, contradicted)
	for _, rec := range ks.ActiveRules(0) {
		proven := ""
		if rec.LevelProven {
			proven = " [level-proven]"
		}
		fmt.Printf("  %.2f  %-14s %s%s\n", rec.Confidence, rec.Category, rec.Statement, proven)
	}
	fmt.Println()

	mood := snap.Mood
	if !mood.Valid() {
		mood = planner.NewMood()
	}
	fmt.Printf("Mood:          %s (confidence %.2f, frustration %.2f, curiosity %.2f)\n",
		mood.State, mood.Confidence, mood.Frustration, mood.Curiosity)
	if snap.Telemetry.ConfidenceTrend != "" {
		fmt.Printf("Trajectory:    confidence %s, stability %.2f\n",
			snap.Telemetry.ConfidenceTrend, snap.Telemetry.Stability)
	}

	if mutationLimit > 0 {
		muts, err := stateStore.RecentMutations(mutationLimit)
		if err != nil {
			return err
		}
		if len(muts) > 0 {
			fmt.Println()
			fmt.Printf("Recent confidence changes:\n")
			for _, m := range muts {
				fmt.Printf("  turn %-4d %-12s %s: %.3f -> %.3f\n",
					m.Turn, m.Cause, shortID(m.RuleID), m.OldConfidence, m.NewConfidence)
			}
		}
	}

	counts, err := stateStore.Stats()
	if err != nil {
		return err
	}
	tables := make([]string, 0, len(counts))
	for name := range counts {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	fmt.Println()
	for _, name := range tables {
		fmt.Printf("%-13s %d rows\n", name+":", counts[name])
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// =============================================================================
// EXPORT
// =============================================================================

func exportPack(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("no state database configured (use --db)")
	}

	stateStore, err := store.NewStateStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer stateStore.Close()

	snap, err := stateStore.Load()
	if err != nil {
		return err
	}
	ks, err := knowledge.Restore(snap.Records)
	if err != nil {
		return fmt.Errorf("corrupt rule table: %w", err)
	}

	pack := packs.Export(exportName, ks)
	if len(pack.Seeds) == 0 {
		return fmt.Errorf("nothing to export: no non-contradicted records")
	}
	if err := packs.WriteFile(exportOut, pack); err != nil {
		return err
	}
	fmt.Printf("Exported %d seeds to %s\n", len(pack.Seeds), exportOut)
	return nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// loadConfig resolves the effective configuration: defaults, then the config
// file, then environment variables, then explicit flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = ".gridmind/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if cmd.Flags().Changed("packs") {
		cfg.Packs.Dir = packsDir
	}
	if cmd.Flags().Changed("no-watch") {
		cfg.Packs.Watch = !noWatch
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
		cfg.Metrics.Enabled = true
	}
	if cmd.Flags().Changed("turn-timeout") {
		cfg.Engine.TurnTimeout = turnTimeout.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// restoreEngine rebuilds the engine from a persisted snapshot. A fresh or
// empty snapshot yields a cold-start engine.
func restoreEngine(snap store.Snapshot, audit *logging.Audit, minConfidence float64) (*engine.Engine, error) {
	opts := engine.Options{
		Audit:             audit,
		Episode:           snap.Episode,
		MinRuleConfidence: minConfidence,
	}
	if snap.Empty() {
		return engine.New(opts), nil
	}

	ks, err := knowledge.Restore(snap.Records)
	if err != nil {
		return nil, err
	}
	tl, err := turnlog.Restore(snap.Entries)
	if err != nil {
		return nil, err
	}
	opts.Store = ks
	opts.Log = tl
	opts.Bank = memory.RestoreBank(snap.Experiences)
	if snap.Mood.Valid() {
		opts.Planner = planner.Restore(snap.Mood)
	}
	return engine.New(opts), nil
}

// snapshotOf captures the engine's full state for persistence.
func snapshotOf(e *engine.Engine) store.Snapshot {
	return store.Snapshot{
		Episode:     e.Episode(),
		Records:     e.Store().All(),
		Entries:     e.TurnLog().Entries(),
		Mood:        e.Mood(),
		Telemetry:   e.Telemetry(),
		Experiences: e.Bank().All(),
		Mutations:   e.Store().DrainMutations(),
	}
}
