package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/analysis"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/api"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/batch"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/config"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/events"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/graph"
	"github.com/rgoerwit/ai-investment-agent-sub000/internal/validator"
	"go.uber.org/zap"
)

type flags struct {
	subject      string
	subjectsFile string
	mode         string
	skipMemory   bool
	out          string
	force        bool
	parallel     int
	runs         int
	serve        string
}

func parseFlags(args []string) (*flags, []string, error) {
	f := &flags{}
	fs := flag.NewFlagSet("analyzer", flag.ContinueOnError)
	fs.StringVar(&f.subject, "subject", "", "subject to analyze; comma-separated for several")
	fs.StringVar(&f.subjectsFile, "subjects-file", "", "file with one subject per line")
	fs.StringVar(&f.mode, "mode", "fast", "fast or thorough")
	fs.BoolVar(&f.skipMemory, "skip-memory", false, "neither recall nor store memory")
	fs.StringVar(&f.out, "out", "", "output directory (overrides batch.out_dir)")
	fs.BoolVar(&f.force, "force", false, "re-run subjects that already have a complete report")
	fs.IntVar(&f.parallel, "parallel", 0, "concurrent subjects (overrides batch.parallel)")
	fs.IntVar(&f.runs, "runs", 1, "batch passes; later passes retry only what is not done")
	fs.StringVar(&f.serve, "serve", "", "serve the status API on this address, e.g. :8080")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

// readSubjects merges -subject, -subjects-file and positional arguments.
// Blank lines and lines starting with # are ignored.
func readSubjects(f *flags, args []string) ([]string, error) {
	var out []string
	for _, s := range strings.Split(f.subject, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if f.subjectsFile != "" {
		file, err := os.Open(f.subjectsFile)
		if err != nil {
			return nil, fmt.Errorf("open subjects file: %w", err)
		}
		defer file.Close()
		sc := bufio.NewScanner(file)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			out = append(out, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read subjects file: %w", err)
		}
	}
	return append(out, args...), nil
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 when the batch completed, whatever
// its verdicts, and 1 when the environment failed.
func run(args []string) int {
	_ = godotenv.Load()

	f, positional, err := parseFlags(args)
	if err != nil {
		return 2
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/analyzer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("config loaded", zap.String("path", cfgPath))

	mode, err := analysis.ParseMode(f.mode)
	if err != nil {
		logger.Error("invalid mode", zap.Error(err))
		return 2
	}
	subjects, err := readSubjects(f, positional)
	if err != nil {
		logger.Error("read subjects", zap.Error(err))
		return 1
	}
	if len(subjects) == 0 && f.serve == "" {
		logger.Error("nothing to do", zap.Error(batch.ErrNoSubjects))
		return 2
	}

	rules := validator.DefaultTable()
	if cfg.Validator.RulesFile != "" {
		if rules, err = validator.LoadTable(cfg.Validator.RulesFile); err != nil {
			logger.Error("load validator rules", zap.Error(err))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer svc.Close()

	observers := graph.Observers{graph.LogObserver{Logger: logger}}
	if svc.bus != nil {
		evObs := events.NewObserver(svc.bus, logger)
		defer evObs.Close()
		observers = append(observers, evObs)
	}
	executor := graph.NewExecutor(graph.ExecutorConfig{
		MaxParallel: cfg.Executor.MaxParallel,
		RunTimeout:  cfg.Executor.RunTimeout.Std(),
		CancelGrace: cfg.Executor.CancelGrace.Std(),
	}, observers, logger)

	analyzer := analysis.New(svc.pipeline, svc.router, svc.memory, executor, analysis.Config{
		Rules:           rules,
		MaxTokens:       cfg.Executor.MaxTokens,
		DebateRounds:    cfg.Executor.DebateRounds,
		DebateEarlyExit: cfg.Executor.DebateEarlyExit,
	}, logger)
	if cfg.Executor.DebateRounds > 0 {
		logger.Info("debate rounds fixed by config, -mode does not change them",
			zap.Int("rounds", cfg.Executor.DebateRounds))
	}

	bc := batch.Config{
		OutDir:   cfg.Batch.OutDir,
		Parallel: cfg.Batch.Parallel,
		Force:    cfg.Batch.Force || f.force,
		Options:  analysis.Options{Mode: mode, SkipMemory: f.skipMemory},
	}
	if f.out != "" {
		bc.OutDir = f.out
	}
	if f.parallel > 0 {
		bc.Parallel = f.parallel
	}

	var srv *http.Server
	if f.serve != "" {
		srv = serve(f.serve, bc.OutDir, svc, logger)
	}

	code := 0
	if len(subjects) > 0 {
		code = runBatches(ctx, analyzer, bc, f.runs, subjects, svc, logger)
	}

	if srv != nil {
		if len(subjects) > 0 {
			logger.Info("batch finished, status API still serving until interrupted")
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	return code
}

// runBatches runs the batch up to runs times. Later passes only pick up what
// an earlier pass left undone, since complete artifacts are skipped.
func runBatches(ctx context.Context, analyzer *analysis.Analyzer, bc batch.Config, runs int, subjects []string, svc *services, logger *zap.Logger) int {
	if runs < 1 {
		runs = 1
	}
	newManager := func(bc batch.Config) *batch.Manager {
		mgr := batch.NewManager(analyzer, nil, bc, logger)
		if svc.pg != nil {
			mgr.WithSink(svc.pg)
		}
		if len(svc.notifier) > 0 {
			mgr.WithNotifier(svc.notifier)
		}
		return mgr
	}
	mgr := newManager(bc)

	var sum *batch.Summary
	for pass := 1; pass <= runs; pass++ {
		var err error
		sum, err = mgr.Run(ctx, subjects)
		if err != nil {
			logger.Error("batch failed", zap.Int("pass", pass), zap.Error(err))
			return 1
		}
		logger.Info("batch pass finished",
			zap.Int("pass", pass),
			zap.Int("done", len(sum.Done)),
			zap.Int("skipped", len(sum.Skipped)),
			zap.Int("failed", len(sum.Failed)))
		if len(sum.Failed) == 0 || ctx.Err() != nil {
			break
		}
		if pass == 1 && bc.Force {
			// Only the first pass is forced; retries resume.
			bc.Force = false
			mgr = newManager(bc)
		}
	}
	if len(sum.Infra) > 0 {
		logger.Error("infrastructure failures", zap.Strings("subjects", sum.Infra))
		return 1
	}
	return 0
}

func serve(addr, outDir string, svc *services, logger *zap.Logger) *http.Server {
	var handler *api.Handler
	if svc.pg != nil {
		handler = api.NewHandler(svc.pg, logger).WithOutcomes(svc.pg)
	} else {
		handler = api.NewHandler(batch.FileManifest{Dir: outDir}, logger)
	}
	if svc.bus != nil {
		handler.WithEvents(svc.bus)
	}
	handler.WithLimiter(svc.limiter)

	srv := &http.Server{Addr: addr, Handler: handler.Router()}
	go func() {
		logger.Info("status API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()
	return srv
}
