package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foresight-labs/foresight-go/internal/compliance"
	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/executor"
	"github.com/foresight-labs/foresight-go/internal/planner"
	"github.com/foresight-labs/foresight-go/internal/platform/auditlog"
	"github.com/foresight-labs/foresight-go/internal/platform/env"
	"github.com/foresight-labs/foresight-go/internal/platform/httpserver"
	"github.com/foresight-labs/foresight-go/internal/platform/objectstore"
	"github.com/foresight-labs/foresight-go/internal/platform/postgres"
	"github.com/foresight-labs/foresight-go/internal/repo"
	"github.com/foresight-labs/foresight-go/internal/repo/memory"
	repopg "github.com/foresight-labs/foresight-go/internal/repo/postgres"
	"github.com/foresight-labs/foresight-go/internal/service/expansion"
	"github.com/foresight-labs/foresight-go/internal/service/graph"
	"github.com/foresight-labs/foresight-go/internal/service/jobs"
	"github.com/foresight-labs/foresight-go/internal/service/runs"
	"github.com/foresight-labs/foresight-go/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ENGINE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ENGINE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	storeMode := env.String("FORESIGHT_STORE", "postgres")

	var (
		jobRepo      repo.JobRepository
		artifactRepo repo.ArtifactRepository
		graphRepo    repo.GraphRepository
		payloads     objectstore.PayloadStore
		audit        auditlog.Appender
		readiness    []httpserver.ReadinessCheck
	)

	switch storeMode {
	case "memory":
		logger.Warn("running with in-memory store, state is not durable")
		store := memory.New()
		jobRepo = store
		artifactRepo = store
		graphRepo = store
		payloads = objectstore.NewMemoryPayloadStore()
		audit = auditlog.NopAppender{}
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()

		jobRepo = repopg.NewJobStore(db)
		artifactRepo = repopg.NewArtifactStore(db)
		graphRepo = repopg.NewGraphStore(db)
		payloads = objectstore.NewMinIOPayloadStore(storeClient, storeCfg.BucketArtifacts)
		audit = auditlog.NewDBAppender(db)
		readiness = append(readiness,
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					return postgres.Ping(ctx, db, 750*time.Millisecond)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		)
	default:
		logger.Error("invalid FORESIGHT_STORE", "value", storeMode)
		os.Exit(2)
	}

	var (
		generator  executor.Generator
		simulator  executor.Simulator
		taskRunner executor.TaskRunner
	)
	switch mode := env.String("FORESIGHT_EXECUTOR", "http"); mode {
	case "static":
		logger.Warn("running with static executors, outputs are deterministic stubs")
		static := executor.NewStatic()
		generator = static
		simulator = static
		taskRunner = static
	case "http":
		execCfg, err := executor.HTTPConfigFromEnv()
		if err != nil {
			logger.Error("invalid executor config", "error", err)
			os.Exit(2)
		}
		client, err := executor.NewHTTPClient(execCfg)
		if err != nil {
			logger.Error("executor client init failed", "error", err)
			os.Exit(2)
		}
		generator = client
		simulator = client
		taskRunner = client
	default:
		logger.Error("invalid FORESIGHT_EXECUTOR", "value", mode)
		os.Exit(2)
	}

	limits, err := planner.LoadLimits(env.String("FORESIGHT_PLANNER_LIMITS", ""))
	if err != nil {
		logger.Error("invalid planner limits", "error", err)
		os.Exit(2)
	}
	pathPlanner := planner.New(limits)

	jobService := jobs.New(jobRepo, artifactRepo, payloads, audit, logger)
	graphService := graph.New(graphRepo, jobRepo, audit, logger)
	checker := compliance.NewChecker()
	expansionCoordinator := expansion.New(jobService, graphService, generator, checker, logger)
	runCoordinator := runs.New(jobService, graphService, simulator, logger)

	workers, err := env.Int("FORESIGHT_WORKERS", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	pollInterval, err := env.Duration("FORESIGHT_POLL_INTERVAL", time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	pool := worker.NewPool(
		worker.Config{Workers: workers, PollInterval: pollInterval},
		jobService,
		worker.Handlers{
			GoalAnalysis:     worker.PlannerHandler(pathPlanner),
			BlueprintBuild:   worker.TaskHandler(taskRunner, string(domain.JobTypeBlueprintBuild)),
			SlotValidation:   worker.TaskHandler(taskRunner, string(domain.JobTypeSlotValidation)),
			ScenarioExpand:   expansionCoordinator.Execute,
			ScenarioRun:      runCoordinator.Execute,
			Summarization:    worker.TaskHandler(taskRunner, string(domain.JobTypeSummarization)),
			AlignmentScoring: worker.TaskHandler(taskRunner, string(domain.JobTypeAlignmentScoring)),
		},
		logger,
	)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("engine"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("engine", readiness...))

	api := newEngineAPI(logger, jobService, graphService, expansionCoordinator, runCoordinator, pathPlanner)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "engine",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "engine", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-poolDone
}
