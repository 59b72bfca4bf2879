// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/admin"
	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/dispatch"
	"github.com/flyingrobots/lifestream/internal/embed"
	"github.com/flyingrobots/lifestream/internal/events"
	"github.com/flyingrobots/lifestream/internal/idempotency"
	"github.com/flyingrobots/lifestream/internal/jobstore"
	"github.com/flyingrobots/lifestream/internal/llm"
	"github.com/flyingrobots/lifestream/internal/media"
	"github.com/flyingrobots/lifestream/internal/objstore"
	"github.com/flyingrobots/lifestream/internal/obs"
	"github.com/flyingrobots/lifestream/internal/pipeline"
	"github.com/flyingrobots/lifestream/internal/reaper"
	"github.com/flyingrobots/lifestream/internal/redisclient"
	"github.com/flyingrobots/lifestream/internal/search"
	"github.com/flyingrobots/lifestream/internal/vectorstore"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminJobID string
	var adminStatus string
	var adminObjectKey string
	var adminQuery string
	var adminN int
	var adminYes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "dispatcher", "Role to run: dispatcher|executor|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq|jobs|delete-job|enqueue|search")
	fs.StringVar(&adminQueue, "queue", "", "Queue alias or full key for admin peek (intake|dead_letter|lifestream:...)")
	fs.StringVar(&adminJobID, "job", "", "Job id for admin delete-job")
	fs.StringVar(&adminStatus, "status", "", "Status filter for admin jobs")
	fs.StringVar(&adminObjectKey, "object-key", "", "Object key for admin enqueue")
	fs.StringVar(&adminQuery, "q", "", "Query text for admin search")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek / jobs limit")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	// HTTP server: metrics, healthz, readyz (skip for admin CLI and the
	// short-lived executor process)
	if role == "dispatcher" || role == "all" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "dispatcher", "all":
		obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)
		runDispatcher(ctx, cfg, rdb, configPath, logger)
	case "executor":
		os.Exit(runExecutor(ctx, cfg, rdb, logger))
	case "admin":
		runAdmin(ctx, cfg, rdb, logger, adminCmd, adminQueue, adminJobID, adminStatus, adminObjectKey, adminQuery, adminN, adminYes)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runDispatcher(ctx context.Context, cfg *config.Config, rdb *redis.Client, configPath string, logger *zap.Logger) {
	store, err := objstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		logger.Fatal("object store init failed", obs.Err(err))
	}
	binary, err := os.Executable()
	if err != nil {
		logger.Fatal("resolve executable failed", obs.Err(err))
	}

	jobs := jobstore.New(rdb, cfg.Jobs.KeyPrefix, logger)
	guard := idempotency.New(rdb, cfg.Jobs.IdempotencyPrefix)
	launcher := dispatch.NewProcessLauncher(binary, configPath, logger)
	disp := dispatch.New(cfg, rdb, jobs, guard, store, launcher, logger)

	rep := reaper.New(cfg, rdb, logger)
	go rep.Run(ctx)

	if err := disp.Run(ctx); err != nil {
		logger.Fatal("dispatcher error", obs.Err(err))
	}
}

func runExecutor(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) int {
	spec := pipeline.JobSpec{
		JobID:        os.Getenv("JOB_ID"),
		ObjectBucket: os.Getenv("OBJECT_BUCKET"),
		ObjectKey:    os.Getenv("OBJECT_KEY"),
	}
	if spec.JobID == "" || spec.ObjectBucket == "" || spec.ObjectKey == "" {
		logger.Error("missing JOB_ID, OBJECT_BUCKET, or OBJECT_KEY")
		return 1
	}

	store, err := objstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		logger.Error("object store init failed", obs.Err(err))
		return 1
	}
	embedder, err := embed.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		logger.Error("embedder init failed", obs.Err(err))
		return 1
	}

	ffmpeg := media.NewFFmpeg(cfg.Pipeline)
	executor := pipeline.NewExecutor(
		cfg,
		store,
		jobstore.New(rdb, cfg.Jobs.KeyPrefix, logger),
		idempotency.New(rdb, cfg.Jobs.IdempotencyPrefix),
		ffmpeg,
		media.NewCommandTranscriber(cfg.Pipeline.ASRCommand),
		media.NewCommandDiarizer(cfg.Pipeline.DiarizeCommand),
		ffmpeg,
		llm.NewAnthropicModel(cfg.LLM),
		vectorstore.NewRedisStore(rdb, cfg.VectorStore.KeyPrefix),
		embedder,
		logger,
	)

	// Hard wall-clock deadline from the task runtime; no graceful shutdown
	// beyond this point.
	runCtx, cancel := context.WithTimeout(ctx, cfg.Pipeline.ExecutorTimeout)
	defer cancel()
	if err := executor.Run(runCtx, spec); err != nil {
		return 1
	}
	return 0
}

func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, cmd, queue, jobID, status, objectKey, query string, n int, yes bool) {
	jobs := jobstore.New(rdb, cfg.Jobs.KeyPrefix, logger)
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, rdb, jobs)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		if queue == "" {
			logger.Fatal("admin peek requires --queue")
		}
		res, err := admin.Peek(ctx, cfg, rdb, queue, int64(n))
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "purge-dlq":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		if err := admin.PurgeDLQ(ctx, cfg, rdb); err != nil {
			logger.Fatal("admin purge-dlq error", obs.Err(err))
		}
		fmt.Println("dead letter queue purged")
	case "jobs":
		res, err := admin.ListJobs(ctx, jobs, status, n)
		if err != nil {
			logger.Fatal("admin jobs error", obs.Err(err))
		}
		printJSON(res)
	case "delete-job":
		if jobID == "" {
			logger.Fatal("admin delete-job requires --job")
		}
		if !yes {
			logger.Fatal("refusing to delete without --yes")
		}
		store := vectorstore.NewRedisStore(rdb, cfg.VectorStore.KeyPrefix)
		res, err := admin.DeleteJob(ctx, jobs, store, jobID, logger)
		if err != nil {
			logger.Fatal("admin delete-job error", obs.Err(err))
		}
		printJSON(res)
	case "enqueue":
		if objectKey == "" {
			logger.Fatal("admin enqueue requires --object-key")
		}
		id := jobID
		if id == "" {
			id = uuid.New().String()
		}
		msg, err := events.Confirmation(id, objectKey, cfg.ObjectStore.Bucket)
		if err != nil {
			logger.Fatal("admin enqueue error", obs.Err(err))
		}
		if err := rdb.LPush(ctx, cfg.Queue.IntakeList, msg).Err(); err != nil {
			logger.Fatal("admin enqueue error", obs.Err(err))
		}
		printJSON(map[string]string{"job_id": id, "object_key": objectKey})
	case "search":
		if query == "" {
			logger.Fatal("admin search requires --q")
		}
		embedder, err := embed.NewOpenAIEmbedder(cfg.Embedding)
		if err != nil {
			logger.Fatal("embedder init failed", obs.Err(err))
		}
		store := vectorstore.NewRedisStore(rdb, cfg.VectorStore.KeyPrefix)
		results, err := search.Semantic(ctx, search.Query{Text: query, TopK: n}, store, embedder)
		if err != nil {
			logger.Fatal("admin search error", obs.Err(err))
		}
		printJSON(results)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
