package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/api"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/config"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/cvefeed"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/kv"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/llm"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/logging"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/pipeline"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/registry"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/runner"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/scan"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/scheduler"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/shutdown"
	"github.com/sentinelsec/nuclei-orchestrator/pkg/templates"
)

// version is overridden at build time via -ldflags
var version = "dev"

const (
	secretsDir         = "/secrets"
	schedulerStopGrace = 2 * time.Minute
	jobRetentionPeriod = 7 * 24 * time.Hour
	registryReapPeriod = time.Hour
)

func main() {
	env := config.LoadFromEnv()
	logger := logging.NewLogger(logging.LogLevel(env.LogLevel))

	cfg, err := config.Load(env.ConfigFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if env.RedisAddr != "" {
		cfg.Redis.Addr = env.RedisAddr
	}

	secrets, err := config.LoadSecretsFromFiles(secretsDir)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load secrets")
	}
	config.InjectSecretsIntoConfig(cfg, secrets)

	logging.LogStartup(logger, version, cfg.Server.Port)
	logger.WithFields(logrus.Fields{
		"redis_addr":       cfg.Redis.Addr,
		"scanner_image":    cfg.Docker.Image,
		"template_dir":     cfg.Templates.Dir,
		"scan_workers":     cfg.Queues.ScanWorkers,
		"pipeline_workers": cfg.Queues.PipelineWorkers,
		"pipeline_enabled": cfg.Pipeline.Enabled,
	}).Info("Configuration loaded")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	store, err := kv.NewRedisStore(rootCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}

	dockerAPI, err := runner.NewDockerAPI(rootCtx, cfg.Docker.Host)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to container runtime")
	}

	lib, err := templates.NewLibrary(cfg.Templates.Dir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open template library")
	}
	if err := lib.Reindex(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to index template library")
	}
	logger.WithField("templates", lib.Count()).Info("Template library indexed")

	containerTTL, _ := cfg.ParseDuration(cfg.Docker.ContainerTTL)
	reapInterval, _ := cfg.ParseDuration(cfg.Docker.ReapInterval)
	run := runner.New(dockerAPI, runner.Options{
		Image:        cfg.Docker.Image,
		NetworkMode:  cfg.Docker.NetworkMode,
		NanoCPUs:     cfg.Docker.NanoCPUs,
		MemoryBytes:  cfg.Docker.MemoryBytes,
		PidsLimit:    cfg.Docker.PidsLimit,
		Binds:        []string{lib.Root() + ":" + cfg.Scanner.TemplateMountPath + ":ro"},
		ContainerTTL: containerTTL,
		ReapInterval: reapInterval,
	}, logger)

	reg := registry.New(store, logger)

	jobTimeout, _ := cfg.ParseDuration(cfg.Queues.JobTimeout)
	sched := scheduler.New(store, reg, scheduler.Options{
		WorkersPerQueue: map[string]int{
			scheduler.QueueScans:    cfg.Queues.ScanWorkers,
			scheduler.QueuePipeline: cfg.Queues.PipelineWorkers,
			scheduler.QueueGenerate: cfg.Queues.GenerateWorkers,
			scheduler.QueueValidate: cfg.Queues.ValidateWorkers,
			scheduler.QueueRefine:   cfg.Queues.RefineWorkers,
		},
		QueueCaps: map[string]int64{
			scheduler.QueueScans:    cfg.Queues.ScanCap,
			scheduler.QueuePipeline: cfg.Queues.PipelineCap,
			scheduler.QueueGenerate: cfg.Queues.PipelineCap,
			scheduler.QueueValidate: cfg.Queues.PipelineCap,
			scheduler.QueueRefine:   cfg.Queues.PipelineCap,
		},
		JobTimeout: jobTimeout,
	}, logger)

	llmTimeout, _ := cfg.ParseDuration(cfg.LLM.Timeout)
	model := llm.NewClient(llm.Options{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Timeout:     llmTimeout,
		Temperature: cfg.LLM.Temperature,
		Seed:        cfg.LLM.Seed,
	}, logger)

	feedTimeout, _ := cfg.ParseDuration(cfg.CVEFeed.Timeout)
	feedWindow, _ := cfg.ParseDuration(cfg.CVEFeed.Window)
	feed := cvefeed.NewClient(cvefeed.Options{
		BaseURL: cfg.CVEFeed.BaseURL,
		APIKey:  cfg.CVEFeed.APIKey,
		Timeout: feedTimeout,
		Window:  feedWindow,
		PerPage: cfg.CVEFeed.PerPage,
	}, store, logger)

	scanTimeout, _ := cfg.ParseDuration(cfg.Scanner.ScanTimeout)
	scans := scan.NewService(reg, sched, run, lib, model, scan.Options{
		TemplateMountPath: cfg.Scanner.TemplateMountPath,
		ScanTimeout:       scanTimeout,
	}, logger)
	scans.RegisterHandlers()

	pipe := pipeline.New(store, reg, sched, feed, model, lib, scans, pipeline.Options{
		ValidationTarget: cfg.Pipeline.ValidationTarget,
		MaxBatch:         cfg.Pipeline.MaxBatch,
	}, logger)
	pipe.RegisterHandlers()

	// Reclaim state left behind by a previous instance before the workers
	// pick up new jobs.
	if n, err := reg.RecoverOrphans(rootCtx); err != nil {
		logger.WithError(err).Error("Orphan recovery failed")
	} else if n > 0 {
		logger.WithField("jobs", n).Warn("Recovered orphaned jobs")
	}
	if n, err := sched.RecoverRetries(rootCtx); err != nil {
		logger.WithError(err).Error("Retry recovery failed")
	} else if n > 0 {
		logger.WithField("jobs", n).Info("Re-armed pending retries")
	}

	sched.Start()
	logger.Info("Workers started")

	go run.RunReaper(rootCtx)
	go reapJobsLoop(rootCtx, reg, logger)

	if cfg.Pipeline.Enabled {
		cronRunner, err := pipe.StartCron(rootCtx, cfg.Pipeline.Schedule)
		if err != nil {
			logger.WithError(err).Fatal("Failed to schedule pipeline runs")
		}
		defer cronRunner.Stop()
		logger.WithField("schedule", cfg.Pipeline.Schedule).Info("Pipeline schedule active")
	}

	server := api.NewServer(cfg, scans, pipe, lib, logger)

	shutdownTimeout, _ := cfg.ParseDuration(cfg.Server.ShutdownTimeout)
	manager := shutdown.NewManager(shutdownTimeout+schedulerStopGrace, logger)
	manager.RegisterHandler("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})
	manager.RegisterHandler("scheduler", func(ctx context.Context) error {
		return sched.Stop(schedulerStopGrace)
	})
	manager.RegisterHandler("background-loops", func(ctx context.Context) error {
		rootCancel()
		return nil
	})
	manager.RegisterHandler("container-runtime", func(ctx context.Context) error {
		return dockerAPI.Close()
	})
	manager.RegisterHandler("kv-store", func(ctx context.Context) error {
		return store.Close()
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	go func() {
		if err := <-serverErr; err != nil {
			logger.WithError(err).Error("HTTP server failed")
			manager.TriggerShutdown()
		}
	}()

	manager.WaitForShutdown()
	logger.Info("Scan orchestrator stopped")
	os.Exit(0)
}

// reapJobsLoop periodically removes terminal jobs past the retention period
func reapJobsLoop(ctx context.Context, reg *registry.Registry, logger *logrus.Logger) {
	ticker := time.NewTicker(registryReapPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reg.Reap(ctx, time.Now().Add(-jobRetentionPeriod))
			if err != nil {
				logger.WithError(err).Error("Job reap failed")
				continue
			}
			if n > 0 {
				logger.WithField("jobs", n).Info("Reaped expired jobs")
			}
		}
	}
}
