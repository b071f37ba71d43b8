package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vonshlovens/driveseer/internal/api"
	"github.com/vonshlovens/driveseer/internal/config"
	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/drive"
	"github.com/vonshlovens/driveseer/internal/gemini"
	"github.com/vonshlovens/driveseer/internal/ingest"
	"github.com/vonshlovens/driveseer/internal/metrics"
	"github.com/vonshlovens/driveseer/internal/queue"
	"github.com/vonshlovens/driveseer/internal/ratelimit"
	"github.com/vonshlovens/driveseer/internal/search"
	"github.com/vonshlovens/driveseer/internal/syncer"
	"github.com/vonshlovens/driveseer/internal/worker"
)

// app is the composition root. The rate limiters live here and only here:
// they are the shared quota accounting for the whole process, handed to
// components by injection so tests can substitute deterministic ones.
type app struct {
	cfg      *config.Config
	db       *db.DB
	queue    queue.Queue
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	driveClient *drive.Client
	captioner   *gemini.Captioner
	embedder    *gemini.Embedder

	syncEngine  *syncer.Engine
	coordinator *ingest.Coordinator
	searcher    *search.Engine
	progress    *worker.ProgressTracker
}

type appOptions struct {
	// memoryQueue swaps the broker for the in-process queue; used by
	// `serve --standalone`.
	memoryQueue bool
	// withCaptioner controls whether the Vertex client is constructed;
	// read-only commands skip it.
	withCaptioner bool
}

func buildApp(ctx context.Context, cfgFile string, opts appOptions) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(ctx, &cfg.Database, cfg.Gemini.Dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Vector infra is best-effort: without the extension the pipeline still
	// captions and the search layer degrades to filename matching.
	_ = database.EnsureVectorInfra(ctx)

	var q queue.Queue
	if opts.memoryQueue {
		q = queue.NewMemory()
	} else {
		q, err = queue.NewJetStream(cfg.Queue.URL, cfg.Queue.StreamPrefix)
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	driveLimiter, err := ratelimit.New(ratelimit.Options{
		MaxPerWindow: cfg.Limits.DrivePerMinute,
		Window:       time.Minute,
	})
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	a := &app{
		cfg:         cfg,
		db:          database,
		queue:       q,
		registry:    registry,
		metrics:     m,
		driveClient: drive.NewClient(cfg.Drive.ServiceKey, driveLimiter, cfg.IgnorePatterns),
		embedder:    gemini.NewEmbedder(&cfg.Gemini),
		progress:    worker.NewProgressTracker(),
	}

	if opts.withCaptioner {
		captioner, err := gemini.NewCaptioner(ctx, &cfg.Gemini)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create captioner: %w", err)
		}
		a.captioner = captioner
	}

	a.syncEngine = syncer.NewEngine(a.db, a.driveClient, a.queue, cfg.Limits.MaxImagesPerFolder)
	a.coordinator = ingest.NewCoordinator(a.db, a.driveClient, a.syncEngine, a.queue, a.metrics, cfg.Limits.MaxImagesPerFolder)
	a.searcher = search.NewEngine(a.db, a.embedder, a.metrics)

	return a, nil
}

// startWorkers launches the queue consumers and the recovery supervisor.
// It returns immediately; consumers stop when ctx is done.
func (a *app) startWorkers(ctx context.Context) error {
	captionLimiter, err := ratelimit.New(ratelimit.Options{
		MaxPerWindow: a.cfg.Limits.CaptionPerMinute,
		Window:       time.Minute,
		BurstMax:     a.cfg.Limits.CaptionBurstPerSec,
		BurstWindow:  time.Second,
	})
	if err != nil {
		return err
	}

	if err := a.progress.Rebuild(ctx, a.db); err != nil {
		return fmt.Errorf("failed to rebuild progress tracker: %w", err)
	}

	folderWorker := worker.NewFolderWorker(a.db, a.queue, a.progress)
	imageWorker := worker.NewImageWorker(
		a.db, a.driveClient, a.captioner, a.embedder,
		captionLimiter, a.progress, a.metrics,
		a.cfg.Workers.ImageConcurrency,
	)
	supervisor := worker.NewSupervisor(a.db, a.queue, a.progress)

	scheduler := syncer.NewScheduler(a.syncEngine, a.db,
		time.Duration(a.cfg.Sync.IntervalMinutes)*time.Minute)

	go a.queue.Consume(ctx, queue.QueueFolders, a.cfg.Workers.FolderConcurrency, folderWorker.HandleJob)
	go a.queue.Consume(ctx, queue.QueueImages, a.cfg.Workers.ImageConcurrency, imageWorker.HandleJob)
	go supervisor.Run(ctx)
	go scheduler.Run(ctx)
	return nil
}

func (a *app) server() *api.Server {
	return api.NewServer(a.db, a.queue, a.coordinator, a.syncEngine, a.searcher, a.driveClient, a.registry)
}

func (a *app) close() {
	if a.captioner != nil {
		a.captioner.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
