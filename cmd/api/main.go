package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/argus-sec/argus/backend/internal/api/routes"
	"github.com/argus-sec/argus/backend/internal/broadcast"
	"github.com/argus-sec/argus/backend/internal/config"
	"github.com/argus-sec/argus/backend/internal/correlate"
	"github.com/argus-sec/argus/backend/internal/database"
	"github.com/argus-sec/argus/backend/internal/ingest"
	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/metrics"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/normalize"
	"github.com/argus-sec/argus/backend/internal/scans"
	"github.com/argus-sec/argus/backend/internal/scoring"
	"github.com/argus-sec/argus/backend/internal/server"
	"github.com/argus-sec/argus/backend/internal/services"
	"github.com/argus-sec/argus/backend/internal/store"
	"github.com/argus-sec/argus/backend/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Log to both stdout and a rotated file next to the database.
	logDir := filepath.Join(filepath.Dir(cfg.DatabasePath), "logs")
	_ = os.MkdirAll(logDir, 0o755)
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "argus.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.Init(cfg.Environment == "development", io.MultiWriter(os.Stdout, rotator))

	logger.Log().Infof("starting %s pipeline version %s", version.Name, version.Full())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	notifier := services.NewNotifier(cfg.NotificationURLs)
	engine := correlate.New(st, correlate.Options{
		Window:      cfg.CorrelationWindow,
		WindowMax:   cfg.CorrelationWindowMax,
		QuietPeriod: cfg.AlertQuietPeriod,
		AutoClose:   cfg.AlertAutoClose,
	}, notifier.AlertSink)

	hub := broadcast.NewHub(st, cfg.SubscriberBacklog, cfg.SubscriberGrace)

	orchestrator := scans.New(st, cfg.ScanMaxDuration, engine.SubmitFinding)
	if err := orchestrator.Recover(); err != nil {
		log.Fatalf("recover scans: %v", err)
	}

	norm, err := normalize.New(cfg.EventSchemaPath)
	if err != nil {
		log.Fatalf("init normalizer: %v", err)
	}

	ingestor := ingest.New(norm, st, engine, scoring.Options{
		WarmThreshold: cfg.ScorerWarmThreshold,
		IdleEviction:  cfg.ScorerIdleEviction,
		Trees:         cfg.ScorerTrees,
		Subsample:     cfg.ScorerSubsample,
		RetainWindow:  cfg.ScorerRetainWindow,
	}, cfg.ScoringWorkers, ingest.Options{
		QueueSize: cfg.IngestQueueSize,
		BufferCap: cfg.IngestBufferCap,
	})
	defer ingestor.Close()

	var natsSource *ingest.NATSSource
	if cfg.NATSURL != "" {
		natsSource, err = ingest.NewNATSSource(cfg.NATSURL, cfg.NATSSubject, ingestor)
		if err != nil {
			log.Fatalf("attach NATS source: %v", err)
		}
		defer natsSource.Close()
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 15m", func() {
		if err := engine.Sweep(); err != nil {
			logger.WithComponent("correlate").WithError(err).Warn("quiet-period sweep failed")
		}
	}); err != nil {
		log.Fatalf("schedule alert sweep: %v", err)
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		purged, err := st.PurgeBefore(time.Now().UTC().Add(-cfg.RetentionWindow))
		if err != nil {
			logger.WithComponent("store").WithError(err).Warn("retention purge failed")
			return
		}
		if purged > 0 {
			logger.WithComponent("store").WithField("purged", purged).Info("retention purge")
		}
	}); err != nil {
		log.Fatalf("schedule retention purge: %v", err)
	}
	if _, err := scheduler.AddFunc("@every 1m", hub.SweepParked); err != nil {
		log.Fatalf("schedule subscription sweep: %v", err)
	}
	if cfg.RecurringScanTarget != "" {
		_, err := orchestrator.ScheduleRecurring(scheduler, cfg.RecurringScanSpec,
			models.ScanType(cfg.RecurringScanType), cfg.RecurringScanTarget)
		if err != nil {
			log.Fatalf("schedule recurring scan: %v", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	auth := services.NewAuthService(db, cfg.JWTSecret)
	if !auth.Enabled() {
		logger.Log().Warn("no ARGUS_JWT_SECRET set, API runs without authentication")
	}

	srv := server.New(routes.Deps{
		Config:       cfg,
		Store:        st,
		Ingestor:     ingestor,
		Orchestrator: orchestrator,
		Engine:       engine,
		Hub:          hub,
		Auth:         auth,
		Registry:     registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log().Infof("listening on :%s", cfg.HTTPPort)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
