package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mealforge/guardian/internal/api/routes"
	"github.com/mealforge/guardian/internal/config"
	"github.com/mealforge/guardian/internal/database"
	"github.com/mealforge/guardian/internal/logger"
	"github.com/mealforge/guardian/internal/metrics"
	"github.com/mealforge/guardian/internal/server"
	"github.com/mealforge/guardian/internal/services"
	"github.com/mealforge/guardian/internal/version"
)

func main() {
	// Setup logging with rotation
	logDir := "data/logs"
	_ = os.MkdirAll(logDir, 0755)

	rotatingLog := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "guardian.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	// Log to both stdout and file
	mw := io.MultiWriter(os.Stdout, rotatingLog)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(cfg.Environment == "development", mw)
	logger.Log().Infof("starting %s %s", version.Name, version.Full())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics.Register(registry)

	store, err := services.NewSecretStore(db, cfg.MasterKey)
	if err != nil {
		log.Fatalf("init secret store: %v", err)
	}

	// Construction order matters: the aggregator publishes to the sink, the
	// sink dispatches to the responder, and the responder feeds back into the
	// aggregator. The sink is attached last to close the loop.
	aggregator := services.NewEventAggregator(db, cfg)
	notifications := services.NewNotificationService(db, cfg.NotifyTimeout)
	responder := services.NewIncidentResponder(db, aggregator, aggregator, notifications, cfg.EnhancedMonitoringWindow)
	sink := services.NewAlertSink(db, responder)
	aggregator.SetAlertSink(sink)

	rotator := services.NewKeyRotator(store, aggregator, cfg.RotationPolicies)
	threats := services.NewThreatService(services.HeuristicRiskModel{}, nil, aggregator, sink, responder)

	srv, err := server.New(db, cfg, routes.Deps{
		Aggregator:    aggregator,
		Sink:          sink,
		Rotator:       rotator,
		Responder:     responder,
		Threats:       threats,
		Notifications: notifications,
		Registry:      registry,
	})
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	// AutoMigrate has run; hydrate state and make sure every managed secret
	// exists before the scheduler starts.
	if err := store.VerifyMasterKey(); err != nil {
		log.Fatalf("verify master key: %v", err)
	}
	if err := rotator.EnsureSecrets(); err != nil {
		log.Fatalf("ensure secrets: %v", err)
	}
	if err := responder.LoadBlockList(); err != nil {
		log.Fatalf("load block list: %v", err)
	}

	scheduler := cron.New()
	if err := rotator.Schedule(scheduler); err != nil {
		log.Fatalf("schedule rotations: %v", err)
	}
	if _, err := scheduler.AddFunc("* * * * *", aggregator.Sweep); err != nil {
		log.Fatalf("schedule counter sweep: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Log().Infof("listening on :%s", cfg.HTTPPort)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Log().Info("shutdown complete")
}
