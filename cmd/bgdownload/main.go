package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slipstream/bgdownload/internal/api"
	"github.com/slipstream/bgdownload/internal/config"
	"github.com/slipstream/bgdownload/internal/database"
	"github.com/slipstream/bgdownload/internal/downloader"
	"github.com/slipstream/bgdownload/internal/health"
	"github.com/slipstream/bgdownload/internal/logger"
	"github.com/slipstream/bgdownload/internal/notification"
	"github.com/slipstream/bgdownload/internal/notification/inapp"
	"github.com/slipstream/bgdownload/internal/progress"
	"github.com/slipstream/bgdownload/internal/retry"
	"github.com/slipstream/bgdownload/internal/schedulestore"
	"github.com/slipstream/bgdownload/internal/scheduler"
	"github.com/slipstream/bgdownload/internal/transfer"
	"github.com/slipstream/bgdownload/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	scheduleIn := flag.Duration("schedule", -1, "Schedule the download to start after this delay (e.g. 90s)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		Path:            cfg.Logging.Path,
		MaxSizeMB:       cfg.Logging.MaxSizeMB,
		MaxBackups:      cfg.Logging.MaxBackups,
		MaxAgeDays:      cfg.Logging.MaxAgeDays,
		Compress:        cfg.Logging.Compress,
		EnableStreaming: true,
		BufferSize:      1000,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Msg("starting bgdownload")

	if cfg.Download.URL == "" {
		log.Warn().Msg("download.url is not set, scheduled downloads will fail")
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	folders := health.NewFilesystemChecker(nil,
		health.Folder{Name: "documents", Path: cfg.Download.DocumentsDir},
		health.Folder{Name: "temp", Path: cfg.Download.TempDir},
	)
	if err := folders.EnsureFolders(); err != nil {
		log.Error().Err(err).Msg("failed to create download folders")
	}
	for _, st := range folders.Check() {
		if !st.OK {
			log.Warn().Str("folder", st.Name).Str("path", st.Path).Msg(st.Message)
		}
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	hub := websocket.NewHub(log.Logger)
	go hub.Run(rootCtx)

	// Enable log streaming via WebSocket now that hub is available
	log.SetBroadcastHub(hub)

	publisher := progress.NewPublisher(hub, log.Logger)

	notifications := notification.NewService(log.Logger)
	factory := notification.NewFactory(log.Logger)
	factory.SetHub(hub)
	notifiers := factory.Create(notification.Settings{
		WebhookURL:    cfg.Notification.WebhookURL,
		WebhookMethod: cfg.Notification.WebhookMethod,
		Log:           cfg.Notification.Log,
	})
	notifications.Add(notifiers...)

	engine := transfer.NewEngine(transfer.Config{
		TempDir:            cfg.Download.TempDir,
		ProgressInterval:   cfg.Download.ProgressInterval,
		RequestTimeout:     cfg.Download.RequestTimeout,
		FollowConfirmPages: cfg.Download.FollowConfirmPages,
	}, log.Logger)
	if _, err := engine.PurgeTempFiles(); err != nil {
		log.Warn().Err(err).Msg("failed to remove leftover temporary files")
	}

	sched, err := scheduler.New(scheduler.Options{Window: cfg.WakeUp.Window}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}

	retryCfg := retry.Config{
		InitialDelay: cfg.WakeUp.Retry.InitialDelay,
		MaxDelay:     cfg.WakeUp.Retry.MaxDelay,
		MaxAttempts:  cfg.WakeUp.Retry.MaxAttempts,
	}

	svc := downloader.NewService(downloader.Config{
		URL:             cfg.Download.URL,
		DestinationPath: cfg.Download.DestinationPath(),
		TaskIdentifier:  cfg.WakeUp.TaskIdentifier,
		Cadence:         cfg.WakeUp.Cadence,
		Retry:           retryCfg,
	}, schedulestore.NewSQLStore(db.Conn()), sched, engine, publisher, log.Logger,
		downloader.WithNotifier(notifications),
	)
	svc.SetBroadcaster(hub)
	engine.SetSink(svc)

	if err := sched.Register(cfg.WakeUp.TaskIdentifier, svc); err != nil {
		log.Fatal().Err(err).Msg("failed to register wake-up handler")
	}
	svc.Start()

	// Restore before the scheduler starts so the first grant sees the recovered schedule.
	err = retry.Do(rootCtx, "schedule restore", retryCfg, downloader.IsRetryableRestoreError, svc.Restore, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to restore schedule, waiting for a new one")
	}

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	if *scheduleIn >= 0 {
		if _, err := svc.ScheduleDownload(rootCtx, *scheduleIn); err != nil {
			log.Error().Err(err).Dur("delay", *scheduleIn).Msg("failed to schedule download")
		}
	}

	hub.SetSnapshot(func() (string, any) {
		return progress.EventTypeState, publisher.Current()
	})
	hub.SetScheduleHandler(func(delay time.Duration) error {
		_, err := svc.ScheduleDownload(rootCtx, delay)
		return err
	})

	server := api.NewServer(api.Deps{
		Downloader:    svc,
		Tasks:         sched,
		Logs:          log,
		Notifications: notificationAPI{records: findInApp(notifiers), service: notifications},
		Hub:           hub,
		Health:        folders,
	}, log.Logger)

	go func() {
		addr := cfg.Server.Address()
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			cancelRoot()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("received shutdown signal")
	case <-rootCtx.Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	// Stop producers before the service so no callback is left waiting on it.
	engine.Close()
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	svc.Stop()
	notifications.Wait()
	cancelRoot()

	log.Info().Msg("bgdownload stopped")
}

// notificationAPI joins the in-app history with notifier tests for the API.
type notificationAPI struct {
	records *inapp.Notifier
	service *notification.Service
}

func (n notificationAPI) GetRecords() []inapp.NotificationRecord {
	if n.records == nil {
		return nil
	}
	return n.records.GetRecords()
}

func (n notificationAPI) Test(ctx context.Context) []notification.TestResult {
	return n.service.Test(ctx)
}

func findInApp(notifiers []notification.Notifier) *inapp.Notifier {
	for _, n := range notifiers {
		if in, ok := n.(*inapp.Notifier); ok {
			return in
		}
	}
	return nil
}
