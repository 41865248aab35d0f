package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heimdex/heimdex-trim/internal/api"
	"github.com/heimdex/heimdex-trim/internal/catalog"
	"github.com/heimdex/heimdex-trim/internal/config"
	"github.com/heimdex/heimdex-trim/internal/db"
	"github.com/heimdex/heimdex-trim/internal/download"
	"github.com/heimdex/heimdex-trim/internal/export"
	"github.com/heimdex/heimdex-trim/internal/logging"
	"github.com/heimdex/heimdex-trim/internal/loop"
	"github.com/heimdex/heimdex-trim/internal/media"
	"github.com/heimdex/heimdex-trim/internal/metrics"
	"github.com/heimdex/heimdex-trim/internal/toolchain"
	"github.com/heimdex/heimdex-trim/internal/trim"
	"github.com/heimdex/heimdex-trim/internal/ui"
	"github.com/heimdex/heimdex-trim/internal/watcher"
)

var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ExportDir(), 0755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}
	if err := export.ValidateExportDir(cfg.ExportDir()); err != nil {
		return fmt.Errorf("invalid export dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex trim", "version", Version, "data_dir", cfg.DataDir(), "export_dir", cfg.ExportDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	deviceID, err := ensureSecret(repo, "device_id", 16)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}
	authToken, err := ensureSecret(repo, api.AuthTokenKey, 32)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Heimdex Trim v%s\n", Version)
	fmt.Printf("  API URL:    http://127.0.0.1:%d\n", cfg.Port())
	fmt.Printf("  Auth Token: %s\n", authToken)
	fmt.Printf("  Device ID:  %s...\n", deviceID[:16])
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doctor := toolchain.NewCachedDoctor(toolchain.NewRunner(toolchain.Config{
		FFmpegPath:    cfg.FFmpegPath(),
		FFprobePath:   cfg.FFprobePath(),
		DoctorTimeout: cfg.DoctorTimeout(),
		Logger:        logger,
	}), logger)
	if caps, err := doctor.Refresh(ctx); err != nil {
		logger.Warn("initial toolchain probe failed", "error", err)
	} else if !caps.Ready() {
		logger.Warn("ffmpeg toolchain incomplete, sources cannot be opened",
			"ffmpeg", caps.FFmpeg.Error, "ffprobe", caps.FFprobe.Error)
	} else {
		logger.Info("toolchain detected", "ffmpeg", caps.FFmpeg.Version, "decoders", caps.Decoders)
	}

	eventLoop := loop.New(loop.WithRefreshRate(cfg.DisplayHz()), loop.WithLogger(logger))
	loopDone := make(chan error, 1)
	go func() { loopDone <- eventLoop.Run(ctx) }()

	bus := trim.NewBus(trim.DefaultProgressRate, logger)
	orch, err := trim.NewOrchestrator(eventLoop, trim.Config{
		FrameRate:    cfg.ExportFPS(),
		VideoBitrate: cfg.ExportBitrate(),
		Container:    cfg.ExportContainer(),
	}, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to create export core: %w", err)
	}
	trimSvc := trim.NewService(eventLoop, orch, bus)

	prober := media.NewFFprobe(cfg.FFprobePath())
	catalogSvc := catalog.NewService(repo, prober, logger)

	archiver := catalog.NewRunner(repo, cfg.ExportDir(), logger)
	archiveSub := trimSvc.Subscribe()
	defer archiveSub.Close()
	go archiver.Start(ctx, archiveSub.C())

	fileWatcher := watcher.NewFileWatcher(logger)
	defer fileWatcher.Stop()
	fileWatcher.OnChange(func(path string, event watcher.EventType) {
		if event == watcher.EventCreate {
			return
		}
		logger.Warn("loaded source changed on disk", "path", logging.SanitizePath(path), "event", event)
		cause := fmt.Errorf("%w: %s", catalog.ErrSourceChanged, event)
		if err := trimSvc.ReportConflict(ctx, cause); err != nil {
			logger.Debug("conflict not reported", "error", err)
		}
	})

	openSource := func(ctx context.Context, s *catalog.Source) (media.Source, error) {
		probe, err := prober.Probe(ctx, s.Path)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", s.DisplayName, err)
		}
		src, err := media.NewFFmpegSource(media.FFmpegConfig{
			Binary: cfg.FFmpegPath(),
			Probe:  probe,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Trim:           trimSvc,
		CatalogService: catalogSvc,
		Repository:     repo,
		Downloads:      download.NewServer(logger),
		OpenSource:     openSource,
		Watcher:        fileWatcher,
		Doctor:         doctor,
		Metrics:        metrics.Handler(),
		FrameRate:      float64(cfg.ExportFPS()),
		Logger:         logger,
		StartTime:      startTime,
		DeviceID:       deviceID,
		Version:        Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})
	quit := func() {
		select {
		case <-quitCh:
		default:
			close(quitCh)
		}
	}

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit()
		case err := <-loopDone:
			if err != nil && ctx.Err() == nil {
				logger.Error("event loop exited", "error", err)
			}
			quit()
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Exporter: trimSvc,
			Logger:   logger,
			OnQuit:   quit,
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := trimSvc.CancelExport(shutdownCtx); err != nil {
		logger.Warn("failed to cancel export on shutdown", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	cancel()

	logger.Info("shutdown complete")
	return nil
}

// ensureSecret returns the config value for key, generating n random bytes
// hex-encoded on first run.
func ensureSecret(repo catalog.Repository, key string, n int) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	value := hex.EncodeToString(b)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}
