package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"golang.org/x/sync/errgroup"

	"mtcsync/config"
	"mtcsync/httpServer"
	"mtcsync/internal/auth"
	"mtcsync/internal/capture"
	"mtcsync/internal/metrics"
	"mtcsync/internal/midiport"
	"mtcsync/internal/session"
	"mtcsync/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtcsync: %v\n", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	if level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("starting mtcsync",
		"http", cfg.HTTPAddr,
		"frameRate", cfg.DefaultFrameRate,
		"midiOut", cfg.MIDIOutPort,
		"midiIn", cfg.MIDIInPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mtcsync stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("mtcsync stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize storage
	var storageBackend storage.Storage

	if cfg.StorageType == "gcs" {
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			return fmt.Errorf("failed to initialize GCS storage: %w", err)
		}
		defer gcsStorage.Close()
		storageBackend = gcsStorage
		slog.Info("storage initialized", "type", "gcs", "bucket", cfg.GCSBucketName, "project", cfg.GCSProjectID, "baseDir", cfg.GCSBaseDir)
	} else {
		localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		storageBackend = localStorage
		slog.Info("storage initialized", "type", "local", "dir", cfg.StorageDir)
	}

	// Initialize metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// MIDI driver
	defer midi.CloseDriver()
	ports := midiport.NewPorts()
	defer ports.Close()

	sessions := session.New(session.Options{
		MaxSessions: cfg.MaxSessions,
		Ports:       ports,
		Metrics:     m,
	})
	defer sessions.Close()

	recorder := capture.New(storageBackend, sessions, capture.Options{
		SegmentDuration:     cfg.CaptureSegmentDuration,
		MaxSegments:         cfg.CaptureMaxSegments,
		BufferSize:          cfg.SubscriberBuffer,
		SignedURLExpiration: cfg.SignedURLExpiration,
		Metrics:             m,
	})
	// Runs before sessions.Close so open segments are flushed
	defer recorder.Close()

	var monitor *midiport.Monitor
	if cfg.MIDIInPort != "" {
		monitor = midiport.NewMonitor(cfg.MIDIInPort, cfg.MonitorRate(), m)
	}

	var authManager *auth.Manager
	if cfg.ControlTokens {
		authManager = auth.New(cfg.ControlTokenTTL)
		slog.Info("control tokens enabled", "ttl", cfg.ControlTokenTTL)
	}

	httpSrv := httpServer.New(httpServer.Options{
		Sessions:         sessions,
		Auth:             authManager,
		Recorder:         recorder,
		Monitor:          monitor,
		Ports:            ports,
		Metrics:          m,
		Gatherer:         prometheus.DefaultGatherer,
		DefaultFrameRate: cfg.FrameRate(),
		DefaultOutPort:   cfg.MIDIOutPort,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http: listening", "addr", cfg.HTTPAddr)
		return httpSrv.Run(gctx, cfg.HTTPAddr)
	})
	if monitor != nil {
		g.Go(func() error {
			// A missing input leaves the API up; /api/v1/monitor reports it
			if err := monitor.Run(gctx); err != nil {
				slog.Error("midiport: monitor failed", "port", cfg.MIDIInPort, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
