package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fullscreencam/config"
	"fullscreencam/httpServer"
	"fullscreencam/internal/auth"
	"fullscreencam/internal/camera"
	"fullscreencam/internal/capture"
	"fullscreencam/internal/events"
	"fullscreencam/internal/filter"
	"fullscreencam/internal/metrics"
	"fullscreencam/internal/muxer"
	"fullscreencam/internal/preview"
	"fullscreencam/internal/recorder"
	"fullscreencam/internal/router"
	"fullscreencam/internal/rtmp"
	"fullscreencam/internal/storage"
	"fullscreencam/pkg/models"
)

const shutdownTimeout = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	logrus.Info("Starting fullscreen camera server...")
	logrus.WithFields(logrus.Fields{
		"http":    cfg.HTTPAddr,
		"source":  cfg.CaptureSource,
		"storage": cfg.StorageType,
	}).Info("Configuration loaded")

	if version, err := muxer.CheckFFmpeg(cfg.FFmpegPath); err != nil {
		logrus.WithError(err).Warn("ffmpeg unavailable, recording will fail until it is installed")
	} else {
		logrus.WithField("version", version).Info("ffmpeg found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize metrics
	m := metrics.New(prometheus.NewRegistry())

	// Initialize storage
	store, closeStore := newStorage(ctx, cfg)
	defer closeStore()
	library := storage.NewLibrary(store, storage.LibraryConfig{
		URLPrefix:   "/api/v1/media",
		JPEGQuality: cfg.PhotoJPEGQuality,
	}, m)

	authManager := auth.New(auth.Config{
		DefaultExpiration: cfg.DefaultTokenExpiration,
		MaxExpiration:     cfg.MaxTokenExpiration,
	})
	go authManager.Run(ctx, time.Minute)

	hub := events.New()
	previewSink := preview.New(80)
	filters := filter.NewProvider()

	encoder := muxer.NewFFmpegEncoder(muxer.EncoderConfig{
		FFmpegPath:      cfg.FFmpegPath,
		FPS:             cfg.CaptureFPS,
		VideoCodec:      cfg.VideoCodec,
		VideoBitrate:    cfg.VideoBitrate,
		Audio:           cfg.RecordAudio,
		SampleRate:      cfg.AudioSampleRate,
		Channels:        cfg.AudioChannels,
		AudioCodec:      cfg.AudioCodec,
		AudioBitrate:    cfg.AudioBitrate,
		QueueSize:       cfg.EncoderQueueSize,
		FinalizeTimeout: cfg.FinalizeTimeout,
	}, m)

	// the controller consumes recorder results, so it is declared first
	var ctrl *camera.Controller
	rec := recorder.New(recorder.Config{
		Dir:             cfg.RecordingDir,
		Audio:           cfg.RecordAudio,
		FinalizeTimeout: cfg.FinalizeTimeout,
	}, encoder, m, func(result models.RecordingResult) {
		ctrl.HandleRecordingResult(result)
	})

	rtr := router.New(router.Config{VideoQueueSize: cfg.RouterQueueSize}, filters, previewSink, rec, m)

	source, err := newSource(cfg, authManager, m)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize capture source")
	}

	ctrl = camera.New(camera.Config{}, camera.Deps{
		Source:   source,
		Router:   rtr,
		Recorder: rec,
		Preview:  previewSink,
		Library:  library,
		Filters:  filters,
		Events:   hub,
	})

	httpSrv := httpServer.New(httpServer.Deps{
		Camera:  ctrl,
		Preview: previewSink,
		Events:  hub,
		Library: library,
		Auth:    authManager,
		Metrics: m,
	}, httpServer.Config{
		RTMPPublicURL:    cfg.RTMPPublicURL(),
		DefaultStreamKey: cfg.RTMPStreamKey,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rtr.Run(gctx)
	})
	g.Go(func() error {
		logrus.WithFields(logrus.Fields{"source": source.Name(), "device": source.Device()}).Info("Capture started")
		return source.Run(gctx, rtr)
	})
	g.Go(func() error {
		logrus.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		return httpSrv.Run(gctx, cfg.HTTPAddr)
	})

	logrus.Info("Fullscreen camera server started successfully")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Error("Pipeline stopped")
	}

	logrus.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Shutdown incomplete")
	}
	hub.Close()
	logrus.Info("Server stopped")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Warn("Unknown LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, func()) {
	if cfg.StorageType == config.StorageGCS {
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize GCS storage")
		}
		logrus.WithFields(logrus.Fields{
			"bucket":  cfg.GCSBucketName,
			"project": cfg.GCSProjectID,
			"baseDir": cfg.GCSBaseDir,
		}).Info("Storage initialized: GCS")
		return gcsStorage, func() { gcsStorage.Close() }
	}

	localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize local storage")
	}
	logrus.WithField("dir", cfg.StorageDir).Info("Storage initialized: local")
	return localStorage, func() {}
}

func newSource(cfg *config.Config, authManager *auth.Manager, m *metrics.Metrics) (capture.Source, error) {
	switch cfg.CaptureSource {
	case config.SourceFFmpeg:
		return capture.NewFFmpegSource(capture.FFmpegConfig{
			FFmpegPath:  cfg.FFmpegPath,
			InputFormat: cfg.CaptureInputFormat,
			Devices:     cfg.CaptureDevices,
			AudioDevice: cfg.CaptureAudioDevice,
			Width:       cfg.CaptureWidth,
			Height:      cfg.CaptureHeight,
			FPS:         cfg.CaptureFPS,
			SampleRate:  cfg.AudioSampleRate,
			Channels:    cfg.AudioChannels,
		})
	case config.SourceRTMP:
		return rtmp.New(rtmp.Config{
			Addr:         cfg.RTMPAddr,
			FFmpegPath:   cfg.FFmpegPath,
			Width:        cfg.CaptureWidth,
			Height:       cfg.CaptureHeight,
			StreamKey:    cfg.RTMPStreamKey,
			RequireToken: cfg.RTMPRequireToken,
		}, authManager, m), nil
	default:
		return capture.NewPatternSource(capture.PatternConfig{
			Width:      cfg.CaptureWidth,
			Height:     cfg.CaptureHeight,
			FPS:        cfg.CaptureFPS,
			Audio:      cfg.RecordAudio,
			SampleRate: cfg.AudioSampleRate,
			Channels:   cfg.AudioChannels,
		}), nil
	}
}
