// Package bootstrap provides dependency initialization for the media
// preparation service.
package bootstrap

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/bitpress/mediaprep/internal/config"
	"github.com/bitpress/mediaprep/internal/history"
	"github.com/bitpress/mediaprep/internal/notify"
	"github.com/bitpress/mediaprep/internal/still"
	"github.com/bitpress/mediaprep/internal/storage"
	"github.com/bitpress/mediaprep/internal/task"
	"github.com/bitpress/mediaprep/internal/transcode"
	"github.com/bitpress/mediaprep/internal/uploader"
)

// Dependencies holds all initialized collaborators for the HTTP server.
type Dependencies struct {
	Queue   *task.Queue
	Scratch *storage.LocalStorage
	// History is the task journal, nil when disabled.
	History *history.Store
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	scratch, err := storage.NewLocalStorage(cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("create scratch storage: %w", err)
	}
	logger.Info("scratch workspace ready",
		slog.String("dir", scratch.Dir()),
	)

	ratio, err := cfg.Ratio()
	if err != nil {
		return nil, err
	}

	profile := transcode.DefaultProfile()
	profile.MaxBitrate = cfg.MaxBitrate
	profile.MaxFrameRate = cfg.MaxFrameRate

	transcoder := transcode.NewTranscoder(transcode.TranscoderConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		MaxWidth:    cfg.MaxWidth,
		Ratio:       ratio,
		Profile:     profile,
		KeepAudio:   cfg.KeepAudio,
		Logger:      logger,
	})

	up, err := initUploader(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var journal *history.Store
	if cfg.HistoryEnabled() {
		journal, err = history.Open(cfg.HistoryDir)
		if err != nil {
			return nil, fmt.Errorf("open history journal: %w", err)
		}
		logger.Info("history journal open",
			slog.String("dir", cfg.HistoryDir),
		)
	}

	queueCfg := task.QueueConfig{
		Repository:  task.NewMemoryRepository(),
		Transcoder:  transcoder,
		Stills:      &stillAdapter{compressor: still.NewCompressor(), quality: cfg.JPEGQuality},
		Scratch:     scratch,
		Uploader:    up,
		Notifier:    notify.NewNotifier(),
		CallbackURL: cfg.CallbackURL,
		TaskTimeout: cfg.TaskTimeout,
		QueueSize:   cfg.QueueSize,
		Logger:      logger,
	}
	if journal != nil {
		queueCfg.Recorder = journal
	}

	queue, err := task.NewQueue(queueCfg)
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return nil, fmt.Errorf("create task queue: %w", err)
	}

	return &Dependencies{
		Queue:   queue,
		Scratch: scratch,
		History: journal,
	}, nil
}

// Close releases everything the dependency graph owns. The queue goes first
// so no settling task records into a closed journal.
func (d *Dependencies) Close() error {
	d.Queue.Close()
	if d.History != nil {
		if err := d.History.Close(); err != nil {
			return fmt.Errorf("close history journal: %w", err)
		}
	}
	return nil
}

// initUploader creates the S3 uploader when a bucket is configured. A nil
// return disables uploads and leaves artifacts on local disk.
func initUploader(ctx context.Context, cfg *config.Config, logger *slog.Logger) (task.Uploader, error) {
	if !cfg.S3Enabled() {
		logger.Info("S3 upload disabled, artifacts stay on local disk")
		return nil, nil
	}

	up, err := uploader.NewS3Uploader(ctx, uploader.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 uploader: %w", err)
	}
	logger.Info("S3 upload configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return up, nil
}

// stillAdapter maps per-item format and quality onto the still compressor's
// options, falling back to the service-wide JPEG quality.
type stillAdapter struct {
	compressor *still.Compressor
	quality    float64
}

var _ task.StillCompressor = (*stillAdapter)(nil)

func (a *stillAdapter) Compress(img image.Image, format string, quality float64) ([]byte, string, error) {
	f := still.Format(format)
	if format == "" {
		f = still.FormatJPEG
	}
	if quality <= 0 {
		quality = a.quality
	}
	data, err := a.compressor.Compress(img, still.Options{Format: f, Quality: quality})
	if err != nil {
		return nil, "", err
	}
	return data, f.Extension(), nil
}
