package ingestion

import (
	"errors"
	"imgvec/internal/config"
	"time"
)

// Settings are the static pipeline limits. Per-run overrides come from the RunRequest.
type Settings struct {
	ChunkSize        int
	ExtractBatchSize int
	DBBatchSize      int
	DownloadWorkers  int
	ParallelWorkers  int
	ProgressEvery    int
	RunTimeout       time.Duration
}

// DefaultSettings returns the limits used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		ChunkSize:        500,
		ExtractBatchSize: 32,
		DBBatchSize:      100,
		DownloadWorkers:  8,
		ParallelWorkers:  4,
		ProgressEvery:    100,
	}
}

// SettingsFromConfig maps the pipeline section of the configuration.
func SettingsFromConfig(cfg config.PipelineConfig) Settings {
	return Settings{
		ChunkSize:        cfg.ChunkSize,
		ExtractBatchSize: cfg.ExtractBatchSize,
		DBBatchSize:      cfg.DBBatchSize,
		DownloadWorkers:  cfg.DownloadWorkers,
		ParallelWorkers:  cfg.ParallelWorkers,
		ProgressEvery:    cfg.ProgressEvery,
		RunTimeout:       cfg.RunTimeout,
	}
}

// Validate checks that every size and worker count is positive.
func (s Settings) Validate() error {
	if s.ChunkSize < 1 || s.ExtractBatchSize < 1 || s.DBBatchSize < 1 {
		return errors.New("chunk, extract batch and db batch sizes must be at least 1")
	}
	if s.DownloadWorkers < 1 || s.ParallelWorkers < 1 {
		return errors.New("download and parallel worker counts must be at least 1")
	}
	if s.RunTimeout < 0 {
		return errors.New("run timeout cannot be negative")
	}
	return nil
}
