// Package extractor provides the feature extractors used by the ingestion
// pipeline: a client for a remote model service and a local deterministic
// descriptor for development and dry runs.
package extractor

import (
	"fmt"
	"imgvec/internal/config"
	"imgvec/internal/port/outbound"
)

// New builds the extractor selected by cfg.Mode.
func New(cfg config.ExtractorConfig) (outbound.FeatureExtractor, error) {
	switch cfg.Mode {
	case config.ExtractorModeRemote:
		return NewRemote(cfg)
	case config.ExtractorModeLocal:
		return NewLocal(cfg.InputSize, cfg.Grid, cfg.Dimension, cfg.ModelVersion)
	default:
		return nil, fmt.Errorf("unknown extractor mode %q", cfg.Mode)
	}
}
