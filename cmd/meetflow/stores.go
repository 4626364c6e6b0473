package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/meetflow/internal/backend"
	"github.com/wilsonzlin/meetflow/internal/config"
)

type artifactBackend interface {
	backend.ArtifactStore
	backend.RecordingIndex
}

// newArtifactBackend returns where recordings are saved and listed. The
// meeting API itself always goes through the REST client.
func newArtifactBackend(ctx context.Context, cfg config.Config, api *backend.HTTPClient, logger *slog.Logger) (artifactBackend, error) {
	switch cfg.ArtifactStore {
	case config.ArtifactStoreS3:
		s3, err := backend.NewS3Store(cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("prepare bucket %s: %w", cfg.S3.Bucket, err)
		}
		return s3, nil
	default:
		return api, nil
	}
}

func newAPIClient(cfg config.Config, logger *slog.Logger) (*backend.HTTPClient, error) {
	return backend.NewHTTPClient(cfg.APIURL, backend.HTTPClientOptions{Logger: logger})
}
