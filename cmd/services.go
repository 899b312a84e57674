package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/config"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/ingest"
	pubmemory "github.com/JakeFAU/scraper-fleet/internal/publisher/memory"
	"github.com/JakeFAU/scraper-fleet/internal/publisher/pubsub"
	"github.com/JakeFAU/scraper-fleet/internal/storage/gcs"
	"github.com/JakeFAU/scraper-fleet/internal/storage/local"
	blobmemory "github.com/JakeFAU/scraper-fleet/internal/storage/memory"
	"github.com/JakeFAU/scraper-fleet/internal/store/memory"
	"github.com/JakeFAU/scraper-fleet/internal/store/postgres"
)

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (fleet.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store; state is not shared between processes")
		return memory.New(), nil
	case "postgres":
		st, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if cfg.EnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				st.Close()
				return nil, fmt.Errorf("ensure schema: %w", err)
			}
		}
		return st, nil
	default:
		return nil, &config.Error{Field: "store.driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

// openBlobStore returns the media store and a close func.
func openBlobStore(ctx context.Context, cfg config.StorageConfig) (ingest.BlobStore, func(), error) {
	switch cfg.Backend {
	case "gcs":
		bs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return bs, func() { _ = bs.Close() }, nil //nolint:errcheck // process exit
	case "local":
		bs, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open local blob store: %w", err)
		}
		return bs, func() {}, nil
	case "memory":
		return blobmemory.NewBlobStore(), func() {}, nil
	default:
		return nil, nil, &config.Error{Field: "storage.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

type publisher interface {
	ingest.Publisher
	Close() error
}

func openPublisher(ctx context.Context, cfg config.PubSubConfig, logger *zap.Logger) (publisher, error) {
	if !cfg.Enabled {
		logger.Info("pubsub disabled; ingest events kept in memory")
		return pubmemory.New(), nil
	}
	p, err := pubsub.NewFromProject(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("open pubsub: %w", err)
	}
	return p, nil
}
