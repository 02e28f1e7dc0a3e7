// Package backend opens the username store selected by configuration.
package backend

import (
	"context"
	"time"

	"go.uber.org/zap"

	"handle.lopezb.com/internal/handle/config"
	"handle.lopezb.com/internal/handle/store"
)

// OpenTimeout bounds connecting to a remote backend.
const OpenTimeout = 15 * time.Second

const closeTimeout = 5 * time.Second

// Open opens the configured backend. The returned close function persists or
// disconnects as the backend requires and is always safe to call.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendMongo:
		octx, cancel := context.WithTimeout(ctx, OpenTimeout)
		defer cancel()

		ms, err := store.OpenMongo(octx, cfg.MongoOptions())
		if err != nil {
			return nil, nil, err
		}
		logger.Info("mongo store connected",
			zap.String("database", cfg.MongoDatabase),
			zap.String("collection", cfg.MongoCollection),
		)
		return ms, func() {
			cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := ms.Close(cctx); err != nil {
				logger.Error("failed to disconnect from mongo", zap.Error(err))
			}
		}, nil

	default:
		mem := store.NewMemoryStore()
		if cfg.SnapshotPath == "" {
			return mem, func() {}, nil
		}

		start := time.Now()
		if err := mem.LoadFile(cfg.SnapshotPath); err != nil {
			return nil, nil, err
		}
		n, _ := mem.Count(ctx)
		logger.Info("snapshot loaded",
			zap.String("path", cfg.SnapshotPath),
			zap.Int64("usernames", n),
			zap.Duration("duration", time.Since(start)),
		)

		return mem, func() {
			logger.Info("saving snapshot", zap.String("path", cfg.SnapshotPath))
			if err := mem.SaveFile(cfg.SnapshotPath); err != nil {
				logger.Error("failed to save snapshot", zap.Error(err))
			}
		}, nil
	}
}
