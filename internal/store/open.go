package store

import (
	"context"
	"os"

	"dpgate/internal/store/file"
	"dpgate/internal/store/mongo"
	"dpgate/internal/store/postgres"
	"dpgate/pkg/config"
	pkgerrors "dpgate/pkg/errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Open builds the configured ledger backend. The caller owns Close.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.URL)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to connect to database")
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		return postgres.New(db), nil

	case "mongo":
		return mongo.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)

	case "file":
		if cfg.Store.SnapshotPath != "" {
			if _, err := os.Stat(cfg.Store.SnapshotPath); err == nil {
				return file.Load(cfg.Store.SnapshotPath, cfg.Store.SnapshotDir)
			}
		}
		return file.New(cfg.Store.SnapshotDir), nil

	default:
		return nil, pkgerrors.Internal("unknown store backend "+cfg.Store.Backend, nil)
	}
}
