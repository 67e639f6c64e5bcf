package core

import (
	"context"
	"fmt"

	"entityvc/internal/config"
	"entityvc/internal/infra/persistence/memory"
	"entityvc/internal/infra/persistence/postgres"
	"entityvc/internal/infra/persistence/sqlite"
	"entityvc/pkg/domain"
)

// OpenPersistentStore selects the live entity store named by cfg.Driver.
// SQL-backed stores implement io.Closer.
func OpenPersistentStore(ctx context.Context, cfg config.StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch cfg.Driver {
	case config.StorageMemory:
		return memory.NewStore(engine), nil
	case "", config.StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
