package core

import (
	"context"
	"fmt"

	"planstate/internal/infra/persistence/memory"
	"planstate/internal/infra/persistence/postgres"
	"planstate/internal/infra/persistence/sqlite"
	"planstate/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions selects and configures a backend.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	Clock       Clock
}

// OpenPersistentStore opens the configured backend. An empty driver selects sqlite.
func OpenPersistentStore(ctx context.Context, opts StorageOptions) (domain.PersistentStore, error) {
	var memOpts []memory.Option
	if opts.Clock != nil {
		memOpts = append(memOpts, memory.WithClock(opts.Clock.Now))
	}
	switch opts.Driver {
	case StorageMemory:
		return memory.NewStore(memOpts...), nil
	case StorageSQLite, "":
		store, err := sqlite.NewStore(ctx, opts.SQLitePath, memOpts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, opts.PostgresDSN, memOpts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", opts.Driver)
	}
}
