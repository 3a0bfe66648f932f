package core

import (
	"fmt"

	"custodyledger/internal/infra/persistence/memory"
	"custodyledger/internal/infra/persistence/postgres"
	"custodyledger/internal/infra/persistence/sqlite"
	"custodyledger/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	// Transaction aliases domain.Transaction.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore.
	PersistentStore = domain.PersistentStore
)

// StorageConfig selects and configures the ledger backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore opens the backend named by cfg.Driver. An empty driver
// selects sqlite; empty paths fall back to the backend defaults.
func OpenPersistentStore(cfg StorageConfig, engine *RulesEngine) (PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// ParseStorageDriver validates a driver name.
func ParseStorageDriver(s string) (StorageDriver, error) {
	switch d := StorageDriver(s); d {
	case "":
		return StorageSQLite, nil
	case StorageMemory, StorageSQLite, StoragePostgres:
		return d, nil
	default:
		return "", fmt.Errorf("unknown storage driver %s", s)
	}
}
