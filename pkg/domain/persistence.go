package domain

import "context"

// TransactionView provides read-only access to ledger state.
type TransactionView interface {
	FindUnit(id string) (Unit, bool)
	ListUnits() []Unit
	FindRecord(unitID string, eventID uint64) (ProvenanceRecord, bool)
	// ListRecords returns a unit's records ordered by event id.
	ListRecords(unitID string) []ProvenanceRecord
	Admin() (Principal, bool)
	ListAdminChanges() []AdminChange
	// LatestTimestamp is the highest timestamp persisted on any record or
	// admin change.
	LatestTimestamp() uint64
}

// Transaction exposes the ledger mutations that a persistence implementation
// must apply atomically. Reads observe the transaction's own writes.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	// CreateUnit fails with ErrAlreadyExists when the id has an entry.
	CreateUnit(Unit) (Unit, error)
	UpdateUnit(id string, mutator func(*Unit) error) (Unit, error)
	// AppendRecord fails with ErrAlreadyExists when the key is taken.
	AppendRecord(ProvenanceRecord) (ProvenanceRecord, error)
	// ReplaceAdmin sets the admin slot to change.To and appends change to
	// the admin trail, assigning its sequence number.
	ReplaceAdmin(change AdminChange) (AdminChange, error)
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetUnit(id string) (Unit, bool)
	GetRecord(unitID string, eventID uint64) (ProvenanceRecord, bool)
	ListRecords(unitID string) []ProvenanceRecord
	Admin() (Principal, bool)
	Close() error
}
