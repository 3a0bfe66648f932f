// Package memory provides an in-memory implementation of the ledger
// persistence store used for tests, ephemeral environments and as the
// transactional engine behind the SQL-backed stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"custodyledger/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Unit aliases domain.Unit for in-memory persistence operations.
	Unit = domain.Unit
	// ProvenanceRecord aliases domain.ProvenanceRecord.
	ProvenanceRecord = domain.ProvenanceRecord
	// AdminChange aliases domain.AdminChange.
	AdminChange = domain.AdminChange
	// Principal aliases domain.Principal.
	Principal = domain.Principal
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// Committer durably applies a transaction's change set. It runs after rules
// pass and before the in-memory state is swapped; an error discards the
// transaction.
type Committer interface {
	Commit(ctx context.Context, changes []Change) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, changes []Change) error

// Commit implements Committer.
func (f CommitFunc) Commit(ctx context.Context, changes []Change) error { return f(ctx, changes) }

type memoryState struct {
	units        map[string]Unit
	records      map[string][]ProvenanceRecord
	admin        domain.OptionalPrincipal
	adminChanges []AdminChange
	latest       uint64
}

// Snapshot captures a point-in-time copy of the store state.
type Snapshot struct {
	Units        map[string]Unit          `json:"units"`
	Records      []ProvenanceRecord       `json:"records"`
	Admin        domain.OptionalPrincipal `json:"admin"`
	AdminChanges []AdminChange            `json:"admin_changes"`
}

func newMemoryState() memoryState {
	return memoryState{
		units:   make(map[string]Unit),
		records: make(map[string][]ProvenanceRecord),
	}
}

func snapshotFromMemoryState(state *memoryState) Snapshot {
	s := Snapshot{
		Units:        make(map[string]Unit, len(state.units)),
		Admin:        state.admin,
		AdminChanges: append([]AdminChange(nil), state.adminChanges...),
	}
	for k, v := range state.units {
		s.Units[k] = v
	}
	ids := make([]string, 0, len(state.records))
	for id := range state.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.Records = append(s.Records, state.records[id]...)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Units {
		v.ID = k
		state.units[k] = v
	}
	records := append([]ProvenanceRecord(nil), s.Records...)
	sort.Slice(records, func(i, j int) bool {
		if records[i].UnitID != records[j].UnitID {
			return records[i].UnitID < records[j].UnitID
		}
		return records[i].EventID < records[j].EventID
	})
	for _, r := range records {
		state.records[r.UnitID] = append(state.records[r.UnitID], r)
		state.latest = max(state.latest, r.Timestamp)
	}
	state.admin = s.Admin
	state.adminChanges = append([]AdminChange(nil), s.AdminChanges...)
	sort.Slice(state.adminChanges, func(i, j int) bool {
		return state.adminChanges[i].Sequence < state.adminChanges[j].Sequence
	})
	for _, c := range state.adminChanges {
		state.latest = max(state.latest, c.Timestamp)
	}
	return state
}

// Store provides an in-memory transactional store for the ledger. Writers
// are serialized; readers share a read lock and never observe a partially
// applied transaction.
type Store struct {
	mu        sync.RWMutex
	state     memoryState
	engine    *RulesEngine
	committer Committer
}

// Option configures a Store.
type Option func(*Store)

// WithCommitter installs a durable commit hook.
func WithCommitter(c Committer) Option {
	return func(s *Store) { s.committer = c }
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState copies the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(&s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn against a write overlay and commits the
// overlay only if fn succeeds, no blocking rule fires and the committer
// (if any) accepts the change set.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTransaction(&s.state)
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if len(tx.changes) == 0 {
		return result, nil
	}
	if s.committer != nil {
		if err := s.committer.Commit(ctx, tx.changes); err != nil {
			return result, fmt.Errorf("commit: %w", err)
		}
	}
	tx.apply(&s.state)
	return result, nil
}

// View runs fn against the committed state under a read lock.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(stateView{state: &s.state})
}

// GetUnit returns a registry entry by id.
func (s *Store) GetUnit(id string) (Unit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateView{state: &s.state}.FindUnit(id)
}

// GetRecord returns a provenance record by key.
func (s *Store) GetRecord(unitID string, eventID uint64) (ProvenanceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateView{state: &s.state}.FindRecord(unitID, eventID)
}

// ListRecords returns a unit's records ordered by event id.
func (s *Store) ListRecords(unitID string) []ProvenanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateView{state: &s.state}.ListRecords(unitID)
}

// Admin returns the current admin principal.
func (s *Store) Admin() (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.admin.Get()
}

// stateView is a read-only view over committed state. Callers hold the lock.
type stateView struct {
	state *memoryState
}

func (v stateView) FindUnit(id string) (Unit, bool) {
	u, ok := v.state.units[id]
	return u, ok
}

func (v stateView) ListUnits() []Unit {
	out := make([]Unit, 0, len(v.state.units))
	for _, u := range v.state.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v stateView) FindRecord(unitID string, eventID uint64) (ProvenanceRecord, bool) {
	records := v.state.records[unitID]
	if eventID == 0 || eventID > uint64(len(records)) {
		return ProvenanceRecord{}, false
	}
	r := records[eventID-1]
	if r.EventID != eventID {
		return ProvenanceRecord{}, false
	}
	return r, true
}

func (v stateView) ListRecords(unitID string) []ProvenanceRecord {
	return append([]ProvenanceRecord(nil), v.state.records[unitID]...)
}

func (v stateView) Admin() (Principal, bool) { return v.state.admin.Get() }

func (v stateView) ListAdminChanges() []AdminChange {
	return append([]AdminChange(nil), v.state.adminChanges...)
}

func (v stateView) LatestTimestamp() uint64 { return v.state.latest }
