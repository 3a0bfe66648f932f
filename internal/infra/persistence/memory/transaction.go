package memory

import (
	"fmt"
	"sort"

	"custodyledger/pkg/domain"
)

// transaction buffers writes over the committed state. The store holds its
// write lock for the transaction's lifetime, so base is stable.
type transaction struct {
	base         *memoryState
	units        map[string]Unit
	appended     map[string][]ProvenanceRecord
	admin        *domain.OptionalPrincipal
	adminChanges []AdminChange
	latest       uint64
	changes      []Change
}

func newTransaction(base *memoryState) *transaction {
	return &transaction{
		base:     base,
		units:    make(map[string]Unit),
		appended: make(map[string][]ProvenanceRecord),
		latest:   base.latest,
	}
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// apply folds the overlay into state.
func (tx *transaction) apply(state *memoryState) {
	for id, u := range tx.units {
		state.units[id] = u
	}
	for id, recs := range tx.appended {
		state.records[id] = append(state.records[id], recs...)
	}
	if tx.admin != nil {
		state.admin = *tx.admin
	}
	state.adminChanges = append(state.adminChanges, tx.adminChanges...)
	state.latest = tx.latest
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return tx
}

// FindUnit reads through the overlay.
func (tx *transaction) FindUnit(id string) (Unit, bool) {
	if u, ok := tx.units[id]; ok {
		return u, true
	}
	u, ok := tx.base.units[id]
	return u, ok
}

// ListUnits merges committed and pending registry entries.
func (tx *transaction) ListUnits() []Unit {
	merged := make(map[string]Unit, len(tx.base.units)+len(tx.units))
	for id, u := range tx.base.units {
		merged[id] = u
	}
	for id, u := range tx.units {
		merged[id] = u
	}
	out := make([]Unit, 0, len(merged))
	for _, u := range merged {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *transaction) recordCount(unitID string) uint64 {
	return uint64(len(tx.base.records[unitID]) + len(tx.appended[unitID]))
}

// FindRecord reads committed records, then pending ones.
func (tx *transaction) FindRecord(unitID string, eventID uint64) (ProvenanceRecord, bool) {
	if r, ok := (stateView{state: tx.base}).FindRecord(unitID, eventID); ok {
		return r, true
	}
	for _, r := range tx.appended[unitID] {
		if r.EventID == eventID {
			return r, true
		}
	}
	return ProvenanceRecord{}, false
}

// ListRecords returns committed and pending records in event order.
func (tx *transaction) ListRecords(unitID string) []ProvenanceRecord {
	out := append([]ProvenanceRecord(nil), tx.base.records[unitID]...)
	return append(out, tx.appended[unitID]...)
}

// Admin returns the admin slot as seen by the transaction.
func (tx *transaction) Admin() (Principal, bool) {
	if tx.admin != nil {
		return tx.admin.Get()
	}
	return tx.base.admin.Get()
}

// ListAdminChanges returns the admin trail including pending entries.
func (tx *transaction) ListAdminChanges() []AdminChange {
	out := append([]AdminChange(nil), tx.base.adminChanges...)
	return append(out, tx.adminChanges...)
}

// LatestTimestamp includes pending writes.
func (tx *transaction) LatestTimestamp() uint64 { return tx.latest }

// CreateUnit stores a new registry entry.
func (tx *transaction) CreateUnit(u Unit) (Unit, error) {
	if u.ID == "" {
		return Unit{}, fmt.Errorf("unit id: %w", domain.ErrInvalidArgument)
	}
	if _, exists := tx.FindUnit(u.ID); exists {
		return Unit{}, fmt.Errorf("unit %q: %w", u.ID, domain.ErrAlreadyExists)
	}
	tx.units[u.ID] = u
	tx.recordChange(Change{Entity: domain.EntityUnit, Action: domain.ActionCreate, After: u})
	return u, nil
}

// UpdateUnit mutates a registry entry using the provided mutator function.
func (tx *transaction) UpdateUnit(id string, mutator func(*Unit) error) (Unit, error) {
	current, ok := tx.FindUnit(id)
	if !ok {
		return Unit{}, fmt.Errorf("unit %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return Unit{}, err
	}
	current.ID = id
	tx.units[id] = current
	tx.recordChange(Change{Entity: domain.EntityUnit, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// AppendRecord stores a provenance record. Records must arrive in event order.
func (tx *transaction) AppendRecord(r ProvenanceRecord) (ProvenanceRecord, error) {
	if r.UnitID == "" || r.EventID == 0 {
		return ProvenanceRecord{}, fmt.Errorf("record key %s/%d: %w", r.UnitID, r.EventID, domain.ErrInvalidArgument)
	}
	if _, exists := tx.FindRecord(r.UnitID, r.EventID); exists {
		return ProvenanceRecord{}, fmt.Errorf("record %s/%d: %w", r.UnitID, r.EventID, domain.ErrAlreadyExists)
	}
	if next := tx.recordCount(r.UnitID) + 1; r.EventID != next {
		return ProvenanceRecord{}, fmt.Errorf("record %s/%d out of sequence, next is %d", r.UnitID, r.EventID, next)
	}
	tx.appended[r.UnitID] = append(tx.appended[r.UnitID], r)
	tx.latest = max(tx.latest, r.Timestamp)
	tx.recordChange(Change{Entity: domain.EntityProvenanceRecord, Action: domain.ActionCreate, After: r})
	return r, nil
}

// ReplaceAdmin swaps the admin slot and appends to the admin trail.
func (tx *transaction) ReplaceAdmin(change AdminChange) (AdminChange, error) {
	if change.To.IsZero() {
		return AdminChange{}, fmt.Errorf("admin principal: %w", domain.ErrInvalidArgument)
	}
	prev, hadAdmin := tx.Admin()
	if hadAdmin {
		change.From = domain.Some(prev)
	} else {
		change.From = domain.None()
	}
	change.Sequence = uint64(len(tx.base.adminChanges)+len(tx.adminChanges)) + 1
	next := domain.Some(change.To)
	tx.admin = &next
	tx.adminChanges = append(tx.adminChanges, change)
	tx.latest = max(tx.latest, change.Timestamp)
	action := domain.ActionUpdate
	if !hadAdmin {
		action = domain.ActionCreate
	}
	tx.recordChange(Change{Entity: domain.EntityAdmin, Action: action, After: change})
	return change, nil
}
