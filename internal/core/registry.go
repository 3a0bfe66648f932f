package core

import "custodyledger/pkg/domain"

// Registry is the unit registry as seen from within a single transaction: the
// owner pointer and event counter for each unit id.
type Registry struct {
	tx domain.Transaction
}

// NewRegistry binds a registry to tx.
func NewRegistry(tx domain.Transaction) Registry {
	return Registry{tx: tx}
}

// Initialize creates the unit with the caller as owner and a zero counter. It
// fails with domain.ErrAlreadyExists when the unit already has an entry,
// including one created implicitly by an earlier event.
func (r Registry) Initialize(unitID string, caller Principal) (Unit, error) {
	return r.tx.CreateUnit(Unit{ID: unitID, Owner: Some(caller), Initialized: true})
}

// Lookup returns the registry entry for unitID.
func (r Registry) Lookup(unitID string) (Unit, bool) {
	return r.tx.FindUnit(unitID)
}

// Owner returns the unit's current owner, absent when the unit has none.
func (r Registry) Owner(unitID string) OptionalPrincipal {
	u, ok := r.tx.FindUnit(unitID)
	if !ok {
		return None()
	}
	return u.Owner
}

// NextEventID returns the id the next accepted event will receive.
func (r Registry) NextEventID(unitID string) uint64 {
	u, ok := r.tx.FindUnit(unitID)
	if !ok {
		return 1
	}
	return u.EventCount + 1
}

// RecordAccepted advances the counter to eventID and, when newOwner is
// present, replaces the owner. Units without an entry get an implicit,
// uninitialized one.
func (r Registry) RecordAccepted(unitID string, eventID uint64, newOwner OptionalPrincipal) (Unit, error) {
	if _, ok := r.tx.FindUnit(unitID); !ok {
		return r.tx.CreateUnit(Unit{ID: unitID, Owner: newOwner, EventCount: eventID})
	}
	return r.tx.UpdateUnit(unitID, func(u *Unit) error {
		u.EventCount = eventID
		if newOwner.Valid() {
			u.Owner = newOwner
		}
		return nil
	})
}
