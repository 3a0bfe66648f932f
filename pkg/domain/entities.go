// Package domain defines the persistent entities, value types, error kinds and
// rule evaluation primitives shared by the custody ledger core and its
// persistence backends.
package domain

import (
	"bytes"
	"encoding/json"
)

// EntityType identifies the type of record stored in the ledger.
type EntityType string

// Supported entity type identifiers used in Change records and persistence tables.
const (
	// EntityUnit identifies a registry entry (owner pointer and event counter).
	EntityUnit EntityType = "unit"
	// EntityProvenanceRecord identifies an immutable custody event record.
	EntityProvenanceRecord EntityType = "provenance_record"
	// EntityAdmin identifies the global admin slot.
	EntityAdmin EntityType = "admin"
)

// Principal is an opaque identity token supplied by the caller's execution
// context. The ledger only compares principals for equality.
type Principal string

// IsZero reports whether the principal is empty.
func (p Principal) IsZero() bool { return p == "" }

func (p Principal) String() string { return string(p) }

// OptionalPrincipal is a principal that may be absent. The zero value is absent.
type OptionalPrincipal struct {
	value Principal
	valid bool
}

// Some wraps p. An empty principal yields an absent value.
func Some(p Principal) OptionalPrincipal {
	if p.IsZero() {
		return OptionalPrincipal{}
	}
	return OptionalPrincipal{value: p, valid: true}
}

// None returns an absent principal.
func None() OptionalPrincipal { return OptionalPrincipal{} }

// Get returns the principal and whether it is present.
func (o OptionalPrincipal) Get() (Principal, bool) { return o.value, o.valid }

// Valid reports whether a principal is present.
func (o OptionalPrincipal) Valid() bool { return o.valid }

// OrElse returns the principal when present, otherwise fallback.
func (o OptionalPrincipal) OrElse(fallback Principal) Principal {
	if o.valid {
		return o.value
	}
	return fallback
}

// Is reports whether the value is present and equal to p.
func (o OptionalPrincipal) Is(p Principal) bool { return o.valid && o.value == p }

func (o OptionalPrincipal) String() string {
	if !o.valid {
		return "<none>"
	}
	return string(o.value)
}

// MarshalJSON encodes an absent principal as null.
func (o OptionalPrincipal) MarshalJSON() ([]byte, error) {
	if !o.valid {
		return []byte("null"), nil
	}
	return json.Marshal(string(o.value))
}

// UnmarshalJSON accepts null or a string.
func (o *OptionalPrincipal) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = OptionalPrincipal{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Some(Principal(s))
	return nil
}

// Unit is the registry entry for a tracked physical unit.
type Unit struct {
	ID string `json:"id"`
	// Owner is absent for entries created implicitly by a first event
	// recorded before initialization.
	Owner      OptionalPrincipal `json:"owner"`
	EventCount uint64            `json:"event_count"`
	// Initialized is false for implicitly created entries.
	Initialized bool `json:"initialized"`
}

// RecordKey addresses a provenance record.
type RecordKey struct {
	UnitID  string
	EventID uint64
}

// ProvenanceRecord is an immutable, sequentially numbered custody event.
type ProvenanceRecord struct {
	UnitID    string            `json:"unit_id"`
	EventID   uint64            `json:"event_id"`
	EventType EventType         `json:"event_type"`
	From      Principal         `json:"from_principal"`
	To        OptionalPrincipal `json:"to_principal"`
	Timestamp uint64            `json:"timestamp"`
	Location  string            `json:"location"`
	Notes     string            `json:"notes"`
}

// Key returns the record's address.
func (r ProvenanceRecord) Key() RecordKey {
	return RecordKey{UnitID: r.UnitID, EventID: r.EventID}
}

// AdminChange is one entry of the append-only admin audit trail.
type AdminChange struct {
	Sequence  uint64            `json:"sequence"`
	From      OptionalPrincipal `json:"from_principal"`
	To        Principal         `json:"to_principal"`
	Timestamp uint64            `json:"timestamp"`
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied to an entity during a transaction.
// Before and After hold Unit, ProvenanceRecord or AdminChange values.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions. The ledger has no delete path.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
