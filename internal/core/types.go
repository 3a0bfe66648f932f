package core

import "custodyledger/pkg/domain"

type (
	// Principal aliases domain.Principal.
	Principal = domain.Principal
	// OptionalPrincipal aliases domain.OptionalPrincipal.
	OptionalPrincipal = domain.OptionalPrincipal
	// EventType aliases domain.EventType.
	EventType = domain.EventType
	// Unit aliases domain.Unit.
	Unit = domain.Unit
	// ProvenanceRecord aliases domain.ProvenanceRecord.
	ProvenanceRecord = domain.ProvenanceRecord
	// AdminChange aliases domain.AdminChange.
	AdminChange = domain.AdminChange
	// Change aliases domain.Change.
	Change = domain.Change
	// Result aliases domain.Result.
	Result = domain.Result
	// Violation aliases domain.Violation.
	Violation = domain.Violation
	// Rule aliases domain.Rule.
	Rule = domain.Rule
	// RulesEngine aliases domain.RulesEngine.
	RulesEngine = domain.RulesEngine
)

// Some wraps a present principal.
func Some(p Principal) OptionalPrincipal { return domain.Some(p) }

// None returns an absent principal.
func None() OptionalPrincipal { return domain.None() }
