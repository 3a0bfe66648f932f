package core

import (
	"context"
	"fmt"
	"sort"

	"custodyledger/pkg/domain"
)

// Rule names registered by NewDefaultRulesEngine.
const (
	RuleRecipientRequired       = "recipient_required"
	RuleEventSequenceContiguity = "event_sequence_contiguity"
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewRecipientRequiredRule())
	engine.Register(NewEventSequenceContiguityRule())
	return engine
}

// NewRecipientRequiredRule warns when a transferring event carries no
// recipient, which leaves ownership unchanged.
func NewRecipientRequiredRule() domain.Rule {
	return recipientRequiredRule{}
}

type recipientRequiredRule struct{}

func (recipientRequiredRule) Name() string { return RuleRecipientRequired }

func (recipientRequiredRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		rec, ok := change.After.(domain.ProvenanceRecord)
		if !ok || !rec.EventType.TransfersOwnership() || rec.To.Valid() {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleRecipientRequired,
			Severity: domain.SeverityWarn,
			Message:  fmt.Sprintf("%s event %d on %s has no recipient; owner unchanged", rec.EventType, rec.EventID, rec.UnitID),
			Entity:   domain.EntityProvenanceRecord,
			EntityID: fmt.Sprintf("%s/%d", rec.UnitID, rec.EventID),
		})
	}
	return res, nil
}

// NewEventSequenceContiguityRule blocks any transaction that would leave a
// touched unit's counter out of step with its records.
func NewEventSequenceContiguityRule() domain.Rule {
	return eventSequenceContiguityRule{}
}

type eventSequenceContiguityRule struct{}

func (eventSequenceContiguityRule) Name() string { return RuleEventSequenceContiguity }

func (eventSequenceContiguityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[string]struct{})
	for _, change := range changes {
		switch after := change.After.(type) {
		case domain.ProvenanceRecord:
			touched[after.UnitID] = struct{}{}
		case domain.Unit:
			touched[after.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := domain.Result{}
	block := func(unitID, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     RuleEventSequenceContiguity,
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityUnit,
			EntityID: unitID,
		})
	}
	for _, id := range ids {
		records := view.ListRecords(id)
		unit, ok := view.FindUnit(id)
		if !ok {
			block(id, fmt.Sprintf("unit %s has %d records but no registry entry", id, len(records)))
			continue
		}
		if uint64(len(records)) != unit.EventCount {
			block(id, fmt.Sprintf("unit %s event count %d does not match %d records", id, unit.EventCount, len(records)))
			continue
		}
		for i, rec := range records {
			if rec.EventID != uint64(i+1) {
				block(id, fmt.Sprintf("unit %s record %d found at position %d", id, rec.EventID, i+1))
				break
			}
		}
	}
	return res, nil
}
