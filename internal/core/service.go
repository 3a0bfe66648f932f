package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"custodyledger/pkg/domain"
)

// Operation names used for audit, metrics and tracing.
const (
	OpInitializeBottle   = "initialize_bottle"
	OpRecordCustodyEvent = "record_custody_event"
	OpTransferAdmin      = "transfer_admin"
	OpBootstrapAdmin     = "bootstrap_admin"
	OpExportProvenance   = "export_provenance"
)

// CustodyEvent describes an event a caller asks the ledger to append.
type CustodyEvent struct {
	Type     EventType
	To       OptionalPrincipal
	Location string
	Notes    string
}

// Service is the provenance ledger: it authorizes and appends custody events,
// keeps the unit registry consistent with the event log and answers reads.
// Every mutation runs as one store transaction.
type Service struct {
	store   domain.PersistentStore
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock
	height  HeightSource
	policy  UninitializedPolicy
}

// NewService constructs a ledger service backed by store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		logger:  noopLogger{},
		audit:   noopAuditRecorder{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
		policy:  PolicyLenient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.height == nil {
		var latest uint64
		err := store.View(context.Background(), func(v domain.TransactionView) error {
			latest = v.LatestTimestamp()
			return nil
		})
		if err != nil {
			s.logger.Warn("seed event height from store", "error", err)
		}
		s.height = NewCounterHeight(latest)
	}
	return s
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Policy returns the configured uninitialized-unit policy.
func (s *Service) Policy() UninitializedPolicy { return s.policy }

// InitializeBottle registers unitID with caller as its owner and a zero event count.
func (s *Service) InitializeBottle(ctx context.Context, unitID string, caller Principal) (Unit, error) {
	op := s.begin(ctx, OpInitializeBottle, unitID, caller)
	if unitID == "" || caller.IsZero() {
		return Unit{}, op.end(ledgerError(OpInitializeBottle, unitID, caller, domain.ErrInvalidArgument))
	}
	var created Unit
	_, err := s.store.RunInTransaction(op.ctx, func(tx domain.Transaction) error {
		reg := NewRegistry(tx)
		if _, exists := reg.Lookup(unitID); exists {
			return ledgerError(OpInitializeBottle, unitID, caller, domain.ErrAlreadyExists)
		}
		var err error
		created, err = reg.Initialize(unitID, caller)
		return err
	})
	return created, op.end(err)
}

// RecordCustodyEvent authorizes caller, validates the event and appends it to
// the unit's history, updating the registry in the same transaction. It returns
// the new 1-based event id and any non-blocking rule findings.
func (s *Service) RecordCustodyEvent(ctx context.Context, unitID string, caller Principal, event CustodyEvent) (uint64, Result, error) {
	op := s.begin(ctx, OpRecordCustodyEvent, unitID, caller)
	if unitID == "" || caller.IsZero() {
		return 0, Result{}, op.end(ledgerError(OpRecordCustodyEvent, unitID, caller, domain.ErrInvalidArgument))
	}
	var accepted ProvenanceRecord
	res, err := s.store.RunInTransaction(op.ctx, func(tx domain.Transaction) error {
		reg := NewRegistry(tx)
		unit, exists := reg.Lookup(unitID)
		if s.policy == PolicyStrict && (!exists || !unit.Initialized) {
			return ledgerError(OpRecordCustodyEvent, unitID, caller, domain.ErrNotInitialized)
		}
		admin, hasAdmin := tx.Admin()
		adminOpt := None()
		if hasAdmin {
			adminOpt = Some(admin)
		}
		if !Authorize(caller, s.policy.effectiveOwner(reg.Owner(unitID), caller), adminOpt) {
			return ledgerError(OpRecordCustodyEvent, unitID, caller, domain.ErrUnauthorized)
		}
		if !event.Type.Valid() {
			return ledgerError(OpRecordCustodyEvent, unitID, caller, domain.ErrInvalidEventType)
		}

		eventID := reg.NextEventID(unitID)
		record, err := tx.AppendRecord(ProvenanceRecord{
			UnitID:    unitID,
			EventID:   eventID,
			EventType: event.Type,
			From:      caller,
			To:        event.To,
			Timestamp: max(s.height.Height(), tx.LatestTimestamp()),
			Location:  event.Location,
			Notes:     event.Notes,
		})
		if err != nil {
			return err
		}
		newOwner := None()
		if event.Type.TransfersOwnership() {
			newOwner = event.To
		}
		if _, err := reg.RecordAccepted(unitID, eventID, newOwner); err != nil {
			return err
		}
		accepted = record
		return nil
	})
	if err == nil {
		op.entry.EventID = accepted.EventID
		op.entry.Height = accepted.Timestamp
	}
	return accepted.EventID, res, op.end(err)
}

// GetBottleOwner returns the unit's current owner.
func (s *Service) GetBottleOwner(ctx context.Context, unitID string) (Principal, bool) {
	var owner OptionalPrincipal
	_ = s.store.View(ctx, func(v domain.TransactionView) error {
		if u, ok := v.FindUnit(unitID); ok {
			owner = u.Owner
		}
		return nil
	})
	return owner.Get()
}

// GetProvenanceRecord returns the record for (unitID, eventID).
func (s *Service) GetProvenanceRecord(ctx context.Context, unitID string, eventID uint64) (ProvenanceRecord, bool) {
	if eventID == 0 {
		return ProvenanceRecord{}, false
	}
	var (
		rec ProvenanceRecord
		ok  bool
	)
	_ = s.store.View(ctx, func(v domain.TransactionView) error {
		rec, ok = v.FindRecord(unitID, eventID)
		return nil
	})
	return rec, ok
}

// GetBottleEventCount returns the number of accepted events, 0 for unknown units.
func (s *Service) GetBottleEventCount(ctx context.Context, unitID string) uint64 {
	var count uint64
	_ = s.store.View(ctx, func(v domain.TransactionView) error {
		if u, ok := v.FindUnit(unitID); ok {
			count = u.EventCount
		}
		return nil
	})
	return count
}

// GetUnit returns the registry entry for unitID.
func (s *Service) GetUnit(ctx context.Context, unitID string) (Unit, bool) {
	var (
		u  Unit
		ok bool
	)
	_ = s.store.View(ctx, func(v domain.TransactionView) error {
		u, ok = v.FindUnit(unitID)
		return nil
	})
	return u, ok
}

// History returns the unit's records ordered by event id.
func (s *Service) History(ctx context.Context, unitID string) []ProvenanceRecord {
	var out []ProvenanceRecord
	_ = s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListRecords(unitID)
		return nil
	})
	return out
}

// Admin returns the current admin.
func (s *Service) Admin(ctx context.Context) (Principal, bool) {
	var (
		p  Principal
		ok bool
	)
	_ = s.store.View(ctx, func(v domain.TransactionView) error {
		p, ok = v.Admin()
		return nil
	})
	return p, ok
}

// AdminHistory returns every admin change in sequence order.
func (s *Service) AdminHistory(ctx context.Context) []AdminChange {
	var out []AdminChange
	_ = s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListAdminChanges()
		return nil
	})
	return out
}

// TransferAdmin replaces the admin with newAdmin. Only the current admin may do so.
func (s *Service) TransferAdmin(ctx context.Context, newAdmin, caller Principal) error {
	op := s.begin(ctx, OpTransferAdmin, "", caller)
	if newAdmin.IsZero() || caller.IsZero() {
		return op.end(ledgerError(OpTransferAdmin, "", caller, domain.ErrInvalidArgument))
	}
	var change AdminChange
	_, err := s.store.RunInTransaction(op.ctx, func(tx domain.Transaction) error {
		current, ok := tx.Admin()
		if !ok || current != caller {
			return ledgerError(OpTransferAdmin, "", caller, domain.ErrUnauthorized)
		}
		var err error
		change, err = tx.ReplaceAdmin(AdminChange{To: newAdmin, Timestamp: max(s.height.Height(), tx.LatestTimestamp())})
		return err
	})
	if err == nil {
		op.entry.Height = change.Timestamp
	}
	return op.end(err)
}

// BootstrapAdmin installs admin when no admin is set yet and reports whether it did.
func (s *Service) BootstrapAdmin(ctx context.Context, admin Principal) (bool, error) {
	op := s.begin(ctx, OpBootstrapAdmin, "", admin)
	if admin.IsZero() {
		return false, op.end(ledgerError(OpBootstrapAdmin, "", admin, domain.ErrInvalidArgument))
	}
	installed := false
	_, err := s.store.RunInTransaction(op.ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Admin(); ok {
			return nil
		}
		if _, err := tx.ReplaceAdmin(AdminChange{To: admin, Timestamp: tx.LatestTimestamp()}); err != nil {
			return err
		}
		installed = true
		return nil
	})
	return installed, op.end(err)
}

func ledgerError(op, unitID string, caller Principal, kind error) error {
	return &domain.LedgerError{Op: op, UnitID: unitID, Principal: caller, Err: kind}
}

// IsRejection reports whether err is a ledger decision (as opposed to an
// infrastructure failure).
func IsRejection(err error) bool {
	var violation domain.RuleViolationError
	return errors.Is(err, domain.ErrAlreadyExists) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrInvalidEventType) ||
		errors.Is(err, domain.ErrNotInitialized) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.As(err, &violation)
}

// operation tracks one observed service call.
type operation struct {
	svc     *Service
	ctx     context.Context
	span    TraceSpan
	started time.Time
	entry   AuditEntry
}

func (s *Service) begin(ctx context.Context, name, unitID string, caller Principal) *operation {
	ctx, span := s.tracer.Start(ctx, name)
	return &operation{
		svc:     s,
		ctx:     ctx,
		span:    span,
		started: s.clock.Now(),
		entry: AuditEntry{
			ID:        uuid.NewString(),
			Operation: name,
			UnitID:    unitID,
			Principal: caller,
		},
	}
}

func (o *operation) end(err error) error {
	s := o.svc
	duration := s.clock.Now().Sub(o.started)
	o.span.End(err)
	s.metrics.Observe(o.ctx, o.entry.Operation, err == nil, duration)

	o.entry.Duration = duration
	o.entry.Timestamp = o.started
	o.entry.Status = AuditStatusSuccess
	if err != nil {
		o.entry.Status = AuditStatusError
		o.entry.Error = err.Error()
	}
	s.audit.Record(o.ctx, o.entry)

	attrs := []any{"operation", o.entry.Operation, "unit_id", o.entry.UnitID, "principal", o.entry.Principal.String()}
	if o.entry.EventID != 0 {
		attrs = append(attrs, "event_id", o.entry.EventID)
	}
	switch {
	case err == nil:
		s.logger.Info("ledger operation accepted", attrs...)
	case IsRejection(err):
		s.logger.Warn("ledger operation rejected", append(attrs, "error", err)...)
	default:
		s.logger.Error("ledger operation failed", append(attrs, "error", err)...)
	}
	return err
}
