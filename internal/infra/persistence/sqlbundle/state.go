package sqlbundle

import (
	"context"
	"database/sql"
	"fmt"

	"custodyledger/internal/infra/persistence/memory"
	"custodyledger/pkg/domain"
)

const (
	selectUnits   = `SELECT unit_id, owner, event_count, initialized FROM units`
	selectRecords = `SELECT unit_id, event_id, event_type, from_principal, to_principal, height, location, notes FROM provenance_records ORDER BY unit_id, event_id`
	selectAdmin   = `SELECT principal FROM admin WHERE id = 1`
	selectTrail   = `SELECT seq, from_principal, to_principal, height FROM admin_changes ORDER BY seq`

	insertUnit   = `INSERT INTO units(unit_id, owner, event_count, initialized) VALUES(?, ?, ?, ?)`
	updateUnit   = `UPDATE units SET owner = ?, event_count = ?, initialized = ? WHERE unit_id = ?`
	insertRecord = `INSERT INTO provenance_records(unit_id, event_id, event_type, from_principal, to_principal, height, location, notes) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
	upsertAdmin  = `INSERT INTO admin(id, principal) VALUES(1, ?) ON CONFLICT(id) DO UPDATE SET principal = excluded.principal`
	insertTrail  = `INSERT INTO admin_changes(seq, from_principal, to_principal, height) VALUES(?, ?, ?, ?)`
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Load reads the persisted ledger into a memory snapshot.
func Load(ctx context.Context, db Querier, d Dialect) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{Units: make(map[string]domain.Unit)}
	if err := each(ctx, db, d.Rebind(selectUnits), func(rows *sql.Rows) error {
		var (
			u     domain.Unit
			owner sql.NullString
			count int64
		)
		if err := rows.Scan(&u.ID, &owner, &count, &u.Initialized); err != nil {
			return err
		}
		u.Owner = optional(owner)
		u.EventCount = uint64(count)
		snapshot.Units[u.ID] = u
		return nil
	}); err != nil {
		return memory.Snapshot{}, fmt.Errorf("load units: %w", err)
	}

	if err := each(ctx, db, d.Rebind(selectRecords), func(rows *sql.Rows) error {
		var (
			r               domain.ProvenanceRecord
			eventType, from string
			to              sql.NullString
			eventID, height int64
		)
		if err := rows.Scan(&r.UnitID, &eventID, &eventType, &from, &to, &height, &r.Location, &r.Notes); err != nil {
			return err
		}
		parsed, err := domain.ParseEventType(eventType)
		if err != nil {
			return fmt.Errorf("record %s/%d: %w", r.UnitID, eventID, err)
		}
		r.EventID = uint64(eventID)
		r.EventType = parsed
		r.From = domain.Principal(from)
		r.To = optional(to)
		r.Timestamp = uint64(height)
		snapshot.Records = append(snapshot.Records, r)
		return nil
	}); err != nil {
		return memory.Snapshot{}, fmt.Errorf("load records: %w", err)
	}

	if err := each(ctx, db, d.Rebind(selectAdmin), func(rows *sql.Rows) error {
		var p string
		if err := rows.Scan(&p); err != nil {
			return err
		}
		snapshot.Admin = domain.Some(domain.Principal(p))
		return nil
	}); err != nil {
		return memory.Snapshot{}, fmt.Errorf("load admin: %w", err)
	}

	if err := each(ctx, db, d.Rebind(selectTrail), func(rows *sql.Rows) error {
		var (
			c           domain.AdminChange
			seq, height int64
			from        sql.NullString
			to          string
		)
		if err := rows.Scan(&seq, &from, &to, &height); err != nil {
			return err
		}
		c.Sequence = uint64(seq)
		c.From = optional(from)
		c.To = domain.Principal(to)
		c.Timestamp = uint64(height)
		snapshot.AdminChanges = append(snapshot.AdminChanges, c)
		return nil
	}); err != nil {
		return memory.Snapshot{}, fmt.Errorf("load admin changes: %w", err)
	}
	return snapshot, nil
}

func each(ctx context.Context, db Querier, query string, scan func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func optional(s sql.NullString) domain.OptionalPrincipal {
	if !s.Valid {
		return domain.None()
	}
	return domain.Some(domain.Principal(s.String))
}

func nullable(p domain.OptionalPrincipal) sql.NullString {
	v, ok := p.Get()
	return sql.NullString{String: string(v), Valid: ok}
}

// Writer replays a transaction's change set inside a single SQL transaction.
// It implements memory.Committer.
type Writer struct {
	db      *sql.DB
	dialect Dialect
}

var _ memory.Committer = (*Writer)(nil)

// NewWriter constructs a Writer for db.
func NewWriter(db *sql.DB, d Dialect) *Writer {
	return &Writer{db: db, dialect: d}
}

// Commit writes every change or none of them.
func (w *Writer) Commit(ctx context.Context, changes []domain.Change) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, change := range changes {
		if err := w.write(ctx, tx, change); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (w *Writer) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, w.dialect.Rebind(query), args...)
	return err
}

func (w *Writer) write(ctx context.Context, tx *sql.Tx, change domain.Change) error {
	switch after := change.After.(type) {
	case domain.Unit:
		if change.Action == domain.ActionCreate {
			if err := w.exec(ctx, tx, insertUnit, after.ID, nullable(after.Owner), int64(after.EventCount), after.Initialized); err != nil {
				return fmt.Errorf("insert unit %s: %w", after.ID, err)
			}
			return nil
		}
		if err := w.exec(ctx, tx, updateUnit, nullable(after.Owner), int64(after.EventCount), after.Initialized, after.ID); err != nil {
			return fmt.Errorf("update unit %s: %w", after.ID, err)
		}
		return nil
	case domain.ProvenanceRecord:
		if err := w.exec(ctx, tx, insertRecord, after.UnitID, int64(after.EventID), after.EventType.String(),
			string(after.From), nullable(after.To), int64(after.Timestamp), after.Location, after.Notes); err != nil {
			return fmt.Errorf("insert record %s/%d: %w", after.UnitID, after.EventID, err)
		}
		return nil
	case domain.AdminChange:
		if err := w.exec(ctx, tx, upsertAdmin, string(after.To)); err != nil {
			return fmt.Errorf("upsert admin: %w", err)
		}
		if err := w.exec(ctx, tx, insertTrail, int64(after.Sequence), nullable(after.From), string(after.To), int64(after.Timestamp)); err != nil {
			return fmt.Errorf("insert admin change %d: %w", after.Sequence, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported change for %s: %T", change.Entity, change.After)
	}
}
