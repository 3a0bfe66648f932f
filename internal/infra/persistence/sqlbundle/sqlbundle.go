// Package sqlbundle exposes the ledger's SQL schema bundles together with the
// loader and change writer shared by the SQL-backed stores.
package sqlbundle

import (
	"bufio"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
)

//go:embed sqlite.sql
var sqliteDDL string

//go:embed postgres.sql
var postgresDDL string

// Dialect captures the per-engine differences: DDL and placeholder syntax.
type Dialect struct {
	name     string
	ddl      string
	numbered bool
}

// SQLite returns the SQLite dialect.
func SQLite() Dialect { return Dialect{name: "sqlite", ddl: sqliteDDL} }

// Postgres returns the Postgres dialect.
func Postgres() Dialect { return Dialect{name: "postgres", ddl: postgresDDL, numbered: true} }

// Name reports the dialect name.
func (d Dialect) Name() string { return d.name }

// DDL returns the raw schema script.
func (d Dialect) DDL() string { return d.ddl }

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Apply executes the dialect's schema statements in order.
func Apply(ctx context.Context, db Execer, d Dialect) error {
	for _, stmt := range SplitStatements(d.ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			current.Reset()
		}
	}
	if tail := strings.TrimSpace(current.String()); tail != "" {
		stmts = append(stmts, tail)
	}
	return stmts
}
