// Package sqlengine implements engine.StorageEngine against a real
// database/sql connection pool, using go-sql-driver/mysql's *MySQLError
// to populate engine.Error's Severity/Code (spec.md §7's retry
// classification table: 1205/1213 are transient, everything else the
// driver rejects is a user error consulted against skip-errors).
//
// Grounded on sqlescape's carried-over go-sql-driver/mysql interpolate
// code (same driver, same monorepo lineage) for which library to reach
// for, and on engine.Error's shape for what Classify needs back.
package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/joeycumines/go-replslave/engine"
	"github.com/joeycumines/go-replslave/event"
)

// quoteIdent backtick-quotes a MySQL identifier, doubling embedded
// backticks per the usual identifier-quoting rule.
func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// transientErrno lists the MySQL error numbers retried by the core's
// TransRetries policy before being promoted to fatal.
var transientErrno = map[uint16]struct{}{
	1205: {}, // ER_LOCK_WAIT_TIMEOUT
	1213: {}, // ER_LOCK_DEADLOCK
}

// Engine adapts a *sql.DB into engine.StorageEngine.
type Engine struct {
	db *sql.DB
}

// New wraps db. Callers own db's lifecycle (open/close).
func New(db *sql.DB) *Engine { return &Engine{db: db} }

// Begin starts one Group's transaction.
func (e *Engine) Begin(ctx context.Context) (engine.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &transaction{tx: tx}, nil
}

type transaction struct {
	tx *sql.Tx
}

// Apply executes the event's statement, if it carries one. Row-image
// events (TypeRows) without a preceding RowsQuery are skipped: this
// engine only understands statement-based replication; a row-based
// engine would decode event.Event's row payload itself, but the opaque
// Event interface deliberately doesn't expose one (spec.md §3).
func (t *transaction) Apply(ctx context.Context, e event.Event) error {
	stmt := e.Statement()
	if stmt == `` {
		return nil
	}
	if schema := e.Schema(); schema != `` {
		if _, err := t.tx.ExecContext(ctx, `USE `+quoteIdent(schema)); err != nil {
			return classify(err)
		}
	}
	if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
		return classify(err)
	}
	return nil
}

func (t *transaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify(err)
	}
	return nil
}

// classify wraps err as an *engine.Error using the driver's error number
// when available, defaulting to fatal for anything else (connection
// failures, context cancellation).
func classify(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		sev := engine.SeverityUserError
		if _, transient := transientErrno[me.Number]; transient {
			sev = engine.SeverityTransient
		}
		return &engine.Error{Severity: sev, Code: int(me.Number), Err: err}
	}
	return &engine.Error{Severity: engine.SeverityFatal, Code: 0, Err: fmt.Errorf(`sqlengine: %w`, err)}
}
