// Package engine defines the StorageEngine collaborator: the core hands
// each event to Apply and trusts the engine's transactional guarantees
// (spec.md §1 "consumed via a transactional apply() call on each event").
package engine

import (
	"context"
	"errors"

	"github.com/joeycumines/go-replslave/event"
)

// Severity classifies an Apply error for the core's retry/skip policy
// (spec.md §7).
type Severity int

const (
	// SeverityFatal stops the Applier/Worker immediately; no retry.
	SeverityFatal Severity = iota
	// SeverityTransient is retried up to TransRetries times, then
	// promoted to fatal (deadlock, lock timeout).
	SeverityTransient
	// SeverityUserError is consulted against the skip-errors bitmap:
	// skipped with a warning if listed, else fatal.
	SeverityUserError
)

// Error wraps an engine failure with the classification the Applier
// needs; engines that don't wrap their errors are treated as fatal.
type Error struct {
	Severity Severity
	Code     int
	Err      error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Classify extracts Severity/Code from err, defaulting to fatal with
// code 0 for errors the engine didn't annotate.
func Classify(err error) (Severity, int) {
	if err == nil {
		return SeverityFatal, 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Severity, e.Code
	}
	return SeverityFatal, 0
}

// StorageEngine is the transactional apply collaborator. Implementations
// are expected to be safe for concurrent use only insofar as the core
// promises: single-threaded Apply in Applier mode, and up to
// ParallelWorkers concurrent Apply calls for distinct groups in
// Coordinator/Worker mode (never concurrent calls for the SAME group).
type StorageEngine interface {
	// Begin starts a transaction scoped to one Group; Commit or Rollback
	// must be called exactly once per successful Begin.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one Group's transactional scope.
type Tx interface {
	// Apply executes one event's effect within the transaction.
	Apply(ctx context.Context, e event.Event) error
	// Commit finalizes the transaction. Implementations that share a
	// transaction with PositionStore (spec.md §4.1) must commit both
	// effects atomically here.
	Commit(ctx context.Context) error
	// Rollback discards the transaction's effects.
	Rollback(ctx context.Context) error
}
