// Package applier implements the Applier collaborator (spec.md §4.5):
// the single-threaded loop that reads events back out of the RelayLog,
// applies them through a StorageEngine inside per-group transactions,
// and advances the Applier's half of the PositionStore.
//
// Grounded on fangrpcstream's single-goroutine read loop (as in the
// receiver package) for the read/apply/advance shape, and on
// engine.Classify for the transient/user-error/fatal retry policy
// spec.md §7 describes.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/engine"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
	"github.com/joeycumines/go-replslave/replconf"
	"github.com/joeycumines/logiface"
)

// UntilKind selects which coordinate/GTID target a Applier's UNTIL stop
// condition compares against (spec.md §3 ApplierState.until_condition).
type UntilKind int

const (
	UntilNone UntilKind = iota
	UntilMasterPos
	UntilRelayPos
	UntilSQLAfterGTIDs
	// UntilSQLBeforeGTIDs stops the Applier just before executing the
	// first group carrying a GTID in the target set, rather than after
	// absorbing the whole set (spec.md §3 until_condition).
	UntilSQLBeforeGTIDs
	// UntilSQLAfterMTSGaps is the special recovery-replay mode driven by
	// a Coordinator restart under recovery_parallel_workers (spec.md
	// §4.6): every group is replayed in order, but only those still
	// marked in Gaps are actually (re)applied; the stop condition fires
	// once Gaps is empty.
	UntilSQLAfterMTSGaps
	UntilDone
)

// Until configures the Applier's stop condition.
type Until struct {
	Kind        UntilKind
	MasterCoord coordinate.Coordinate
	RelayCoord  coordinate.Coordinate
	GTIDs       *gtid.Set
	// Gaps is consulted only when Kind == UntilSQLAfterMTSGaps.
	Gaps *GroupBitmap
}

// GroupBitmap tracks, for MTS-gap recovery (spec.md §4.6), which
// previously-dispatched group sequence numbers are still missing (i.e.
// were never confirmed committed before a crash). A recovery Applier
// replays every group in the original dispatch order but only actually
// applies (and clears) the ones still present here; once empty, the
// gaps are closed and UNTIL_SQL_AFTER_MTS_GAPS is satisfied.
type GroupBitmap struct {
	mu   sync.Mutex
	gaps map[uint64]struct{}
}

// NewGroupBitmap seeds a bitmap with the given still-missing sequence
// numbers (typically computed from the persisted position.WorkerState
// entries: every seq beyond the lowest Worker's GroupSeq that isn't
// covered by a higher Worker's GroupSeq is a gap).
func NewGroupBitmap(seqs []uint64) *GroupBitmap {
	m := make(map[uint64]struct{}, len(seqs))
	for _, s := range seqs {
		m[s] = struct{}{}
	}
	return &GroupBitmap{gaps: m}
}

// Has reports whether seq is still an open gap.
func (b *GroupBitmap) Has(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.gaps[seq]
	return ok
}

// Clear closes seq's gap.
func (b *GroupBitmap) Clear(seq uint64) {
	b.mu.Lock()
	delete(b.gaps, seq)
	b.mu.Unlock()
}

// Empty reports whether every gap has been closed.
func (b *GroupBitmap) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.gaps) == 0
}

// SkipErrors reports whether a storage-engine error code is listed in the
// skip-errors configuration (spec.md §4.9); the controller collaborator
// owns the actual bitmap/"all"/"ddl_exist_errors" parsing.
type SkipErrors interface {
	Allowed(code int) bool
}

// Config configures an Applier.
type Config struct {
	Reader       *relay.Reader
	Engine       engine.StorageEngine
	Positions    *position.Store
	SQLDelay     time.Duration
	SkipCounter  uint64
	TransRetries int
	Until        Until
	SkipErrors   SkipErrors
	Logger       *logiface.Logger[logiface.Event]

	// Now lets tests control the delay clock; defaults to time.Now.
	Now func() time.Time
}

// Applier applies events from one RelayLog.Reader, in commit order,
// until ctx is canceled, the RelayLog is closed, or its UNTIL condition
// is satisfied.
type Applier struct {
	cfg Config

	skipCounter uint64
	executed    *gtid.Set
	// recoverySeq counts groups in the same deterministic order the
	// Coordinator originally assigned GAQ sequence numbers, so a
	// UNTIL_SQL_AFTER_MTS_GAPS replay lines back up with the persisted
	// position.WorkerState.GroupSeq values (spec.md §4.6).
	recoverySeq uint64
}

// ErrFatal wraps a non-retryable apply error with the coordinate it
// stopped at, matching ApplierState.error (spec.md §3).
type ErrFatal struct {
	Coord coordinate.Coordinate
	Err   error
}

func (e *ErrFatal) Error() string {
	return fmt.Sprintf(`applier: fatal error at %s: %v`, e.Coord, e.Err)
}
func (e *ErrFatal) Unwrap() error { return e.Err }

// New constructs an Applier, seeding its executed-GTID set and skip
// counter from the last persisted ApplierState.
func New(cfg Config) (*Applier, error) {
	state := cfg.Positions.Get()
	executed, err := state.ExecutedSet()
	if err != nil {
		return nil, fmt.Errorf(`applier: executed set: %w`, err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Applier{cfg: cfg, skipCounter: cfg.SkipCounter, executed: executed}, nil
}

// groupItem pairs an event with whether slave_skip_counter consumed it.
type groupItem struct {
	e    event.Event
	skip bool
}

// Run reads and applies events until ctx is canceled, the RelayLog
// reader is closed out from under it, or UNTIL is satisfied (in which
// case Run returns nil having marked the stop condition done).
func (a *Applier) Run(ctx context.Context) error {
	var group []groupItem

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		e, err := a.cfg.Reader.ReadNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, relay.ErrClosed) {
				return nil
			}
			return fmt.Errorf(`applier: read next: %w`, err)
		}

		if a.untilSatisfied(e) {
			return nil
		}

		switch e.Type() {
		case event.TypeHeartbeat, event.TypeFormatDescription, event.TypeRotate, event.TypePreviousGtids:
			// Cursor-only events: the relay reader's position already
			// advanced past them; nothing to apply or commit.
			continue
		}

		if err := a.sleepForDelay(ctx, e); err != nil {
			return err
		}

		skip := false
		if a.skipCounter > 0 {
			a.skipCounter--
			skip = true
		}

		group = append(group, groupItem{e: e, skip: skip})

		if len(group) == 1 && !event.IsGroupStart(e) {
			// A standalone event (e.g. DDL with no preceding Gtid/BEGIN)
			// forms a single-event group by itself (spec.md §4.6).
			if err := a.commitGroup(ctx, group); err != nil {
				return err
			}
			group = group[:0]
			continue
		}

		if event.IsGroupEnd(e) {
			if err := a.commitGroup(ctx, group); err != nil {
				return err
			}
			group = group[:0]
		}
	}
}

// untilSatisfied implements the "before executing, compare event coord
// to the configured UNTIL target" check (spec.md §4.5).
func (a *Applier) untilSatisfied(e event.Event) bool {
	switch a.cfg.Until.Kind {
	case UntilMasterPos:
		return !coordinate.Less(e.Coordinate(), a.cfg.Until.MasterCoord)
	case UntilRelayPos:
		return !coordinate.Less(a.cfg.Reader.Position(), a.cfg.Until.RelayCoord)
	case UntilSQLAfterGTIDs:
		return a.cfg.Until.GTIDs != nil && a.executed.ContainsSet(a.cfg.Until.GTIDs)
	case UntilSQLBeforeGTIDs:
		return a.cfg.Until.GTIDs != nil && e.Type() == event.TypeGtid && a.cfg.Until.GTIDs.Contains(e.GTID())
	case UntilSQLAfterMTSGaps:
		return a.cfg.Until.Gaps != nil && a.cfg.Until.Gaps.Empty()
	default:
		return false
	}
}

// sleepForDelay enforces sql_delay_secs for non-format events (spec.md
// §4.5's "sleep-to-enforce-delay"): if the event is older than now minus
// the configured delay, apply immediately; otherwise sleep the
// difference, or until ctx is canceled.
func (a *Applier) sleepForDelay(ctx context.Context, e event.Event) error {
	if a.cfg.SQLDelay <= 0 {
		return nil
	}
	readyAt := e.Timestamp().Add(a.cfg.SQLDelay)
	wait := readyAt.Sub(a.cfg.Now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commitGroup applies one group's events inside a single engine
// transaction, retrying transient errors up to TransRetries times with
// bounded backoff, consulting SkipErrors for user errors, and returning
// an *ErrFatal for anything else.
func (a *Applier) commitGroup(ctx context.Context, group []groupItem) error {
	if a.cfg.Until.Kind == UntilSQLAfterMTSGaps && a.cfg.Until.Gaps != nil {
		seq := a.recoverySeq
		a.recoverySeq++
		if !a.cfg.Until.Gaps.Has(seq) {
			// Some Worker already committed this group before the crash;
			// replay only needs to advance cursors, never re-apply it.
			return a.advanceOnly(ctx, group)
		}
		defer a.cfg.Until.Gaps.Clear(seq)
	}

	attempt := 0
	for {
		err := a.tryApplyGroup(ctx, group)
		if err == nil {
			return nil
		}

		sev, code := engine.Classify(err)
		switch sev {
		case engine.SeverityTransient:
			attempt++
			if attempt > a.cfg.TransRetries {
				return a.fatal(group, err)
			}
			a.cfg.Logger.Warning().Int(`attempt`, attempt).Err(err).Log(`applier retrying transient error`)
			pause := time.Duration(attempt) * time.Second
			if pause > replconf.MaxSlaveRetryPause {
				pause = replconf.MaxSlaveRetryPause
			}
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue

		case engine.SeverityUserError:
			if a.cfg.SkipErrors != nil && a.cfg.SkipErrors.Allowed(code) {
				a.cfg.Logger.Warning().Int(`code`, code).Log(`applier skipping user error`)
				return a.advanceOnly(ctx, group)
			}
			return a.fatal(group, err)

		default:
			return a.fatal(group, err)
		}
	}
}

// tryApplyGroup runs one attempt at applying group inside a fresh
// transaction, committing (and advancing cursors) on success.
func (a *Applier) tryApplyGroup(ctx context.Context, group []groupItem) error {
	tx, err := a.cfg.Engine.Begin(ctx)
	if err != nil {
		return err
	}

	for _, it := range group {
		if it.skip {
			continue
		}
		if err := tx.Apply(ctx, it.e); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	return a.advanceOnly(ctx, group)
}

// advanceOnly records the group's terminal coordinate and GTID into the
// executed set and the PositionStore, without (re)applying anything —
// used both after a successful commit and after a skipped user error.
func (a *Applier) advanceOnly(ctx context.Context, group []groupItem) error {
	if len(group) == 0 {
		return nil
	}
	last := group[len(group)-1].e
	for _, it := range group {
		if it.e.Type() == event.TypeGtid {
			a.executed.Add(it.e.GTID())
		}
	}
	return a.cfg.Positions.UpdateApplier(ctx, position.ApplierState{
		MasterCoordinate: last.Coordinate(),
		ExecutedGTIDs:    a.executed.Encode(),
		EventTimestamp:   last.Timestamp(),
	})
}

// fatal records the error via ApplierState.error semantics (spec.md §3)
// and returns it wrapped as *ErrFatal, stopping Run.
func (a *Applier) fatal(group []groupItem, err error) error {
	var coord coordinate.Coordinate
	if len(group) > 0 {
		coord = group[len(group)-1].e.Coordinate()
	}
	a.cfg.Logger.Warning().Str(`coord`, coord.String()).Err(err).Log(`applier fatal error`)
	return &ErrFatal{Coord: coord, Err: err}
}
