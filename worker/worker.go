// Package worker implements the Worker collaborator (spec.md §4.6): one
// of the WorkerPool's N goroutines, each owning a bounded queue and
// applying the Jobs the Coordinator assigns it strictly in enqueue
// order.
//
// Grounded on the applier package's commit-with-retry loop (itself
// grounded on fangrpcstream's single-goroutine read loop), generalized
// from "read from RelayLog directly" to "read from an assigned queue",
// and on engine.Classify for the same transient/user-error/fatal policy.
package worker

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
	"github.com/joeycumines/go-replslave/replconf"
	"github.com/joeycumines/logiface"
)

// SkipErrors reports whether a storage-engine error code is listed in
// the skip-errors configuration; same contract as applier.SkipErrors.
type SkipErrors interface {
	Allowed(code int) bool
}

// Job is one Group assigned to a Worker by the Coordinator: the group's
// events plus the GAQ sequence number the Coordinator will mark done.
//
// Rollback marks a synthetic recovery Job carrying no real DML: the
// Coordinator uses it to discard a partial group left buffered across a
// mid-group reconnect (spec.md §4.6's "synthetic BEGIN/ROLLBACK"),
// modeled here as opening and immediately rolling back a real engine
// transaction rather than injecting literal SQL text.
type Job struct {
	Seq            uint64
	MasterCoord    coordinate.Coordinate
	GTID           gtid.GTID
	EventTimestamp time.Time
	Events         []event.Event
	Rollback       bool
}

// ErrFatal wraps a non-retryable apply error, reported via OnFatal.
type ErrFatal struct {
	Seq uint64
	Err error
}

func (e *ErrFatal) Error() string { return fmt.Sprintf(`worker: fatal error on group %d: %v`, e.Seq, e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }

// Config configures a Worker.
type Config struct {
	Engine       engine.StorageEngine
	QueueLen     int
	TransRetries int
	SkipErrors   SkipErrors
	Logger       *logiface.Logger[logiface.Event]

	// OnCommit is invoked after a Job commits successfully (or is
	// skipped under SkipErrors), with its GAQ sequence number.
	OnCommit func(seq uint64, masterCoord coordinate.Coordinate, g gtid.GTID, eventTimestamp time.Time)
	// OnFatal is invoked when a Job cannot be applied or retried
	// further; the Worker stops after calling it.
	OnFatal func(err *ErrFatal)
}

// Worker owns one bounded job queue and applies Jobs strictly in the
// order the Coordinator enqueued them.
type Worker struct {
	id    int
	cfg   Config
	queue chan *Job

	mu        sync.Mutex
	lastSeq   uint64
	lastCoord coordinate.Coordinate
	lastGTID  gtid.GTID
}

// New constructs a Worker with the given id (used in log fields and as the
// persisted position.WorkerState ID) and bounded queue length.
func New(id int, cfg Config) *Worker {
	n := cfg.QueueLen
	if n <= 0 {
		n = 1
	}
	return &Worker{id: id, cfg: cfg, queue: make(chan *Job, n)}
}

// ID returns the Worker's index within the pool.
func (w *Worker) ID() int { return w.id }

// Len reports the number of Jobs currently queued (not counting one
// in-flight in Run), for the Coordinator's underrun/backpressure checks.
func (w *Worker) Len() int { return len(w.queue) }

// LastCommitted reports the GAQ sequence number, master coordinate and GTID
// of the most recent Job this Worker has applied (or rolled back), for the
// Coordinator to persist as position.WorkerState during MTS-gap recovery.
func (w *Worker) LastCommitted() (seq uint64, coord coordinate.Coordinate, g gtid.GTID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq, w.lastCoord, w.lastGTID
}

func (w *Worker) recordCommit(seq uint64, coord coordinate.Coordinate, g gtid.GTID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeq = seq
	w.lastCoord = coord
	w.lastGTID = g
}

// Enqueue blocks until the Job is accepted or ctx is canceled. Backpressure
// from a full queue (mts_slave_worker_queue_len_max) is enforced simply
// by the channel's capacity.
func (w *Worker) Enqueue(ctx context.Context, j *Job) error {
	select {
	case w.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is canceled or a fatal error stops it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		var j *Job
		select {
		case j = <-w.queue:
		case <-ctx.Done():
			return nil
		}

		if err := w.applyJob(ctx, j); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			var fatal *ErrFatal
			if errors.As(err, &fatal) && w.cfg.OnFatal != nil {
				w.cfg.OnFatal(fatal)
			}
			return err
		}
	}
}

func (w *Worker) applyJob(ctx context.Context, j *Job) error {
	attempt := 0
	for {
		err := w.tryApply(ctx, j)
		if err == nil {
			w.recordCommit(j.Seq, j.MasterCoord, j.GTID)
			if w.cfg.OnCommit != nil {
				w.cfg.OnCommit(j.Seq, j.MasterCoord, j.GTID, j.EventTimestamp)
			}
			return nil
		}

		sev, code := engine.Classify(err)
		switch sev {
		case engine.SeverityTransient:
			attempt++
			if attempt > w.cfg.TransRetries {
				return &ErrFatal{Seq: j.Seq, Err: err}
			}
			w.cfg.Logger.Warning().Int(`worker`, w.id).Int(`attempt`, attempt).Err(err).Log(`worker retrying transient error`)
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
			if w.cfg.SkipErrors != nil && w.cfg.SkipErrors.Allowed(code) {
				w.cfg.Logger.Warning().Int(`worker`, w.id).Int(`code`, code).Log(`worker skipping user error`)
				w.recordCommit(j.Seq, j.MasterCoord, j.GTID)
				if w.cfg.OnCommit != nil {
					w.cfg.OnCommit(j.Seq, j.MasterCoord, j.GTID, j.EventTimestamp)
				}
				return nil
			}
			return &ErrFatal{Seq: j.Seq, Err: err}

		default:
			return &ErrFatal{Seq: j.Seq, Err: err}
		}
	}
}

func (w *Worker) tryApply(ctx context.Context, j *Job) error {
	tx, err := w.cfg.Engine.Begin(ctx)
	if err != nil {
		return err
	}
	if j.Rollback {
		return tx.Rollback(ctx)
	}
	for _, e := range j.Events {
		if err := tx.Apply(ctx, e); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	return tx.Commit(ctx)
}
