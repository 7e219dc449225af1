package coordinator

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
	"github.com/joeycumines/go-replslave/scheduler"
	"github.com/joeycumines/go-replslave/sqlclassify"
	"github.com/joeycumines/go-replslave/worker"
	"github.com/joeycumines/logiface"
)

// DependencyConfig configures a DependencyCoordinator: the spec.md §4.7
// alternative to Config's fixed database-key hash partitioning, pulling
// groups from a shared scheduler.Scheduler FIFO ordered by key-conflict
// instead.
type DependencyConfig struct {
	Reader    *relay.Reader
	Positions *position.Store

	ParallelWorkers int
	Engine          engine.StorageEngine
	TransRetries    int
	SkipErrors      worker.SkipErrors

	// DependencySize is mts_dependency_size: the max groups the scheduler
	// buffers ahead of the pool (scheduler.Config.MaxPending).
	DependencySize int
	// OrderCommits forces commit order to match relay-log order even
	// though apply is reordered by conflict-key scheduling.
	OrderCommits bool

	CoordinatorBasicNap time.Duration
	CheckpointPeriod    time.Duration

	DefaultSchema string
	Logger        *logiface.Logger[logiface.Event]
}

// depEntry is one submitted group's checkpoint bookkeeping, the
// DependencyCoordinator's analogue of gaqEntry.
type depEntry struct {
	seq            scheduler.GroupID
	masterCoord    coordinate.Coordinate
	gtidVal        gtid.GTID
	eventTimestamp time.Time
	done           bool
}

// depWorkerState tracks the most recent group a pool goroutine has
// applied, for position.WorkerState persistence (spec.md §4.6
// recovery_parallel_workers, reused here since the scheduling strategy
// doesn't change what a restart needs to resume cleanly).
type depWorkerState struct {
	mu    sync.Mutex
	coord coordinate.Coordinate
	seq   uint64
}

func (w *depWorkerState) record(coord coordinate.Coordinate, seq uint64) {
	w.mu.Lock()
	w.coord, w.seq = coord, seq
	w.mu.Unlock()
}

func (w *depWorkerState) get() (coordinate.Coordinate, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.coord, w.seq
}

// DependencyCoordinator drives one RelayLog.Reader, submitting Groups to
// a scheduler.Scheduler and running a pool of goroutines that pull
// whatever group is next schedulable (its conflict keys don't intersect
// any group currently in flight) rather than a group hashed to a fixed
// worker.
//
// Grounded on Coordinator's GAQ/LWM checkpoint shape, generalized from
// "apply strictly in submission order, in N fixed partitions" to "apply
// in conflict-free order, across N interchangeable goroutines".
type DependencyCoordinator struct {
	cfg   DependencyConfig
	sched *scheduler.Scheduler

	jobsMu sync.Mutex
	jobs   map[scheduler.GroupID]*worker.Job

	mu       sync.Mutex
	entries  []*depEntry
	nextSeq  scheduler.GroupID
	executed *gtid.Set
	fatalErr error

	workerStates []*depWorkerState
}

// NewDependencyCoordinator constructs a DependencyCoordinator, seeding
// executed-GTID tracking from the last persisted ApplierState.
func NewDependencyCoordinator(cfg DependencyConfig) (*DependencyCoordinator, error) {
	n := cfg.ParallelWorkers
	if n <= 0 {
		return nil, errors.New(`coordinator: ParallelWorkers must be > 0`)
	}
	state := cfg.Positions.Get()
	executed, err := state.ExecutedSet()
	if err != nil {
		return nil, fmt.Errorf(`coordinator: executed set: %w`, err)
	}

	dc := &DependencyCoordinator{
		cfg: cfg,
		sched: scheduler.New(scheduler.Config{
			MaxPending:   cfg.DependencySize,
			OrderCommits: cfg.OrderCommits,
		}),
		jobs:     make(map[scheduler.GroupID]*worker.Job),
		executed: executed,
	}
	for i := 0; i < n; i++ {
		dc.workerStates = append(dc.workerStates, &depWorkerState{})
	}
	return dc, nil
}

// Run starts the pool goroutines, then reads and submits Groups until ctx
// is canceled or the RelayLog reader ends. It also runs the periodic
// checkpoint that advances the low-water mark.
func (dc *DependencyCoordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < dc.cfg.ParallelWorkers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := dc.poolLoop(ctx, idx); err != nil {
				dc.setFatal(err)
				cancel()
			}
		}(i)
	}

	period := dc.cfg.CheckpointPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	checkpointDone := make(chan struct{})
	go func() {
		defer close(checkpointDone)
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := dc.checkpoint(ctx); err != nil {
					dc.cfg.Logger.Warning().Err(err).Log(`dependency coordinator checkpoint failed`)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	dispatchErr := dc.dispatchLoop(ctx)
	dc.sched.Close()
	cancel()
	wg.Wait()
	<-checkpointDone

	_ = dc.checkpoint(context.Background())

	dc.mu.Lock()
	fatal := dc.fatalErr
	dc.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) {
		return dispatchErr
	}
	return nil
}

func (dc *DependencyCoordinator) setFatal(err error) {
	dc.mu.Lock()
	if dc.fatalErr == nil {
		dc.fatalErr = err
	}
	dc.mu.Unlock()
}

// dispatchLoop reads Groups off the relay reader, computes each one's
// conflict-key set, and submits it to the Scheduler. Same event-type
// handling as Coordinator.dispatchLoop, including the FormatDescription
// mid-group discard (spec.md §4.6 partial-group recovery applies
// identically regardless of scheduling strategy).
func (dc *DependencyCoordinator) dispatchLoop(ctx context.Context) error {
	var group []event.Event

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		e, err := dc.cfg.Reader.ReadNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, relay.ErrClosed) {
				return nil
			}
			return fmt.Errorf(`dependency coordinator: read next: %w`, err)
		}

		switch e.Type() {
		case event.TypeFormatDescription:
			if len(group) > 0 {
				dc.cfg.Logger.Warning().Int(`events`, len(group)).Log(`dependency coordinator discarding partial group after reconnect`)
				group = nil
			}
			continue
		case event.TypeHeartbeat, event.TypeRotate, event.TypePreviousGtids:
			continue
		}

		group = append(group, e)

		standalone := len(group) == 1 && !event.IsGroupStart(e)
		if standalone || event.IsGroupEnd(e) {
			if err := dc.submitGroup(ctx, group); err != nil {
				return err
			}
			group = nil
		}
	}
}

// submitGroup classifies group's conflict keys (database names touched,
// same derivation Coordinator uses for hash partitioning) and submits it
// to the Scheduler, recording a depEntry and the backing Job for whichever
// pool goroutine eventually Takes it.
func (dc *DependencyCoordinator) submitGroup(ctx context.Context, group []event.Event) error {
	keys := dc.classifyKeys(group)

	var g gtid.GTID
	for _, e := range group {
		if e.Type() == event.TypeGtid {
			g = e.GTID()
		}
	}
	last := group[len(group)-1]

	dc.mu.Lock()
	seq := dc.nextSeq
	dc.nextSeq++
	dc.entries = append(dc.entries, &depEntry{seq: seq, masterCoord: last.Coordinate(), gtidVal: g, eventTimestamp: last.Timestamp()})
	dc.mu.Unlock()

	job := &worker.Job{Seq: uint64(seq), MasterCoord: last.Coordinate(), GTID: g, EventTimestamp: last.Timestamp(), Events: group}
	dc.jobsMu.Lock()
	dc.jobs[seq] = job
	dc.jobsMu.Unlock()

	return dc.sched.Submit(ctx, &scheduler.Group{ID: seq, Keys: keys})
}

// classifyKeys returns the conflict-key set for group: the union of
// databases its Query events touch, via sqlclassify.Classify — the same
// derivation Coordinator.classify uses for hash partitioning, repurposed
// here as the scheduler's precomputed key-conflict set (spec.md §4.7).
func (dc *DependencyCoordinator) classifyKeys(group []event.Event) []string {
	seen := make(map[string]struct{})
	for _, e := range group {
		if e.Type() != event.TypeQuery {
			continue
		}
		schema := e.Schema()
		if schema == `` {
			schema = dc.cfg.DefaultSchema
		}
		res, err := sqlclassify.Classify(e.Statement(), schema)
		if err != nil {
			// Unparseable statement: fold in a dedicated sentinel key so
			// every unparseable group at least serializes against every
			// other one. This is weaker than Coordinator.classify's
			// group_isolated fallback (which drains every other worker
			// first): an unparseable statement here can still run
			// concurrently with an unrelated, already-scheduled group.
			seen[`\x00unparseable`] = struct{}{}
			continue
		}
		for _, db := range res.Databases {
			seen[db] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for db := range seen {
		keys = append(keys, db)
	}
	return keys
}

// poolLoop is one pool goroutine: pull the next schedulable group, apply
// it with the same transient/user-error/fatal retry policy as Worker, and
// release it back to the Scheduler whether it committed or was skipped.
func (dc *DependencyCoordinator) poolLoop(ctx context.Context, idx int) error {
	for {
		g, err := dc.sched.Take(ctx)
		if err != nil {
			if errors.Is(err, scheduler.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		err = dc.applyGroup(ctx, idx, g)
		dc.sched.Done(g.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// applyGroup looks up the Job g.ID was submitted with and applies it,
// retrying transient storage errors up to TransRetries times, skipping
// allowed user errors, and reporting everything else as fatal — the same
// three-way classification Worker.applyJob uses.
func (dc *DependencyCoordinator) applyGroup(ctx context.Context, idx int, g *scheduler.Group) error {
	dc.jobsMu.Lock()
	job := dc.jobs[g.ID]
	delete(dc.jobs, g.ID)
	dc.jobsMu.Unlock()
	if job == nil {
		return fmt.Errorf(`dependency coordinator: no job for group %d`, g.ID)
	}

	attempt := 0
	for {
		err := dc.tryCommit(ctx, job)
		if err == nil {
			dc.onGroupDone(g.ID, job.MasterCoord, job.GTID, job.EventTimestamp)
			dc.workerStates[idx].record(job.MasterCoord, job.Seq)
			return nil
		}

		sev, code := engine.Classify(err)
		switch sev {
		case engine.SeverityTransient:
			attempt++
			if attempt > dc.cfg.TransRetries {
				return fmt.Errorf(`dependency coordinator: fatal error on group %d: %w`, g.ID, err)
			}
			dc.cfg.Logger.Warning().Int(`worker`, idx).Int(`attempt`, attempt).Err(err).Log(`dependency coordinator retrying transient error`)
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
			if dc.cfg.SkipErrors != nil && dc.cfg.SkipErrors.Allowed(code) {
				dc.cfg.Logger.Warning().Int(`worker`, idx).Int(`code`, code).Log(`dependency coordinator skipping user error`)
				dc.onGroupDone(g.ID, job.MasterCoord, job.GTID, job.EventTimestamp)
				dc.workerStates[idx].record(job.MasterCoord, job.Seq)
				return nil
			}
			return fmt.Errorf(`dependency coordinator: fatal error on group %d: %w`, g.ID, err)

		default:
			return fmt.Errorf(`dependency coordinator: fatal error on group %d: %w`, g.ID, err)
		}
	}
}

// tryCommit opens a transaction, applies every event, and commits. When
// OrderCommits is set, the commit itself (not the apply work preceding
// it) is bracketed by the CommitOrderManager barrier, so concurrent
// goroutines still apply in parallel but commit in submission order.
func (dc *DependencyCoordinator) tryCommit(ctx context.Context, job *worker.Job) error {
	tx, err := dc.cfg.Engine.Begin(ctx)
	if err != nil {
		return err
	}
	for _, e := range job.Events {
		if err := tx.Apply(ctx, e); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}

	if bar := dc.sched.CommitOrder(); bar != nil {
		if err := bar.Enter(ctx, job.Seq); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		defer bar.Done(job.Seq)
	}

	return tx.Commit(ctx)
}

// onGroupDone marks the depEntry for seq as done and folds its GTID into
// the executed set, mirroring Coordinator.onWorkerCommit.
func (dc *DependencyCoordinator) onGroupDone(seq scheduler.GroupID, masterCoord coordinate.Coordinate, g gtid.GTID, eventTimestamp time.Time) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for _, entry := range dc.entries {
		if entry.seq == seq {
			entry.done = true
			entry.masterCoord = masterCoord
			entry.gtidVal = g
			entry.eventTimestamp = eventTimestamp
			break
		}
	}
	if g != (gtid.GTID{}) {
		dc.executed.Add(g)
	}
}

// checkpoint scans entries from the current LWM forward while done,
// persists the safe-restart coordinate, and trims the checkpointed
// prefix — identical shape to Coordinator.checkpoint, since out-of-order
// completion within the scheduler doesn't change what "safe to restart
// from" means: only a contiguous done-prefix is safe.
func (dc *DependencyCoordinator) checkpoint(ctx context.Context) error {
	dc.mu.Lock()
	i := 0
	for i < len(dc.entries) && dc.entries[i].done {
		i++
	}
	if i == 0 {
		dc.mu.Unlock()
		return nil
	}
	safe := dc.entries[i-1]
	dc.entries = dc.entries[i:]
	coord := safe.masterCoord
	eventTimestamp := safe.eventTimestamp
	executedGTIDs := dc.executed.Encode()
	dc.mu.Unlock()

	if err := dc.cfg.Positions.UpdateApplier(ctx, position.ApplierState{
		MasterCoordinate: coord,
		ExecutedGTIDs:    executedGTIDs,
		EventTimestamp:   eventTimestamp,
	}); err != nil {
		return err
	}

	for idx, ws := range dc.workerStates {
		coord, seq := ws.get()
		if coord.IsZero() {
			continue
		}
		if err := dc.cfg.Positions.UpdateWorker(ctx, position.WorkerState{ID: idx, MasterCoordinate: coord, GroupSeq: seq}); err != nil {
			dc.cfg.Logger.Warning().Int(`worker`, idx).Err(err).Log(`dependency coordinator failed to persist worker state`)
		}
	}
	return nil
}
