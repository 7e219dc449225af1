// Package coordinator implements the Coordinator + WorkerPool
// collaborator (spec.md §4.6): the multi-threaded apply mode where a
// single Coordinator goroutine reads Groups from the RelayLog,
// partitions them across a pool of worker.Worker instances by database
// key, and tracks a Global Assigned Queue (GAQ) to compute the low-water
// mark (LWM) safe-restart coordinate.
//
// Grounded on the applier package's Group-boundary detection
// (event.IsGroupStart/IsGroupEnd) generalized from "one group, one
// transaction, inline" to "one group, one Job, dispatched to a Worker",
// and on sqlclassify.Classify (itself grounded on
// sql/export/mysql/parser.go's pingcap/tidb parser use) for the
// database-key partitioning decision.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/engine"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
	"github.com/joeycumines/go-replslave/sqlclassify"
	"github.com/joeycumines/go-replslave/worker"
	"github.com/joeycumines/logiface"
)

// Config configures a Coordinator.
type Config struct {
	Reader    *relay.Reader
	Positions *position.Store

	// ParallelWorkers sizes the WorkerPool; each gets its own
	// WorkerQueueLenMax-bounded queue.
	ParallelWorkers   int
	WorkerQueueLenMax int
	Engine            engine.StorageEngine
	TransRetries      int
	SkipErrors        worker.SkipErrors

	PendingJobsSizeMax  int
	UnderrunLevel       int
	CoordinatorBasicNap time.Duration
	CheckpointPeriod    time.Duration
	CheckpointGroup     int

	DefaultSchema string
	Logger        *logiface.Logger[logiface.Event]
}

// gaqEntry is one slot of the Global Assigned Queue: a reserved group
// awaiting its Worker's commit (spec.md §4.6 GAQ lifecycle).
type gaqEntry struct {
	seq            uint64
	masterCoord    coordinate.Coordinate
	gtidVal        gtid.GTID
	eventTimestamp time.Time
	eventCount     int // units charged against Coordinator.pending, released on checkpoint
	done           bool
}

// Coordinator drives one RelayLog.Reader, dispatching Groups to its
// WorkerPool and checkpointing the low-water mark.
type Coordinator struct {
	cfg Config

	workers []*worker.Worker

	mu       sync.Mutex
	gaq      []*gaqEntry
	nextSeq  uint64
	pending  int // aggregate events queued across all workers, for backpressure
	executed *gtid.Set

	rrIndex  int // round-robin fallback for group-isolated/empty-db dispatch
	fatalErr *worker.ErrFatal
}

// New constructs a Coordinator and its WorkerPool, seeding the executed-
// GTID set from the last persisted ApplierState (the Coordinator shares
// that record with single-threaded Applier: spec.md §4.1 "at most one
// live Applier").
func New(cfg Config) (*Coordinator, error) {
	n := cfg.ParallelWorkers
	if n <= 0 {
		return nil, errors.New(`coordinator: ParallelWorkers must be > 0`)
	}
	state := cfg.Positions.Get()
	executed, err := state.ExecutedSet()
	if err != nil {
		return nil, fmt.Errorf(`coordinator: executed set: %w`, err)
	}

	c := &Coordinator{cfg: cfg, executed: executed}
	for i := 0; i < n; i++ {
		c.workers = append(c.workers, worker.New(i, worker.Config{
			Engine:       cfg.Engine,
			QueueLen:     cfg.WorkerQueueLenMax,
			TransRetries: cfg.TransRetries,
			SkipErrors:   cfg.SkipErrors,
			Logger:       cfg.Logger,
			OnCommit:     c.onWorkerCommit,
			OnFatal:      c.onWorkerFatal,
		}))
	}
	return c, nil
}

// onWorkerFatal records the first fatal error reported by any Worker;
// Run propagates it once all Workers have stopped.
func (c *Coordinator) onWorkerFatal(err *worker.ErrFatal) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.mu.Unlock()
}

// Run starts the Worker goroutines, then reads and dispatches Groups
// until ctx is canceled or the RelayLog reader ends. It also runs the
// periodic checkpoint that advances the low-water mark.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range c.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				cancel()
			}
		}(w)
	}

	period := c.cfg.CheckpointPeriod
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
				if err := c.checkpoint(ctx); err != nil {
					c.cfg.Logger.Warning().Err(err).Log(`coordinator checkpoint failed`)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	dispatchErr := c.dispatchLoop(ctx)
	cancel()
	wg.Wait()
	<-checkpointDone

	_ = c.checkpoint(context.Background())

	c.mu.Lock()
	fatal := c.fatalErr
	c.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) {
		return dispatchErr
	}
	return nil
}

// dispatchLoop reads Groups off the relay reader and dispatches each to
// a Worker, reserving a GAQ slot per group.
func (c *Coordinator) dispatchLoop(ctx context.Context) error {
	var group []event.Event

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		e, err := c.cfg.Reader.ReadNext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, relay.ErrClosed) {
				return nil
			}
			return fmt.Errorf(`coordinator: read next: %w`, err)
		}

		switch e.Type() {
		case event.TypeFormatDescription:
			// A FormatDescription other than the relay log's own leading
			// one marks a reconnect boundary (spec.md §4.3's re-dump,
			// re-applied via the relay writer). Any events already
			// buffered in group belong to a transaction that broke off
			// mid-group and must not be half-applied: discard them and
			// dispatch a synthetic rollback Job so GAQ/position
			// accounting stays consistent with "nothing committed".
			if len(group) > 0 {
				if err := c.recoverPartialGroup(ctx, group); err != nil {
					return err
				}
				group = nil
			}
			continue
		case event.TypeHeartbeat, event.TypeRotate, event.TypePreviousGtids:
			continue
		}

		group = append(group, e)

		standalone := len(group) == 1 && !event.IsGroupStart(e)
		if standalone || event.IsGroupEnd(e) {
			if err := c.dispatchGroup(ctx, group); err != nil {
				return err
			}
			group = nil
		}
	}
}

// dispatchGroup reserves a GAQ slot for group, classifies its database
// footprint, and assigns it to a Worker.
func (c *Coordinator) dispatchGroup(ctx context.Context, group []event.Event) error {
	dbs, isolated := c.classify(group)

	if err := c.waitForBackpressure(ctx, len(group)); err != nil {
		return err
	}

	var g gtid.GTID
	for _, e := range group {
		if e.Type() == event.TypeGtid {
			g = e.GTID()
		}
	}
	last := group[len(group)-1]

	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.gaq = append(c.gaq, &gaqEntry{seq: seq, masterCoord: last.Coordinate(), gtidVal: g, eventCount: len(group)})
	c.mu.Unlock()

	w := c.pickWorker(dbs, isolated)

	if isolated {
		if err := c.drainAllExcept(ctx, w); err != nil {
			return err
		}
	}

	job := &worker.Job{Seq: seq, MasterCoord: last.Coordinate(), GTID: g, EventTimestamp: last.Timestamp(), Events: group}

	c.mu.Lock()
	c.pending += len(group)
	c.mu.Unlock()

	if err := w.Enqueue(ctx, job); err != nil {
		return err
	}

	return nil
}

// recoverPartialGroup discards a group left buffered by a mid-group
// reconnect and dispatches a synthetic rollback Job in its place, so the
// GAQ sequence stays monotonic and the LWM can still advance past the
// stale events' coordinate once the primary re-sends (and this Coordinator
// re-applies) the transaction from its start (spec.md §4.6 partial-group
// recovery). No engine work was actually begun for the discarded group —
// dispatchGroup is only ever called at a confirmed group boundary — so
// this is pure accounting, not undoing committed DML.
func (c *Coordinator) recoverPartialGroup(ctx context.Context, stale []event.Event) error {
	c.cfg.Logger.Warning().Int(`events`, len(stale)).Log(`coordinator discarding partial group after reconnect`)

	last := stale[len(stale)-1]

	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.gaq = append(c.gaq, &gaqEntry{seq: seq, masterCoord: last.Coordinate()})
	c.mu.Unlock()

	w := c.pickWorker(nil, false)
	job := &worker.Job{Seq: seq, MasterCoord: last.Coordinate(), EventTimestamp: last.Timestamp(), Rollback: true}
	return w.Enqueue(ctx, job)
}

// onWorkerCommit is wired as every Worker's OnCommit callback: it marks
// the GAQ entry for seq as done (step 4 of the GAQ lifecycle).
func (c *Coordinator) onWorkerCommit(seq uint64, masterCoord coordinate.Coordinate, g gtid.GTID, eventTimestamp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.gaq {
		if entry.seq == seq {
			entry.done = true
			entry.masterCoord = masterCoord
			entry.gtidVal = g
			entry.eventTimestamp = eventTimestamp
			break
		}
	}
	if g != (gtid.GTID{}) {
		c.executed.Add(g)
	}
}

// classify inspects every Query event in group and returns the union of
// databases it touches, and whether it touches more than one (forcing
// group_isolated dispatch per spec.md §4.6).
func (c *Coordinator) classify(group []event.Event) ([]string, bool) {
	seen := make(map[string]struct{})
	for _, e := range group {
		if e.Type() != event.TypeQuery {
			continue
		}
		schema := e.Schema()
		if schema == `` {
			schema = c.cfg.DefaultSchema
		}
		res, err := sqlclassify.Classify(e.Statement(), schema)
		if err != nil {
			// Unparseable statement: treat conservatively as isolated
			// (spec.md doc comment on sqlclassify.Classify).
			return res.Databases, true
		}
		for _, db := range res.Databases {
			seen[db] = struct{}{}
		}
	}
	dbs := make([]string, 0, len(seen))
	for db := range seen {
		dbs = append(dbs, db)
	}
	return dbs, len(dbs) > 1
}

// pickWorker chooses a Worker for dbs by hashing the first database
// name; an empty/ambiguous set round-robins.
func (c *Coordinator) pickWorker(dbs []string, isolated bool) *worker.Worker {
	if len(dbs) == 0 || isolated {
		c.mu.Lock()
		idx := c.rrIndex % len(c.workers)
		c.rrIndex++
		c.mu.Unlock()
		return c.workers[idx]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(dbs[0]))
	return c.workers[int(h.Sum32())%len(c.workers)]
}

// drainAllExcept blocks until every Worker but w has an empty queue,
// serializing dispatch of a group that touches multiple databases
// (spec.md §4.6 "group_isolated").
func (c *Coordinator) drainAllExcept(ctx context.Context, w *worker.Worker) error {
	for {
		drained := true
		for _, other := range c.workers {
			if other == w {
				continue
			}
			if other.Len() > 0 {
				drained = false
				break
			}
		}
		if drained {
			return nil
		}
		select {
		case <-time.After(c.nap()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForBackpressure blocks while the aggregate pending event count
// exceeds PendingJobsSizeMax, and naps when any Worker's queue has
// fallen below UnderrunLevel (spec.md §4.6 "Underrun signalling").
func (c *Coordinator) waitForBackpressure(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		over := c.cfg.PendingJobsSizeMax > 0 && c.pending+n > c.cfg.PendingJobsSizeMax
		c.mu.Unlock()
		if !over {
			break
		}
		select {
		case <-time.After(c.nap()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.cfg.UnderrunLevel > 0 {
		for _, w := range c.workers {
			if w.Len() < c.cfg.UnderrunLevel {
				select {
				case <-time.After(c.nap()):
				case <-ctx.Done():
					return ctx.Err()
				}
				break
			}
		}
	}
	return nil
}

func (c *Coordinator) nap() time.Duration {
	if c.cfg.CoordinatorBasicNap > 0 {
		return c.cfg.CoordinatorBasicNap
	}
	return 2 * time.Millisecond
}

// checkpoint scans the GAQ from the current LWM forward while entries
// are done, advances the LWM past them, persists the safe restart
// coordinate via PositionStore, and trims the GAQ of checkpointed
// entries (spec.md §4.6 GAQ lifecycle step 5).
func (c *Coordinator) checkpoint(ctx context.Context) error {
	c.mu.Lock()
	i := 0
	for i < len(c.gaq) && c.gaq[i].done {
		i++
	}
	if i == 0 {
		c.mu.Unlock()
		return nil
	}
	safe := c.gaq[i-1]
	c.pending -= safePendingCount(c.gaq[:i])
	c.gaq = c.gaq[i:]
	coord := safe.masterCoord
	eventTimestamp := safe.eventTimestamp
	executedGTIDs := c.executed.Encode()
	c.mu.Unlock()

	if err := c.cfg.Positions.UpdateApplier(ctx, position.ApplierState{
		MasterCoordinate: coord,
		ExecutedGTIDs:    executedGTIDs,
		EventTimestamp:   eventTimestamp,
	}); err != nil {
		return err
	}

	// Persist each Worker's own progress too (spec.md §4.6
	// recovery_parallel_workers): on restart a bounded number of workers
	// can resume from their own last-applied coordinate instead of
	// replaying the whole MTS gap back to the single LWM.
	for _, w := range c.workers {
		seq, wcoord, _ := w.LastCommitted()
		if wcoord.IsZero() {
			continue
		}
		if err := c.cfg.Positions.UpdateWorker(ctx, position.WorkerState{
			ID:               w.ID(),
			MasterCoordinate: wcoord,
			GroupSeq:         seq,
		}); err != nil {
			c.cfg.Logger.Warning().Int(`worker`, w.ID()).Err(err).Log(`coordinator failed to persist worker state`)
		}
	}

	return nil
}

// safePendingCount sums the event counts of entries, matching the unit
// dispatchGroup charges against Coordinator.pending — checkpoint must
// release exactly what was charged, or pending grows unboundedly for
// any multi-event group and waitForBackpressure eventually blocks
// forever.
func safePendingCount(entries []*gaqEntry) int {
	n := 0
	for _, e := range entries {
		n += e.eventCount
	}
	return n
}
