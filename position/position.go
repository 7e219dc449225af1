// Package position implements the PositionStore collaborator (spec.md
// §4.1): the durable record of replication progress, covering both the
// Receiver's relay-write cursor and the Applier/Worker apply cursor.
//
// Grounded on sql/export.Exporter's split between a cheap in-memory
// accumulator and a periodically-flushed durable side effect, and on
// microbatch.Batcher (from the same monorepo) for the non-forced flush
// path: most State writes coalesce into one disk/table write per batch
// window, while forced writes (Flush: CHANGE MASTER, RESET, Close) bypass
// the batcher entirely.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/gtid"
	"github.com/joeycumines/go-replslave/sqlescape"
)

// ErrNotFound is returned by Backend.Load when no position has ever been
// persisted (fresh install).
var ErrNotFound = errors.New(`position: not found`)

// ErrCorrupt is returned by Backend.Load when the persisted record exists
// but fails to decode; the caller (Controller) must refuse to start rather
// than silently re-replicating from zero.
var ErrCorrupt = errors.New(`position: corrupt record`)

// State is the durable replication cursor. ReceiverState and ApplierState
// below are the two views the core actually advances independently, per
// spec.md's "PositionStore tracks two related, but distinct, cursors".
type State struct {
	// Receiver is the relay-write cursor: the furthest point the Receiver
	// has durably appended to the RelayLog.
	Receiver ReceiverState `json:"receiver"`
	// Applier is the apply cursor: the furthest point whose effects are
	// durably visible in the storage engine.
	Applier ApplierState `json:"applier"`
	// Workers holds one entry per Worker, for Coordinator/Worker mode
	// recovery (spec.md §4.6 "recovery bitmap").
	Workers []WorkerState `json:"workers,omitempty"`
}

// ReceiverState is the Receiver's durable progress.
type ReceiverState struct {
	MasterCoordinate coordinate.Coordinate `json:"master_coordinate"`
	RelayCoordinate  coordinate.Coordinate `json:"relay_coordinate"`
	RetrievedGTIDs   string                `json:"retrieved_gtids,omitempty"`
}

// ApplierState is the Applier's (single-threaded mode) durable progress.
type ApplierState struct {
	MasterCoordinate coordinate.Coordinate `json:"master_coordinate"`
	ExecutedGTIDs    string                `json:"executed_gtids,omitempty"`
	// EventTimestamp is the origin timestamp of the last committed event,
	// used by the Controller to compute seconds-behind-master.
	EventTimestamp time.Time `json:"event_timestamp,omitempty"`
}

// WorkerState is one Worker's durable low-water-mark contribution, used to
// reconstruct the recovery bitmap described in spec.md §4.6.
type WorkerState struct {
	ID               int                   `json:"id"`
	MasterCoordinate coordinate.Coordinate `json:"master_coordinate"`
	GroupSeq         uint64                `json:"group_seq"`
}

// ExecutedSet parses Applier.ExecutedGTIDs, returning an empty Set if blank.
func (s State) ExecutedSet() (*gtid.Set, error) {
	return parseSetOrEmpty(s.Applier.ExecutedGTIDs)
}

// RetrievedSet parses Receiver.RetrievedGTIDs, returning an empty Set if blank.
func (s State) RetrievedSet() (*gtid.Set, error) {
	return parseSetOrEmpty(s.Receiver.RetrievedGTIDs)
}

func parseSetOrEmpty(s string) (*gtid.Set, error) {
	if s == `` {
		return gtid.NewSet(), nil
	}
	return gtid.ParseSet(s)
}

// Backend is the durable side of a Store: a file, or a transactional table
// co-committed with the storage engine's apply transaction (spec.md §4.1
// "file-based... or... a transactional table, updated atomically with the
// event's effects").
type Backend interface {
	// Load returns the last persisted State, ErrNotFound if none exists, or
	// ErrCorrupt if the record is unreadable.
	Load(ctx context.Context) (State, error)
	// Save durably persists state. For a transactional Backend this is
	// expected to participate in the caller's ambient transaction when one
	// is present on ctx; the file Backend ignores ctx transactions and
	// writes-then-renames instead.
	Save(ctx context.Context, state State) error
}

// Store is the PositionStore: it buffers State updates in memory, batches
// non-forced flushes via microbatch.Batcher, and bypasses the batcher
// entirely for forced flushes (Flush, called by Reset, Close and the
// Controller's ChangeMaster).
type Store struct {
	backend Backend

	mu      sync.Mutex
	current State

	batcher *microbatch.Batcher[*flushJob]
}

type flushJob struct {
	state State
}

// Config configures the non-forced batching policy.
type Config struct {
	// MaxBatch caps the number of coalesced Update calls per flush.
	MaxBatch int
	// FlushInterval caps the time an Update can sit unflushed.
	FlushInterval time.Duration
}

// Open loads the last persisted State from backend (treating ErrNotFound
// as a zero-value State, i.e. a fresh install) and starts the background
// batcher used for non-forced Update calls.
func Open(ctx context.Context, backend Backend, cfg Config) (*Store, error) {
	state, err := backend.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf(`position: open: %w`, err)
		}
		state = State{}
	}

	s := &Store{backend: backend, current: state}
	s.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        cfg.MaxBatch,
		FlushInterval:  cfg.FlushInterval,
		MaxConcurrency: 1,
	}, s.processBatch)
	return s, nil
}

// processBatch is the microbatch.BatchProcessor: only the LAST job in the
// batch matters, since each job snapshots the full current State and a
// later snapshot always supersedes an earlier one.
func (s *Store) processBatch(ctx context.Context, jobs []*flushJob) error {
	if len(jobs) == 0 {
		return nil
	}
	return s.backend.Save(ctx, jobs[len(jobs)-1].state)
}

// Get returns a copy of the current in-memory State.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// UpdateReceiver advances the Receiver cursor and schedules a non-forced
// flush: durability lags by up to Config.FlushInterval/MaxBatch, which is
// the RelayLog's own durability window trading off fsync overhead against
// at-least-once re-receipt on crash (spec.md §4.1, §8 edge case E1).
func (s *Store) UpdateReceiver(ctx context.Context, rs ReceiverState) error {
	s.mu.Lock()
	s.current.Receiver = rs
	snapshot := s.current
	s.mu.Unlock()
	_, err := s.batcher.Submit(ctx, &flushJob{state: snapshot})
	return err
}

// UpdateApplier advances the Applier cursor and schedules a non-forced
// flush.
func (s *Store) UpdateApplier(ctx context.Context, as ApplierState) error {
	s.mu.Lock()
	s.current.Applier = as
	snapshot := s.current
	s.mu.Unlock()
	_, err := s.batcher.Submit(ctx, &flushJob{state: snapshot})
	return err
}

// UpdateWorker upserts one WorkerState (by ID) and schedules a non-forced
// flush; used by the Coordinator's checkpoint routine (spec.md §4.6).
func (s *Store) UpdateWorker(ctx context.Context, ws WorkerState) error {
	s.mu.Lock()
	found := false
	for i := range s.current.Workers {
		if s.current.Workers[i].ID == ws.ID {
			s.current.Workers[i] = ws
			found = true
			break
		}
	}
	if !found {
		s.current.Workers = append(s.current.Workers, ws)
	}
	snapshot := s.current
	s.mu.Unlock()
	_, err := s.batcher.Submit(ctx, &flushJob{state: snapshot})
	return err
}

// Flush forces an immediate, synchronous Save of the current State,
// bypassing the batcher entirely. Called by Reset, by Close, and by the
// Controller's ChangeMaster; STOP SLAVE, checkpoints and Status do not
// call it (spec.md §4.1 "force=true bypasses batching for a synchronous flush").
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	snapshot := s.current
	s.mu.Unlock()
	return s.backend.Save(ctx, snapshot)
}

// Reset clears both cursors and the worker recovery bitmap back to a
// fresh-install zero State, and force-flushes it (spec.md §4.8
// "reset(purge=true) ... clears both cursors"). Callers must ensure both
// threads are stopped first; Reset itself doesn't check that.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.current = State{}
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Close flushes any pending batched writes and stops the background
// batcher. Safe to call once, after all Update calls have stopped.
func (s *Store) Close(ctx context.Context) error {
	if err := s.batcher.Shutdown(ctx); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// FileBackend implements Backend by JSON-encoding State to a single file,
// written via write-temp-then-rename so a crash mid-write never leaves a
// truncated record (spec.md §4.1 "file-based... an atomically-renamed
// temporary file").
type FileBackend struct {
	Path string
}

// Load reads and decodes Path, returning ErrNotFound if it doesn't exist
// and ErrCorrupt if it exists but fails to decode.
func (f FileBackend) Load(ctx context.Context) (State, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrNotFound
		}
		return State{}, fmt.Errorf(`position: read %s: %w`, f.Path, err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf(`%w: %s: %v`, ErrCorrupt, f.Path, err)
	}
	return s, nil
}

// Save writes state to a temp file in the same directory as Path, then
// renames it over Path, so readers never observe a partial write.
func (f FileBackend) Save(ctx context.Context, state State) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf(`position: encode: %w`, err)
	}

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+`.tmp-*`)
	if err != nil {
		return fmt.Errorf(`position: create temp: %w`, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf(`position: write temp: %w`, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf(`position: sync temp: %w`, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf(`position: close temp: %w`, err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf(`position: rename: %w`, err)
	}
	return nil
}

// TableTx is the subset of a SQL transaction TableBackend needs: one
// upsert statement execution, co-committed by the caller alongside the
// event's own effects. Engines implement this over *sql.Tx (or an
// equivalent), matching spec.md §4.1's "updated atomically with the
// event's effects" requirement.
type TableTx interface {
	ExecContext(ctx context.Context, query string, args ...any) error
}

// TableBackend implements Backend against a single-row replication-state
// table, using sql/mysql.InterpolateConfig to render parameters inline
// (mirroring the teacher's interpolation path for drivers/engines that
// don't support placeholder args on the collaborator's Exec surface).
type TableBackend struct {
	// Exec is invoked for Save; callers supply a closure bound to the
	// ambient apply transaction so the position write commits atomically
	// with the event's effects.
	Exec func(ctx context.Context, query string) error
	// Query is invoked for Load; it must return the single-row JSON blob
	// previously written by Save, or ErrNotFound if the table is empty.
	Query func(ctx context.Context) (json []byte, err error)
	// Table is the qualified table name (e.g. "mysql.replslave_position").
	Table string
}

// Load fetches and decodes the persisted row.
func (t TableBackend) Load(ctx context.Context) (State, error) {
	b, err := t.Query(ctx)
	if err != nil {
		return State{}, err
	}
	if len(b) == 0 {
		return State{}, ErrNotFound
	}
	var s State
	if err := jsonUnmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf(`%w: %s: %v`, ErrCorrupt, t.Table, err)
	}
	return s, nil
}

// Save upserts the single state row via a REPLACE INTO, matching the
// teacher's interpolate-then-exec idiom for engines without native
// placeholder binding on the collaborator's Exec surface.
func (t TableBackend) Save(ctx context.Context, state State) error {
	b, err := jsonMarshal(state)
	if err != nil {
		return fmt.Errorf(`position: encode: %w`, err)
	}
	var interpolator sqlescape.InterpolateConfig
	query, err := interpolator.Interpolate(
		`REPLACE INTO `+t.Table+` (id, state) VALUES (1, ?)`,
		string(b),
	)
	if err != nil {
		return fmt.Errorf(`position: interpolate: %w`, err)
	}
	return t.Exec(ctx, query)
}

func jsonMarshal(v any) ([]byte, error)   { return json.Marshal(v) }
func jsonUnmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
