// Package scheduler implements the DependencyScheduler collaborator
// (spec.md §4.7): the alternative multi-threaded apply mode where
// Workers pull groups from a shared FIFO ordered by key-conflict rather
// than by a fixed database-key hash.
//
// Overlapping key sets among three or more pending groups are a normal,
// expected shape of this conflict graph (A conflicts with B, B with C,
// C with A is not a deadlock — it just means all three serialize); the
// scheduling invariant that matters is admission order, not acyclicity,
// so this package does not run a cycle check over conflict edges. The
// module has no logical-clock (commit-parent) dispatch mode, and
// go-detect-cycle/floyds is not used anywhere in it.
package scheduler

import (
	"context"
	"errors"
	"sync"
)

// GroupID identifies one Group in submission order.
type GroupID uint64

// Group is one unit of dependency-scheduled work: a sequence of events
// sharing a conflict-key set computed from the statements they contain
// (spec.md §4.7 "precomputed key-conflict set, e.g. write keys").
type Group struct {
	ID   GroupID
	Keys []string
}

// ErrClosed is returned by Submit/Take calls made after Close.
var ErrClosed = errors.New(`scheduler: closed`)

// Config configures a Scheduler.
type Config struct {
	// MaxPending caps the number of groups buffered ahead of the Workers
	// (mts_dependency_size); Submit blocks once this is reached.
	MaxPending int
	// OrderCommits forces commit order to match submission order via the
	// CommitOrderManager barrier, even though apply may be reordered.
	OrderCommits bool
}

// Scheduler is the shared FIFO + conflict tracker: Workers call Take to
// pull the next group whose key-conflict set does not intersect any
// group currently in flight, and Done to release it.
type Scheduler struct {
	cfg Config

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*Group
	inFlight  map[GroupID][]string // id -> keys, for conflict checks
	closed    bool
	commitBar *CommitOrderManager
}

// New constructs a Scheduler. When cfg.OrderCommits is set, callers
// should use the returned Scheduler's CommitOrder barrier to serialize
// commit calls in submission order.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		inFlight: make(map[GroupID][]string),
	}
	s.cond = sync.NewCond(&s.mu)
	if cfg.OrderCommits {
		s.commitBar = NewCommitOrderManager()
	}
	return s
}

// CommitOrder returns the CommitOrderManager barrier, or nil if
// OrderCommits was not configured.
func (s *Scheduler) CommitOrder() *CommitOrderManager { return s.commitBar }

// Submit enqueues g, blocking if MaxPending groups are already queued.
func (s *Scheduler) Submit(ctx context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed && s.cfg.MaxPending > 0 && len(s.pending) >= s.cfg.MaxPending {
		if err := s.waitLocked(ctx); err != nil {
			return err
		}
	}
	if s.closed {
		return ErrClosed
	}

	s.pending = append(s.pending, g)
	s.cond.Broadcast()
	return nil
}

// Take blocks until a pending group's conflict keys do not intersect any
// group currently in flight, marks it in flight, and returns it. The
// caller must call Done(g.ID) exactly once when finished (commit or
// rollback).
func (s *Scheduler) Take(ctx context.Context) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed && len(s.pending) == 0 {
			return nil, ErrClosed
		}
		if idx := s.firstSchedulableLocked(); idx >= 0 {
			g := s.pending[idx]
			s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
			s.inFlight[g.ID] = g.Keys
			s.cond.Broadcast()
			return g, nil
		}
		if err := s.waitLocked(ctx); err != nil {
			return nil, err
		}
	}
}

// Done releases id from in-flight tracking, unblocking any Worker
// waiting on a conflicting group.
func (s *Scheduler) Done(id GroupID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Close marks the Scheduler closed: pending Take calls with an empty
// queue return ErrClosed, and further Submit calls fail. A non-empty
// queue still drains via Take (spec.md §4.7 "if a partial group is in
// the queue but not pulled, it is discarded" is the caller's job, since
// discarding mid-group state belongs to the Worker, not the Scheduler).
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Pending reports the number of groups queued but not yet taken.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) firstSchedulableLocked() int {
	for i, g := range s.pending {
		if !s.intersectsInFlightLocked(g.Keys) {
			return i
		}
	}
	return -1
}

func (s *Scheduler) intersectsInFlightLocked(keys []string) bool {
	for _, inflightKeys := range s.inFlight {
		for _, k := range keys {
			for _, ik := range inflightKeys {
				if k == ik {
					return true
				}
			}
		}
	}
	return false
}

func (s *Scheduler) waitLocked(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		close(done)
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	s.cond.Wait()
	select {
	case <-done:
		return ctx.Err()
	default:
		return nil
	}
}
