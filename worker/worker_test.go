package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/engine"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
)

type fakeEngine struct {
	mu       sync.Mutex
	applied  []string
	failNext error
}

func (f *fakeEngine) Begin(ctx context.Context) (engine.Tx, error) { return &fakeTx{eng: f}, nil }

type fakeTx struct {
	eng     *fakeEngine
	applied []string
}

func (t *fakeTx) Apply(ctx context.Context, e event.Event) error {
	t.eng.mu.Lock()
	err := t.eng.failNext
	t.eng.failNext = nil
	t.eng.mu.Unlock()
	if err != nil {
		return err
	}
	t.applied = append(t.applied, e.Statement())
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.eng.mu.Lock()
	t.eng.applied = append(t.eng.applied, t.applied...)
	t.eng.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

func mkEvent(stmt string, offset uint64) event.Event {
	return event.New(event.TypeQuery, 1, time.Unix(1700000000, 0), coordinate.Coordinate{File: `bin.000001`, Offset: offset}).
		Statement(stmt).Build()
}

func TestWorker_AppliesJobsInOrder(t *testing.T) {
	eng := &fakeEngine{}
	var committed []uint64
	var mu sync.Mutex
	w := New(0, Config{
		Engine:       eng,
		QueueLen:     4,
		TransRetries: 3,
		OnCommit: func(seq uint64, _ coordinate.Coordinate, _ gtid.GTID, _ time.Time) {
			mu.Lock()
			committed = append(committed, seq)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go w.Run(ctx)

	for i, stmt := range []string{`CREATE TABLE a (id INT)`, `CREATE TABLE b (id INT)`, `CREATE TABLE c (id INT)`} {
		j := &Job{Seq: uint64(i), Events: []event.Event{mkEvent(stmt, uint64(10 * (i + 1)))}}
		if err := w.Enqueue(ctx, j); err != nil {
			t.Fatalf(`unexpected error: %v`, err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(committed)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf(`timed out waiting for commits, got %d`, n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if committed[0] != 0 || committed[1] != 1 || committed[2] != 2 {
		t.Fatalf(`expected strict enqueue-order commits, got %v`, committed)
	}
}

func TestWorker_RollbackJobCommitsNothing(t *testing.T) {
	eng := &fakeEngine{}
	var committed []uint64
	w := New(0, Config{
		Engine:       eng,
		QueueLen:     1,
		TransRetries: 1,
		OnCommit: func(seq uint64, _ coordinate.Coordinate, _ gtid.GTID, _ time.Time) {
			committed = append(committed, seq)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go w.Run(ctx)

	if err := w.Enqueue(ctx, &Job{Seq: 7, Rollback: true, Events: []event.Event{mkEvent(`INSERT INTO a VALUES (1)`, 10)}}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	deadline := time.After(time.Second)
	for {
		if len(committed) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal(`timed out waiting for rollback job to report done`)
		case <-time.After(10 * time.Millisecond):
		}
	}

	eng.mu.Lock()
	applied := len(eng.applied)
	eng.mu.Unlock()
	if applied != 0 {
		t.Fatalf(`expected no statements applied for a rollback job, got %d`, applied)
	}
	if seq, _, _ := w.LastCommitted(); seq != 7 {
		t.Fatalf(`expected LastCommitted seq 7, got %d`, seq)
	}
}

func TestWorker_FatalErrorStopsAndReports(t *testing.T) {
	eng := &fakeEngine{failNext: &engine.Error{Severity: engine.SeverityFatal, Err: errors.New(`boom`)}}
	var fatalErr *ErrFatal
	w := New(1, Config{
		Engine:       eng,
		QueueLen:     1,
		TransRetries: 3,
		OnFatal: func(e *ErrFatal) {
			fatalErr = e
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := w.Enqueue(ctx, &Job{Seq: 5, Events: []event.Event{mkEvent(`DROP TABLE x`, 10)}}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	err := w.Run(ctx)
	if err == nil {
		t.Fatal(`expected error from Run`)
	}
	if fatalErr == nil || fatalErr.Seq != 5 {
		t.Fatalf(`expected OnFatal to fire for seq 5, got %+v`, fatalErr)
	}
}
