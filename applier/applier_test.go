package applier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/engine"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
)

// fakeEngine records every applied statement; failNext lets a test
// inject a classified error on the next Apply call.
type fakeEngine struct {
	mu       sync.Mutex
	applied  []string
	failNext error
}

func (f *fakeEngine) Begin(ctx context.Context) (engine.Tx, error) {
	return &fakeTx{eng: f}, nil
}

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
	// Gtid/BEGIN/Xid bracket events carry no statement; only the
	// meaningful DML/DDL text is worth recording for assertions.
	if s := e.Statement(); s != `` && s != `BEGIN` {
		t.applied = append(t.applied, s)
	}
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.eng.mu.Lock()
	t.eng.applied = append(t.eng.applied, t.applied...)
	t.eng.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

func mkQuery(stmt string, offset uint64) event.Event {
	return event.New(event.TypeQuery, 1, time.Unix(1700000000, 0), coordinate.Coordinate{File: `bin.000001`, Offset: offset}).
		Statement(stmt).Build()
}

func mkGtid(sid gtid.SID, gno uint64, offset uint64) event.Event {
	return event.New(event.TypeGtid, 1, time.Unix(1700000000, 0), coordinate.Coordinate{File: `bin.000001`, Offset: offset}).
		GTID(gtid.GTID{SID: sid, GNO: gno}).Build()
}

func mkXid(offset uint64) event.Event {
	return event.New(event.TypeXid, 1, time.Unix(1700000000, 0), coordinate.Coordinate{File: `bin.000001`, Offset: offset}).Build()
}

func setupHarness(t *testing.T) (*relay.RelayLog, *position.Store) {
	t.Helper()
	dir := t.TempDir()
	relayLog, err := relay.Open(relay.Config{Dir: filepath.Join(dir, `relay`)})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	t.Cleanup(func() { relayLog.Close() })

	posStore, err := position.Open(context.Background(), position.FileBackend{Path: filepath.Join(dir, `pos.json`)}, position.Config{MaxBatch: 1, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	t.Cleanup(func() { posStore.Close(context.Background()) })

	return relayLog, posStore
}

func TestApplier_AppliesGroupAndAdvancesPosition(t *testing.T) {
	relayLog, posStore := setupHarness(t)

	sid := gtid.SID{1}
	for _, e := range []event.Event{
		mkGtid(sid, 1, 10),
		mkQuery(`BEGIN`, 20),
		mkQuery(`INSERT INTO t VALUES (1)`, 30),
		mkXid(40),
	} {
		if _, err := relayLog.Append(e); err != nil {
			t.Fatalf(`unexpected error: %v`, err)
		}
	}

	rd, err := relayLog.OpenForRead(coordinate.Zero)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer rd.Close()

	eng := &fakeEngine{}
	a, err := New(Config{Reader: rd, Engine: eng, Positions: posStore, TransRetries: 3})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	eng.mu.Lock()
	applied := append([]string(nil), eng.applied...)
	eng.mu.Unlock()
	if len(applied) != 1 || applied[0] != `INSERT INTO t VALUES (1)` {
		t.Fatalf(`expected one applied statement, got %v`, applied)
	}

	got := posStore.Get()
	if got.Applier.MasterCoordinate.Offset != 40 {
		t.Fatalf(`expected applier cursor at offset 40, got %+v`, got.Applier.MasterCoordinate)
	}
	set, err := got.ExecutedSet()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if !set.Contains(gtid.GTID{SID: sid, GNO: 1}) {
		t.Fatal(`expected executed set to contain committed gtid`)
	}
}

func TestApplier_TransientErrorRetriesThenSucceeds(t *testing.T) {
	relayLog, posStore := setupHarness(t)

	if _, err := relayLog.Append(mkQuery(`CREATE TABLE t (id INT)`, 10)); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	rd, err := relayLog.OpenForRead(coordinate.Zero)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer rd.Close()

	eng := &fakeEngine{failNext: &engine.Error{Severity: engine.SeverityTransient, Err: errors.New(`deadlock`)}}
	a, err := New(Config{Reader: rd, Engine: eng, Positions: posStore, TransRetries: 3})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() {
		time.Sleep(1200 * time.Millisecond)
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	got := posStore.Get()
	if got.Applier.MasterCoordinate.Offset != 10 {
		t.Fatalf(`expected the retried statement to eventually commit, got %+v`, got.Applier.MasterCoordinate)
	}
}

func TestApplier_FatalErrorStops(t *testing.T) {
	relayLog, posStore := setupHarness(t)

	if _, err := relayLog.Append(mkQuery(`DROP TABLE missing`, 10)); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	rd, err := relayLog.OpenForRead(coordinate.Zero)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer rd.Close()

	wantErr := errors.New(`no such table`)
	eng := &fakeEngine{failNext: &engine.Error{Severity: engine.SeverityFatal, Err: wantErr}}
	a, err := New(Config{Reader: rd, Engine: eng, Positions: posStore, TransRetries: 3})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = a.Run(ctx)
	var fatal *ErrFatal
	if !errors.As(err, &fatal) {
		t.Fatalf(`expected *ErrFatal, got %v`, err)
	}
	if !errors.Is(fatal, wantErr) {
		t.Fatalf(`expected wrapped error to match, got %v`, fatal.Err)
	}
}

func TestApplier_UntilMasterPosStopsCleanly(t *testing.T) {
	relayLog, posStore := setupHarness(t)

	for _, e := range []event.Event{
		mkQuery(`CREATE TABLE a (id INT)`, 10),
		mkQuery(`CREATE TABLE b (id INT)`, 20),
		mkQuery(`CREATE TABLE c (id INT)`, 30),
	} {
		if _, err := relayLog.Append(e); err != nil {
			t.Fatalf(`unexpected error: %v`, err)
		}
	}

	rd, err := relayLog.OpenForRead(coordinate.Zero)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer rd.Close()

	eng := &fakeEngine{}
	a, err := New(Config{
		Reader:    rd,
		Engine:    eng,
		Positions: posStore,
		Until:     Until{Kind: UntilMasterPos, MasterCoord: coordinate.Coordinate{File: `bin.000001`, Offset: 20}},
	})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	eng.mu.Lock()
	applied := len(eng.applied)
	eng.mu.Unlock()
	if applied != 1 {
		t.Fatalf(`expected exactly one statement applied before UNTIL stop, got %d`, applied)
	}
}
