package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-replslave/applier"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
)

type blockingRunnable struct {
	started chan struct{}
	err     error
}

func (r *blockingRunnable) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	if r.err != nil {
		return r.err
	}
	return nil
}

func newTestController(t *testing.T) (*Controller, *position.Store) {
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

	c := New(Config{
		NewReceiver: func(ctx context.Context, mp MasterParams) (Runnable, error) {
			return &blockingRunnable{started: make(chan struct{})}, nil
		},
		NewApplySide: func(ctx context.Context, mp MasterParams, until applier.Until) (Runnable, error) {
			return &blockingRunnable{started: make(chan struct{})}, nil
		},
		Positions:   posStore,
		Relay:       relayLog,
		StopTimeout: time.Second,
	})
	return c, posStore
}

func TestController_StartRequiresHost(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.Start(context.Background(), ThreadIO, applier.Until{}); !errors.Is(err, ErrBadSlave) {
		t.Fatalf(`expected ErrBadSlave, got %v`, err)
	}
}

func TestController_StartStopLifecycle(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `primary`, Port: 3306}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	if err := c.Start(context.Background(), ThreadAll, applier.Until{}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	st := c.Status()
	if !st.IORunning || !st.SQLRunning {
		t.Fatalf(`expected both threads running, got %+v`, st)
	}

	// Starting again is idempotent.
	if err := c.Start(context.Background(), ThreadAll, applier.Until{}); err != nil {
		t.Fatalf(`unexpected error on idempotent start: %v`, err)
	}

	if err := c.Stop(ThreadAll, time.Second); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	st = c.Status()
	if st.IORunning || st.SQLRunning {
		t.Fatalf(`expected both threads stopped, got %+v`, st)
	}

	if err := c.Stop(ThreadAll, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Fatalf(`expected ErrNotRunning, got %v`, err)
	}
}

func TestController_ChangeMasterRequiresStopped(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `primary`}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := c.Start(context.Background(), ThreadAll, applier.Until{}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer c.Stop(ThreadAll, time.Second)

	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `other`}); !errors.Is(err, ErrMustStop) {
		t.Fatalf(`expected ErrMustStop, got %v`, err)
	}
}

func TestController_ChangeMasterRetainsUUIDWhenHostUnchanged(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `primary`, MasterUUID: `abc`}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	// A second CHANGE MASTER with the same host/port, not naming a UUID,
	// should keep the previously recorded one.
	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `primary`}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	c.mu.Lock()
	uuid := c.params.MasterUUID
	c.mu.Unlock()
	if uuid != `abc` {
		t.Fatalf(`expected master_uuid retained across same-host change_master, got %q`, uuid)
	}
}

func TestController_ChangeMasterClearsUUIDOnHostChange(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `primary`, MasterUUID: `abc`}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `new-primary`}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	c.mu.Lock()
	uuid := c.params.MasterUUID
	c.mu.Unlock()
	if uuid != `` {
		t.Fatalf(`expected master_uuid cleared on host change, got %q`, uuid)
	}
}

func TestController_ChangeMasterAutoPositionMutualExclusion(t *testing.T) {
	c, _ := newTestController(t)
	err := c.ChangeMaster(context.Background(), MasterParams{
		Host:          `primary`,
		AutoPosition:  true,
		MasterLogFile: `relay.000001`,
	})
	if !errors.Is(err, ErrBadSlaveAutoPosition) {
		t.Fatalf(`expected ErrBadSlaveAutoPosition, got %v`, err)
	}
}

func TestController_ChangeMasterAutoPositionRequiresGTIDMode(t *testing.T) {
	c, _ := newTestController(t)
	err := c.ChangeMaster(context.Background(), MasterParams{Host: `primary`, AutoPosition: true})
	if !errors.Is(err, ErrAutoPositionRequiresGTIDModeOn) {
		t.Fatalf(`expected ErrAutoPositionRequiresGTIDModeOn, got %v`, err)
	}
}

func TestController_ResetRequiresStopped(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.ChangeMaster(context.Background(), MasterParams{Host: `primary`}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := c.Start(context.Background(), ThreadAll, applier.Until{}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer c.Stop(ThreadAll, time.Second)

	if err := c.Reset(context.Background(), true); !errors.Is(err, ErrMustStop) {
		t.Fatalf(`expected ErrMustStop, got %v`, err)
	}
}

func TestController_SetSkipErrorsParsing(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.SetSkipErrors(`1062,1032`); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	se := c.SkipErrorsFilter()
	if !se.Allowed(1062) || !se.Allowed(1032) || se.Allowed(9999) {
		t.Fatalf(`unexpected allowed set`)
	}

	if err := c.SetSkipErrors(`ddl_exist_errors`); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	se = c.SkipErrorsFilter()
	if !se.Allowed(1050) {
		t.Fatalf(`expected ddl_exist_errors to allow 1050`)
	}

	if err := c.SetSkipErrors(`all`); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	se = c.SkipErrorsFilter()
	if !se.Allowed(123456) {
		t.Fatalf(`expected all to allow any code`)
	}

	if err := c.SetSkipErrors(`not-a-number`); err == nil {
		t.Fatal(`expected parse error`)
	}
}
