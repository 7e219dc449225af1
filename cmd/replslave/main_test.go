package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-replslave/applier"
	"github.com/joeycumines/go-replslave/controller"
	"github.com/joeycumines/go-replslave/coordinator"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
	"github.com/joeycumines/go-replslave/replconf"
)

func TestDialerFor_ReturnsNotConfiguredError(t *testing.T) {
	dial := dialerFor(controller.MasterParams{Host: `primary`})
	_, err := dial(context.Background())
	if !errors.Is(err, errDialerNotConfigured) {
		t.Fatalf(`expected errDialerNotConfigured, got %v`, err)
	}
}

func TestNewLogger_BothModesUsable(t *testing.T) {
	for _, pretty := range []bool{true, false} {
		l := newLogger(pretty)
		if l == nil {
			t.Fatalf(`expected non-nil logger (pretty=%v)`, pretty)
		}
		l.Notice().Str(`mode`, `smoke`).Log(`logger smoke test`)
	}
}

func TestNewApplySideFactory_PicksApplierOrCoordinator(t *testing.T) {
	dir := t.TempDir()
	relayLog, err := relay.Open(relay.Config{Dir: filepath.Join(dir, `relay`)})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer relayLog.Close()

	posStore, err := position.Open(context.Background(), position.FileBackend{Path: filepath.Join(dir, `pos.json`)}, position.Config{MaxBatch: 1, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer posStore.Close(context.Background())

	logger := newLogger(false)
	noSkip := func() *controller.SkipErrors { return controller.NewSkipErrors() }

	cfg := replconf.Defaults()
	cfg.ParallelWorkers = 0
	factory := newApplySideFactory(relayLog, posStore, nil, cfg, false, logger, noSkip)
	r, err := factory(context.Background(), controller.MasterParams{}, applier.Until{})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if _, ok := r.(*applier.Applier); !ok {
		t.Fatalf(`expected *applier.Applier, got %T`, r)
	}

	cfg.ParallelWorkers = 4
	factory = newApplySideFactory(relayLog, posStore, nil, cfg, false, logger, noSkip)
	r, err = factory(context.Background(), controller.MasterParams{}, applier.Until{})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if _, ok := r.(*coordinator.Coordinator); !ok {
		t.Fatalf(`expected *coordinator.Coordinator, got %T`, r)
	}
}
