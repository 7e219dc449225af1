package position

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
)

func TestFileBackend_LoadNotFound(t *testing.T) {
	b := FileBackend{Path: filepath.Join(t.TempDir(), `missing.json`)}
	_, err := b.Load(context.Background())
	if err != ErrNotFound {
		t.Fatalf(`expected ErrNotFound, got %v`, err)
	}
}

func TestFileBackend_SaveLoadRoundTrip(t *testing.T) {
	b := FileBackend{Path: filepath.Join(t.TempDir(), `pos.json`)}
	want := State{Applier: ApplierState{MasterCoordinate: coordinate.Coordinate{File: `bin.000001`, Offset: 42}}}
	if err := b.Save(context.Background(), want); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	got, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if got.Applier.MasterCoordinate != want.Applier.MasterCoordinate {
		t.Fatalf(`got %+v, want %+v`, got, want)
	}
}

func TestFileBackend_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), `pos.json`)
	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	b := FileBackend{Path: path}
	if _, err := b.Load(context.Background()); err == nil {
		t.Fatal(`expected error`)
	}
}

func TestStore_UpdateAndFlush(t *testing.T) {
	backend := FileBackend{Path: filepath.Join(t.TempDir(), `pos.json`)}
	store, err := Open(context.Background(), backend, Config{MaxBatch: 1, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer store.Close(context.Background())

	ctx := context.Background()
	if err := store.UpdateApplier(ctx, ApplierState{MasterCoordinate: coordinate.Coordinate{File: `bin.000002`, Offset: 10}}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	got, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if got.Applier.MasterCoordinate.File != `bin.000002` {
		t.Fatalf(`expected durable flush, got %+v`, got)
	}
}

func TestTableBackend_SaveInterpolatesJSON(t *testing.T) {
	var lastQuery string
	backend := TableBackend{
		Table: `mysql.replslave_position`,
		Exec: func(ctx context.Context, query string) error {
			lastQuery = query
			return nil
		},
		Query: func(ctx context.Context) ([]byte, error) { return nil, nil },
	}
	if err := backend.Save(context.Background(), State{}); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if lastQuery == `` {
		t.Fatal(`expected a rendered query`)
	}
	if _, err := backend.Load(context.Background()); err != ErrNotFound {
		t.Fatalf(`expected ErrNotFound on empty row, got %v`, err)
	}
}
