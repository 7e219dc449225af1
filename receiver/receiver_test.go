package receiver

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
	"github.com/joeycumines/go-replslave/masterlink"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
)

type scriptedConn struct {
	events []event.Event
	i      int
}

func (s *scriptedConn) Exec(ctx context.Context, query string) error { return nil }
func (s *scriptedConn) RequestDumpAtCoordinate(ctx context.Context, serverID uint32, pos coordinate.Coordinate) error {
	return nil
}
func (s *scriptedConn) RequestDumpAtGTID(ctx context.Context, serverID uint32, executed *gtid.Set) error {
	return nil
}
func (s *scriptedConn) ReadEvent(ctx context.Context) (event.Event, error) {
	if s.i >= len(s.events) {
		return nil, io.EOF
	}
	e := s.events[s.i]
	s.i++
	return e, nil
}
func (s *scriptedConn) Close() error { return nil }

func (s *scriptedConn) QueryScalar(ctx context.Context, query string) (string, error) { return ``, nil }
func (s *scriptedConn) QueryRow(ctx context.Context, query string) (map[string]string, error) {
	return nil, nil
}

func TestReceiver_AppendsEventsAndAdvancesPosition(t *testing.T) {
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

	conn := &scriptedConn{events: []event.Event{
		event.New(event.TypeQuery, 5, time.Now(), coordinate.Coordinate{File: `bin.000001`, Offset: 10}).Statement(`BEGIN`).Build(),
		event.New(event.TypeQuery, 5, time.Now(), coordinate.Coordinate{File: `bin.000001`, Offset: 20}).Statement(`COMMIT`).Build(),
	}}

	link := masterlink.New(masterlink.Config{
		Dial: func(ctx context.Context) (masterlink.Conn, error) { return conn, nil },
	})

	r, err := New(Config{Link: link, Relay: relayLog, Positions: posStore, LocalServerID: 1})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Run(ctx); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf(`unexpected error: %v`, err)
	}

	got := posStore.Get()
	if got.Receiver.MasterCoordinate.Offset != 20 {
		t.Fatalf(`expected receiver cursor advanced to offset 20, got %+v`, got.Receiver.MasterCoordinate)
	}
}

func TestReceiver_ResumeGTIDSetExcludesLastRetrieved(t *testing.T) {
	var sidByte byte = 1
	var sid gtid.SID
	sid[0] = sidByte

	retrieved := gtid.NewSet()
	retrieved.Add(gtid.GTID{SID: sid, GNO: 1})
	retrieved.Add(gtid.GTID{SID: sid, GNO: 2})

	r := &Receiver{retrieved: retrieved, lastRetrieved: gtid.GTID{SID: sid, GNO: 2}}

	logged := gtid.NewSet()
	logged.Add(gtid.GTID{SID: sid, GNO: 1})
	state := position.State{Applier: position.ApplierState{ExecutedGTIDs: logged.Encode()}}

	got, err := r.resumeGTIDSet(state)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if got.Contains(gtid.GTID{SID: sid, GNO: 2}) {
		t.Fatal(`expected last retrieved gtid excluded so the primary resends it`)
	}
	if !got.Contains(gtid.GTID{SID: sid, GNO: 1}) {
		t.Fatal(`expected logged gtid still present`)
	}
}

func TestReceiver_ResumeGTIDSetKeepsLastRetrievedWhenAlsoLogged(t *testing.T) {
	var sid gtid.SID
	sid[0] = 1

	retrieved := gtid.NewSet()
	retrieved.Add(gtid.GTID{SID: sid, GNO: 1})
	r := &Receiver{retrieved: retrieved, lastRetrieved: gtid.GTID{SID: sid, GNO: 1}}

	logged := gtid.NewSet()
	logged.Add(gtid.GTID{SID: sid, GNO: 1})
	state := position.State{Applier: position.ApplierState{ExecutedGTIDs: logged.Encode()}}

	got, err := r.resumeGTIDSet(state)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if !got.Contains(gtid.GTID{SID: sid, GNO: 1}) {
		t.Fatal(`expected gtid present: it was already logged, no need to force a resend`)
	}
}

func TestReceiver_PreviousGtidsTranslatesToSyntheticRotate(t *testing.T) {
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

	r := &Receiver{cfg: Config{Relay: relayLog, Positions: posStore}, retrieved: gtid.NewSet()}

	e := event.New(event.TypePreviousGtids, 5, time.Now(), coordinate.Coordinate{File: `bin.000001`, Offset: 30}).Build()
	if err := r.handle(context.Background(), e); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	rd, err := relayLog.OpenForRead(coordinate.Zero)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer rd.Close()
	got, err := rd.ReadNext(context.Background())
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if got.Type() != event.TypeRotate {
		t.Fatalf(`expected PreviousGtids to translate to a Rotate record, got %v`, got.Type())
	}

	if state := posStore.Get(); state.Receiver.MasterCoordinate.Offset != 30 {
		t.Fatalf(`expected master_coordinate advanced to 30, got %+v`, state.Receiver.MasterCoordinate)
	}
}

func TestReceiver_OriginFilteringDropsOwnEvents(t *testing.T) {
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

	r := &Receiver{cfg: Config{Relay: relayLog, Positions: posStore, LocalServerID: 42, ReplicateSameServerID: false}}
	r.retrieved = gtid.NewSet()

	e := event.New(event.TypeQuery, 42, time.Now(), coordinate.Coordinate{File: `bin.000001`, Offset: 1}).Statement(`BEGIN`).Build()
	if err := r.handle(context.Background(), e); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if relayLog.SpaceUsed() != 8 { // just the magic header, nothing appended
		t.Fatalf(`expected no event appended, space used = %d`, relayLog.SpaceUsed())
	}
}
