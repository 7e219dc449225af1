package masterlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
)

type fakeConn struct {
	execs        []string
	dumpAt       coordinate.Coordinate
	dumpGTID     *gtid.Set
	closed       bool
	dumpModeUsed string
	serverUUID   string
	row          map[string]string
}

func (f *fakeConn) Exec(ctx context.Context, query string) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeConn) RequestDumpAtCoordinate(ctx context.Context, serverID uint32, pos coordinate.Coordinate) error {
	f.dumpAt = pos
	f.dumpModeUsed = `coordinate`
	return nil
}

func (f *fakeConn) RequestDumpAtGTID(ctx context.Context, serverID uint32, executed *gtid.Set) error {
	f.dumpGTID = executed
	f.dumpModeUsed = `gtid`
	return nil
}

func (f *fakeConn) ReadEvent(ctx context.Context) (event.Event, error) {
	return event.New(event.TypeHeartbeat, 1, time.Now(), coordinate.Coordinate{}).Build(), nil
}

func (f *fakeConn) QueryScalar(ctx context.Context, query string) (string, error) {
	return f.serverUUID, nil
}

func (f *fakeConn) QueryRow(ctx context.Context, query string) (map[string]string, error) {
	return f.row, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestMasterLink_ConnectCoordinateMode(t *testing.T) {
	fc := &fakeConn{}
	ml := New(Config{
		Dial:     func(ctx context.Context) (Conn, error) { return fc, nil },
		ServerID: 99,
		Mode:     DumpCoordinate,
	})

	sess, err := ml.Connect(context.Background(), coordinate.Coordinate{File: `bin.000001`, Offset: 4}, nil)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer sess.Close()

	if ml.State() != StateDumping {
		t.Fatalf(`expected Dumping state, got %v`, ml.State())
	}
	if fc.dumpModeUsed != `coordinate` {
		t.Fatalf(`expected coordinate dump mode, got %q`, fc.dumpModeUsed)
	}
	if len(fc.execs) == 0 {
		t.Fatal(`expected handshake to issue session-setup statements`)
	}
}

func TestMasterLink_ConnectAutoPositionMode(t *testing.T) {
	fc := &fakeConn{}
	ml := New(Config{
		Dial:     func(ctx context.Context) (Conn, error) { return fc, nil },
		ServerID: 99,
		Mode:     DumpAutoPosition,
	})

	executed := gtid.NewSet()
	sess, err := ml.Connect(context.Background(), coordinate.Zero, executed)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer sess.Close()

	if fc.dumpModeUsed != `gtid` {
		t.Fatalf(`expected gtid dump mode, got %q`, fc.dumpModeUsed)
	}
}

func TestMasterLink_EqualServerUUIDFatal(t *testing.T) {
	fc := &fakeConn{serverUUID: `11111111-1111-1111-1111-111111111111`}
	ml := New(Config{
		Dial:            func(ctx context.Context) (Conn, error) { return fc, nil },
		ServerID:        99,
		LocalServerUUID: `11111111-1111-1111-1111-111111111111`,
	})

	_, err := ml.Connect(context.Background(), coordinate.Zero, nil)
	if !errors.Is(err, ErrEqualServerUUID) {
		t.Fatalf(`expected ErrEqualServerUUID, got %v`, err)
	}
}

func TestMasterLink_EqualServerUUIDAllowed(t *testing.T) {
	fc := &fakeConn{serverUUID: `11111111-1111-1111-1111-111111111111`}
	ml := New(Config{
		Dial:                  func(ctx context.Context) (Conn, error) { return fc, nil },
		ServerID:              99,
		LocalServerUUID:       `11111111-1111-1111-1111-111111111111`,
		ReplicateSameServerID: true,
	})

	if _, err := ml.Connect(context.Background(), coordinate.Zero, nil); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
}

func TestMasterLink_DialError(t *testing.T) {
	wantErr := errors.New(`boom`)
	ml := New(Config{Dial: func(ctx context.Context) (Conn, error) { return nil, wantErr }})

	if _, err := ml.Connect(context.Background(), coordinate.Zero, nil); err == nil {
		t.Fatal(`expected error`)
	}
	if ml.State() != StateConnecting {
		t.Fatalf(`expected state to remain Connecting after dial failure, got %v`, ml.State())
	}
}

func TestMasterLink_Disconnect(t *testing.T) {
	fc := &fakeConn{}
	ml := New(Config{Dial: func(ctx context.Context) (Conn, error) { return fc, nil }})

	if _, err := ml.Connect(context.Background(), coordinate.Zero, nil); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := ml.Disconnect(); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if !fc.closed {
		t.Fatal(`expected underlying conn to be closed`)
	}
	if ml.State() != StateDisconnected {
		t.Fatalf(`expected Disconnected state, got %v`, ml.State())
	}
}
