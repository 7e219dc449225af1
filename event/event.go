// Package event defines the opaque Event collaborator: the core never
// depends on a concrete wire codec, only on these typed accessors. A real
// deployment plugs in a decoder for the primary's actual binlog format;
// tests in this module use the Builder below to construct events directly.
package event

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/gtid"
)

// Type enumerates the event kinds the core inspects directly. Any other
// kind is handled generically (see receiver.Receiver and applier.Applier).
type Type int

const (
	TypeUnknown Type = iota
	TypeFormatDescription
	TypeRotate
	TypeHeartbeat
	TypeGtid
	TypePreviousGtids
	TypeQuery
	TypeRowsQuery
	TypeXid
	TypeRows
)

func (t Type) String() string {
	switch t {
	case TypeFormatDescription:
		return `FormatDescription`
	case TypeRotate:
		return `Rotate`
	case TypeHeartbeat:
		return `Heartbeat`
	case TypeGtid:
		return `Gtid`
	case TypePreviousGtids:
		return `PreviousGtids`
	case TypeQuery:
		return `Query`
	case TypeRowsQuery:
		return `RowsQuery`
	case TypeXid:
		return `Xid`
	case TypeRows:
		return `Rows`
	default:
		return `Unknown`
	}
}

// ChecksumAlg identifies the checksum algorithm negotiated with the
// primary, as carried by a FormatDescription event.
type ChecksumAlg int

const (
	ChecksumOff ChecksumAlg = iota
	ChecksumCRC32
	ChecksumUndefined
)

// Event is the opaque, typed-accessor view of a single replication event.
// Implementations are provided by the wire-codec collaborator; this
// package only defines the shape the core relies on.
type Event interface {
	Type() Type
	ServerID() uint32
	Timestamp() time.Time
	Coordinate() coordinate.Coordinate
	PayloadLen() uint32
	// Bytes returns the raw, on-wire representation (for appending to the
	// relay log and for re-computing checksums).
	Bytes() []byte

	// Gtid accessors; zero values if Type() != TypeGtid.
	GTID() gtid.GTID

	// Rotate accessors; zero values if Type() != TypeRotate.
	RotateTarget() coordinate.Coordinate

	// FormatDescription accessors; zero values if Type() != TypeFormatDescription.
	ChecksumAlg() ChecksumAlg
	BinlogVersion() uint16

	// Heartbeat accessors; zero values if Type() != TypeHeartbeat.
	LogIdent() string
	LogPos() uint64

	// RowsQuery / Query accessors; empty if not applicable.
	Statement() string
	Schema() string
}

// baseEvent is an embeddable zero-value implementation of every accessor,
// so concrete event kinds only need to override what they carry.
type baseEvent struct {
	typ       Type
	serverID  uint32
	ts        time.Time
	coord     coordinate.Coordinate
	payload   []byte
	checksum  ChecksumAlg
	binlogVer uint16
	gtidVal   gtid.GTID
	rotateTo  coordinate.Coordinate
	logIdent  string
	logPos    uint64
	stmt      string
	schema    string
}

func (e *baseEvent) Type() Type                          { return e.typ }
func (e *baseEvent) ServerID() uint32                     { return e.serverID }
func (e *baseEvent) Timestamp() time.Time                 { return e.ts }
func (e *baseEvent) Coordinate() coordinate.Coordinate    { return e.coord }
func (e *baseEvent) PayloadLen() uint32                   { return uint32(len(e.payload)) }
func (e *baseEvent) Bytes() []byte                        { return e.payload }
func (e *baseEvent) GTID() gtid.GTID                       { return e.gtidVal }
func (e *baseEvent) RotateTarget() coordinate.Coordinate  { return e.rotateTo }
func (e *baseEvent) ChecksumAlg() ChecksumAlg             { return e.checksum }
func (e *baseEvent) BinlogVersion() uint16                { return e.binlogVer }
func (e *baseEvent) LogIdent() string                     { return e.logIdent }
func (e *baseEvent) LogPos() uint64                       { return e.logPos }
func (e *baseEvent) Statement() string                    { return e.stmt }
func (e *baseEvent) Schema() string                       { return e.schema }

// Builder constructs concrete Event values, primarily for tests and for
// the Receiver's synthetic Rotate built from a PreviousGtids event
// (spec.md §4.4). Partial-group recovery builds no events; it uses a
// rollback-only worker Job instead.
type Builder struct{ e baseEvent }

func New(typ Type, serverID uint32, ts time.Time, coord coordinate.Coordinate) *Builder {
	return &Builder{e: baseEvent{typ: typ, serverID: serverID, ts: ts, coord: coord}}
}

func (b *Builder) Payload(p []byte) *Builder             { b.e.payload = p; return b }
func (b *Builder) GTID(g gtid.GTID) *Builder              { b.e.gtidVal = g; return b }
func (b *Builder) RotateTarget(c coordinate.Coordinate) *Builder {
	b.e.rotateTo = c
	return b
}
func (b *Builder) ChecksumAlg(c ChecksumAlg) *Builder    { b.e.checksum = c; return b }
func (b *Builder) BinlogVersion(v uint16) *Builder       { b.e.binlogVer = v; return b }
func (b *Builder) LogIdent(s string) *Builder            { b.e.logIdent = s; return b }
func (b *Builder) LogPos(p uint64) *Builder              { b.e.logPos = p; return b }
func (b *Builder) Statement(s string) *Builder           { b.e.stmt = s; return b }
func (b *Builder) Schema(s string) *Builder              { b.e.schema = s; return b }
func (b *Builder) Build() Event {
	cp := b.e
	return &cp
}

// Marshal renders e into the self-contained record format the RelayLog
// persists: every typed accessor, not just the opaque Bytes() payload, so
// a relay file can be replayed without a live connection to a decoder.
// This is the core's OWN on-disk format; it is unrelated to whatever wire
// protocol a real MasterLink decoder produces Event values from.
func Marshal(e Event) []byte {
	var buf []byte
	buf = append(buf, byte(e.Type()))
	buf = appendUint32(buf, e.ServerID())
	buf = appendUint64(buf, uint64(e.Timestamp().UnixNano()))
	buf = appendString(buf, e.Coordinate().File)
	buf = appendUint64(buf, e.Coordinate().Offset)
	buf = appendBytes(buf, e.Bytes())
	buf = append(buf, byte(e.ChecksumAlg()))
	buf = appendUint32(buf, uint32(e.BinlogVersion()))
	sid := e.GTID().SID
	buf = append(buf, sid[:]...)
	buf = appendUint64(buf, e.GTID().GNO)
	buf = appendString(buf, e.RotateTarget().File)
	buf = appendUint64(buf, e.RotateTarget().Offset)
	buf = appendString(buf, e.LogIdent())
	buf = appendUint64(buf, e.LogPos())
	buf = appendString(buf, e.Statement())
	buf = appendString(buf, e.Schema())
	return buf
}

// Unmarshal parses a record produced by Marshal.
func Unmarshal(b []byte) (Event, error) {
	r := reader{b: b}
	typ := Type(r.byte())
	serverID := r.uint32()
	ts := time.Unix(0, int64(r.uint64()))
	coordFile := r.string()
	coordOff := r.uint64()
	payload := r.bytes()
	checksum := ChecksumAlg(r.byte())
	binlogVer := r.uint32()
	var sid gtid.SID
	copy(sid[:], r.fixed(16))
	gno := r.uint64()
	rotFile := r.string()
	rotOff := r.uint64()
	logIdent := r.string()
	logPos := r.uint64()
	stmt := r.string()
	schema := r.string()
	if r.err != nil {
		return nil, fmt.Errorf(`event: unmarshal: %w`, r.err)
	}

	b2 := New(typ, serverID, ts, coordinate.Coordinate{File: coordFile, Offset: coordOff}).
		Payload(payload).
		GTID(gtid.GTID{SID: sid, GNO: gno}).
		RotateTarget(coordinate.Coordinate{File: rotFile, Offset: rotOff}).
		ChecksumAlg(checksum).
		BinlogVersion(uint16(binlogVer)).
		LogIdent(logIdent).
		LogPos(logPos).
		Statement(stmt).
		Schema(schema)
	return b2.Build(), nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, p []byte) []byte {
	buf = appendUint32(buf, uint32(len(p)))
	return append(buf, p...)
}

// reader walks a Marshal record sequentially, latching the first error.
type reader struct {
	b   []byte
	err error
}

func (r *reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = fmt.Errorf(`short record: need %d, have %d`, n, len(r.b))
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) byte() byte {
	b := r.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) fixed(n int) []byte { return r.need(n) }

func (r *reader) uint32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	b := r.need(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) string() string {
	b := r.bytes()
	return string(b)
}

// IsGroupStart reports whether e begins a Group, per spec.md §3: a Gtid
// event or a BEGIN query statement.
func IsGroupStart(e Event) bool {
	if e.Type() == TypeGtid {
		return true
	}
	return e.Type() == TypeQuery && isBegin(e.Statement())
}

// IsGroupEnd reports whether e ends a Group: an Xid event or a COMMIT or
// ROLLBACK query statement. It returns false for DDL; the Applier and
// Coordinators treat an event that arrives outside an open group (such as
// DDL without a preceding Gtid/BEGIN) as a single-event group by itself.
func IsGroupEnd(e Event) bool {
	if e.Type() == TypeXid {
		return true
	}
	return e.Type() == TypeQuery && (isCommit(e.Statement()) || isRollback(e.Statement()))
}

func isBegin(s string) bool    { return equalFoldTrim(s, `BEGIN`) || equalFoldTrim(s, `START TRANSACTION`) }
func isCommit(s string) bool   { return equalFoldTrim(s, `COMMIT`) }
func isRollback(s string) bool { return equalFoldTrim(s, `ROLLBACK`) }

func equalFoldTrim(s, want string) bool {
	s = trimSpace(s)
	if len(s) != len(want) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != want[i] {
			return false
		}
	}
	return true
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t' || s[j-1] == '\n' || s[j-1] == ';') {
		j--
	}
	return s[i:j]
}
