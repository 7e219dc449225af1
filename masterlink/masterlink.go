// Package masterlink implements the MasterLink collaborator (spec.md
// §4.3): the connection to the primary, its handshake, the two dump
// modes (coordinate and GTID auto-position), and a rate limit on
// connection attempts.
//
// Grounded on fangrpcstream's paired send/recv goroutine shape (a reader
// loop that owns the wire, decoupled from the caller via a channel) and
// on catrate.Limiter (same monorepo) for reconnect backoff: each
// connection attempt is an "event" in the category "connect", and Allow
// reports how long to wait before trying again, generalizing the
// teacher's rate-limiting idiom from request throttling to retry pacing.
package masterlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
	"github.com/joeycumines/go-replslave/sqlescape"
	"github.com/joeycumines/logiface"
)

// State is the connection lifecycle state (spec.md §4.3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateDumping
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return `Connecting`
	case StateHandshaking:
		return `Handshaking`
	case StateDumping:
		return `Dumping`
	default:
		return `Disconnected`
	}
}

// Conn is the raw transport MasterLink drives: a single bidirectional
// byte stream to the primary, plus the handful of session-setup verbs the
// handshake issues as SET statements. Implementations wrap whatever wire
// protocol the real primary speaks; this package only orchestrates it.
type Conn interface {
	// Exec runs a session-setup statement (e.g. "SET @master_heartbeat_period = ?").
	Exec(ctx context.Context, query string) error
	// RequestDumpAtCoordinate starts the event stream from a coordinate, per the
	// handshake's dump-mode negotiation (step (f)/(g) below).
	RequestDumpAtCoordinate(ctx context.Context, serverID uint32, pos coordinate.Coordinate) error
	// RequestDumpAtGTID starts the event stream using GTID auto-position.
	RequestDumpAtGTID(ctx context.Context, serverID uint32, executed *gtid.Set) error
	// ReadEvent blocks for the next event on the stream.
	ReadEvent(ctx context.Context) (event.Event, error)
	// QueryScalar runs query and returns its single-column, single-row
	// result, for handshake steps that inspect primary state (UUID,
	// server_id, collation, time zone) rather than just setting it.
	QueryScalar(ctx context.Context, query string) (string, error)
	// QueryRow runs query and returns its first row as column->value,
	// for handshake steps needing more than one scalar per statement.
	QueryRow(ctx context.Context, query string) (map[string]string, error)
	// Close tears down the transport.
	Close() error
}

// Dialer opens a fresh Conn to the primary; supplied by the deployment
// (real TCP + wire codec in production, a fake in tests).
type Dialer func(ctx context.Context) (Conn, error)

// DumpMode selects which handshake step (f) or (g) performs.
type DumpMode int

const (
	// DumpCoordinate resumes from an explicit file+offset.
	DumpCoordinate DumpMode = iota
	// DumpAutoPosition resumes via GTID set (spec.md §4.3, AutoPosition).
	DumpAutoPosition
)

// Config configures one MasterLink.
type Config struct {
	Dial               Dialer
	ServerID           uint32
	Mode               DumpMode
	NetTimeout         time.Duration
	ConnectRetrySecs   time.Duration
	RetryCount         int
	HeartbeatPeriod    time.Duration
	NoBackslashEscapes bool

	// LocalServerUUID is this slave's own server_uuid, compared against
	// the primary's during handshake (spec.md §4.3 step (c)).
	LocalServerUUID string
	// ReplicateSameServerID, when false (the default), makes a primary
	// whose server_uuid equals LocalServerUUID a protocol-fatal
	// misconfiguration (replicating from itself) rather than a warning.
	ReplicateSameServerID bool
	// LocalCollation and LocalTimeZone are this slave's own session
	// defaults, compared against the primary's for a mismatch warning
	// (spec.md §4.3 step (e)); neither is fatal.
	LocalCollation string
	LocalTimeZone  string

	Logger *logiface.Logger[logiface.Event]
}

// MasterLink owns one connection's lifecycle: connect, handshake and dump
// request, with a rate limit on connection attempts. Events are read by
// the caller through the returned Session; MasterLink does not reconnect
// on its own after a failure.
type MasterLink struct {
	cfg     Config
	limiter *catrate.Limiter

	mu    sync.Mutex
	state State
	conn  Conn
}

// New constructs a MasterLink. The reconnect limiter allows up to
// RetryCount connection attempts per ConnectRetrySecs window; once
// exhausted, Connect returns an error instead of retrying forever (spec.md
// §4.3 "bounded retry, not infinite").
func New(cfg Config) *MasterLink {
	retrySecs := cfg.ConnectRetrySecs
	if retrySecs <= 0 {
		retrySecs = 60 * time.Second
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = 86400
	}
	return &MasterLink{
		cfg:     cfg,
		limiter: catrate.NewLimiter(map[time.Duration]int{retrySecs: retryCount}),
	}
}

// State returns the current lifecycle state.
func (m *MasterLink) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MasterLink) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// ErrRetriesExhausted is returned by Connect when the reconnect backoff
// limiter refuses a further attempt within its configured window.
var ErrRetriesExhausted = errors.New(`masterlink: reconnect retries exhausted`)

// ErrEqualServerUUID is a protocol-fatal handshake error (spec.md §7):
// the primary's server_uuid equals this slave's own, and
// ReplicateSameServerID is false. Callers must stop rather than retry —
// the misconfiguration doesn't change across a reconnect.
var ErrEqualServerUUID = errors.New(`masterlink: primary server_uuid equals local server_uuid`)

// Session is one successful connect+handshake+dump, handed to the
// caller's read loop; Close disconnects.
type Session struct {
	conn Conn
}

// ReadEvent proxies to the underlying Conn.
func (s *Session) ReadEvent(ctx context.Context) (event.Event, error) { return s.conn.ReadEvent(ctx) }

// Close disconnects the session.
func (s *Session) Close() error { return s.conn.Close() }

// Connect performs steps (a)-(g): dial, negotiate session variables, and
// request the dump at resumeAt (for DumpCoordinate) or resumeSet (for
// DumpAutoPosition). Before the attempt it consults the reconnect
// limiter: when the window's budget is spent it sleeps for the wait the
// limiter reports, then returns ErrRetriesExhausted if the limiter still
// refuses. A failed dial, handshake or dump request returns its error at
// once, without a retry; Connect is safe to call again afterwards.
func (m *MasterLink) Connect(ctx context.Context, resumeAt coordinate.Coordinate, resumeSet *gtid.Set) (*Session, error) {
	if wait, ok := m.limiter.Allow(`connect`); !ok {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if _, ok := m.limiter.Allow(`connect`); !ok {
			return nil, ErrRetriesExhausted
		}
	}

	m.setState(StateConnecting)
	conn, err := m.cfg.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf(`masterlink: dial: %w`, err)
	}

	m.setState(StateHandshaking)
	if err := m.handshake(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf(`masterlink: handshake: %w`, err)
	}

	m.setState(StateDumping)
	switch m.cfg.Mode {
	case DumpAutoPosition:
		if err := conn.RequestDumpAtGTID(ctx, m.cfg.ServerID, resumeSet); err != nil {
			conn.Close()
			return nil, fmt.Errorf(`masterlink: request dump (gtid): %w`, err)
		}
	default:
		if err := conn.RequestDumpAtCoordinate(ctx, m.cfg.ServerID, resumeAt); err != nil {
			conn.Close()
			return nil, fmt.Errorf(`masterlink: request dump (coordinate): %w`, err)
		}
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	return &Session{conn: conn}, nil
}

// Disconnect tears down the active connection, if any, returning the
// lifecycle to Disconnected.
func (m *MasterLink) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// handshake issues the session-setup statements the primary expects
// before a dump request, and performs the read-only checks spec.md §4.3
// steps (c)-(e): primary server_uuid (fatal if it equals our own and
// ReplicateSameServerID is false), then server_id/collation/time_zone
// (mismatch is a warning only). Statements are rendered via sqlescape
// since Conn.Exec takes a single pre-rendered statement rather than
// placeholder args.
func (m *MasterLink) handshake(ctx context.Context, conn Conn) error {
	var interp sqlescape.InterpolateConfig
	interp.NoBackslashEscapes = m.cfg.NoBackslashEscapes

	heartbeatNanos := int64(m.cfg.HeartbeatPeriod)
	q, err := interp.Interpolate(`SET @master_heartbeat_period = ?`, heartbeatNanos)
	if err != nil {
		return fmt.Errorf(`interpolate heartbeat: %w`, err)
	}
	if err := conn.Exec(ctx, q); err != nil {
		return fmt.Errorf(`set heartbeat period: %w`, err)
	}

	if err := conn.Exec(ctx, `SET @master_binlog_checksum = 'CRC32'`); err != nil {
		return fmt.Errorf(`set checksum: %w`, err)
	}

	if err := m.checkServerUUID(ctx, conn); err != nil {
		return err
	}
	m.checkSessionDefaults(ctx, conn)

	return nil
}

// checkServerUUID queries the primary's server_uuid (step (c)) and fails
// the handshake when it matches our own and same-server-id replication
// isn't explicitly allowed (step (c)'s protocol-fatal case).
func (m *MasterLink) checkServerUUID(ctx context.Context, conn Conn) error {
	if m.cfg.LocalServerUUID == `` {
		return nil
	}
	primaryUUID, err := conn.QueryScalar(ctx, `SELECT @@server_uuid`)
	if err != nil {
		return fmt.Errorf(`query primary server_uuid: %w`, err)
	}
	if primaryUUID == m.cfg.LocalServerUUID && !m.cfg.ReplicateSameServerID {
		return ErrEqualServerUUID
	}
	return nil
}

// checkSessionDefaults queries the primary's server_id, collation, and
// time zone (step (e)) and logs a warning when the server_id equals ours
// or the collation or time zone differs from ours; none of this is
// fatal, it's diagnostic only.
func (m *MasterLink) checkSessionDefaults(ctx context.Context, conn Conn) {
	row, err := conn.QueryRow(ctx, `SELECT @@server_id AS server_id, @@collation_server AS collation, @@time_zone AS time_zone`)
	if err != nil {
		m.cfg.Logger.Warning().Err(err).Log(`masterlink: failed to query primary session defaults`)
		return
	}
	if got := row[`server_id`]; got != `` && got == fmt.Sprint(m.cfg.ServerID) {
		m.cfg.Logger.Warning().Str(`server_id`, got).Log(`masterlink: primary server_id equals local server_id`)
	}
	if m.cfg.LocalCollation != `` && row[`collation`] != `` && row[`collation`] != m.cfg.LocalCollation {
		m.cfg.Logger.Warning().Str(`primary`, row[`collation`]).Str(`local`, m.cfg.LocalCollation).Log(`masterlink: collation mismatch`)
	}
	if m.cfg.LocalTimeZone != `` && row[`time_zone`] != `` && row[`time_zone`] != m.cfg.LocalTimeZone {
		m.cfg.Logger.Warning().Str(`primary`, row[`time_zone`]).Str(`local`, m.cfg.LocalTimeZone).Log(`masterlink: time zone mismatch`)
	}
}
