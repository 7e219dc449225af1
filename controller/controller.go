// Package controller implements the Controller collaborator (spec.md
// §4.8): the control-plane surface (start/stop/change_master/reset/
// status/set_skip_errors) that drives the {Receiver, Applier-or-
// Coordinator} state machines and serializes control-plane operations
// behind a single process-wide lock, mirroring MySQL's LOCK_active_mi.
//
// Grounded on sql/export.Exporter's unexported-accessor config-resolution
// idiom (plain fields, zero-value defaults) for MasterParams, and on
// fangrpcstream.Stream's cancel-then-wait shutdown shape for Stop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-replslave/applier"
	"github.com/joeycumines/go-replslave/engine"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
	"github.com/joeycumines/logiface"
)

// ThreadMask selects which of the two long-lived threads an operation
// targets (spec.md §4.8 "thread_mask").
type ThreadMask int

const (
	ThreadIO ThreadMask = 1 << iota
	ThreadSQL
	ThreadAll = ThreadIO | ThreadSQL
)

// Has reports whether m includes t.
func (m ThreadMask) Has(t ThreadMask) bool { return m&t != 0 }

// RunState is a thread's lifecycle state (spec.md §4.8).
type RunState int

const (
	StateStopped RunState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s RunState) String() string {
	switch s {
	case StateStarting:
		return `starting`
	case StateRunning:
		return `running`
	case StateStopping:
		return `stopping`
	default:
		return `stopped`
	}
}

// Runnable is satisfied by receiver.Receiver, applier.Applier, and
// coordinator.Coordinator: anything the Controller can start as one of
// the two threads.
type Runnable interface {
	Run(ctx context.Context) error
}

// Result codes, mirroring spec.md §6's control-surface return values.
var (
	ErrBadSlave                       = errors.New(`controller: BAD_SLAVE`)
	ErrMustStop                       = errors.New(`controller: MUST_STOP`)
	ErrUntilCondIgnored               = errors.New(`controller: UNTIL_COND_IGNORED`)
	ErrNotRunning                     = errors.New(`controller: NOT_RUNNING`)
	ErrStopTimeout                    = errors.New(`controller: STOP_TIMEOUT`)
	ErrBadSlaveAutoPosition           = errors.New(`controller: BAD_SLAVE_AUTO_POSITION`)
	ErrAutoPositionRequiresGTIDModeOn = errors.New(`controller: AUTO_POSITION_REQUIRES_GTID_MODE_ON`)
	ErrRelayLogFail                   = errors.New(`controller: RELAY_LOG_FAIL`)
)

// MasterParams is the mutable connection/replication configuration a
// CHANGE MASTER TO statement alters (spec.md §6 PositionStore record's
// master_host/master_port/... fields).
type MasterParams struct {
	Host     string
	Port     int
	User     string
	Password string

	SSLCA   string
	SSLCert string
	SSLKey  string

	HeartbeatPeriod time.Duration
	ConnectRetry    time.Duration

	AutoPosition    bool
	MasterLogFile   string
	MasterLogPos    uint64
	IgnoreServerIDs []uint32
	MasterUUID      string
	MasterID        uint32

	SQLDelay    time.Duration
	SkipCounter uint64
}

// explicitCoord reports whether params names an explicit resume
// coordinate (file/pos), for the mutual-exclusion check against
// AutoPosition.
func (p MasterParams) explicitCoord() bool { return p.MasterLogFile != `` || p.MasterLogPos != 0 }

// thread holds one {Receiver, Applier/Coordinator} state-machine slot.
type thread struct {
	state  RunState
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// Config configures a Controller.
type Config struct {
	// NewReceiver constructs a fresh Receiver-shaped Runnable for the
	// current MasterParams; called on every START of the IO thread.
	NewReceiver func(ctx context.Context, mp MasterParams) (Runnable, error)
	// NewApplySide constructs a fresh Applier- or Coordinator-shaped
	// Runnable (selection is the caller's concern, via
	// replconf.Config.ParallelWorkers) for the current MasterParams and
	// UNTIL condition; called on every START of the SQL thread.
	NewApplySide func(ctx context.Context, mp MasterParams, until applier.Until) (Runnable, error)

	Positions *position.Store
	Relay     *relay.RelayLog

	// GTIDModeOn gates AutoPosition (spec.md §6
	// AUTO_POSITION_REQUIRES_GTID_MODE_ON).
	GTIDModeOn bool

	// StopTimeout is the default cooperative STOP SLAVE timeout
	// (rpl_stop_slave_timeout) used when Stop's timeout arg is 0.
	StopTimeout time.Duration

	Logger *logiface.Logger[logiface.Event]
}

// Controller drives the Receiver/Applier-or-Coordinator lifecycle and
// serializes START/STOP/CHANGE MASTER/RESET behind one lock
// (LOCK_active_mi).
type Controller struct {
	cfg Config

	// activeMI serializes control-plane operations; held for the
	// duration of Start/Stop/ChangeMaster/Reset, never across network
	// I/O or apply (those run in the started goroutines, outside this
	// lock).
	activeMI sync.Mutex

	mu         sync.Mutex
	params     MasterParams
	io         thread
	sql        thread
	skipErrors *SkipErrors
	untilCond  string
}

// New constructs a Controller; both threads start stopped.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, skipErrors: NewSkipErrors()}
}

// Start transitions the threads named by mask from stopped to running,
// idempotently on any thread already running. until configures the SQL
// thread's stop condition (spec.md §4.8 "START SLAVE ... UNTIL");
// supplying it while the SQL thread is already running or not in mask
// returns ErrUntilCondIgnored without otherwise failing the call.
func (c *Controller) Start(ctx context.Context, mask ThreadMask, until applier.Until) error {
	c.activeMI.Lock()
	defer c.activeMI.Unlock()

	c.mu.Lock()
	params := c.params
	c.mu.Unlock()

	if mask.Has(ThreadIO) && params.Host == `` {
		return ErrBadSlave
	}

	var untilIgnored bool
	if until.Kind != applier.UntilNone {
		c.mu.Lock()
		sqlRunning := c.sql.state != StateStopped
		c.mu.Unlock()
		if !mask.Has(ThreadSQL) || sqlRunning {
			untilIgnored = true
		}
	}

	if mask.Has(ThreadIO) {
		if err := c.startThread(ctx, &c.io, func(ctx context.Context) (Runnable, error) {
			return c.cfg.NewReceiver(ctx, params)
		}); err != nil {
			return fmt.Errorf(`controller: start io thread: %w`, err)
		}
	}
	if mask.Has(ThreadSQL) {
		c.mu.Lock()
		c.untilCond = untilConditionString(until)
		c.mu.Unlock()
		if err := c.startThread(ctx, &c.sql, func(ctx context.Context) (Runnable, error) {
			return c.cfg.NewApplySide(ctx, params, until)
		}); err != nil {
			return fmt.Errorf(`controller: start sql thread: %w`, err)
		}
	}

	if untilIgnored {
		return ErrUntilCondIgnored
	}
	return nil
}

// startThread is idempotent: a thread already starting/running/stopping
// is left alone.
func (c *Controller) startThread(ctx context.Context, t *thread, build func(context.Context) (Runnable, error)) error {
	c.mu.Lock()
	if t.state != StateStopped {
		c.mu.Unlock()
		return nil
	}
	t.state = StateStarting
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	r, err := build(runCtx)
	if err != nil {
		cancel()
		c.mu.Lock()
		t.state = StateStopped
		t.runErr = err
		c.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.runErr = nil
	t.state = StateRunning
	c.mu.Unlock()

	go func() {
		defer close(done)
		runErr := r.Run(runCtx)
		c.mu.Lock()
		t.state = StateStopped
		t.runErr = runErr
		c.mu.Unlock()
	}()

	return nil
}

// Stop transitions the threads named by mask from running to stopped,
// cooperatively: cancel, then wait up to timeout (falling back to
// cfg.StopTimeout, then 30s). Exceeding the timeout returns
// ErrStopTimeout but leaves the thread still trying to stop in the
// background. Stopping an already-stopped thread returns ErrNotRunning.
func (c *Controller) Stop(mask ThreadMask, timeout time.Duration) error {
	c.activeMI.Lock()
	defer c.activeMI.Unlock()

	if timeout <= 0 {
		timeout = c.cfg.StopTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var notRunning bool
	if mask.Has(ThreadSQL) {
		if err := c.stopThread(&c.sql, timeout); err != nil {
			if errors.Is(err, ErrNotRunning) {
				notRunning = true
			} else {
				return err
			}
		}
	}
	if mask.Has(ThreadIO) {
		if err := c.stopThread(&c.io, timeout); err != nil {
			if errors.Is(err, ErrNotRunning) {
				notRunning = true
			} else {
				return err
			}
		}
	}
	if notRunning {
		return ErrNotRunning
	}
	return nil
}

func (c *Controller) stopThread(t *thread, timeout time.Duration) error {
	c.mu.Lock()
	if t.state == StateStopped {
		c.mu.Unlock()
		return ErrNotRunning
	}
	t.state = StateStopping
	cancel := t.cancel
	done := t.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// ChangeMaster applies a CHANGE MASTER TO request: both threads must be
// stopped; AutoPosition and an explicit file/pos are mutually exclusive;
// changing host or port clears master_uuid/master_id (they identify the
// *previous* primary); if neither coordinate form is supplied, the
// Receiver's cursor snaps forward to the Applier's (spec.md §4.8, "avoid
// refetching already-applied events"); finally the PositionStore is
// force-flushed.
func (c *Controller) ChangeMaster(ctx context.Context, p MasterParams) error {
	c.activeMI.Lock()
	defer c.activeMI.Unlock()

	c.mu.Lock()
	running := c.io.state != StateStopped || c.sql.state != StateStopped
	prev := c.params
	c.mu.Unlock()
	if running {
		return ErrMustStop
	}

	if p.AutoPosition && p.explicitCoord() {
		return ErrBadSlaveAutoPosition
	}
	if p.AutoPosition && !c.cfg.GTIDModeOn {
		return ErrAutoPositionRequiresGTIDModeOn
	}

	if p.Host != prev.Host || p.Port != prev.Port {
		p.MasterUUID = ``
		p.MasterID = 0
	} else if p.MasterUUID == `` {
		p.MasterUUID = prev.MasterUUID
	}

	if !p.AutoPosition && !p.explicitCoord() {
		state := c.cfg.Positions.Get()
		p.MasterLogFile = state.Applier.MasterCoordinate.File
		p.MasterLogPos = state.Applier.MasterCoordinate.Offset
	}

	c.mu.Lock()
	c.params = p
	c.mu.Unlock()

	return c.cfg.Positions.Flush(ctx)
}

// Reset purges all relay files, clears both cursors and the
// skip-errors/until state, requiring both threads stopped first
// (spec.md §4.8 "reset(purge=true)").
func (c *Controller) Reset(ctx context.Context, purge bool) error {
	c.activeMI.Lock()
	defer c.activeMI.Unlock()

	c.mu.Lock()
	running := c.io.state != StateStopped || c.sql.state != StateStopped
	c.mu.Unlock()
	if running {
		return ErrMustStop
	}

	if purge && c.cfg.Relay != nil {
		if err := c.cfg.Relay.PurgeAll(); err != nil {
			return fmt.Errorf(`%w: %v`, ErrRelayLogFail, err)
		}
	}

	if err := c.cfg.Positions.Reset(ctx); err != nil {
		return fmt.Errorf(`controller: reset position store: %w`, err)
	}

	c.mu.Lock()
	c.skipErrors = NewSkipErrors()
	c.untilCond = ``
	c.mu.Unlock()

	return nil
}

// SetSkipErrors parses spec (spec.md §4.8 "comma-separated list of
// integers, `all`, or `ddl_exist_errors`") and installs it atomically.
func (c *Controller) SetSkipErrors(spec string) error {
	se, err := ParseSkipErrors(spec)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.skipErrors = se
	c.mu.Unlock()
	return nil
}

// SkipErrorsFilter returns the currently installed skip-errors bitmap,
// satisfying both applier.SkipErrors and worker.SkipErrors.
func (c *Controller) SkipErrorsFilter() *SkipErrors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipErrors
}

// StatusRow is one SHOW SLAVE STATUS row (spec.md §6).
type StatusRow struct {
	IOState  string
	SQLState string

	Host         string
	User         string
	Port         int
	ConnectRetry time.Duration

	MasterLogFile     string
	MasterLogPos      uint64
	RelayLogFile      string
	RelayLogPos       uint64
	ExecMasterLogFile string
	ExecMasterLogPos  uint64

	IORunning  bool
	SQLRunning bool

	LastErrno int
	LastError string

	SkipCounter uint64

	UntilCondition string

	SSLCA   string
	SSLCert string
	SSLKey  string

	SecondsBehindMaster *int64

	RetrievedGTIDSet string
	ExecutedGTIDSet  string
	AutoPosition     bool
}

// Status reports one StatusRow snapshotting both PositionStore state and
// Controller-side thread/error/config state (spec.md §6 "SHOW SLAVE
// STATUS").
func (c *Controller) Status() StatusRow {
	c.mu.Lock()
	p := c.params
	ioState := c.io.state
	sqlState := c.sql.state
	ioErr := c.io.runErr
	sqlErr := c.sql.runErr
	skipCounter := p.SkipCounter
	untilCond := c.untilCond
	c.mu.Unlock()

	state := c.cfg.Positions.Get()

	row := StatusRow{
		IOState:           ioState.String(),
		SQLState:          sqlState.String(),
		Host:              p.Host,
		User:              p.User,
		Port:              p.Port,
		ConnectRetry:      p.ConnectRetry,
		MasterLogFile:     state.Receiver.MasterCoordinate.File,
		MasterLogPos:      state.Receiver.MasterCoordinate.Offset,
		RelayLogFile:      state.Receiver.RelayCoordinate.File,
		RelayLogPos:       state.Receiver.RelayCoordinate.Offset,
		ExecMasterLogFile: state.Applier.MasterCoordinate.File,
		ExecMasterLogPos:  state.Applier.MasterCoordinate.Offset,
		IORunning:         ioState == StateRunning,
		SQLRunning:        sqlState == StateRunning,
		SkipCounter:       skipCounter,
		UntilCondition:    untilCond,
		SSLCA:             p.SSLCA,
		SSLCert:           p.SSLCert,
		SSLKey:            p.SSLKey,
		RetrievedGTIDSet:  state.Receiver.RetrievedGTIDs,
		ExecutedGTIDSet:   state.Applier.ExecutedGTIDs,
		AutoPosition:      p.AutoPosition,
	}

	if lastErr := firstNonNil(sqlErr, ioErr); lastErr != nil {
		row.LastError = lastErr.Error()
		row.LastErrno = errnoOf(lastErr)
	}

	if !state.Applier.EventTimestamp.IsZero() {
		lag := int64(time.Since(state.Applier.EventTimestamp).Seconds())
		if lag < 0 {
			lag = 0
		}
		row.SecondsBehindMaster = &lag
	}

	return row
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// errnoOf extracts the numeric code from an *engine.Error anywhere in
// err's chain (worker.ErrFatal and applier.ErrFatal both wrap one); 0 if
// none is found.
func errnoOf(err error) int {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return 0
}

func untilConditionString(u applier.Until) string {
	switch u.Kind {
	case applier.UntilMasterPos:
		return fmt.Sprintf(`master_pos:%s`, u.MasterCoord)
	case applier.UntilRelayPos:
		return fmt.Sprintf(`relay_pos:%s`, u.RelayCoord)
	case applier.UntilSQLAfterGTIDs:
		return `sql_after_gtids`
	default:
		return ``
	}
}

// SkipErrors is the parsed, queryable skip-errors bitmap (spec.md §4.8).
type SkipErrors struct {
	all bool
	set map[int]struct{}
}

// ddlExistErrors is the fixed code set `ddl_exist_errors` expands to:
// MySQL's ER_TABLE_EXISTS_ERROR/ER_BAD_TABLE_ERROR/ER_DB_CREATE_EXISTS/
// ER_DB_DROP_EXISTS/ER_DUP_KEYNAME and their close relatives.
var ddlExistErrors = []int{1050, 1051, 1007, 1008, 1061, 1091, 1831}

// NewSkipErrors returns an empty (skip nothing) bitmap.
func NewSkipErrors() *SkipErrors { return &SkipErrors{set: make(map[int]struct{})} }

// ParseSkipErrors parses spec per spec.md §4.8: `all`, `ddl_exist_errors`,
// or a comma-separated list of integer error codes.
func ParseSkipErrors(spec string) (*SkipErrors, error) {
	se := NewSkipErrors()
	spec = strings.TrimSpace(spec)
	if spec == `` {
		return se, nil
	}
	if spec == `all` {
		se.all = true
		return se, nil
	}
	if spec == `ddl_exist_errors` {
		for _, code := range ddlExistErrors {
			se.set[code] = struct{}{}
		}
		return se, nil
	}
	for _, part := range strings.Split(spec, `,`) {
		part = strings.TrimSpace(part)
		if part == `` {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf(`controller: invalid skip-errors code %q: %w`, part, err)
		}
		se.set[code] = struct{}{}
	}
	return se, nil
}

// Allowed reports whether code is covered by this bitmap, satisfying
// applier.SkipErrors and worker.SkipErrors.
func (s *SkipErrors) Allowed(code int) bool {
	if s == nil {
		return false
	}
	if s.all {
		return true
	}
	_, ok := s.set[code]
	return ok
}
