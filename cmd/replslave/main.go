// Command replslave runs the replication-slave core as a standalone
// daemon: it wires RelayLog, PositionStore, MasterLink, and either an
// Applier or a Coordinator/WorkerPool (picked by -parallel-workers)
// behind a Controller, then drives START SLAVE until the process
// receives a termination signal.
//
// Grounded on the eventloop examples' graceful-shutdown shape (cancel a
// context on signal, wait for the running side to unwind) for the
// top-level run loop.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"

	"github.com/joeycumines/go-replslave/applier"
	"github.com/joeycumines/go-replslave/controller"
	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/coordinator"
	"github.com/joeycumines/go-replslave/masterlink"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/receiver"
	"github.com/joeycumines/go-replslave/relay"
	"github.com/joeycumines/go-replslave/replconf"
	"github.com/joeycumines/go-replslave/sqlengine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flags bundles CLI configuration; everything else is replconf.Defaults.
type flags struct {
	relayDir              string
	positionFile          string
	dsn                   string
	serverID              uint
	serverUUID            string
	replicateSameServerID bool
	localCollation        string
	localTimeZone         string
	parallelWork          int
	dependencyScheduler   bool
	dependencySize        int
	orderCommits          bool
	masterHost            string
	masterPort            int
	masterUser            string
	masterPass            string
	autoPosition          bool
	gtidModeOn            bool
	logPretty             bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.relayDir, `relay-dir`, `./relay`, `relay log directory`)
	flag.StringVar(&f.positionFile, `position-file`, `./position.json`, `durable position-store file`)
	flag.StringVar(&f.dsn, `dsn`, ``, `go-sql-driver/mysql DSN for the storage engine`)
	flag.UintVar(&f.serverID, `server-id`, 0, `this slave's server id, for origin filtering`)
	flag.StringVar(&f.serverUUID, `server-uuid`, ``, `this slave's own server_uuid, checked against the primary's during handshake`)
	flag.BoolVar(&f.replicateSameServerID, `replicate-same-server-id`, false, `allow a primary whose server_uuid equals ours (default: protocol-fatal)`)
	flag.StringVar(&f.localCollation, `collation-server`, ``, `this slave's @@collation_server, for the handshake mismatch warning`)
	flag.StringVar(&f.localTimeZone, `time-zone`, ``, `this slave's @@time_zone, for the handshake mismatch warning`)
	flag.IntVar(&f.parallelWork, `parallel-workers`, 0, `0 = single-threaded Applier, >0 = Coordinator/WorkerPool size`)
	flag.BoolVar(&f.dependencyScheduler, `dependency-scheduler`, false, `use the DependencyScheduler (shared queue, groups admitted unless their database keys conflict) instead of database-key hash partitioning (requires -parallel-workers > 0)`)
	flag.IntVar(&f.dependencySize, `dependency-size`, 0, `mts_dependency_size: max in-flight groups under the DependencyScheduler`)
	flag.BoolVar(&f.orderCommits, `order-commits`, false, `force commit order to match relay-log order under the DependencyScheduler`)
	flag.StringVar(&f.masterHost, `master-host`, ``, `primary host`)
	flag.IntVar(&f.masterPort, `master-port`, 3306, `primary port`)
	flag.StringVar(&f.masterUser, `master-user`, ``, `replication user`)
	flag.StringVar(&f.masterPass, `master-password`, ``, `replication password`)
	flag.BoolVar(&f.autoPosition, `auto-position`, false, `resume via GTID set instead of file/pos`)
	flag.BoolVar(&f.gtidModeOn, `gtid-mode`, false, `whether gtid_mode is on (required for -auto-position)`)
	flag.BoolVar(&f.logPretty, `log-pretty`, false, `human-readable console logging instead of JSON`)
	flag.Parse()
	return f
}

func run() error {
	f := parseFlags()
	cfg := replconf.Defaults()
	cfg.ParallelWorkers = f.parallelWork
	cfg.AutoPosition = f.autoPosition
	cfg.ReplicateSameServerID = f.replicateSameServerID
	if f.dependencySize > 0 {
		cfg.DependencySize = f.dependencySize
	}
	cfg.OrderCommits = f.orderCommits

	logger := newLogger(f.logPretty)

	db, err := sql.Open(`mysql`, f.dsn)
	if err != nil {
		return fmt.Errorf(`replslave: open storage engine: %w`, err)
	}
	defer db.Close()
	eng := sqlengine.New(db)

	relayLog, err := relay.Open(relay.Config{
		Dir:            f.relayDir,
		SpaceLimit:     cfg.RelaySpaceLimit,
		ReportInterval: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf(`replslave: open relay log: %w`, err)
	}
	defer relayLog.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	posStore, err := position.Open(ctx, position.FileBackend{Path: f.positionFile}, position.Config{
		MaxBatch:      cfg.PositionFlushMaxBatch,
		FlushInterval: cfg.PositionFlushInterval,
	})
	if err != nil {
		return fmt.Errorf(`replslave: open position store: %w`, err)
	}
	defer posStore.Close(context.Background())

	// ctrl is forward-declared so the factories below can close over it
	// to pick up whatever skip-errors bitmap is current at each Start,
	// including ones installed after the Controller itself is built.
	var ctrl *controller.Controller
	ctrl = controller.New(controller.Config{
		NewReceiver:  newReceiverFactory(relayLog, posStore, cfg, uint32(f.serverID), f.serverUUID, f.localCollation, f.localTimeZone, logger),
		NewApplySide: newApplySideFactory(relayLog, posStore, eng, cfg, f.dependencyScheduler, logger, func() *controller.SkipErrors { return ctrl.SkipErrorsFilter() }),
		Positions:    posStore,
		Relay:        relayLog,
		GTIDModeOn:   f.gtidModeOn,
		StopTimeout:  cfg.StopTimeout,
		Logger:       logger,
	})

	if f.masterHost != `` {
		if err := ctrl.ChangeMaster(ctx, controller.MasterParams{
			Host:            f.masterHost,
			Port:            f.masterPort,
			User:            f.masterUser,
			Password:        f.masterPass,
			AutoPosition:    f.autoPosition,
			HeartbeatPeriod: 30 * time.Second,
			ConnectRetry:    cfg.ConnectRetrySecs,
		}); err != nil {
			return fmt.Errorf(`replslave: change master: %w`, err)
		}
	}

	if err := ctrl.Start(ctx, controller.ThreadAll, applier.Until{}); err != nil && !errors.Is(err, controller.ErrUntilCondIgnored) {
		return fmt.Errorf(`replslave: start: %w`, err)
	}

	logger.Notice().Log(`replslave started`)
	<-ctx.Done()
	logger.Notice().Log(`replslave shutting down`)

	return ctrl.Stop(controller.ThreadAll, cfg.StopTimeout)
}

func newLogger(pretty bool) *logiface.Logger[logiface.Event] {
	var w zerolog.Logger
	if pretty {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		w = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return logiface.New[izerolog.Event](izerolog.WithZerolog(w)).Logger()
}

// newReceiverFactory closes over the long-lived collaborators (RelayLog,
// PositionStore) and builds a fresh Receiver (with a fresh MasterLink)
// on every IO-thread Start, per controller.Config.NewReceiver's contract.
func newReceiverFactory(relayLog *relay.RelayLog, posStore *position.Store, cfg replconf.Config, localServerID uint32, serverUUID, localCollation, localTimeZone string, logger *logiface.Logger[logiface.Event]) func(context.Context, controller.MasterParams) (controller.Runnable, error) {
	return func(ctx context.Context, mp controller.MasterParams) (controller.Runnable, error) {
		mode := masterlink.DumpCoordinate
		if mp.AutoPosition {
			mode = masterlink.DumpAutoPosition
		}
		link := masterlink.New(masterlink.Config{
			Dial:                  dialerFor(mp),
			ServerID:              localServerID,
			Mode:                  mode,
			NetTimeout:            cfg.NetTimeout,
			ConnectRetrySecs:      mp.ConnectRetry,
			RetryCount:            cfg.RetryCount,
			HeartbeatPeriod:       mp.HeartbeatPeriod,
			LocalServerUUID:       serverUUID,
			ReplicateSameServerID: cfg.ReplicateSameServerID,
			LocalCollation:        localCollation,
			LocalTimeZone:         localTimeZone,
			Logger:                logger,
		})
		return receiver.New(receiver.Config{
			Link:                  link,
			Relay:                 relayLog,
			Positions:             posStore,
			ReplicateSameServerID: cfg.ReplicateSameServerID,
			LocalServerID:         localServerID,
			VerifyChecksum:        cfg.VerifyChecksum,
			Logger:                logger,
		})
	}
}

// newApplySideFactory picks Applier or Coordinator/WorkerPool based on
// cfg.ParallelWorkers, per controller.Config.NewApplySide's contract:
// the Controller itself never makes this choice.
func newApplySideFactory(relayLog *relay.RelayLog, posStore *position.Store, eng *sqlengine.Engine, cfg replconf.Config, useDependencyScheduler bool, logger *logiface.Logger[logiface.Event], skipErrors func() *controller.SkipErrors) func(context.Context, controller.MasterParams, applier.Until) (controller.Runnable, error) {
	return func(ctx context.Context, mp controller.MasterParams, until applier.Until) (controller.Runnable, error) {
		// OpenForRead(coordinate.Zero) always resumes from the oldest
		// retained relay file: the apply side's own purge watermark
		// guarantees nothing older than its last checkpoint survives.
		rd, err := relayLog.OpenForRead(coordinate.Zero)
		if err != nil {
			return nil, fmt.Errorf(`replslave: open relay reader: %w`, err)
		}

		if cfg.ParallelWorkers <= 0 {
			return applier.New(applier.Config{
				Reader:       rd,
				Engine:       eng,
				Positions:    posStore,
				SQLDelay:     mp.SQLDelay,
				SkipCounter:  mp.SkipCounter,
				TransRetries: cfg.TransRetries,
				Until:        until,
				SkipErrors:   skipErrors(),
				Logger:       logger,
			})
		}

		if useDependencyScheduler {
			return coordinator.NewDependencyCoordinator(coordinator.DependencyConfig{
				Reader:              rd,
				Positions:           posStore,
				ParallelWorkers:     cfg.ParallelWorkers,
				Engine:              eng,
				TransRetries:        cfg.TransRetries,
				SkipErrors:          skipErrors(),
				DependencySize:      cfg.DependencySize,
				OrderCommits:        cfg.OrderCommits,
				CoordinatorBasicNap: cfg.CoordinatorBasicNap,
				CheckpointPeriod:    cfg.CheckpointPeriod,
				Logger:              logger,
			})
		}

		return coordinator.New(coordinator.Config{
			Reader:              rd,
			Positions:           posStore,
			ParallelWorkers:     cfg.ParallelWorkers,
			WorkerQueueLenMax:   cfg.WorkerQueueLenMax,
			Engine:              eng,
			TransRetries:        cfg.TransRetries,
			SkipErrors:          skipErrors(),
			PendingJobsSizeMax:  cfg.PendingJobsSizeMax,
			UnderrunLevel:       cfg.UnderrunLevel,
			CoordinatorBasicNap: cfg.CoordinatorBasicNap,
			CheckpointPeriod:    cfg.CheckpointPeriod,
			CheckpointGroup:     cfg.CheckpointGroup,
			Logger:              logger,
		})
	}
}

// errDialerNotConfigured marks the one seam this command intentionally
// leaves unimplemented: the real MySQL replication wire protocol is an
// external collaborator (masterlink.Conn's own doc comment: "this
// package only orchestrates it"). A deployment wires a concrete Dialer
// here.
var errDialerNotConfigured = errors.New(`replslave: no masterlink.Conn wire implementation configured`)

func dialerFor(mp controller.MasterParams) masterlink.Dialer {
	return func(ctx context.Context) (masterlink.Conn, error) {
		return nil, errDialerNotConfigured
	}
}
