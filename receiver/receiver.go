// Package receiver implements the Receiver collaborator (spec.md §4.4):
// the goroutine that drives a MasterLink session, classifies each
// incoming event, and durably appends it to the RelayLog, advancing the
// Receiver's half of the PositionStore as it goes.
//
// Grounded on fangrpcstream's single-goroutine read loop (latch the
// first fatal error, keep reading until ctx cancels or the stream ends)
// adapted from a gRPC ClientStream to a masterlink.Session.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-replslave/coordinate"
	"github.com/joeycumines/go-replslave/event"
	"github.com/joeycumines/go-replslave/gtid"
	"github.com/joeycumines/go-replslave/masterlink"
	"github.com/joeycumines/go-replslave/position"
	"github.com/joeycumines/go-replslave/relay"
	"github.com/joeycumines/logiface"
)

// Config configures a Receiver.
type Config struct {
	Link                  *masterlink.MasterLink
	Relay                 *relay.RelayLog
	Positions             *position.Store
	ReplicateSameServerID bool
	LocalServerID         uint32
	VerifyChecksum        bool
	Logger                *logiface.Logger[logiface.Event]
}

// Receiver drives one MasterLink session to completion (or cancellation),
// appending every accepted event to the RelayLog.
type Receiver struct {
	cfg Config

	retrieved     *gtid.Set
	lastRetrieved gtid.GTID
}

// New constructs a Receiver, seeding its in-memory retrieved-GTID
// tracking from the last persisted Receiver state.
func New(cfg Config) (*Receiver, error) {
	set, err := cfg.Positions.Get().RetrievedSet()
	if err != nil {
		return nil, fmt.Errorf(`receiver: retrieved set: %w`, err)
	}
	return &Receiver{cfg: cfg, retrieved: set}, nil
}

// Run connects, then reads events until ctx is canceled or the session
// ends with an error. It returns nil on a clean cancellation.
func (r *Receiver) Run(ctx context.Context) error {
	state := r.cfg.Positions.Get()

	var resumeAt coordinate.Coordinate
	var resumeSet *gtid.Set
	if r.cfg.Link != nil {
		resumeAt = state.Receiver.MasterCoordinate
		var err error
		resumeSet, err = r.resumeGTIDSet(state)
		if err != nil {
			return fmt.Errorf(`receiver: resume gtid set: %w`, err)
		}
	}

	sess, err := r.cfg.Link.Connect(ctx, resumeAt, resumeSet)
	if err != nil {
		return fmt.Errorf(`receiver: connect: %w`, err)
	}
	defer sess.Close()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		e, err := sess.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf(`receiver: read event: %w`, err)
		}

		if err := r.handle(ctx, e); err != nil {
			return err
		}
	}
}

// resumeGTIDSet computes the GTID set to present in an auto-position dump
// request, per spec.md §4.3: the union of retrieved_gtids and
// logged_gtids, minus the last retrieved GTID unless it's also logged.
// The subtraction forces the primary to resend whatever transaction was
// in flight when the previous connection broke, rather than skipping it
// as already-seen (spec.md §8 scenario E2).
func (r *Receiver) resumeGTIDSet(state position.State) (*gtid.Set, error) {
	logged, err := state.ExecutedSet()
	if err != nil {
		return nil, fmt.Errorf(`receiver: executed set: %w`, err)
	}
	resume := r.retrieved.Clone()
	if r.lastRetrieved != (gtid.GTID{}) && !logged.Contains(r.lastRetrieved) {
		resume.Remove(r.lastRetrieved)
	}
	return resume.Union(logged), nil
}

// handle classifies e and either durably appends it or acts on it
// without appending (Heartbeat), per spec.md §4.4's event-type switch.
func (r *Receiver) handle(ctx context.Context, e event.Event) error {
	if !r.cfg.ReplicateSameServerID && e.ServerID() == r.cfg.LocalServerID && e.ServerID() != 0 {
		// Origin filtering: drop events this slave itself produced, but
		// still track master_coord so a reconnect resumes past them
		// instead of re-requesting them from the primary.
		return r.advanceMasterCoord(ctx, e.Coordinate())
	}

	switch e.Type() {
	case event.TypeHeartbeat:
		// Heartbeats advance liveness tracking only; they are not
		// persisted to the relay log, but still carry the primary's
		// current position (spec.md §4.4).
		return r.advanceMasterCoord(ctx, e.Coordinate())

	case event.TypeFormatDescription:
		return r.appendAndAdvance(ctx, e)

	case event.TypeRotate:
		// A real Rotate's own Coordinate() is its position in the file
		// being rotated away from; master_coord must become the target
		// the primary names in the payload, or a reconnect would resume
		// from the wrong file (spec.md §4.4).
		if err := r.appendAndAdvanceTo(ctx, e, e.RotateTarget()); err != nil {
			return err
		}
		return r.cfg.Relay.Rotate()

	case event.TypeGtid:
		r.retrieved.Add(e.GTID())
		r.lastRetrieved = e.GTID()
		return r.appendAndAdvance(ctx, e)

	case event.TypePreviousGtids:
		// The primary's previous-GTIDs event marks a binlog segment
		// boundary; translate it into a synthetic Rotate so relay-log
		// readers see the same segment-boundary signal a real file
		// rotation would produce, instead of a raw PreviousGtids record
		// a relay reader has no reason to act on (spec.md §4.4).
		synthetic := event.New(event.TypeRotate, e.ServerID(), e.Timestamp(), e.Coordinate()).
			RotateTarget(e.Coordinate()).
			Build()
		if err := r.appendAndAdvanceTo(ctx, synthetic, e.Coordinate()); err != nil {
			return err
		}
		return r.cfg.Relay.Rotate()

	default:
		return r.appendAndAdvance(ctx, e)
	}
}

// appendAndAdvance writes e to the RelayLog and advances the Receiver's
// durable cursor to e's own Coordinate.
func (r *Receiver) appendAndAdvance(ctx context.Context, e event.Event) error {
	return r.appendAndAdvanceTo(ctx, e, e.Coordinate())
}

// appendAndAdvanceTo writes e to the RelayLog and advances the Receiver's
// durable cursor to masterCoord, which callers may override from e's own
// Coordinate() when the event's payload names a different position to
// resume from (Rotate's target, PreviousGtids' synthetic boundary). A
// space-exhausted RelayLog pauses the Receiver (retrying the same event)
// rather than dropping it, per spec.md §4.4's "space exhaustion pauses
// the Receiver".
func (r *Receiver) appendAndAdvanceTo(ctx context.Context, e event.Event, masterCoord coordinate.Coordinate) error {
	var pos coordinate.Coordinate
	for {
		var err error
		pos, err = r.cfg.Relay.Append(e)
		if err == nil {
			break
		}
		if !errors.Is(err, relay.ErrNoSpace) {
			return fmt.Errorf(`receiver: relay append: %w`, err)
		}
		r.cfg.Logger.Warning().Str(`reason`, `relay space exhausted`).Log(`receiver pausing`)
		if err := waitForSpace(ctx); err != nil {
			return err
		}
	}

	return r.cfg.Positions.UpdateReceiver(ctx, position.ReceiverState{
		MasterCoordinate: masterCoord,
		RelayCoordinate:  pos,
		RetrievedGTIDs:   r.retrieved.Encode(),
	})
}

// advanceMasterCoord persists masterCoord without appending anything to
// the RelayLog, for events that carry position information but aren't
// themselves durable relay records (Heartbeat, origin-filtered events).
func (r *Receiver) advanceMasterCoord(ctx context.Context, masterCoord coordinate.Coordinate) error {
	state := r.cfg.Positions.Get()
	return r.cfg.Positions.UpdateReceiver(ctx, position.ReceiverState{
		MasterCoordinate: masterCoord,
		RelayCoordinate:  state.Receiver.RelayCoordinate,
		RetrievedGTIDs:   r.retrieved.Encode(),
	})
}

// waitForSpace backs off briefly when the RelayLog reports space
// exhaustion, giving the Applier time to advance the purge watermark.
func waitForSpace(ctx context.Context) error {
	select {
	case <-time.After(time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
