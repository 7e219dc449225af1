// Package replconf collects the configuration knobs enumerated in
// spec.md §6, as plain exported struct fields. Config has no methods:
// each consuming package resolves a zero value to its default inline
// (the same plain-field shape as sql/export.Exporter's
// BatchSize/MaxSelectIn/MaxOffsetConditions).
package replconf

import "time"

// Config holds every tunable named in spec.md §6, plus the MT-mode and
// checkpoint knobs named in §4.6-§4.7.
type Config struct {
	// RelaySpaceLimit is the soft cap on RelayLog bytes on disk.
	RelaySpaceLimit uint64
	// NetTimeout is the per-packet network read timeout.
	NetTimeout time.Duration
	// TransRetries is the max transient-error retries per group.
	TransRetries int
	// StopTimeout is the cooperative STOP SLAVE timeout.
	StopTimeout time.Duration
	// ParallelWorkers is the Worker count; 0 = single-threaded apply.
	ParallelWorkers int
	// CheckpointPeriod is the max time between LWM checkpoints.
	CheckpointPeriod time.Duration
	// CheckpointGroup is copied into coordinator.Config, which does not
	// read it: checkpoints are taken on CheckpointPeriod only, and the GAQ
	// is not bounded by a group count.
	CheckpointGroup int
	// PendingJobsSizeMax is the aggregate backpressure cap, counted in
	// events queued across all workers.
	PendingJobsSizeMax int
	// WorkerQueueLenMax is the per-worker queue length cap.
	WorkerQueueLenMax int
	// UnderrunLevel triggers a coordinator nap when any worker queue falls
	// below it.
	UnderrunLevel int
	// CoordinatorBasicNap is the underrun sleep duration.
	CoordinatorBasicNap time.Duration
	// SkipCounter is the number of events to skip before applying.
	SkipCounter uint64
	// ReplicateSameServerID allows events whose origin equals the local id.
	ReplicateSameServerID bool
	// VerifyChecksum is copied into receiver.Config; no component reads
	// it, and event checksums are not verified.
	VerifyChecksum bool
	// AutoPosition resumes by GTID set instead of coordinate.
	AutoPosition bool
	// SQLDelay is the artificial apply lag, in seconds.
	SQLDelay time.Duration
	// ConnectRetrySecs is the window of masterlink's connection-attempt
	// limiter; attempts inside the window are not spaced apart.
	ConnectRetrySecs time.Duration
	// RetryCount is how many connection attempts (successful or not)
	// masterlink allows per ConnectRetrySecs window. Nothing counts
	// consecutive failures, and nothing reconnects automatically.
	RetryCount int
	// WaitGroupDoneTimeout is not read by any component; Stop does not
	// defer for an in-progress group (SLAVE_WAIT_GROUP_DONE) on its account.
	WaitGroupDoneTimeout time.Duration
	// DependencySize caps pending groups in DependencyScheduler mode.
	DependencySize int
	// OrderCommits forces commit order to match the primary even when
	// DependencyScheduler apply is reordered.
	OrderCommits bool
	// RecoveryParallelWorkers is not read by any component; no MTS-gap
	// recovery runs at startup.
	RecoveryParallelWorkers int
	// PositionFlushMaxBatch/PositionFlushInterval configure the
	// PositionStore's non-forced batching policy (see position package,
	// wiring microbatch.Batcher).
	PositionFlushMaxBatch    int
	PositionFlushInterval    time.Duration
}

// Defaults returns the spec's conventional defaults.
func Defaults() Config {
	return Config{
		RelaySpaceLimit:      0, // 0 = unlimited
		NetTimeout:           30 * time.Second,
		TransRetries:         10,
		StopTimeout:          30 * time.Second,
		ParallelWorkers:      0,
		CheckpointPeriod:     30 * time.Second,
		CheckpointGroup:      512,
		PendingJobsSizeMax:   16 * 1024 * 1024,
		WorkerQueueLenMax:    16384,
		UnderrunLevel:        10,
		CoordinatorBasicNap:  2 * time.Millisecond,
		ReplicateSameServerID: false,
		VerifyChecksum:       true,
		ConnectRetrySecs:     60 * time.Second,
		RetryCount:           86400,
		WaitGroupDoneTimeout: 60 * time.Second,
		DependencySize:       1024,
		RecoveryParallelWorkers: 0,
		PositionFlushMaxBatch: 16,
		PositionFlushInterval: 200 * time.Millisecond,
	}
}

// MaxSlaveRetryPause bounds the transient-error backoff sleep, per
// spec.md §4.5 ("sleep min(trans_retries, MAX_SLAVE_RETRY_PAUSE) seconds").
const MaxSlaveRetryPause = 31 * time.Second
