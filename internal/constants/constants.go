// Package constants holds the default tunables for the HCQ runtime core.
package constants

import "time"

// Signal wait defaults.
const (
	// DefaultWaitTimeoutMs is the default timeout for Signal.Wait, overridable
	// via the HCQDEV_WAIT_TIMEOUT_MS environment variable.
	DefaultWaitTimeoutMs = 30000

	// WaitBusyPollWindow is how long Signal.Wait busy-polls before falling
	// back to a sleeping backoff. Busy-polling avoids scheduler latency for
	// the common case where a signal is set within microseconds.
	WaitBusyPollWindow = 200 * time.Microsecond

	// WaitBackoffCeiling caps the sleep between polls once the busy-poll
	// window has elapsed.
	WaitBackoffCeiling = 1 * time.Millisecond
)

// Timeline constants.
const (
	// TimelineWrapThreshold is the timeline_value above which the device
	// swaps its active and shadow timeline signals (see Device.Synchronize).
	TimelineWrapThreshold = 1 << 31

	// InitialTimelineValue is the first value a fresh device timeline expects
	// to observe after its first submission.
	InitialTimelineValue = 1
)

// Kernargs arena sizing.
const (
	// KernargsArenaSize is the size of the bump-allocated kernel-argument
	// region carved out of device-mapped memory at device construction.
	KernargsArenaSize = 16 << 20
)

// Staging ring defaults.
const (
	// DefaultStagingBufferSize is the size of each pinned host buffer in the
	// staging ring used for host<->device transfers.
	DefaultStagingBufferSize = 2 << 20

	// DefaultStagingBufferCount is the number of pinned buffers in the ring.
	DefaultStagingBufferCount = 32

	// ReservedTimeline marks a staging slot as claimed but not yet signaled;
	// see Allocator.tryReserveSlot, used by Allocator.CopyFromDisk.
	ReservedTimeline = ^uint64(0)
)

// Clock calibration sample counts.
//
// These mirror the original runtime's sampling strategy: a larger
// per-device/queue-kind sample for the GPU<->CPU offset (the value that
// actually corrects profiling timestamps) and a smaller sample for the
// pairwise jitter matrix, which is diagnostic only (see JitterMatrix).
const (
	// ClockSamplesPerDevice is the number of GPU<->CPU offset samples taken
	// per (device, queue-kind) pair during calibration.
	ClockSamplesPerDevice = 100

	// JitterSamplesPerPair is the number of round-trip samples taken per
	// ordered device pair when building the diagnostic jitter matrix.
	JitterSamplesPerPair = 20
)

// Lifecycle timing.
//
// These bound two host-side waits: the allocator's polling for a free
// staging slot and the in-process mock engine's shutdown.
const (
	// EngineIdlePoll is how long Allocator.CopyFromDisk sleeps between
	// attempts to reserve a staging slot while none is free.
	EngineIdlePoll = 50 * time.Microsecond

	// EngineShutdownGrace is how long internal/mockdev's Engine.Close waits
	// for its worker goroutine to drain queued work and exit before it
	// returns an error.
	EngineShutdownGrace = 100 * time.Millisecond
)
