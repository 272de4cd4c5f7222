package hcq

import (
	"context"
	"math/big"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hcqdev/go-hcq/internal/constants"
	"github.com/hcqdev/go-hcq/internal/logging"
	"github.com/hcqdev/go-hcq/internal/memregion"
)

// Signal is a shared-memory monotonic counter plus a raw device timestamp
// cell, the sole cross-engine synchronization primitive. The backing
// region must stay mapped for the signal's entire lifetime; readers only
// ever observe values actually written by hardware or by Signal's own
// constructor/SetValue.
type Signal struct {
	region    *memregion.Region
	valueOff  int
	tsOff     int
	divider   *big.Rat
	device    *Device // non-owning; only the device's own timeline signal sets this
	logger    *logging.Logger
}

// NewSignal maps a signal onto two 8-byte cells of region at valueOff and
// tsOff, writing initial into the value cell. divider converts raw device
// ticks to microseconds via exact rational division; a nil divider is
// treated as 1 (ticks already in µs).
func NewSignal(region *memregion.Region, valueOff, tsOff int, initial uint64, divider *big.Rat) (*Signal, error) {
	if _, err := region.Slice(valueOff, 8); err != nil {
		return nil, WrapError("NewSignal", ErrCodeAllocationFailed, err)
	}
	if _, err := region.Slice(tsOff, 8); err != nil {
		return nil, WrapError("NewSignal", ErrCodeAllocationFailed, err)
	}
	if divider == nil {
		divider = big.NewRat(1, 1)
	}
	s := &Signal{region: region, valueOff: valueOff, tsOff: tsOff, divider: divider, logger: logging.Default()}
	s.SetValue(initial)
	return s, nil
}

func (s *Signal) cell(off int) *uint64 {
	base := unsafe.Pointer(&s.region.Bytes()[0])
	return (*uint64)(unsafe.Add(base, off))
}

// Value loads the counter.
func (s *Signal) Value() uint64 { return atomic.LoadUint64(s.cell(s.valueOff)) }

// SetValue stores the counter. Called by the core only during construction
// and during Device.wrapTimelineSignal; all other increments are made by
// the device executing a signal() command in a submitted queue.
func (s *Signal) SetValue(v uint64) { atomic.StoreUint64(s.cell(s.valueOff), v) }

// TimestampRaw loads the raw device tick count.
func (s *Signal) TimestampRaw() uint64 { return atomic.LoadUint64(s.cell(s.tsOff)) }

// SetTimestampRaw stores the raw device tick count; used by reference
// backends that execute a timestamp() command by writing the host's own
// clock in place of real hardware ticks.
func (s *Signal) SetTimestampRaw(v uint64) { atomic.StoreUint64(s.cell(s.tsOff), v) }

// TimestampMicros returns the timestamp cell converted to microseconds via
// exact rational division (raw / divider), per the decimal-precision
// requirement on tick conversion. Converting to float64 is only acceptable
// at the profiler sink boundary, not here.
func (s *Signal) TimestampMicros() *big.Rat {
	raw := new(big.Rat).SetUint64(s.TimestampRaw())
	return raw.Quo(raw, s.divider)
}

// Device returns the owning device, or nil if this signal is not a
// device's timeline/shadow signal.
func (s *Signal) Device() *Device { return s.device }

// observeWait reports a completed wait to the owning device's Observer, if
// this signal is a device's own timeline/shadow signal and an Observer was
// configured. Ad-hoc signals (most rendezvous/profiling signals) have no
// device back-reference and are silently unobserved.
func (s *Signal) observeWait(start time.Time, success bool) {
	if s.device == nil || s.device.observer == nil {
		return
	}
	s.device.observer.ObserveWait(uint64(time.Since(start).Nanoseconds()), success)
}

// Addr returns the signal's value-cell address, suitable for baking into
// an encoded wait/signal/timestamp command as a device pointer. Distinct
// signals sharing one arena (as Device.NewSignal hands out) have distinct
// addresses since this is offset by valueOff, not just the arena's base.
func (s *Signal) Addr() uint64 { return s.region.Addr() + uint64(s.valueOff) }

// SleepHook is called by Wait between polls once it has left the busy-poll
// window, receiving the elapsed wait time in milliseconds. Backends that
// need a kernel-level yield (futex wait, eventfd read) hook in here; it may
// be nil.
type SleepHook func(elapsedMs int64)

// Wait polls the value cell until it reaches target, busy-polling briefly
// before falling back to a sleeping backoff. ctx may be nil. On timeout it
// returns a *Error with Code ErrCodeWaitTimeout.
func (s *Signal) Wait(ctx context.Context, target uint64, timeoutMs int, sleep SleepHook) error {
	if timeoutMs <= 0 {
		timeoutMs = constants.DefaultWaitTimeoutMs
	}
	start := time.Now()
	deadline := start.Add(time.Duration(timeoutMs) * time.Millisecond)
	busyUntil := start.Add(constants.WaitBusyPollWindow)
	backoff := 10 * time.Microsecond

	for {
		v := s.Value()
		if v >= target {
			s.observeWait(start, true)
			return nil
		}
		now := time.Now()
		if now.After(deadline) {
			s.observeWait(start, false)
			return NewWaitTimeoutError("Signal.Wait", target, v, timeoutMs)
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				s.logger.Debugf("Signal.Wait: context canceled before target reached: %v", ctx.Err())
				s.observeWait(start, false)
				return WrapError("Signal.Wait", ErrCodeWaitTimeout, ctx.Err())
			default:
			}
		}
		if now.Before(busyUntil) {
			runtime.Gosched()
			continue
		}
		if sleep != nil {
			sleep(now.Sub(start).Milliseconds())
		}
		time.Sleep(backoff)
		if backoff < constants.WaitBackoffCeiling {
			backoff *= 2
			if backoff > constants.WaitBackoffCeiling {
				backoff = constants.WaitBackoffCeiling
			}
		}
	}
}
