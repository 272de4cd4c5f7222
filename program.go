package hcq

import (
	"context"
	"math/big"
	"time"
)

// Program is a compiled kernel handle: an owning device, a name for
// profiler labeling, the kernargs allocation size its calling convention
// needs, and the backend's ArgsStateFactory for laying out arguments.
type Program struct {
	Device            *Device
	Name              string
	KernargsAllocSize int
	ArgsFactory       ArgsStateFactory
}

// NewProgram constructs a Program. The backend's compiler/loader are
// out-of-scope collaborators (named only in the external-interfaces
// contract); callers are expected to have already produced a loaded kernel
// handle before wrapping it in a Program.
func NewProgram(dev *Device, name string, kernargsAllocSize int, factory ArgsStateFactory) *Program {
	return &Program{Device: dev, Name: name, KernargsAllocSize: kernargsAllocSize, ArgsFactory: factory}
}

// FillKernargs allocates kernargsAllocSize bytes from the device's kernargs
// arena (unless ptr is non-nil, in which case that address is reused
// as-is) and writes bufs/vals into it via the backend's ArgsStateFactory.
func (p *Program) FillKernargs(bufs, vals []uint64, ptr *uint64) (*ArgsState, error) {
	var addr uint64
	if ptr != nil {
		addr = *ptr
	} else {
		a, err := p.Device.allocKernargs(p.KernargsAllocSize)
		if err != nil {
			return nil, err
		}
		addr = a
	}
	region := p.Device.kernargsRegion
	off := int(addr - region.Addr())
	if err := p.ArgsFactory.FillKernargs(region, off, bufs, vals); err != nil {
		return nil, WrapError("Program.FillKernargs", ErrCodeAllocationFailed, err)
	}
	return &ArgsState{Program: p, Ptr: addr, region: region, offset: off, factory: p.ArgsFactory}, nil
}

// InvokeConfig holds the arguments to Invoke that aren't the kernel's own
// buffer/scalar argument list, named the way the teacher names its
// Runner/Controller config structs.
type InvokeConfig struct {
	Global [3]uint32
	Local  [3]uint32
	Wait   bool
}

// Invoke launches the kernel: fills kernargs, builds and submits a compute
// queue that waits on the prior timeline value, memory-barriers, optionally
// timestamps around the exec for profiling, signals the new timeline value,
// and advances Device.timelineValue. If cfg.Wait is set, it also
// synchronizes and returns the device-measured kernel duration.
func (p *Program) Invoke(ctx context.Context, bufs, vals []uint64, cfg InvokeConfig) (time.Duration, error) {
	dev := p.Device
	args, err := p.FillKernargs(bufs, vals, nil)
	if err != nil {
		return 0, err
	}

	q := NewComputeQueue(dev.computeBackend)
	prevValue := uint64(0)
	if dev.timelineValue > 1 {
		prevValue = dev.timelineValue - 1
	}
	q.Wait(dev.timelineSignal, prevValue)
	q.MemoryBarrier()

	profiling := cfg.Wait || dev.ProfilingEnabled()
	var startSig, endSig *Signal
	if profiling {
		if startSig, err = dev.NewSignal(0); err != nil {
			return 0, err
		}
		q.Timestamp(startSig)
	}

	q.Exec(p, args, cfg.Global, cfg.Local)

	if profiling {
		if endSig, err = dev.NewSignal(0); err != nil {
			return 0, err
		}
		q.Timestamp(endSig)
	}

	next := dev.timelineValue
	q.Signal(dev.timelineSignal, next)
	launchStart := time.Now()
	submitErr := q.Submit(dev)
	if dev.observer != nil {
		dev.observer.ObserveExec(uint64(time.Since(launchStart).Nanoseconds()), submitErr == nil)
	}
	if submitErr != nil {
		return 0, WrapError("Program.Invoke", ErrCodeAllocationFailed, submitErr)
	}
	dev.timelineValue++

	if profiling && dev.profiler != nil {
		dev.profiler.recordPending(p.Name, startSig, endSig, false, nil)
	}

	if cfg.Wait {
		if err := dev.Synchronize(ctx); err != nil {
			return 0, err
		}
		delta := new(big.Rat).Sub(endSig.TimestampMicros(), startSig.TimestampMicros())
		us, _ := delta.Float64()
		return time.Duration(us * float64(time.Microsecond)), nil
	}
	return 0, nil
}
