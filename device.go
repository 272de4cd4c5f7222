package hcq

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hcqdev/go-hcq/internal/constants"
	"github.com/hcqdev/go-hcq/internal/interfaces"
	"github.com/hcqdev/go-hcq/internal/logging"
	"github.com/hcqdev/go-hcq/internal/memregion"
)

// ParseDeviceName splits a "<family>" or "<family>:<index>" device name.
// Index defaults to 0 when omitted.
func ParseDeviceName(name string) (family string, index int, err error) {
	parts := strings.SplitN(name, ":", 2)
	family = parts[0]
	if family == "" {
		return "", 0, fmt.Errorf("ParseDeviceName: empty family in %q", name)
	}
	if len(parts) == 1 {
		return family, 0, nil
	}
	n, perr := strconv.Atoi(parts[1])
	if perr != nil {
		return "", 0, fmt.Errorf("ParseDeviceName: bad index in %q: %w", name, perr)
	}
	return family, n, nil
}

// DeviceConfig configures a new Device. ComputeBackend is required;
// CopyBackend is optional (a device with no dedicated copy engine uses its
// compute backend for copy-queue-shaped traffic by convention of the
// concrete backend, or leaves copy unsupported).
type DeviceConfig struct {
	Name            string
	ComputeBackend  QueueBackend
	CopyBackend     QueueBackend
	AllocatorBackend AllocatorBackend

	// TickDivider converts raw device ticks to microseconds (ticks /
	// TickDivider = µs). Defaults to 1000 (nanosecond ticks).
	TickDivider *big.Rat

	KernargsArenaSize int
	SignalArenaSize   int

	StagingBufferSize  int
	StagingBufferCount int

	OnHang func() error

	Config   *Config
	Logger   *logging.Logger
	Observer interfaces.Observer
}

// Device is the per-device runtime context: timeline signals, kernargs
// arena, allocator, and cached clock-calibration diffs. Host-side usage of
// one Device is single-threaded cooperative, matching the core's
// concurrency model — only the device-side engine and the completion path
// run concurrently with the caller.
type Device struct {
	id             string
	family         string
	index          int
	computeBackend QueueBackend
	copyBackend    QueueBackend

	tickDivider *big.Rat

	kernargsRegion *memregion.Region
	kernargsPtr    int

	signalRegion *memregion.Region
	signalPtr    int

	timelineSignal       *Signal
	shadowTimelineSignal *Signal
	timelineValue        uint64

	allocator *Allocator
	profiler  *Profiler

	onHang func() error

	calibrated          bool
	gpu2cpuComputeDiff  float64
	gpu2cpuCopyDiff     float64

	cfg      *Config
	logger   *logging.Logger
	observer interfaces.Observer
}

// NewDevice constructs a Device: allocates its kernargs arena and signal
// arena as anonymous mmap'd regions, and its timeline/shadow signals.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	family, index, err := ParseDeviceName(cfg.Name)
	if err != nil {
		return nil, WrapError("NewDevice", ErrCodeAllocationFailed, err)
	}
	if cfg.ComputeBackend == nil {
		return nil, NewError("NewDevice", ErrCodeAllocationFailed, fmt.Errorf("ComputeBackend is required"))
	}

	divider := cfg.TickDivider
	if divider == nil {
		divider = big.NewRat(1000, 1)
	}
	kernargsSize := cfg.KernargsArenaSize
	if kernargsSize <= 0 {
		kernargsSize = constants.KernargsArenaSize
	}
	signalArenaSize := cfg.SignalArenaSize
	if signalArenaSize <= 0 {
		signalArenaSize = 1 << 20
	}

	kernargsRegion, err := memregion.New(kernargsSize)
	if err != nil {
		return nil, WrapError("NewDevice", ErrCodeAllocationFailed, err)
	}
	signalRegion, err := memregion.New(signalArenaSize)
	if err != nil {
		return nil, WrapError("NewDevice", ErrCodeAllocationFailed, err)
	}

	procCfg := cfg.Config
	if procCfg == nil {
		procCfg = Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	dev := &Device{
		id:             cfg.Name,
		family:         family,
		index:          index,
		computeBackend: cfg.ComputeBackend,
		copyBackend:    cfg.CopyBackend,
		tickDivider:    divider,
		kernargsRegion: kernargsRegion,
		signalRegion:   signalRegion,
		timelineValue:  constants.InitialTimelineValue,
		onHang:         cfg.OnHang,
		cfg:            procCfg,
		logger:         logger,
		observer:       cfg.Observer,
	}

	timelineSignal, err := dev.NewSignal(0)
	if err != nil {
		return nil, err
	}
	shadowSignal, err := dev.NewSignal(0)
	if err != nil {
		return nil, err
	}
	timelineSignal.device = dev
	shadowSignal.device = dev
	dev.timelineSignal = timelineSignal
	dev.shadowTimelineSignal = shadowSignal

	if cfg.AllocatorBackend != nil {
		alloc, err := NewAllocator(dev, cfg.AllocatorBackend, cfg.StagingBufferSize, cfg.StagingBufferCount)
		if err != nil {
			return nil, err
		}
		dev.allocator = alloc
	}
	if procCfg.ProfileEnabled {
		dev.profiler = NewProfiler(dev.id, procCfg.ProfilePath, logger)
	}

	return dev, nil
}

// ID returns the device's configured "<family>:<index>" name.
func (d *Device) ID() string { return d.id }

// Family returns the device family (the part of the name before ':').
func (d *Device) Family() string { return d.family }

// Index returns the device index (0 if the name omitted one).
func (d *Device) Index() int { return d.index }

// TimelineSignal returns the active timeline signal.
func (d *Device) TimelineSignal() *Signal { return d.timelineSignal }

// TimelineValue returns the next value to be signaled.
func (d *Device) TimelineValue() uint64 { return d.timelineValue }

// Allocator returns the device's allocator, or nil if none was configured.
func (d *Device) Allocator() *Allocator { return d.allocator }

// Profiler returns the device's profiler, or nil if profiling is disabled.
func (d *Device) Profiler() *Profiler { return d.profiler }

// ProfilingEnabled reports whether this device records profile events.
func (d *Device) ProfilingEnabled() bool { return d.cfg.ProfileEnabled }

// ComputeBackend returns the backend used for this device's compute queues.
func (d *Device) ComputeBackend() QueueBackend { return d.computeBackend }

// CopyBackend returns the backend used for this device's copy queues, or
// nil if the device has none.
func (d *Device) CopyBackend() QueueBackend { return d.copyBackend }

// NewSignal bump-allocates a fresh signal's value/timestamp cells from the
// device's signal arena. The arena wraps unconditionally on overflow, the
// same assumption the kernargs arena makes: the concurrent working set of
// live ephemeral signals is far smaller than the arena.
func (d *Device) NewSignal(initial uint64) (*Signal, error) {
	const cellSize = 16
	if d.signalPtr+cellSize > d.signalRegion.Len() {
		d.signalPtr = 0
	}
	valueOff := d.signalPtr
	tsOff := d.signalPtr + 8
	d.signalPtr += cellSize
	return NewSignal(d.signalRegion, valueOff, tsOff, initial, d.tickDivider)
}

// allocKernargs bump-allocates size bytes from the kernargs arena,
// returning the absolute device address. Wraps to the base on overflow.
func (d *Device) allocKernargs(size int) (uint64, error) {
	if d.kernargsPtr+size > d.kernargsRegion.Len() {
		d.kernargsPtr = 0
	}
	addr := d.kernargsRegion.Addr() + uint64(d.kernargsPtr)
	d.kernargsPtr += size
	return addr, nil
}

// Synchronize waits for the timeline signal to observe all submissions
// issued so far, swaps in the shadow signal on wraparound, and — if
// profiling is enabled — resolves buffered (start, end) signal pairs into
// raw-timestamp profile records.
func (d *Device) Synchronize(ctx context.Context) error {
	target := uint64(0)
	if d.timelineValue > 1 {
		target = d.timelineValue - 1
	}
	err := d.timelineSignal.Wait(ctx, target, d.cfg.WaitTimeoutMs, nil)
	if err != nil {
		if IsCode(err, ErrCodeWaitTimeout) && d.onHang != nil {
			if hangErr := d.onHang(); hangErr != nil {
				return NewDeviceHangError("Device.Synchronize", d.id, hangErr)
			}
			d.logger.Warnf("Device.Synchronize: recovered from hang on %s", d.id)
			return nil
		}
		return err
	}
	if d.timelineValue > constants.TimelineWrapThreshold {
		d.wrapTimelineSignal()
	}
	if d.ProfilingEnabled() && d.profiler != nil {
		d.profiler.drain(d)
	}
	return nil
}

// wrapTimelineSignal swaps the active and shadow timeline signals, resets
// the new active signal to 0 and timelineValue to 1, and resets the
// allocator's staging-ring timelines so all staging buffers become
// immediately reusable against the new timeline.
func (d *Device) wrapTimelineSignal() {
	d.timelineSignal, d.shadowTimelineSignal = d.shadowTimelineSignal, d.timelineSignal
	d.timelineSignal.SetValue(0)
	d.timelineValue = constants.InitialTimelineValue
	if d.allocator != nil {
		d.allocator.resetStagingTimelines()
	}
	d.logger.Debugf("Device %s: timeline wrapped", d.id)
}

// EnsureSharedTimeBase calibrates the GPU<->CPU clock offset for this
// device's queue kinds, memoized after the first successful call. For each
// available queue kind it takes ClockSamplesPerDevice round-trip samples
// of (host wall-clock midpoint − device timestamp) and takes the median,
// mirroring the original runtime's sampling strategy.
func (d *Device) EnsureSharedTimeBase(ctx context.Context) error {
	if d.calibrated {
		return nil
	}
	if d.cfg.CorrectForJitter {
		d.logger.Warnf("Device %s: jitter correction is not implemented; the jitter matrix stays diagnostic only", d.id)
	}
	computeDiff, err := d.calibrateQueueKind(ctx, QueueKindCompute)
	if err != nil {
		return err
	}
	d.gpu2cpuComputeDiff = computeDiff

	if d.copyBackend != nil {
		copyDiff, err := d.calibrateQueueKind(ctx, QueueKindCopy)
		if err != nil {
			return err
		}
		d.gpu2cpuCopyDiff = copyDiff
	} else {
		d.gpu2cpuCopyDiff = computeDiff
	}
	d.calibrated = true
	return nil
}

func (d *Device) calibrateQueueKind(ctx context.Context, kind QueueKind) (float64, error) {
	backend := d.computeBackend
	if kind == QueueKindCopy {
		backend = d.copyBackend
	}
	samples := make([]float64, 0, constants.ClockSamplesPerDevice)
	for i := 0; i < constants.ClockSamplesPerDevice; i++ {
		sig, err := d.NewSignal(0)
		if err != nil {
			return 0, err
		}
		next := d.timelineValue

		st := time.Now()
		var submitErr error
		if kind == QueueKindCompute {
			q := NewComputeQueue(backend).Timestamp(sig).Signal(d.timelineSignal, next)
			submitErr = q.Submit(d)
		} else {
			q := NewCopyQueue(backend).Timestamp(sig).Signal(d.timelineSignal, next)
			submitErr = q.Submit(d)
		}
		if submitErr != nil {
			return 0, submitErr
		}
		d.timelineValue++
		if err := d.timelineSignal.Wait(ctx, next, d.cfg.WaitTimeoutMs, nil); err != nil {
			return 0, err
		}
		et := time.Now()

		hostMidUs := float64(st.UnixNano()+et.UnixNano()) / 2.0 / 1000.0
		deviceUs, _ := sig.TimestampMicros().Float64()
		samples = append(samples, hostMidUs-deviceUs)
	}
	return median(samples), nil
}

func median(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// GPUToCPUTime converts a raw device tick count to host-domain
// microseconds by adding the memoized GPU<->CPU diff for the given queue
// kind. Calibrates on first use if necessary.
func (d *Device) GPUToCPUTime(ctx context.Context, deviceTicksUs float64, isCopy bool) (float64, error) {
	if !d.calibrated {
		if err := d.EnsureSharedTimeBase(ctx); err != nil {
			return 0, err
		}
	}
	if isCopy {
		return deviceTicksUs + d.gpu2cpuCopyDiff, nil
	}
	return deviceTicksUs + d.gpu2cpuComputeDiff, nil
}

// JitterMatrix computes a diagnostic-only pairwise clock-jitter estimate
// across devices. For each ordered pair (d1, d2) and each sample, d1's
// compute queue signals a rendezvous signal and the host waits for it; d2's
// compute queue then timestamps itself and signals d2's timeline, which the
// host waits for; finally d1's compute queue timestamps itself. Each sample
// is (forward − reverse)/2 minus the difference of the pair's calibrated
// compute diffs, where forward and reverse are the same d2−d1 timestamp
// delta with opposite signs. The two devices are ordered by host-side waits
// only: neither device's queue waits on the other's signal, and no separate
// reverse leg is measured.
//
// This never feeds back into GPUToCPUTime; it is computed only for
// diagnostics, matching §9's open question in the original runtime.
func JitterMatrix(ctx context.Context, devices []*Device) ([][]float64, error) {
	for _, d := range devices {
		if err := d.EnsureSharedTimeBase(ctx); err != nil {
			return nil, err
		}
	}
	n := len(devices)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i, d1 := range devices {
		for j, d2 := range devices {
			if i == j {
				continue
			}
			samples := make([]float64, 0, constants.JitterSamplesPerPair)
			for s := 0; s < constants.JitterSamplesPerPair; s++ {
				fwd, rev, err := jitterRoundTrip(ctx, d1, d2)
				if err != nil {
					return nil, err
				}
				residual := (fwd-rev)/2 - (d1.gpu2cpuComputeDiff - d2.gpu2cpuComputeDiff)
				samples = append(samples, residual)
			}
			matrix[i][j] = median(samples)
		}
	}
	return matrix, nil
}

// jitterRoundTrip performs one forward+reverse handshake sample between
// d1 and d2, sharing d1's freshly allocated rendezvous signal directly
// (valid for reference backends whose signals live in host process memory;
// a backend with device-private signal memory would need a peer-mapped
// address here instead).
func jitterRoundTrip(ctx context.Context, d1, d2 *Device) (forward, reverse float64, err error) {
	rendezvous, err := d1.NewSignal(0)
	if err != nil {
		return 0, 0, err
	}

	q1 := NewComputeQueue(d1.computeBackend).Signal(rendezvous, 1)
	if err := q1.Submit(d1); err != nil {
		return 0, 0, err
	}
	d1.timelineValue++
	if err := rendezvous.Wait(ctx, 1, d1.cfg.WaitTimeoutMs, nil); err != nil {
		return 0, 0, err
	}

	ts2, err := d2.NewSignal(0)
	if err != nil {
		return 0, 0, err
	}
	t2 := d2.timelineValue
	q2 := NewComputeQueue(d2.computeBackend).Timestamp(ts2).Signal(d2.timelineSignal, t2)
	if err := q2.Submit(d2); err != nil {
		return 0, 0, err
	}
	d2.timelineValue++
	if err := d2.timelineSignal.Wait(ctx, t2, d2.cfg.WaitTimeoutMs, nil); err != nil {
		return 0, 0, err
	}

	ts1, err := d1.NewSignal(0)
	if err != nil {
		return 0, 0, err
	}
	t1b := d1.timelineValue
	q3 := NewComputeQueue(d1.computeBackend).Timestamp(ts1).Signal(d1.timelineSignal, t1b)
	if err := q3.Submit(d1); err != nil {
		return 0, 0, err
	}
	d1.timelineValue++
	if err := d1.timelineSignal.Wait(ctx, t1b, d1.cfg.WaitTimeoutMs, nil); err != nil {
		return 0, 0, err
	}

	t1Us, _ := ts1.TimestampMicros().Float64()
	t2Us, _ := ts2.TimestampMicros().Float64()

	// forward and reverse aren't independently measured round trips, just
	// the same (t2-t1) delta negated; (fwd-rev)/2 in JitterMatrix therefore
	// reduces to t2-t1 rather than a true forward/reverse residual. Fine
	// for a diagnostic-only matrix, but not a real two-leg measurement.
	forward = t2Us - t1Us
	reverse = t1Us - t2Us
	return forward, reverse, nil
}
