package hcq

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/hcqdev/go-hcq/internal/logging"
)

// ProfileEvent is a resolved profile record: a named span on one device's
// queue, with timestamps already converted into host-domain microseconds.
// DeviceTag/QueueTag identify the actor/subactor pair the event belongs to
// (device process, compute-or-copy-queue thread); Args carries any
// caller-supplied key/value annotations through to the "X" event's args
// field, the way ProfileLogger.add_event's args parameter does.
type ProfileEvent struct {
	Name      string
	StartUs   float64
	EndUs     float64
	DeviceTag string
	QueueTag  string // "COMPUTE" or "DMA"
	Args      map[string]string
}

// ProfileDep links two resolved timestamps across devices/queues — a
// cross-device dependency edge, reported at each endpoint's midpoint.
type ProfileDep struct {
	FromUs, ToUs               float64
	FromDevice, FromQueue      string
	ToDevice, ToQueue          string
}

func queueTag(kind QueueKind) string {
	if kind == QueueKindCopy {
		return "DMA"
	}
	return "COMPUTE"
}

// pendingRecord is a (start, end) signal pair recorded before the device
// has synchronized, so the signals' timestamp cells aren't readable yet.
type pendingRecord struct {
	name   string
	start  *Signal
	end    *Signal
	isCopy bool
	args   map[string]string
}

// Sink is the trace-document backend a Profiler writes resolved events and
// dependencies to. The default is jsonSink (Chrome-trace JSON); alternate
// formats implement the same interface, the way the teacher swaps Observer
// implementations without touching call sites.
type Sink interface {
	AppendEvents(deviceTag string, events []ProfileEvent)
	AppendDeps(deps []ProfileDep)
	Retain()
	Release() error
}

// Profiler accumulates one device's profile events and cross-device
// dependency edges, and resolves them into a shared, reference-counted
// Sink. Construction retains the sink; Close releases it, and the last
// release flushes the trace document.
type Profiler struct {
	deviceID string
	logger   *logging.Logger

	mu      sync.Mutex
	pending []pendingRecord
	events  []ProfileEvent

	sink Sink
}

// NewProfiler constructs a Profiler for one device, retaining the
// process-wide sink at path (Chrome-trace JSON by default).
func NewProfiler(deviceID, path string, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Default()
	}
	sink := acquireJSONSink(path, logger)
	sink.Retain()
	return &Profiler{deviceID: deviceID, logger: logger, sink: sink}
}

// recordPending buffers a (start, end) signal pair for later resolution by
// drain, once the owning device has synchronized and the signals'
// timestamp cells are safe to read. args is carried through unmodified to
// the resolved ProfileEvent and may be nil.
func (p *Profiler) recordPending(name string, start, end *Signal, isCopy bool, args map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, pendingRecord{name: name, start: start, end: end, isCopy: isCopy, args: args})
}

// drain resolves all buffered signal pairs into ProfileEvents with
// host-domain timestamps via dev.GPUToCPUTime, and forwards them to the sink. Called by
// Device.Synchronize once profiling is enabled.
func (p *Profiler) drain(dev *Device) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	events := make([]ProfileEvent, 0, len(pending))
	for _, rec := range pending {
		startUs, _ := rec.start.TimestampMicros().Float64()
		endUs, _ := rec.end.TimestampMicros().Float64()
		startHost, err := dev.GPUToCPUTime(context.Background(), startUs, rec.isCopy)
		if err != nil {
			p.logger.Warnf("Profiler.drain: failed to resolve %s start: %v", rec.name, err)
			continue
		}
		endHost, err := dev.GPUToCPUTime(context.Background(), endUs, rec.isCopy)
		if err != nil {
			p.logger.Warnf("Profiler.drain: failed to resolve %s end: %v", rec.name, err)
			continue
		}
		events = append(events, ProfileEvent{
			Name:      rec.name,
			StartUs:   startHost,
			EndUs:     endHost,
			DeviceTag: p.deviceID,
			QueueTag:  queueTag(boolToQueueKind(rec.isCopy)),
			Args:      rec.args,
		})
	}
	p.mu.Lock()
	p.events = append(p.events, events...)
	p.mu.Unlock()
	p.sink.AppendEvents(p.deviceID, events)
}

func boolToQueueKind(isCopy bool) QueueKind {
	if isCopy {
		return QueueKindCopy
	}
	return QueueKindCompute
}

// RecordDependency resolves and records a cross-device dependency edge
// between two already-synchronized (start, end) signal pairs, converting
// each endpoint at its pair's midpoint as §4.6 specifies.
func (p *Profiler) RecordDependency(ctx context.Context, fromDev, toDev *Device, fromQueue, toQueue QueueKind, fromStart, fromEnd, toStart, toEnd *Signal) error {
	fromMid, err := midpointUs(ctx, fromDev, fromStart, fromEnd, fromQueue == QueueKindCopy)
	if err != nil {
		return err
	}
	toMid, err := midpointUs(ctx, toDev, toStart, toEnd, toQueue == QueueKindCopy)
	if err != nil {
		return err
	}
	dep := ProfileDep{
		FromUs: fromMid, ToUs: toMid,
		FromDevice: fromDev.id, FromQueue: queueTag(fromQueue),
		ToDevice: toDev.id, ToQueue: queueTag(toQueue),
	}
	p.sink.AppendDeps([]ProfileDep{dep})
	return nil
}

func midpointUs(ctx context.Context, dev *Device, start, end *Signal, isCopy bool) (float64, error) {
	startUs, _ := start.TimestampMicros().Float64()
	endUs, _ := end.TimestampMicros().Float64()
	midDeviceUs := (startUs + endUs) / 2
	return dev.GPUToCPUTime(ctx, midDeviceUs, isCopy)
}

// Close releases this profiler's hold on the shared sink. The last
// release writes the trace document; any write failure is logged and
// suppressed, never returned, so trace writing can't mask a primary
// caller error.
func (p *Profiler) Close() error {
	if err := p.sink.Release(); err != nil {
		p.logger.Errorf("Profiler.Close: sink release: %v", err)
	}
	return nil
}

// --- jsonSink: the default Chrome-trace-compatible Sink. ---

type traceEvent struct {
	Name string  `json:"name,omitempty"`
	Ph   string  `json:"ph"`
	Pid  int     `json:"pid"`
	Tid  int     `json:"tid,omitempty"`
	Ts   float64 `json:"ts,omitempty"`
	Dur  float64 `json:"dur,omitempty"`
	Cat  string  `json:"cat,omitempty"`
	ID   int     `json:"id,omitempty"`

	Args map[string]string `json:"args,omitempty"`
}

// subactorKey identifies a (device, queue-kind) thread lane within a
// device's process lane — the "COMPUTE" and "DMA" subactors §4.6 requires
// as separate tid's under one device pid, mirroring ProfileLogger's
// (actor_name, subactor_name) tuple key.
type subactorKey struct {
	device   string
	queueTag string
}

type jsonSink struct {
	path   string
	logger *logging.Logger

	mu        sync.Mutex
	refs      int
	actors    map[string]int
	subactors map[subactorKey]int
	nextID    int
	events    []traceEvent
	flowID    int
}

var (
	jsonSinkMu  sync.Mutex
	jsonSinkVal = map[string]*jsonSink{}
)

// acquireJSONSink returns the process-wide sink for path, creating one if
// this is the first retainer. Sinks are keyed by path (not a single global
// singleton) so independent recording sessions writing to different trace
// files don't clobber each other's path or accumulated events; an entry is
// dropped once its last reference releases, so a later session reusing the
// same path starts from a clean sink rather than replaying stale events.
func acquireJSONSink(path string, logger *logging.Logger) *jsonSink {
	jsonSinkMu.Lock()
	defer jsonSinkMu.Unlock()
	if s, ok := jsonSinkVal[path]; ok {
		return s
	}
	s := &jsonSink{
		path:      path,
		logger:    logger,
		actors:    make(map[string]int),
		subactors: make(map[subactorKey]int),
		nextID:    1,
	}
	jsonSinkVal[path] = s
	return s
}

func releaseJSONSink(path string) {
	jsonSinkMu.Lock()
	defer jsonSinkMu.Unlock()
	delete(jsonSinkVal, path)
}

func (s *jsonSink) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

// ensureActor returns the pid for device and the tid for its (device,
// queueTag) subactor, emitting the "process_name"/"thread_name" metadata
// events the first time either is seen — the Go rendering of
// ProfileLogger._ensure_actor's pid/tid bookkeeping.
func (s *jsonSink) ensureActor(device, queueTag string) (pid, tid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.actors[device]
	if !ok {
		pid = s.nextID
		s.nextID++
		s.actors[device] = pid
		s.events = append(s.events, traceEvent{Ph: "M", Pid: pid, Name: "process_name", Args: map[string]string{"name": device}})
	}
	key := subactorKey{device: device, queueTag: queueTag}
	tid, ok = s.subactors[key]
	if !ok {
		tid = s.nextID
		s.nextID++
		s.subactors[key] = tid
		s.events = append(s.events, traceEvent{Ph: "M", Pid: pid, Tid: tid, Name: "thread_name", Args: map[string]string{"name": queueTag}})
	}
	return pid, tid
}

func (s *jsonSink) AppendEvents(deviceTag string, events []ProfileEvent) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		pid, tid := s.ensureActor(deviceTag, e.QueueTag)
		s.mu.Lock()
		s.events = append(s.events, traceEvent{
			Name: e.Name,
			Ph:   "X",
			Pid:  pid,
			Tid:  tid,
			Cat:  e.QueueTag,
			Ts:   e.StartUs,
			Dur:  e.EndUs - e.StartUs,
			Args: e.Args,
		})
		s.mu.Unlock()
	}
}

func (s *jsonSink) AppendDeps(deps []ProfileDep) {
	if len(deps) == 0 {
		return
	}
	for _, d := range deps {
		fromPid, fromTid := s.ensureActor(d.FromDevice, d.FromQueue)
		toPid, toTid := s.ensureActor(d.ToDevice, d.ToQueue)
		s.mu.Lock()
		fromEvt := traceEvent{Ph: "s", Pid: fromPid, Tid: fromTid, Ts: d.FromUs, ID: s.flowID, Cat: d.FromQueue}
		toEvt := traceEvent{Ph: "f", Pid: toPid, Tid: toTid, Ts: d.ToUs, ID: s.flowID, Cat: d.ToQueue}
		s.events = append(s.events, fromEvt, toEvt)
		s.flowID++
		s.mu.Unlock()
	}
}

func (s *jsonSink) Release() error {
	s.mu.Lock()
	s.refs--
	last := s.refs <= 0
	s.mu.Unlock()
	if !last {
		return nil
	}
	releaseJSONSink(s.path)
	return s.flush()
}

func (s *jsonSink) flush() error {
	s.mu.Lock()
	path := s.path
	doc := struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{TraceEvents: s.events}
	s.mu.Unlock()

	if path == "" {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
