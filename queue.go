package hcq

import (
	"fmt"
	"time"
)

// CommandKind identifies which command a recorded (offset, length) slice of
// a queue's word stream encodes.
type CommandKind int

const (
	CmdSignal CommandKind = iota
	CmdWait
	CmdTimestamp
	CmdMemoryBarrier
	CmdExec
	CmdCopy
)

func (k CommandKind) String() string {
	switch k {
	case CmdSignal:
		return "signal"
	case CmdWait:
		return "wait"
	case CmdTimestamp:
		return "timestamp"
	case CmdMemoryBarrier:
		return "memory_barrier"
	case CmdExec:
		return "exec"
	case CmdCopy:
		return "copy"
	default:
		return fmt.Sprintf("command_kind(%d)", int(k))
	}
}

// QueueKind distinguishes compute queues (memory_barrier, exec) from copy
// queues (copy). Both support signal, wait, and timestamp.
type QueueKind int

const (
	QueueKindCompute QueueKind = iota
	QueueKindCopy
)

func (k QueueKind) String() string {
	switch k {
	case QueueKindCompute:
		return "compute"
	case QueueKindCopy:
		return "copy"
	default:
		return fmt.Sprintf("queue_kind(%d)", int(k))
	}
}

// QueueBackend is the backend contract for emitting and patching command
// words. A backend implements one QueueBackend per queue kind it supports;
// the core never interprets the word stream itself, only the recorded
// (offset, length, kind) metadata around it.
type QueueBackend interface {
	EncodeSignal(sig *Signal, value uint64) ([]uint32, error)
	EncodeWait(sig *Signal, value uint64) ([]uint32, error)
	EncodeTimestamp(sig *Signal) ([]uint32, error)
	EncodeMemoryBarrier() ([]uint32, error)
	EncodeExec(prog *Program, args *ArgsState, global, local [3]uint32) ([]uint32, error)
	EncodeCopy(dest, src, size uint64) ([]uint32, error)

	PatchSignal(words []uint32, sig *Signal, value *uint64) error
	PatchWait(words []uint32, sig *Signal, value *uint64) error
	PatchExec(words []uint32, global, local *[3]uint32) error
	PatchCopy(words []uint32, dest, src *uint64) error

	// Submit hands the full word stream of a built queue to the device. A
	// queue with zero commands is never submitted; the core guarantees
	// Submit is only called with len(words) > 0.
	Submit(dev *Device, kind QueueKind, words []uint32) error
}

// Binder is an optional QueueBackend capability: backends that can lower a
// queue into a device-resident form for repeated submission implement it.
// Checked with a type assertion rather than added to QueueBackend, the way
// the teacher keeps NewBatch off its minimal required Ring surface.
type Binder interface {
	Bind(dev *Device, kind QueueKind, words []uint32) error
}

// Queue is satisfied by both ComputeQueue and CopyQueue: the operations
// every queue kind supports regardless of backend.
type Queue interface {
	Kind() QueueKind
	Submit(dev *Device) error
	Bind(dev *Device) error
	Err() error
	Len() int
}

// queueBuilder is the shared append-and-record bookkeeping underlying both
// ComputeQueue and CopyQueue. It is the Go rendering of the per-command
// decorator the original backend used: every public command method funnels
// through append, which records the command's (offset, length, kind)
// before handing off to the backend's encoder.
//
// Errors accumulate rather than panic or abort mid-chain, so command
// methods can return the queue itself for fluent chaining; callers check
// Err() (or rely on Submit returning it) at the end of the chain.
type queueBuilder struct {
	kind    QueueKind
	backend QueueBackend

	words   []uint32
	offsets []int
	lengths []int
	kinds   []CommandKind

	err error
}

func newQueueBuilder(kind QueueKind, backend QueueBackend) queueBuilder {
	return queueBuilder{kind: kind, backend: backend}
}

func (b *queueBuilder) Kind() QueueKind { return b.kind }
func (b *queueBuilder) Err() error      { return b.err }
func (b *queueBuilder) Len() int        { return len(b.kinds) }

func (b *queueBuilder) append(kind CommandKind, emit func() ([]uint32, error)) {
	if b.err != nil {
		return
	}
	offset := len(b.words)
	words, err := emit()
	if err != nil {
		b.err = err
		return
	}
	b.words = append(b.words, words...)
	b.offsets = append(b.offsets, offset)
	b.lengths = append(b.lengths, len(words))
	b.kinds = append(b.kinds, kind)
}

func (b *queueBuilder) commandSlice(op string, idx int) ([]uint32, error) {
	if idx < 0 || idx >= len(b.offsets) {
		return nil, fmt.Errorf("%s: index %d out of range [0,%d)", op, idx, len(b.offsets))
	}
	off, ln := b.offsets[idx], b.lengths[idx]
	return b.words[off : off+ln], nil
}

func (b *queueBuilder) checkKind(op string, idx int, want CommandKind) ([]uint32, error) {
	words, err := b.commandSlice(op, idx)
	if err != nil {
		return nil, err
	}
	if got := b.kinds[idx]; got != want {
		return nil, NewCommandKindMismatchError(op, idx, want, got)
	}
	return words, nil
}

func (b *queueBuilder) signal(sig *Signal, value uint64) {
	b.append(CmdSignal, func() ([]uint32, error) { return b.backend.EncodeSignal(sig, value) })
}

func (b *queueBuilder) wait(sig *Signal, value uint64) {
	b.append(CmdWait, func() ([]uint32, error) { return b.backend.EncodeWait(sig, value) })
}

func (b *queueBuilder) timestamp(sig *Signal) {
	b.append(CmdTimestamp, func() ([]uint32, error) { return b.backend.EncodeTimestamp(sig) })
}

func (b *queueBuilder) updateSignal(idx int, sig *Signal, value *uint64) error {
	words, err := b.checkKind("UpdateSignal", idx, CmdSignal)
	if err != nil {
		return err
	}
	return b.backend.PatchSignal(words, sig, value)
}

func (b *queueBuilder) updateWait(idx int, sig *Signal, value *uint64) error {
	words, err := b.checkKind("UpdateWait", idx, CmdWait)
	if err != nil {
		return err
	}
	return b.backend.PatchWait(words, sig, value)
}

func (b *queueBuilder) bind(dev *Device) error {
	binder, ok := b.backend.(Binder)
	if !ok {
		return nil
	}
	return binder.Bind(dev, b.kind, b.words)
}

func (b *queueBuilder) submit(dev *Device) error {
	if b.err != nil {
		return b.err
	}
	if len(b.words) == 0 {
		return nil
	}
	start := time.Now()
	err := b.backend.Submit(dev, b.kind, b.words)
	if dev.observer != nil {
		dev.observer.ObserveSubmit(b.kind.String(), len(b.words), uint64(time.Since(start).Nanoseconds()), err == nil)
		dev.observer.ObserveQueueDepth(uint32(len(b.kinds)))
	}
	return err
}

// ComputeQueue builds a compute-queue command stream: signal, wait,
// timestamp, memory_barrier, and exec. Not safe for concurrent use by
// multiple goroutines; a queue builder is owned by one producer at a time.
type ComputeQueue struct {
	queueBuilder
}

// NewComputeQueue constructs an empty compute queue bound to backend.
func NewComputeQueue(backend QueueBackend) *ComputeQueue {
	return &ComputeQueue{queueBuilder: newQueueBuilder(QueueKindCompute, backend)}
}

func (q *ComputeQueue) Signal(sig *Signal, value uint64) *ComputeQueue {
	q.signal(sig, value)
	return q
}

func (q *ComputeQueue) Wait(sig *Signal, value uint64) *ComputeQueue {
	q.wait(sig, value)
	return q
}

func (q *ComputeQueue) Timestamp(sig *Signal) *ComputeQueue {
	q.timestamp(sig)
	return q
}

func (q *ComputeQueue) MemoryBarrier() *ComputeQueue {
	q.append(CmdMemoryBarrier, func() ([]uint32, error) { return q.backend.EncodeMemoryBarrier() })
	return q
}

func (q *ComputeQueue) Exec(prog *Program, args *ArgsState, global, local [3]uint32) *ComputeQueue {
	q.append(CmdExec, func() ([]uint32, error) { return q.backend.EncodeExec(prog, args, global, local) })
	return q
}

func (q *ComputeQueue) UpdateSignal(idx int, sig *Signal, value *uint64) error {
	return q.updateSignal(idx, sig, value)
}

func (q *ComputeQueue) UpdateWait(idx int, sig *Signal, value *uint64) error {
	return q.updateWait(idx, sig, value)
}

func (q *ComputeQueue) UpdateExec(idx int, global, local *[3]uint32) error {
	words, err := q.checkKind("UpdateExec", idx, CmdExec)
	if err != nil {
		return err
	}
	return q.backend.PatchExec(words, global, local)
}

func (q *ComputeQueue) Bind(dev *Device) error   { return q.bind(dev) }
func (q *ComputeQueue) Submit(dev *Device) error { return q.submit(dev) }

// CopyQueue builds a copy-queue command stream: signal, wait, timestamp,
// and copy.
type CopyQueue struct {
	queueBuilder
}

// NewCopyQueue constructs an empty copy queue bound to backend.
func NewCopyQueue(backend QueueBackend) *CopyQueue {
	return &CopyQueue{queueBuilder: newQueueBuilder(QueueKindCopy, backend)}
}

func (q *CopyQueue) Signal(sig *Signal, value uint64) *CopyQueue {
	q.signal(sig, value)
	return q
}

func (q *CopyQueue) Wait(sig *Signal, value uint64) *CopyQueue {
	q.wait(sig, value)
	return q
}

func (q *CopyQueue) Timestamp(sig *Signal) *CopyQueue {
	q.timestamp(sig)
	return q
}

func (q *CopyQueue) Copy(dest, src, size uint64) *CopyQueue {
	q.append(CmdCopy, func() ([]uint32, error) { return q.backend.EncodeCopy(dest, src, size) })
	return q
}

func (q *CopyQueue) UpdateSignal(idx int, sig *Signal, value *uint64) error {
	return q.updateSignal(idx, sig, value)
}

func (q *CopyQueue) UpdateWait(idx int, sig *Signal, value *uint64) error {
	return q.updateWait(idx, sig, value)
}

func (q *CopyQueue) UpdateCopy(idx int, dest, src *uint64) error {
	words, err := q.checkKind("UpdateCopy", idx, CmdCopy)
	if err != nil {
		return err
	}
	return q.backend.PatchCopy(words, dest, src)
}

func (q *CopyQueue) Bind(dev *Device) error   { return q.bind(dev) }
func (q *CopyQueue) Submit(dev *Device) error { return q.submit(dev) }

var (
	_ Queue = (*ComputeQueue)(nil)
	_ Queue = (*CopyQueue)(nil)
)
