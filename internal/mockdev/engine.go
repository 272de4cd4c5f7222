package mockdev

import (
	"context"
	"fmt"
	"sync"
	"time"

	hcq "github.com/hcqdev/go-hcq"
	"github.com/hcqdev/go-hcq/internal/constants"
	"github.com/hcqdev/go-hcq/internal/logging"
	"github.com/hcqdev/go-hcq/internal/wire"
)

// submission is one accepted word stream awaiting asynchronous execution.
type submission struct {
	words []uint32
}

// Engine is a single asynchronous worker draining submitted command
// streams in FIFO order on its own goroutine — the Go rendering of the
// teacher's per-queue Runner.ioLoop, minus the io_uring/char-device
// plumbing a real kernel block device needs. Submit only validates the
// word stream's framing and enqueues it; execution, and therefore any
// wait a command makes on another engine's signal, happens concurrently
// with the submitting goroutine, exactly like a real hardware queue.
type Engine struct {
	mem    *DeviceMemory
	logger *logging.Logger

	mu   sync.Mutex
	sigs map[uint64]*hcq.Signal

	queue  chan submission
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine starts an Engine's worker goroutine immediately.
func NewEngine(mem *DeviceMemory, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		mem:    mem,
		logger: logger,
		sigs:   make(map[uint64]*hcq.Signal),
		queue:  make(chan submission, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Engine) registerSignal(sig *hcq.Signal) {
	if sig == nil {
		return
	}
	e.mu.Lock()
	e.sigs[sig.Addr()] = sig
	e.mu.Unlock()
}

func (e *Engine) lookupSignal(addr uint64) (*hcq.Signal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sig, ok := e.sigs[addr]
	return sig, ok
}

// Submit validates the stream's command framing synchronously (a
// malformed stream is always a caller bug, worth surfacing at submission
// time) and enqueues it for asynchronous execution. A full queue briefly
// blocks the caller, mirroring a real ring's SQ-full stall; a stopped
// engine rejects new work.
func (e *Engine) Submit(words []uint32) error {
	if err := validateStream(words); err != nil {
		return err
	}
	select {
	case e.queue <- submission{words: words}:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("mockdev: engine stopped")
	}
}

func validateStream(words []uint32) error {
	pos := 0
	for pos < len(words) {
		op := wire.Opcode(words[pos])
		n := wire.Length(op)
		if n == 0 || pos+n > len(words) {
			return fmt.Errorf("mockdev: malformed command stream at word %d (opcode %v)", pos, op)
		}
		pos += n
	}
	return nil
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			for {
				select {
				case sub := <-e.queue:
					e.execute(sub.words)
				default:
					return
				}
			}
		case sub := <-e.queue:
			e.execute(sub.words)
		}
	}
}

func (e *Engine) execute(words []uint32) {
	pos := 0
	for pos < len(words) {
		op := wire.Opcode(words[pos])
		n := wire.Length(op)
		cmd := words[pos : pos+n]
		if err := e.executeOne(op, cmd); err != nil {
			e.logger.Errorf("mockdev: engine: %v", err)
			return
		}
		pos += n
	}
}

func (e *Engine) executeOne(op wire.Opcode, cmd []uint32) error {
	switch op {
	case wire.OpSignal:
		addr, value := wire.DecodeSignal(cmd)
		sig, ok := e.lookupSignal(addr)
		if !ok {
			return fmt.Errorf("signal at %x not registered", addr)
		}
		sig.SetValue(value)
	case wire.OpWait:
		addr, value := wire.DecodeWait(cmd)
		sig, ok := e.lookupSignal(addr)
		if !ok {
			return fmt.Errorf("wait target at %x not registered", addr)
		}
		if err := sig.Wait(e.ctx, value, 0, nil); err != nil {
			return err
		}
	case wire.OpTimestamp:
		addr := wire.DecodeTimestamp(cmd)
		sig, ok := e.lookupSignal(addr)
		if !ok {
			return fmt.Errorf("timestamp target at %x not registered", addr)
		}
		sig.SetTimestampRaw(uint64(time.Now().UnixNano()))
	case wire.OpMemoryBarrier:
		// No cross-engine coherence to enforce in-process; DeviceMemory's
		// per-shard locks already give copy and compute a consistent view.
	case wire.OpExec:
		// No real kernel to run; the compute engine's job here is only to
		// preserve queue ordering around the exec slot.
	case wire.OpCopy:
		dest, src, size := wire.DecodeCopy(cmd)
		e.mem.Write(dest, e.mem.Read(src, int(size)))
	default:
		return fmt.Errorf("unknown opcode %v", op)
	}
	return nil
}

// Close stops accepting submissions and waits up to
// constants.EngineShutdownGrace for the worker goroutine to drain its
// queue and exit.
func (e *Engine) Close() error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(constants.EngineShutdownGrace):
		return fmt.Errorf("mockdev: engine shutdown grace period exceeded")
	}
}
