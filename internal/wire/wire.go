// Package wire implements the 32-bit word encoding used by the HCQ
// reference backends (internal/mockdev and the root package's built-in
// synchronous test backend) to represent command-queue packets.
//
// The HCQ core itself treats the word stream as backend-opaque: it only
// needs the (offset, length) of each command to support in-place patching.
// This package is the concrete layout one real backend chooses, modeled on
// the manual little-endian struct packing in the teacher's uapi package
// (fixed field offsets, no reflection, no padding surprises) so that
// PatchSignal/PatchWait/PatchExec/PatchCopy can rewrite a sub-range of an
// already-built queue exactly the way UpdateSignal/UpdateWait/UpdateExec/
// UpdateCopy need to.
package wire

import "fmt"

// Opcode identifies which command a word run encodes.
type Opcode uint32

const (
	OpSignal Opcode = iota
	OpWait
	OpTimestamp
	OpMemoryBarrier
	OpExec
	OpCopy
)

func (o Opcode) String() string {
	switch o {
	case OpSignal:
		return "signal"
	case OpWait:
		return "wait"
	case OpTimestamp:
		return "timestamp"
	case OpMemoryBarrier:
		return "memory_barrier"
	case OpExec:
		return "exec"
	case OpCopy:
		return "copy"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(o))
	}
}

// Word counts and fixed field offsets for each command. Offsets are in
// units of uint32 words from the start of the command's own slice (i.e.
// relative to the command's recorded offset in the queue's word stream).
const (
	SignalWords  = 6
	signalAddr   = 2 // 2 words (uint64)
	signalValue  = 4 // 2 words (uint64)

	WaitWords = 6
	waitAddr  = 2
	waitValue = 4

	TimestampWords = 4
	timestampAddr  = 2

	MemoryBarrierWords = 1

	ExecWords   = 10
	execProgram = 1
	execGlobal  = 2 // 3 words
	execLocal   = 5 // 3 words
	execArgs    = 8 // 2 words (uint64)

	CopyWords = 8
	copyDest  = 2 // 2 words
	copySrc   = 4 // 2 words
	copySize  = 6 // 2 words
)

func putU64(words []uint32, idx int, v uint64) {
	words[idx] = uint32(v)
	words[idx+1] = uint32(v >> 32)
}

func getU64(words []uint32, idx int) uint64 {
	return uint64(words[idx]) | uint64(words[idx+1])<<32
}

// EncodeSignal builds a signal(addr, value) command.
func EncodeSignal(addr, value uint64) []uint32 {
	w := make([]uint32, SignalWords)
	w[0] = uint32(OpSignal)
	putU64(w, signalAddr, addr)
	putU64(w, signalValue, value)
	return w
}

// EncodeWait builds a wait(addr, value) command.
func EncodeWait(addr, value uint64) []uint32 {
	w := make([]uint32, WaitWords)
	w[0] = uint32(OpWait)
	putU64(w, waitAddr, addr)
	putU64(w, waitValue, value)
	return w
}

// EncodeTimestamp builds a timestamp(addr) command.
func EncodeTimestamp(addr uint64) []uint32 {
	w := make([]uint32, TimestampWords)
	w[0] = uint32(OpTimestamp)
	putU64(w, timestampAddr, addr)
	return w
}

// EncodeMemoryBarrier builds a memory_barrier command.
func EncodeMemoryBarrier() []uint32 {
	return []uint32{uint32(OpMemoryBarrier)}
}

// EncodeExec builds an exec(programID, global, local, argsPtr) command.
func EncodeExec(programID uint32, global, local [3]uint32, argsPtr uint64) []uint32 {
	w := make([]uint32, ExecWords)
	w[0] = uint32(OpExec)
	w[execProgram] = programID
	copy(w[execGlobal:execGlobal+3], global[:])
	copy(w[execLocal:execLocal+3], local[:])
	putU64(w, execArgs, argsPtr)
	return w
}

// EncodeCopy builds a copy(dest, src, size) command.
func EncodeCopy(dest, src, size uint64) []uint32 {
	w := make([]uint32, CopyWords)
	w[0] = uint32(OpCopy)
	putU64(w, copyDest, dest)
	putU64(w, copySrc, src)
	putU64(w, copySize, size)
	return w
}

// ErrBadOpcode is returned when a patch function is handed a word slice
// whose opcode does not match the command kind it is asked to rewrite.
// The core itself guards against this via CommandKindMismatch before ever
// calling down into the backend, so this is a backend-internal sanity
// check, not the primary defense.
var ErrBadOpcode = fmt.Errorf("wire: opcode does not match patch target")

// PatchSignal rewrites the addr/value fields of an encoded signal command.
// Either pointer may be nil to leave that field unchanged.
func PatchSignal(words []uint32, addr, value *uint64) error {
	if len(words) < SignalWords || Opcode(words[0]) != OpSignal {
		return ErrBadOpcode
	}
	if addr != nil {
		putU64(words, signalAddr, *addr)
	}
	if value != nil {
		putU64(words, signalValue, *value)
	}
	return nil
}

// PatchWait rewrites the addr/value fields of an encoded wait command.
func PatchWait(words []uint32, addr, value *uint64) error {
	if len(words) < WaitWords || Opcode(words[0]) != OpWait {
		return ErrBadOpcode
	}
	if addr != nil {
		putU64(words, waitAddr, *addr)
	}
	if value != nil {
		putU64(words, waitValue, *value)
	}
	return nil
}

// PatchExec rewrites the global/local work-size fields of an encoded exec
// command.
func PatchExec(words []uint32, global, local *[3]uint32) error {
	if len(words) < ExecWords || Opcode(words[0]) != OpExec {
		return ErrBadOpcode
	}
	if global != nil {
		copy(words[execGlobal:execGlobal+3], global[:])
	}
	if local != nil {
		copy(words[execLocal:execLocal+3], local[:])
	}
	return nil
}

// PatchCopy rewrites the dest/src fields of an encoded copy command.
func PatchCopy(words []uint32, dest, src *uint64) error {
	if len(words) < CopyWords || Opcode(words[0]) != OpCopy {
		return ErrBadOpcode
	}
	if dest != nil {
		putU64(words, copyDest, *dest)
	}
	if src != nil {
		putU64(words, copySrc, *src)
	}
	return nil
}

// DecodeSignal reads back the fields of an encoded signal command.
func DecodeSignal(words []uint32) (addr, value uint64) {
	return getU64(words, signalAddr), getU64(words, signalValue)
}

// DecodeWait reads back the fields of an encoded wait command.
func DecodeWait(words []uint32) (addr, value uint64) {
	return getU64(words, waitAddr), getU64(words, waitValue)
}

// DecodeTimestamp reads back the address field of an encoded timestamp
// command.
func DecodeTimestamp(words []uint32) (addr uint64) {
	return getU64(words, timestampAddr)
}

// DecodeExec reads back the fields of an encoded exec command.
func DecodeExec(words []uint32) (programID uint32, global, local [3]uint32, argsPtr uint64) {
	programID = words[execProgram]
	copy(global[:], words[execGlobal:execGlobal+3])
	copy(local[:], words[execLocal:execLocal+3])
	argsPtr = getU64(words, execArgs)
	return
}

// DecodeCopy reads back the fields of an encoded copy command.
func DecodeCopy(words []uint32) (dest, src, size uint64) {
	return getU64(words, copyDest), getU64(words, copySrc), getU64(words, copySize)
}

// Length returns the word count of a command given its opcode, letting a
// backend that only has a flat word stream (no parallel offset/length
// metadata, as in a Submit callback) scan it one command at a time.
func Length(op Opcode) int {
	switch op {
	case OpSignal:
		return SignalWords
	case OpWait:
		return WaitWords
	case OpTimestamp:
		return TimestampWords
	case OpMemoryBarrier:
		return MemoryBarrierWords
	case OpExec:
		return ExecWords
	case OpCopy:
		return CopyWords
	default:
		return 0
	}
}
