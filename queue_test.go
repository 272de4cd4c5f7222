package hcq

import "testing"

func TestComputeQueueBuildsExpectedCommands(t *testing.T) {
	backend := NewMockBackend(nil)
	sig, err := newFreeSignal(t, backend)
	if err != nil {
		t.Fatalf("newFreeSignal: %v", err)
	}

	q := NewComputeQueue(backend)
	q.Wait(sig, 0).MemoryBarrier().Signal(sig, 1)
	if err := q.Err(); err != nil {
		t.Fatalf("build error: %v", err)
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	if q.Kind() != QueueKindCompute {
		t.Errorf("Kind() = %v, want compute", q.Kind())
	}
}

func TestCopyQueueRejectsCopyUpdateOnSignal(t *testing.T) {
	backend := NewMockBackend(nil)
	sig, err := newFreeSignal(t, backend)
	if err != nil {
		t.Fatalf("newFreeSignal: %v", err)
	}
	q := NewCopyQueue(backend)
	q.Signal(sig, 1)
	if err := q.UpdateCopy(0, nil, nil); !IsCode(err, ErrCodeCommandKindMismatch) {
		t.Errorf("UpdateCopy on a signal command: err = %v, want CommandKindMismatch", err)
	}
}

func TestUpdateSignalPatchesInPlace(t *testing.T) {
	backend := NewMockBackend(nil)
	sig, err := newFreeSignal(t, backend)
	if err != nil {
		t.Fatalf("newFreeSignal: %v", err)
	}
	q := NewComputeQueue(backend)
	q.Signal(sig, 1)
	newVal := uint64(42)
	if err := q.UpdateSignal(0, nil, &newVal); err != nil {
		t.Fatalf("UpdateSignal: %v", err)
	}
	dev := newTestDevice(t, backend, nil)
	if err := q.Submit(dev); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sig.Value() != 42 {
		t.Errorf("sig.Value() = %d, want 42", sig.Value())
	}
}

func TestEmptyQueueNeverSubmits(t *testing.T) {
	backend := NewMockBackend(nil)
	dev := newTestDevice(t, backend, nil)
	q := NewComputeQueue(backend)
	if err := q.Submit(dev); err != nil {
		t.Errorf("Submit on empty queue: %v, want nil", err)
	}
}

// newFreeSignal allocates a standalone signal via a throwaway device, for
// tests that only need a valid *Signal and don't care which device owns it.
func newFreeSignal(t *testing.T, backend QueueBackend) (*Signal, error) {
	t.Helper()
	dev := newTestDevice(t, backend, nil)
	return dev.NewSignal(0)
}
