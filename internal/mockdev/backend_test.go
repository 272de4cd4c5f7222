package mockdev

import (
	"context"
	"testing"
	"time"

	hcq "github.com/hcqdev/go-hcq"
)

func newTestDevice(t *testing.T, backend *Backend, name string) *hcq.Device {
	t.Helper()
	dev, err := hcq.NewDevice(hcq.DeviceConfig{
		Name:             name,
		ComputeBackend:   backend,
		CopyBackend:      backend,
		AllocatorBackend: backend,
		Config:           &hcq.Config{WaitTimeoutMs: 2000},
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev
}

func TestBackendSignalAndWaitResolveAsynchronously(t *testing.T) {
	backend := NewBackend(nil, nil)
	defer backend.Close()
	dev := newTestDevice(t, backend, "mockdev:0")

	sig, err := dev.NewSignal(0)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	q := hcq.NewComputeQueue(dev.ComputeBackend())
	q.Signal(sig, 1)
	if err := q.Submit(dev); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sig.Wait(context.Background(), 1, 2000, nil); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestBackendExecAndWaitOrdering(t *testing.T) {
	backend := NewBackend(nil, nil)
	defer backend.Close()
	dev := newTestDevice(t, backend, "mockdev:0")

	prog := hcq.NewProgram(dev, "noop", hcq.MockArgsFactory{}.KernargsSize(0, 0), hcq.MockArgsFactory{})
	for i := 0; i < 5; i++ {
		if _, err := prog.Invoke(context.Background(), nil, nil, hcq.InvokeConfig{}); err != nil {
			t.Fatalf("Invoke[%d]: %v", i, err)
		}
	}
	if err := dev.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
}

func TestBackendCopyInOutRoundTrip(t *testing.T) {
	backend := NewBackend(nil, nil)
	defer backend.Close()
	dev := newTestDevice(t, backend, "mockdev:0")

	alloc := dev.Allocator()
	buf, err := alloc.Alloc(4096, "device")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i)
	}
	if err := alloc.CopyIn(context.Background(), buf.VA, src); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	dst := make([]byte, 4096)
	if err := alloc.CopyOut(context.Background(), dst, buf.VA); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: got %x, want %x", i, dst[i], src[i])
		}
	}
}

func TestBackendTransferCrossDevice(t *testing.T) {
	shared := NewDeviceMemory()
	srcBackend := NewBackend(shared, nil)
	dstBackend := NewBackend(shared, nil)
	defer srcBackend.Close()
	defer dstBackend.Close()

	srcDev := newTestDevice(t, srcBackend, "mockdev:0")
	dstDev := newTestDevice(t, dstBackend, "mockdev:1")

	srcBuf, err := srcDev.Allocator().Alloc(256, "device")
	if err != nil {
		t.Fatalf("Alloc src: %v", err)
	}
	dstBuf, err := dstDev.Allocator().Alloc(256, "device")
	if err != nil {
		t.Fatalf("Alloc dst: %v", err)
	}

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(255 - i)
	}
	if err := srcDev.Allocator().CopyIn(context.Background(), srcBuf.VA, payload); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}

	if err := srcDev.Allocator().Transfer(context.Background(), dstBuf.VA, srcBuf.VA, 256, srcDev, dstDev); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := dstDev.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize dst: %v", err)
	}

	out := make([]byte, 256)
	if err := dstDev.Allocator().CopyOut(context.Background(), out, dstBuf.VA); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("byte %d: got %x, want %x", i, out[i], payload[i])
		}
	}
}

func TestBackendCloseDrainsInFlightWork(t *testing.T) {
	backend := NewBackend(nil, nil)
	dev := newTestDevice(t, backend, "mockdev:0")
	sig, err := dev.NewSignal(0)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	q := hcq.NewComputeQueue(dev.ComputeBackend())
	q.Signal(sig, 1)
	if err := q.Submit(dev); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sig.Value() != 1 {
		t.Errorf("sig.Value() after Close = %d, want 1", sig.Value())
	}
	// Submit on an already-stopped engine must not hang or panic.
	done := make(chan struct{})
	go func() {
		_ = backend.compute.Submit(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit after Close did not return")
	}
}
