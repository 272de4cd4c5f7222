package hcq

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorCopyInRoundTrip(t *testing.T) {
	mem := NewMockMemSpace()
	backend := NewMockBackend(mem)
	dev := newTestDevice(t, backend, nil)

	dest, err := dev.Allocator().Alloc(4096, "device")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, dev.Allocator().CopyIn(context.Background(), dest.VA, payload))

	out := make([]byte, 4096)
	require.NoError(t, dev.Allocator().CopyOut(context.Background(), out, dest.VA))
	require.Equal(t, payload, out)
}

func TestAllocatorCopyInChunksAcrossStagingRing(t *testing.T) {
	mem := NewMockMemSpace()
	backend := NewMockBackend(mem)
	dev, err := NewDevice(DeviceConfig{
		Name:               "mock:0",
		ComputeBackend:     backend,
		CopyBackend:        backend,
		AllocatorBackend:   backend,
		StagingBufferSize:  1024,
		StagingBufferCount: 2,
		Config:             &Config{WaitTimeoutMs: 2000},
	})
	require.NoError(t, err)

	dest, err := dev.Allocator().Alloc(4096, "device")
	require.NoError(t, err)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, dev.Allocator().CopyIn(context.Background(), dest.VA, payload))

	out := make([]byte, 4096)
	require.NoError(t, dev.Allocator().CopyOut(context.Background(), out, dest.VA))
	require.Equal(t, payload, out)

	// Both CopyIn and CopyOut pass their 4096 bytes through staging slots.
	stats := dev.Allocator().Stats()
	require.Equal(t, uint64(8192), stats.BytesStaged)
}

func TestAllocatorFreeRejectsOffsetBuffer(t *testing.T) {
	backend := NewMockBackend(nil)
	dev := newTestDevice(t, backend, nil)

	root, err := dev.Allocator().Alloc(4096, "device")
	require.NoError(t, err)
	sub := dev.Allocator().Offset(root, 1024, 512)
	require.Equal(t, root, sub.Base())

	err = dev.Allocator().Free(sub)
	require.Error(t, err)
	require.NoError(t, dev.Allocator().Free(root))
}

func TestAllocatorTransferCrossDevice(t *testing.T) {
	mem := NewMockMemSpace()
	b1 := NewMockBackend(mem)
	b2 := NewMockBackend(mem)
	d1 := newTestDevice(t, b1, nil)
	d2 := newTestDevice(t, b2, nil)

	src, err := d1.Allocator().Alloc(256, "device")
	require.NoError(t, err)
	dst, err := d2.Allocator().Alloc(256, "device")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x7E}, 256)
	require.NoError(t, d1.Allocator().CopyIn(context.Background(), src.VA, payload))

	require.NoError(t, d1.Allocator().Transfer(context.Background(), dst.VA, src.VA, 256, d1, d2))
	require.NoError(t, d1.Synchronize(context.Background()))
	require.NoError(t, d2.Synchronize(context.Background()))

	out := make([]byte, 256)
	require.NoError(t, d2.Allocator().CopyOut(context.Background(), out, dst.VA))
	require.Equal(t, payload, out)
}

func TestAllocatorWrapResetsStagingTimelines(t *testing.T) {
	backend := NewMockBackend(nil)
	dev := newTestDevice(t, backend, nil)
	alloc := dev.Allocator()

	dest, err := alloc.Alloc(64, "device")
	require.NoError(t, err)
	require.NoError(t, alloc.CopyIn(context.Background(), dest.VA, []byte("hello world")))

	dev.wrapTimelineSignal()

	for _, v := range alloc.bTimeline {
		require.Equal(t, uint64(0), v)
	}
}
