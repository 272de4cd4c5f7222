package hcq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hcqdev/go-hcq/internal/constants"
)

func TestParseDeviceName(t *testing.T) {
	family, index, err := ParseDeviceName("cuda:2")
	require.NoError(t, err)
	require.Equal(t, "cuda", family)
	require.Equal(t, 2, index)

	family, index, err = ParseDeviceName("cpu")
	require.NoError(t, err)
	require.Equal(t, "cpu", family)
	require.Equal(t, 0, index)

	_, _, err = ParseDeviceName(":3")
	require.Error(t, err)

	_, _, err = ParseDeviceName("cuda:notanumber")
	require.Error(t, err)
}

func TestNewDeviceRequiresComputeBackend(t *testing.T) {
	_, err := NewDevice(DeviceConfig{Name: "mock:0"})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeAllocationFailed))
}

func TestDeviceSynchronizeObservesSubmission(t *testing.T) {
	backend := NewMockBackend(nil)
	dev := newTestDevice(t, backend, nil)

	q := NewComputeQueue(backend)
	q.Wait(dev.TimelineSignal(), 0).Signal(dev.TimelineSignal(), dev.TimelineValue())
	require.NoError(t, q.Submit(dev))
	dev.timelineValue++

	require.NoError(t, dev.Synchronize(context.Background()))
	require.Equal(t, uint64(constants.InitialTimelineValue), dev.TimelineSignal().Value())
}

func TestDeviceSynchronizeRecoversViaOnHang(t *testing.T) {
	backend := NewMockBackend(nil)
	recovered := false
	dev, err := NewDevice(DeviceConfig{
		Name:             "mock:0",
		ComputeBackend:   backend,
		CopyBackend:      backend,
		AllocatorBackend: backend,
		Config:           &Config{WaitTimeoutMs: 5},
		OnHang: func() error {
			recovered = true
			return nil
		},
	})
	require.NoError(t, err)

	dev.timelineValue++ // advance without ever submitting/signaling
	require.NoError(t, dev.Synchronize(context.Background()))
	require.True(t, recovered)
}

func TestDeviceSynchronizeHangPropagatesWhenOnHangFails(t *testing.T) {
	backend := NewMockBackend(nil)
	dev, err := NewDevice(DeviceConfig{
		Name:             "mock:0",
		ComputeBackend:   backend,
		CopyBackend:      backend,
		AllocatorBackend: backend,
		Config:           &Config{WaitTimeoutMs: 5},
		OnHang: func() error {
			return errors.New("hang recovery failed")
		},
	})
	require.NoError(t, err)

	dev.timelineValue++
	err = dev.Synchronize(context.Background())
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeDeviceHang))
}

func TestClockCalibrationIsDeterministicAndMemoized(t *testing.T) {
	backend := NewMockBackend(nil)
	dev := newTestDevice(t, backend, nil)

	require.NoError(t, dev.EnsureSharedTimeBase(context.Background()))
	first, err := dev.GPUToCPUTime(context.Background(), 100, false)
	require.NoError(t, err)

	// A second call must not recalibrate (the diff is memoized), so the
	// same raw input maps to the same host-domain output.
	second, err := dev.GPUToCPUTime(context.Background(), 100, false)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestJitterMatrixDiagonalIsZero(t *testing.T) {
	mem := NewMockMemSpace()
	b1 := NewMockBackend(mem)
	b2 := NewMockBackend(mem)
	d1 := newTestDevice(t, b1, nil)
	d2 := newTestDevice(t, b2, nil)

	matrix, err := JitterMatrix(context.Background(), []*Device{d1, d2})
	require.NoError(t, err)
	require.Len(t, matrix, 2)
	require.Equal(t, 0.0, matrix[0][0])
	require.Equal(t, 0.0, matrix[1][1])
}
