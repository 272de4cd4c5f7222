package hcq

import "testing"

// newTestDevice constructs a Device wired entirely to in-process mock
// backends, for tests that need a real Device but not real hardware. A nil
// backend gets a fresh MockBackend that shares nothing with other devices;
// pass backends built over a common *MockMemSpace to exercise cross-device
// transfer.
func newTestDevice(t *testing.T, backend *MockBackend, cfg *Config) *Device {
	t.Helper()
	if backend == nil {
		backend = NewMockBackend(nil)
	}
	if cfg == nil {
		cfg = &Config{WaitTimeoutMs: 2000}
	}
	dev, err := NewDevice(DeviceConfig{
		Name:             "mock:0",
		ComputeBackend:   backend,
		CopyBackend:      backend,
		AllocatorBackend: backend,
		Config:           cfg,
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev
}
