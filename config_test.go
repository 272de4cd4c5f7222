package hcq

import (
	"os"
	"testing"
)

func TestDefaultConfigReadsEnv(t *testing.T) {
	os.Setenv("HCQDEV_WAIT_TIMEOUT_MS", "1234")
	os.Setenv("HCQ_PROFILE", "true")
	os.Setenv("HCQ_PROFILE_PATH", "/tmp/trace.json")
	os.Setenv("HCQ_CORRECT_JITTER", "true")
	defer func() {
		os.Unsetenv("HCQDEV_WAIT_TIMEOUT_MS")
		os.Unsetenv("HCQ_PROFILE")
		os.Unsetenv("HCQ_PROFILE_PATH")
		os.Unsetenv("HCQ_CORRECT_JITTER")
	}()

	cfg := DefaultConfig()
	if cfg.WaitTimeoutMs != 1234 {
		t.Errorf("WaitTimeoutMs = %d, want 1234", cfg.WaitTimeoutMs)
	}
	if !cfg.ProfileEnabled {
		t.Errorf("ProfileEnabled = false, want true")
	}
	if cfg.ProfilePath != "/tmp/trace.json" {
		t.Errorf("ProfilePath = %q, want /tmp/trace.json", cfg.ProfilePath)
	}
	if !cfg.CorrectForJitter {
		t.Errorf("CorrectForJitter = false, want true")
	}
}

func TestSetDefaultOverridesMemoizedConfig(t *testing.T) {
	custom := &Config{WaitTimeoutMs: 99}
	SetDefault(custom)
	if got := Default(); got != custom {
		t.Errorf("Default() = %v, want %v", got, custom)
	}
}

func TestDefaultConfigFallsBackWithoutEnv(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.WaitTimeoutMs <= 0 {
		t.Errorf("WaitTimeoutMs = %d, want positive default", cfg.WaitTimeoutMs)
	}
}
