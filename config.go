package hcq

import (
	"os"
	"strconv"
	"sync"

	"github.com/hcqdev/go-hcq/internal/constants"
)

// Config holds the process-wide tunables environment variables set, mirrored
// here so callers embedding the runtime can configure it programmatically
// instead of through the environment.
type Config struct {
	// WaitTimeoutMs is the default Signal.Wait timeout, overridable per call.
	WaitTimeoutMs int

	// ProfileEnabled turns on profiler event/dependency recording.
	ProfileEnabled bool

	// ProfilePath is where the Chrome-trace JSON document is written at
	// final profiler teardown. Ignored if ProfileEnabled is false.
	ProfilePath string

	// CorrectForJitter is an Open Question left for future use: the
	// diagnostic jitter matrix is never applied to per-device clock diffs
	// regardless of this flag. When true, Device.EnsureSharedTimeBase logs
	// a warning that jitter correction is not implemented rather than
	// silently doing nothing.
	CorrectForJitter bool
}

// DefaultConfig returns Config populated from the environment:
// HCQDEV_WAIT_TIMEOUT_MS, HCQ_PROFILE, HCQ_PROFILE_PATH, HCQ_CORRECT_JITTER.
func DefaultConfig() *Config {
	cfg := &Config{
		WaitTimeoutMs:  constants.DefaultWaitTimeoutMs,
		ProfileEnabled: false,
		ProfilePath:    "",
	}
	if v := os.Getenv("HCQDEV_WAIT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WaitTimeoutMs = n
		}
	}
	if v := os.Getenv("HCQ_PROFILE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ProfileEnabled = b
		}
	}
	if v := os.Getenv("HCQ_PROFILE_PATH"); v != "" {
		cfg.ProfilePath = v
	}
	if v := os.Getenv("HCQ_CORRECT_JITTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CorrectForJitter = b
		}
	}
	return cfg
}

var (
	defaultConfig     *Config
	defaultConfigOnce sync.Once
	defaultConfigMu   sync.RWMutex
)

// Default returns the process-wide Config, computed from the environment on
// first use and memoized thereafter (mirrors how internal/logging memoizes
// its default logger).
func Default() *Config {
	defaultConfigOnce.Do(func() {
		defaultConfigMu.Lock()
		defaultConfig = DefaultConfig()
		defaultConfigMu.Unlock()
	})
	defaultConfigMu.RLock()
	defer defaultConfigMu.RUnlock()
	return defaultConfig
}

// SetDefault overrides the process-wide Config, for tests and for callers
// that must configure programmatically before any component calls Default.
func SetDefault(cfg *Config) {
	defaultConfigMu.Lock()
	defer defaultConfigMu.Unlock()
	defaultConfig = cfg
	defaultConfigOnce.Do(func() {}) // ensure Do is considered fired
}
