package batcher

import "time"

// Config carries every tunable the Batcher exposes, mirroring the teacher's
// DefaultNetworkConfig pattern: a zero Config means "use the defaults",
// applied in New rather than scattered through call sites.
type Config struct {
	// BatchSize is the per-queue-key size threshold that triggers an
	// immediate drain. Zero means DefaultBatchSize.
	BatchSize int
	// BatchWindow is how long a non-empty queue waits before it is drained
	// and submitted even if BatchSize was never reached. Zero means
	// DefaultBatchWindow.
	BatchWindow time.Duration
	// PollInterval is the cadence of the batch-status polling loop. Zero
	// means DefaultPollInterval.
	PollInterval time.Duration
	// DryRun disables all provider I/O and cache writes; every batchable
	// request resolves immediately with a synthesized success response.
	DryRun bool
	// Cache enables cache lookup and write (write is a no-op under DryRun).
	Cache bool
	// Deferred enables the idle-exit watchdog.
	Deferred bool
	// DeferredIdle is the idle threshold the watchdog waits for before
	// signaling exit. Zero means DefaultDeferredIdle.
	DeferredIdle time.Duration
}

const (
	DefaultBatchSize    = 50
	DefaultBatchWindow  = 2 * time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultDeferredIdle = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DeferredIdle <= 0 {
		c.DeferredIdle = DefaultDeferredIdle
	}
	return c
}
