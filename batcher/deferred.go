package batcher

import (
	"time"

	"github.com/batchlinghq/batchling/schemas"
)

// deferredCheckInterval is the longest interval between the watchdog's idle
// checks. runDeferredWatchdog uses half of DeferredIdle instead when that is
// shorter, so the idle window is honored tightly.
const deferredCheckInterval = 2 * time.Second

// runDeferredWatchdog is only started when Config.Deferred is true. It waits
// for the scope to go idle (no intercepted call within DeferredIdle) with
// every pending queue empty, then cancels bgCtx so the remaining poll/cache-hit
// tasks unwind and Close returns promptly instead of waiting out a long poll tail.
func (b *Batcher) runDeferredWatchdog() {
	defer b.wg.Done()

	interval := deferredCheckInterval
	if half := b.cfg.DeferredIdle / 2; half > 0 && half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.bgCtx.Done():
			return
		case <-b.closing:
			return
		case <-ticker.C:
		}

		if !b.idleLongEnough() {
			continue
		}
		if !b.onlyBackgroundWorkRemains() {
			continue
		}

		b.deferredExitErr.Store(schemas.ErrDeferredExit)
		b.bgCancel()
		return
	}
}

func (b *Batcher) idleLongEnough() bool {
	return time.Since(b.lastInterceptedAt.Load()) >= b.cfg.DeferredIdle
}

// onlyBackgroundWorkRemains reports whether every pending queue is empty.
// Submissions already drained from their queue are not counted: one can still
// be in flight when this returns true, and the poll task it then starts fails
// its requests with the cancelled bgCtx's error.
func (b *Batcher) onlyBackgroundWorkRemains() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.pendingByQueue {
		if len(q) > 0 {
			return false
		}
	}
	return true
}
