package batcher

import (
	"context"
	"time"

	"github.com/batchlinghq/batchling/schemas"
)

// enqueue appends req to its queue key's pending list, arming the window
// timer on a 0->1 transition and draining immediately if the size threshold
// is reached. Window-timer existence is kept in lockstep with queue
// non-emptiness: every path that can empty a queue also removes its timer.
func (b *Batcher) enqueue(req *schemas.PendingRequest) {
	b.mu.Lock()
	key := req.QueueKey
	b.pendingByQueue[key] = append(b.pendingByQueue[key], req)
	queueLen := len(b.pendingByQueue[key])

	if queueLen == 1 {
		b.armWindowTimer(key)
	}

	var drained []*schemas.PendingRequest
	if queueLen >= b.cfg.BatchSize {
		drained = b.drainLocked(key)
	}
	b.mu.Unlock()

	if len(drained) > 0 {
		b.wg.Add(1)
		go b.processBatch(context.Background(), drained, key)
	}
}

// windowTimer pairs the timer handle with the generation it was armed under,
// so a fire that raced a Stop() (the AfterFunc goroutine was already past the
// stdlib's cancellation check when drainLocked ran) can tell it's stale
// instead of draining a queue a newer timer is now responsible for.
type windowTimer struct {
	timer *time.Timer
	gen   uint64
}

// armWindowTimer starts the window timer for key. Caller holds b.mu.
func (b *Batcher) armWindowTimer(key schemas.QueueKey) {
	b.timerGen++
	gen := b.timerGen
	t := time.AfterFunc(b.cfg.BatchWindow, func() {
		b.fireWindowTimer(key, gen)
	})
	b.windowTimers[key] = &windowTimer{timer: t, gen: gen}
}

// fireWindowTimer runs when a window timer expires. gen is the generation it
// was armed under; if windowTimers[key] no longer holds that same generation
// (because drainLocked already removed it, or a fresh enqueue re-armed a new
// timer after this one fired but before it acquired b.mu), this fire is stale
// and must not drain — that would submit a freshly-enqueued request before
// its own window elapses and delete the timer responsible for it.
func (b *Batcher) fireWindowTimer(key schemas.QueueKey, gen uint64) {
	b.mu.Lock()
	wt, ok := b.windowTimers[key]
	if !ok || wt.gen != gen {
		b.mu.Unlock()
		return
	}
	queue := b.pendingByQueue[key]
	if len(queue) == 0 {
		delete(b.windowTimers, key)
		b.mu.Unlock()
		return
	}
	drained := b.drainLocked(key)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.processBatch(context.Background(), drained, key)
}

// drainLocked removes and returns every pending request for key and cancels
// its window timer. Caller holds b.mu.
func (b *Batcher) drainLocked(key schemas.QueueKey) []*schemas.PendingRequest {
	drained := b.pendingByQueue[key]
	delete(b.pendingByQueue, key)
	if wt, ok := b.windowTimers[key]; ok {
		wt.timer.Stop()
		delete(b.windowTimers, key)
	}
	return drained
}
