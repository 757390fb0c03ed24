package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/schemas"
)

// TestStaleWindowTimerFireDoesNotDrainNewerGeneration exercises the race the
// generation id guards against: a window timer's AfterFunc goroutine reaches
// fireWindowTimer after a size-threshold drain already removed and replaced
// it. Without the generation check, the stale fire would drain whatever a
// newer enqueue just put in the queue, submitting it before its own window
// elapses.
func TestStaleWindowTimerFireDoesNotDrainNewerGeneration(t *testing.T) {
	adapter := newFakeAdapter("fake")
	b := New(Config{BatchSize: 100, BatchWindow: time.Hour, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b.Close(context.Background())

	key := schemas.QueueKey{Provider: "fake", Endpoint: "/v1/chat/completions", Model: "fake-model"}

	req1 := &schemas.PendingRequest{CustomID: "req_1", QueueKey: key, Adapter: adapter, Result: make(chan schemas.PendingResult, 1)}
	b.enqueue(req1)

	b.mu.Lock()
	staleGen := b.windowTimers[key].gen
	drained := b.drainLocked(key) // simulate a size-threshold drain winning the race
	b.mu.Unlock()
	require.Len(t, drained, 1)

	b.wg.Add(1)
	go b.processBatch(context.Background(), drained, key)
	<-req1.Result

	// A second request for the same key arrives and arms a fresh timer.
	req2 := &schemas.PendingRequest{CustomID: "req_2", QueueKey: key, Adapter: adapter, Result: make(chan schemas.PendingResult, 1)}
	b.enqueue(req2)

	// The original timer's AfterFunc fires late, under the stale generation.
	b.fireWindowTimer(key, staleGen)

	b.mu.Lock()
	_, stillArmed := b.windowTimers[key]
	pending := len(b.pendingByQueue[key])
	b.mu.Unlock()

	require.True(t, stillArmed, "the newer timer must still be armed")
	require.Equal(t, 1, pending, "req2 must remain queued, not drained by the stale fire")
}
