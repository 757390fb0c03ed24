package cache

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	cleanupInterval = 24 * time.Hour
	minJitter       = 5 * time.Minute
	maxJitter       = 15 * time.Minute
)

// Cleaner periodically deletes cache rows past the sliding retention window.
// Grounded on the teacher's framework/logstore/cleaner.go LogsCleaner: same
// jittered-periodic-goroutine shape, re-scoped to Retention instead of a
// configurable log-retention-days setting.
type Cleaner struct {
	store *Store

	mu   sync.Mutex
	stop chan struct{}
}

// NewCleaner builds a Cleaner over store.
func NewCleaner(store *Store) *Cleaner {
	return &Cleaner{store: store}
}

// Start launches the background cleanup goroutine. A no-op if already running.
func (c *Cleaner) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	stopCh := c.stop

	go func() {
		c.runOnce()
		timer := time.NewTimer(nextRunDuration())
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				c.runOnce()
				timer.Reset(nextRunDuration())
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the background goroutine. Safe to call more than once.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.stop = nil
}

func (c *Cleaner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cutoff := time.Now().UTC().Add(-Retention)
	if err := c.store.DeleteOlderThan(ctx, cutoff); err != nil && c.store.log != nil {
		c.store.log.Error(err)
	}
}

func nextRunDuration() time.Duration {
	jitter := minJitter + time.Duration(rand.Int63n(int64(maxJitter-minJitter)))
	return cleanupInterval + jitter
}
