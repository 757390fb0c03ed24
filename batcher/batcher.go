// Package batcher implements the transparent batching core: per-queue-key
// accumulation, window timers, size-threshold draining, provider submission,
// polling, cache-hit resumption, and result fan-out.
//
// Grounded in shape on the teacher's core/bifrost.go worker/queue lifecycle
// (mutex-guarded maps, background goroutines tracked by a WaitGroup so Close
// can await them) and framework/logstore/cleaner.go's periodic-goroutine
// idiom, reused here for the deferred-exit watchdog.
package batcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/batchlinghq/batchling/cache"
	"github.com/batchlinghq/batchling/internal/canonjson"
	"github.com/batchlinghq/batchling/schemas"
)

// Batcher is the per-scope batching engine. One Batcher is created per
// Scope; it must not be shared across scopes with different configuration.
type Batcher struct {
	cfg   Config
	store *cache.Store // nil if caching disabled
	log   schemas.Logger

	mu             sync.Mutex
	pendingByQueue map[schemas.QueueKey][]*schemas.PendingRequest
	windowTimers   map[schemas.QueueKey]*windowTimer
	timerGen       uint64
	activeBatches  []*activeBatch

	resumedMu      sync.Mutex
	resumedBatches map[resumedKey]*resumedBatch

	wg sync.WaitGroup

	bgCtx    context.Context
	bgCancel context.CancelFunc
	closing  chan struct{} // closed by Close to stop the deferred watchdog without cancelling bgCtx

	lastInterceptedAt atomicTime
	deferredExitErr   atomicError
	closeOnce         sync.Once
}

// New constructs a Batcher. store may be nil when cfg.Cache is false.
func New(cfg Config, store *cache.Store, log schemas.Logger) *Batcher {
	cfg = cfg.withDefaults()
	bgCtx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		cfg:            cfg,
		store:          store,
		log:            log,
		pendingByQueue: make(map[schemas.QueueKey][]*schemas.PendingRequest),
		windowTimers:   make(map[schemas.QueueKey]*windowTimer),
		resumedBatches: make(map[resumedKey]*resumedBatch),
		bgCtx:          bgCtx,
		bgCancel:       cancel,
		closing:        make(chan struct{}),
	}
	b.lastInterceptedAt.Store(time.Now())
	if cfg.Deferred {
		b.wg.Add(1)
		go b.runDeferredWatchdog()
	}
	return b
}

// Submit is the single entry point the interception layer calls for every
// batchable request. It blocks until the request's result slot resolves.
func (b *Batcher) Submit(ctx context.Context, method, host, endpoint string, adapter schemas.ProviderAdapter, headers http.Header, body []byte) (*schemas.HTTPResponse, error) {
	if err := b.deferredExitErr.Load(); err != nil {
		return nil, err
	}
	b.lastInterceptedAt.Store(time.Now())

	model, err := adapter.ExtractModel(endpoint, body)
	if err != nil {
		return nil, err
	}
	queueKey := schemas.QueueKey{Provider: adapter.Name(), Endpoint: endpoint, Model: model}

	customID := newCustomID()
	requestHash := b.fingerprint(adapter.Name(), endpoint, model, host, body)

	req := &schemas.PendingRequest{
		CustomID: customID,
		QueueKey: queueKey,
		Request: schemas.HTTPRequest{
			Method:   method,
			Host:     host,
			Scheme:   "https",
			Endpoint: endpoint,
			Headers:  headers,
			Body:     body,
		},
		Adapter:     adapter,
		RequestHash: requestHash,
		Result:      make(chan schemas.PendingResult, 1),
	}

	if b.cfg.Cache && b.store != nil && requestHash != "" {
		attached, err := b.tryCacheHit(ctx, req)
		if err != nil {
			return nil, err
		}
		if attached {
			return b.await(ctx, req)
		}
	}

	b.enqueue(req)
	return b.await(ctx, req)
}

// fingerprint computes the stable request hash, or "" if the body is not
// cacheable (missing or non-JSON).
func (b *Batcher) fingerprint(provider, endpoint, model, host string, body []byte) string {
	var parsed any
	if len(body) == 0 {
		return ""
	}
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	canon, err := canonjson.Marshal(map[string]any{
		"provider": provider,
		"endpoint": endpoint,
		"model":    model,
		"host":     host,
		"body":     parsed,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

func (b *Batcher) await(ctx context.Context, req *schemas.PendingRequest) (*schemas.HTTPResponse, error) {
	select {
	case res := <-req.Result:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveOnce is the single place a slot is ever written to, structurally
// preventing double-resolution: the channel is buffer-1 and each
// PendingRequest is only ever handed to one of enqueue/attach, never both.
func resolveOnce(req *schemas.PendingRequest, resp *schemas.HTTPResponse, err error) {
	req.Result <- schemas.PendingResult{Response: resp, Err: err}
}

func failAll(requests []*schemas.PendingRequest, err error) {
	for _, r := range requests {
		resolveOnce(r, nil, err)
	}
}

// Close cancels all window timers, drains and submits every pending queue,
// awaits running submission/poll tasks, and then closes the cache store the
// Batcher was given (if any). Idempotent.
func (b *Batcher) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		close(b.closing)

		b.mu.Lock()
		keys := make([]schemas.QueueKey, 0, len(b.pendingByQueue))
		for k := range b.pendingByQueue {
			keys = append(keys, k)
		}
		for _, k := range keys {
			drained := b.drainLocked(k)
			if len(drained) > 0 {
				b.wg.Add(1)
				go b.processBatch(ctx, drained, k)
			}
		}
		b.mu.Unlock()

		b.wg.Wait()

		if err := b.deferredExitErr.Load(); err != nil {
			closeErr = err
		}
		if b.store != nil {
			if err := b.store.Close(); err != nil && closeErr == nil {
				closeErr = fmt.Errorf("batcher: close cache store: %w", err)
			}
		}
	})
	return closeErr
}
