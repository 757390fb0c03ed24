package batcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/batchlinghq/batchling/schemas"
)

// invalidatesCache reports whether err is a decode failure (any DecodeError),
// an "unknown batch" (404) response from the provider, or a missing result,
// the only failure classes the cache-invalidation policy covers. Other
// ProviderAPIErrors and network errors do not invalidate: the same batch id
// is likely still good on the next try.
func invalidatesCache(err error) bool {
	if err == nil {
		return false
	}
	var decodeErr *schemas.DecodeError
	if errors.As(err, &decodeErr) {
		return true
	}
	var apiErr *schemas.ProviderAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	var missingErr *schemas.MissingResultError
	return errors.As(err, &missingErr)
}

// tryCacheHit looks up req's request hash in the cache store. On a miss it
// returns (false, nil) so the caller falls back to a fresh enqueue. On a hit
// under dry-run, it resolves req's slot immediately with a synthetic
// cache-hit response. On a hit in live mode, it attaches req to the
// resumed-batch fan-in table, starting a poll task on first attach.
func (b *Batcher) tryCacheHit(ctx context.Context, req *schemas.PendingRequest) (bool, error) {
	entry, err := b.store.GetByHash(ctx, req.RequestHash)
	if err != nil {
		b.log.Error(err)
		return false, nil
	}
	if entry == nil {
		return false, nil
	}

	if b.cfg.DryRun {
		b.resolveDryRun([]*schemas.PendingRequest{req}, true)
		return true, nil
	}

	key := resumedKey{provider: entry.Provider, host: entry.Host, batchID: entry.BatchID}

	b.resumedMu.Lock()
	rb, exists := b.resumedBatches[key]
	if !exists {
		resume, rcErr := req.Adapter.BuildResumeContext(entry.Host, req.Request.Headers)
		if rcErr != nil {
			b.resumedMu.Unlock()
			return false, rcErr
		}
		rb = newResumedBatch(req.Adapter, *resume, entry.BatchID)
		b.resumedBatches[key] = rb
		b.wg.Add(1)
		go b.pollResumedBatch(key, rb)
	}
	rb.waiters[entry.CustomID] = append(rb.waiters[entry.CustomID], req)
	rb.hashByCustomID[entry.CustomID] = req.RequestHash
	b.resumedMu.Unlock()

	return true, nil
}

// pollResumedBatch mirrors pollActiveBatch but fans results out to N waiting
// callers per custom id instead of exactly one, and invalidates cache rows
// instead of just failing slots when the batch turns out to be stale.
func (b *Batcher) pollResumedBatch(key resumedKey, rb *resumedBatch) {
	defer b.wg.Done()

	terminal := rb.adapter.TerminalStates()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.bgCtx.Done():
			b.finishResumedBatch(key, rb, b.bgCtx.Err(), false)
			return
		case <-ticker.C:
		}

		poll, err := rb.adapter.Poll(b.bgCtx, rb.resume, rb.batchID)
		if err != nil {
			b.finishResumedBatch(key, rb, err, invalidatesCache(err))
			return
		}
		if !terminal[poll.Status] {
			continue
		}

		results, err := rb.adapter.FetchResults(b.bgCtx, rb.resume, *poll)
		if err != nil {
			b.finishResumedBatch(key, rb, err, invalidatesCache(err))
			return
		}

		// Swap out the waiters and remove rb from the table in the same
		// critical section. Removing it here, rather than after the fan-out
		// below, closes the window a late tryCacheHit could otherwise attach
		// into: any attach that wins the race for resumedMu before this point
		// lands in the remaining map we're about to drain (and gets matched
		// or MissingResultError'd below); any attach that loses the race sees
		// the key gone from b.resumedBatches and starts a new resumed batch,
		// with its own poll loop, for the same batch id instead of hanging on
		// a batch that already fetched results.
		b.resumedMu.Lock()
		remaining := rb.waiters
		hashByCustomID := rb.hashByCustomID
		delete(b.resumedBatches, key)
		b.resumedMu.Unlock()

		for _, res := range results {
			waiting, ok := remaining[res.CustomID]
			if !ok {
				continue
			}
			delete(remaining, res.CustomID)
			resp := toHTTPResponse(res)
			for _, req := range waiting {
				resolveOnce(req, resp, nil)
			}
		}
		// Whatever is left had no matching result line: fail and invalidate.
		var staleHashes []string
		for customID, waiting := range remaining {
			err := &schemas.MissingResultError{CustomID: customID, BatchID: rb.batchID}
			for _, req := range waiting {
				resolveOnce(req, nil, err)
			}
			if h, ok := hashByCustomID[customID]; ok {
				staleHashes = append(staleHashes, h)
			}
		}
		if len(staleHashes) > 0 {
			if err := b.store.DeleteByHashes(b.bgCtx, staleHashes); err != nil {
				b.log.Error(err)
			}
		}
		return
	}
}

// finishResumedBatch removes rb from the table and fails every still-waiting
// request with err. invalidate additionally deletes their cache rows, and
// must only be set for decode-broken or unknown-batch failures per the cache
// invalidation policy: network/provider-transient errors fail the waiters but
// leave the cache entry intact so the next call can retry the same batch id.
// Only called on the error paths (ctx cancellation, poll/fetch failure); the
// happy path in pollResumedBatch removes rb and resolves its waiters inline
// so the removal happens atomically with the final swap of rb.waiters.
func (b *Batcher) finishResumedBatch(key resumedKey, rb *resumedBatch, err error, invalidate bool) {
	b.resumedMu.Lock()
	waiters := rb.allWaiters()
	hashes := rb.allHashes()
	delete(b.resumedBatches, key)
	b.resumedMu.Unlock()

	for _, req := range waiters {
		resolveOnce(req, nil, err)
	}
	if invalidate && len(hashes) > 0 {
		if delErr := b.store.DeleteByHashes(b.bgCtx, hashes); delErr != nil {
			b.log.Error(delErr)
		}
	}
}
