package batcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/batchlinghq/batchling/cache"
	"github.com/batchlinghq/batchling/schemas"
)

// processBatch runs in its own goroutine (tracked by b.wg) so enqueue callers
// and window timers are never blocked on submission or polling; Close waits
// for it through b.wg.
func (b *Batcher) processBatch(ctx context.Context, requests []*schemas.PendingRequest, queueKey schemas.QueueKey) {
	defer b.wg.Done()

	if b.cfg.DryRun {
		ab := &activeBatch{
			adapter:  requests[0].Adapter,
			queueKey: queueKey,
			batchID:  "dryrun_" + newCustomID(),
		}
		b.mu.Lock()
		b.activeBatches = append(b.activeBatches, ab)
		b.mu.Unlock()

		b.resolveDryRun(requests, false)

		b.removeActiveBatch(ab)
		return
	}

	adapter := requests[0].Adapter
	apiHeaders := adapter.BuildAPIHeaders(requests[0].Request.Headers)
	host := requests[0].Request.Host

	outcome, err := adapter.Submit(ctx, requests, queueKey, apiHeaders, host)
	if err != nil {
		failAll(requests, err)
		return
	}

	if b.cfg.Cache && b.store != nil {
		b.persistCacheEntries(ctx, requests, queueKey, host, outcome.BatchID)
	}

	byCustomID := make(map[string]*schemas.PendingRequest, len(requests))
	for _, r := range requests {
		byCustomID[r.CustomID] = r
	}
	ab := &activeBatch{
		adapter:  adapter,
		queueKey: queueKey,
		batchID:  outcome.BatchID,
		resume:   schemas.ResumeContext{BaseURL: outcome.BaseURL, APIHeaders: outcome.APIHeaders},
		byCustomID: byCustomID,
	}
	b.mu.Lock()
	b.activeBatches = append(b.activeBatches, ab)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pollActiveBatch(ab)
}

// resolveDryRun synthesizes a 200 response for every request without
// contacting any provider. cacheHit marks the response as having come from
// the fast cache-hit path rather than a fresh (simulated) submission.
func (b *Batcher) resolveDryRun(requests []*schemas.PendingRequest, cacheHit bool) {
	for _, r := range requests {
		body, _ := sonic.Marshal(map[string]any{
			"dry_run":   true,
			"custom_id": r.CustomID,
			"provider":  r.Adapter.Name(),
			"status":    "simulated",
		})
		headers := http.Header{
			"Content-Type":        []string{"application/json"},
			"X-Batchling-Dry-Run": []string{"1"},
		}
		if cacheHit {
			headers.Set("X-Batchling-Cache-Hit", "1")
		}
		resolveOnce(r, &schemas.HTTPResponse{StatusCode: http.StatusOK, Headers: headers, Body: body}, nil)
	}
}

func (b *Batcher) persistCacheEntries(ctx context.Context, requests []*schemas.PendingRequest, queueKey schemas.QueueKey, host, batchID string) {
	entries := make([]cache.Entry, 0, len(requests))
	now := time.Now().UTC()
	for _, r := range requests {
		if r.RequestHash == "" {
			continue
		}
		entries = append(entries, cache.Entry{
			RequestHash: r.RequestHash,
			Provider:    queueKey.Provider,
			Endpoint:    queueKey.Endpoint,
			Model:       queueKey.Model,
			Host:        host,
			BatchID:     batchID,
			CustomID:    r.CustomID,
			CreatedAt:   now,
		})
	}
	if len(entries) == 0 {
		return
	}
	if err := b.store.UpsertMany(ctx, entries); err != nil {
		b.log.Error(fmt.Errorf("batcher: cache upsert: %w", err))
		return
	}
	if err := b.store.DeleteOlderThan(ctx, now.Add(-cache.Retention)); err != nil {
		b.log.Error(fmt.Errorf("batcher: cache retention sweep: %w", err))
	}
}

// pollActiveBatch polls a freshly submitted batch until it reaches a terminal
// state, then fans out decoded results by custom id.
func (b *Batcher) pollActiveBatch(ab *activeBatch) {
	defer b.wg.Done()

	terminal := ab.adapter.TerminalStates()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.bgCtx.Done():
			b.removeActiveBatch(ab)
			failAllMap(ab.byCustomID, b.bgCtx.Err())
			return
		case <-ticker.C:
		}

		poll, err := ab.adapter.Poll(b.bgCtx, ab.resume, ab.batchID)
		if err != nil {
			b.removeActiveBatch(ab)
			failAllMap(ab.byCustomID, err)
			return
		}
		if !terminal[poll.Status] {
			continue
		}

		results, err := ab.adapter.FetchResults(b.bgCtx, ab.resume, *poll)
		if err != nil {
			b.removeActiveBatch(ab)
			failAllMap(ab.byCustomID, err)
			return
		}

		remaining := make(map[string]*schemas.PendingRequest, len(ab.byCustomID))
		for k, v := range ab.byCustomID {
			remaining[k] = v
		}
		for _, res := range results {
			req, ok := remaining[res.CustomID]
			if !ok {
				continue
			}
			delete(remaining, res.CustomID)
			resolveOnce(req, toHTTPResponse(res), nil)
		}
		for customID, req := range remaining {
			resolveOnce(req, nil, &schemas.MissingResultError{CustomID: customID, BatchID: ab.batchID})
		}

		b.removeActiveBatch(ab)
		return
	}
}

func (b *Batcher) removeActiveBatch(ab *activeBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, a := range b.activeBatches {
		if a == ab {
			b.activeBatches = append(b.activeBatches[:i], b.activeBatches[i+1:]...)
			return
		}
	}
}

func failAllMap(byCustomID map[string]*schemas.PendingRequest, err error) {
	for _, req := range byCustomID {
		resolveOnce(req, nil, err)
	}
}

func toHTTPResponse(res schemas.BatchResultItem) *schemas.HTTPResponse {
	status := res.StatusCode
	var body map[string]any
	if res.Error != nil {
		if status == 0 {
			status = http.StatusBadRequest
		}
		body = map[string]any{"error": res.Error}
	} else {
		if status == 0 {
			status = http.StatusOK
		}
		body = res.Body
	}
	encoded, _ := sonic.Marshal(body)
	return &schemas.HTTPResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       encoded,
	}
}
