package batcher

import (
	"github.com/batchlinghq/batchling/schemas"
)

// activeBatch is a freshly submitted provider batch whose results are being
// polled, keyed by the custom ids of the requests it was built from.
type activeBatch struct {
	adapter    schemas.ProviderAdapter
	queueKey   schemas.QueueKey
	batchID    string
	resume     schemas.ResumeContext
	byCustomID map[string]*schemas.PendingRequest
}

// resumedKey identifies a batch attached-to via a cache hit rather than
// freshly submitted.
type resumedKey struct {
	provider string
	host     string
	batchID  string
}

// resumedBatch fans a single provider batch id out to every in-process
// caller whose request hashed to the same cache row. waiters is keyed by the
// provider custom_id recorded in the cache entry; hashByCustomID lets a
// decode/poll failure invalidate exactly the offending rows.
type resumedBatch struct {
	adapter       schemas.ProviderAdapter
	resume        schemas.ResumeContext
	batchID       string
	waiters       map[string][]*schemas.PendingRequest
	hashByCustomID map[string]string
}

func newResumedBatch(adapter schemas.ProviderAdapter, resume schemas.ResumeContext, batchID string) *resumedBatch {
	return &resumedBatch{
		adapter:        adapter,
		resume:         resume,
		batchID:        batchID,
		waiters:        make(map[string][]*schemas.PendingRequest),
		hashByCustomID: make(map[string]string),
	}
}

// allHashes returns every request hash currently attached, for invalidation.
func (rb *resumedBatch) allHashes() []string {
	hashes := make([]string, 0, len(rb.hashByCustomID))
	for _, h := range rb.hashByCustomID {
		hashes = append(hashes, h)
	}
	return hashes
}

// allWaiters flattens every waiting request across custom ids.
func (rb *resumedBatch) allWaiters() []*schemas.PendingRequest {
	var all []*schemas.PendingRequest
	for _, reqs := range rb.waiters {
		all = append(all, reqs...)
	}
	return all
}
