// Package scope binds an active Batcher to the ambient execution context, the
// Go-native reading of the source system's context-variable-based activation
// object: entry stores the Batcher under a context.Context value; exit drains
// and flushes it. A process-wide atomic fallback covers callers that never
// thread the returned context through to their HTTP call sites, mirroring the
// teacher's habit of offering both an explicit context type
// (schemas.BifrostContext) and ambient globals for ergonomics.
package scope

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/batchlinghq/batchling/batcher"
	"github.com/batchlinghq/batchling/schemas"
)

type contextKey struct{}

var activeKey = contextKey{}

// global is the process-wide fallback pointer, set by the innermost open
// Scope and cleared on its Close. Interception reads context first, this
// second.
var global atomic.Pointer[batcher.Batcher]

// Scope is the bracketed activation object returned by Enter.
type Scope struct {
	b *batcher.Batcher
}

// Enter binds b as the active Batcher for ctx (and, as a fallback, globally)
// and returns the Scope plus the context callers should propagate to their
// HTTP call sites.
func Enter(ctx context.Context, b *batcher.Batcher) (*Scope, context.Context) {
	global.Store(b)
	return &Scope{b: b}, context.WithValue(ctx, activeKey, b)
}

// FromContext returns the Batcher bound to ctx, if any.
func FromContext(ctx context.Context) (*batcher.Batcher, bool) {
	b, ok := ctx.Value(activeKey).(*batcher.Batcher)
	return b, ok
}

// ActiveGlobal returns the process-wide fallback Batcher, if any scope is
// currently open. Used only when a caller issues a request without the
// scope's context in hand.
func ActiveGlobal() (*batcher.Batcher, bool) {
	b := global.Load()
	return b, b != nil
}

// Close unbinds the Scope and flushes its Batcher: pending queues are
// drained and submitted, and polling loops are awaited to completion (or
// until deferred-exit fires). Close always blocks until flushed — Go has no
// event loop whose absence would make that impossible, so the source
// system's "warn if sync without an event loop" case does not arise here.
func (s *Scope) Close(ctx context.Context) error {
	if global.Load() == s.b {
		global.Store(nil)
	}
	err := s.b.Close(ctx)
	if errors.Is(err, schemas.ErrDeferredExit) {
		return nil
	}
	return err
}
