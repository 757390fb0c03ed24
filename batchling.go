// Package batchling transparently reroutes synchronous generative-model HTTP
// calls into the upstream provider's async batch API, holding each caller's
// request open until the batch completes and handing back a reconstructed
// per-call response. Batchify is the only entry point most callers need;
// everything else (batcher, cache, registry, providers) is assembled from it.
//
// Grounded on the teacher's top-level bifrost.go: a single constructor that
// validates configuration, wires its account/provider/plugin stores, and
// returns one façade object the rest of the program holds onto.
package batchling

import (
	"context"
	"fmt"

	"github.com/batchlinghq/batchling/batcher"
	"github.com/batchlinghq/batchling/cache"
	"github.com/batchlinghq/batchling/intercept"
	"github.com/batchlinghq/batchling/network"
	"github.com/batchlinghq/batchling/providers/anthropic"
	"github.com/batchlinghq/batchling/providers/gemini"
	"github.com/batchlinghq/batchling/providers/openailike"
	"github.com/batchlinghq/batchling/providers/xai"
	"github.com/batchlinghq/batchling/registry"
	"github.com/batchlinghq/batchling/schemas"
	"github.com/batchlinghq/batchling/scope"
)

// Config aggregates everything Batchify needs: batching policy
// (batcher.Config), cache location, logging, and outbound proxy settings.
type Config struct {
	Batching batcher.Config // zero value uses batcher's built-in defaults

	Cache     bool
	CachePath string // empty uses cache.DefaultPath

	Logger schemas.Logger // nil uses schemas.NewDefaultLogger(schemas.LogLevelInfo)
	Proxy  *network.ProxyConfig
}

// Batchify builds the provider registry, opens the cache store, constructs a
// Batcher from cfg, installs client-side interception, and binds the
// resulting Batcher as the active scope. Callers propagate the returned
// context to their HTTP call sites (or rely on the process-wide fallback) and
// call Scope.Close when done to flush outstanding batches.
func Batchify(ctx context.Context, cfg Config) (*scope.Scope, context.Context, error) {
	log := cfg.Logger
	if log == nil {
		log = schemas.NewDefaultLogger(schemas.LogLevelInfo)
	}

	clientFactory := network.NewClientFactory(cfg.Proxy)

	reg, err := registry.New(allAdapters(clientFactory)...)
	if err != nil {
		return nil, nil, fmt.Errorf("batchling: build registry: %w", err)
	}

	var store *cache.Store
	if cfg.Cache {
		path := cfg.CachePath
		if path == "" {
			path, err = cache.DefaultPath()
			if err != nil {
				return nil, nil, fmt.Errorf("batchling: resolve cache path: %w", err)
			}
		}
		store, err = cache.Open(path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("batchling: open cache: %w", err)
		}
		store.StartCleaner()
	}

	bcfg := cfg.Batching
	bcfg.Cache = cfg.Cache
	b := batcher.New(bcfg, store, log)

	intercept.Install(reg)

	sc, scopedCtx := scope.Enter(ctx, b)
	return sc, scopedCtx, nil
}

func allAdapters(client *network.ClientFactory) []schemas.ProviderAdapter {
	adapters := make([]schemas.ProviderAdapter, 0, 9)
	for _, a := range openailike.NewAll(client) {
		adapters = append(adapters, a)
	}
	adapters = append(adapters,
		anthropic.New(client),
		gemini.New(client),
		xai.New(client),
	)
	return adapters
}
