// Package registry resolves which provider adapter (if any) owns a given
// outbound HTTP call, by hostname suffix and batchable-endpoint match.
//
// Grounded on the teacher's fail-fast startup validation style (duplicate
// registration is a startup error, not a runtime one) seen throughout
// core/bifrost.go's account/provider validation.
package registry

import (
	"fmt"
	"strings"

	"github.com/batchlinghq/batchling/schemas"
)

// Registry is a static, built-once table of provider adapters.
type Registry struct {
	byHostSuffix map[string][]schemas.ProviderAdapter
}

// ErrDuplicateRegistration is returned by New when two adapters both claim to
// be batchable for the same (method, host, path) triple for some probe the
// registry can detect at construction time (two adapters sharing a hostname).
type ErrDuplicateRegistration struct {
	Host string
}

func (e *ErrDuplicateRegistration) Error() string {
	return fmt.Sprintf("registry: multiple adapters registered for host suffix %q", e.Host)
}

// hostnames is implemented by adapters that also expose their registered
// suffixes, so the registry can index them. Adapters satisfy it with an
// exported Hostnames method, which is not part of the ProviderAdapter
// interface; New rejects an adapter that lacks it.
type hostnames interface {
	Hostnames() []string
}

// New builds a Registry from a set of adapters, each paired with the hostname
// suffixes it serves. Fails fast if two adapters claim the same suffix.
func New(adapters ...schemas.ProviderAdapter) (*Registry, error) {
	r := &Registry{byHostSuffix: make(map[string][]schemas.ProviderAdapter)}
	seen := make(map[string]string) // host suffix -> adapter name
	for _, a := range adapters {
		hn, ok := a.(hostnames)
		if !ok {
			return nil, fmt.Errorf("registry: adapter %s does not expose Hostnames()", a.Name())
		}
		for _, h := range hn.Hostnames() {
			h = strings.ToLower(h)
			if owner, exists := seen[h]; exists && owner != a.Name() {
				return nil, &ErrDuplicateRegistration{Host: h}
			}
			seen[h] = a.Name()
			r.byHostSuffix[h] = append(r.byHostSuffix[h], a)
		}
	}
	return r, nil
}

// Resolve returns the adapter that recognizes (method, host, path), or
// (nil, false) if none does — the interception layer treats that as
// schemas.ErrAdapterMatchMissing and passes the request through untouched.
func (r *Registry) Resolve(method, host, path string) (schemas.ProviderAdapter, bool) {
	host = strings.ToLower(host)
	for suffix, candidates := range r.byHostSuffix {
		if !strings.HasSuffix(host, suffix) {
			continue
		}
		for _, a := range candidates {
			if a.IsBatchableRequest(method, host, path) {
				return a, true
			}
		}
	}
	return nil, false
}
