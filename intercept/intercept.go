// Package intercept installs the client-side hooks that redirect batchable
// outbound calls into the active Batcher instead of letting them reach the
// network directly. It supports both the standard library's http.RoundTripper
// seam and the fasthttp client the rest of batchling's own traffic uses,
// mirroring the teacher's habit of offering parity net/http and fasthttp
// paths (core/providers/utils.go builds both a net/http and fasthttp client
// per provider) so callers on either stack get the same behavior.
package intercept

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/batchlinghq/batchling/registry"
	"github.com/batchlinghq/batchling/schemas"
	"github.com/batchlinghq/batchling/scope"
)

// Transport wraps an http.RoundTripper, routing requests a registered
// provider adapter recognizes as batchable through the active scope's
// Batcher, and passing everything else straight to Next.
type Transport struct {
	Next     http.RoundTripper
	Registry *registry.Registry
}

var (
	installOnce sync.Once
	installed   *Transport
)

// Install replaces http.DefaultTransport with a Transport wrapping it, using
// reg to resolve adapters. Idempotent: subsequent calls are no-ops, matching
// the one-registry-per-process design (a second Batchify call reuses the
// already-installed Transport's Registry via scope's context/global lookup,
// not a second installation).
func Install(reg *registry.Registry) {
	installOnce.Do(func() {
		installed = &Transport{Next: http.DefaultTransport, Registry: reg}
		http.DefaultTransport = installed
	})
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(schemas.InternalBypassHeader) != "" {
		return t.next().RoundTrip(req)
	}

	adapter, ok := t.Registry.Resolve(req.Method, req.URL.Hostname(), req.URL.Path)
	if !ok {
		return t.next().RoundTrip(req)
	}

	b, ok := batcherFromContext(req.Context())
	if !ok {
		return t.next().RoundTrip(req)
	}

	body, err := readAndRestore(req)
	if err != nil {
		return nil, err
	}

	resp, err := b.Submit(req.Context(), req.Method, req.URL.Hostname(), req.URL.Path, adapter, req.Header.Clone(), body)
	if err != nil {
		return nil, err
	}
	return toHTTPResponse(req, resp), nil
}

func (t *Transport) next() http.RoundTripper {
	if t.Next != nil {
		return t.Next
	}
	return http.DefaultTransport
}

func readAndRestore(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func toHTTPResponse(req *http.Request, resp *schemas.HTTPResponse) *http.Response {
	return &http.Response{
		StatusCode:    resp.StatusCode,
		Status:        http.StatusText(resp.StatusCode),
		Header:        resp.Headers,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
}

// FastHTTPClient wraps a *fasthttp.Client the same way Transport wraps
// http.RoundTripper, for callers using the teacher's preferred HTTP stack
// directly instead of net/http.
type FastHTTPClient struct {
	Next     *fasthttp.Client
	Registry *registry.Registry
}

// Do routes req through the active Batcher when the registry recognizes it
// and a scope is active; otherwise it delegates to Next.
func (c *FastHTTPClient) Do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	if len(req.Header.Peek(schemas.InternalBypassHeader)) > 0 {
		return c.Next.Do(req, resp)
	}

	host := string(req.Host())
	path := string(req.URI().Path())
	method := string(req.Header.Method())

	adapter, ok := c.Registry.Resolve(method, host, path)
	if !ok {
		return c.Next.Do(req, resp)
	}

	b, ok := batcherFromContext(ctx)
	if !ok {
		return c.Next.Do(req, resp)
	}

	headers := http.Header{}
	req.Header.VisitAll(func(k, v []byte) {
		headers.Add(string(k), string(v))
	})

	out, err := b.Submit(ctx, method, host, path, adapter, headers, req.Body())
	if err != nil {
		return err
	}

	resp.SetStatusCode(out.StatusCode)
	for k, vs := range out.Headers {
		for _, v := range vs {
			resp.Header.Add(k, v)
		}
	}
	resp.SetBody(out.Body)
	return nil
}

func batcherFromContext(ctx context.Context) (batcherSubmitter, bool) {
	if b, ok := scope.FromContext(ctx); ok {
		return b, true
	}
	if b, ok := scope.ActiveGlobal(); ok {
		return b, true
	}
	return nil, false
}

// batcherSubmitter is the slice of *batcher.Batcher both call sites need,
// named here to avoid importing the batcher package solely for its type name.
type batcherSubmitter interface {
	Submit(ctx context.Context, method, host, endpoint string, adapter schemas.ProviderAdapter, headers http.Header, body []byte) (*schemas.HTTPResponse, error)
}
