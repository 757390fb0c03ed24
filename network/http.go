// Package network centralizes the fasthttp client batchling uses for all of
// its own outbound calls to provider batch APIs, plus multipart helpers for
// the providers that upload JSONL files.
package network

import (
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
)

// ClientConfig holds timeout and connection pool tuning for the shared client.
var ClientConfig = struct {
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxIdleConnDuration time.Duration
	MaxConnsPerHost     int
}{
	ReadTimeout:         120 * time.Second,
	WriteTimeout:        120 * time.Second,
	MaxIdleConnDuration: 30 * time.Second,
	MaxConnsPerHost:     200,
}

// ProxyType selects the dialer used when a proxy is configured.
type ProxyType string

const (
	ProxyTypeHTTP   ProxyType = "http"
	ProxyTypeSOCKS5 ProxyType = "socks5"
)

// ProxyConfig configures an optional outbound proxy for provider calls.
type ProxyConfig struct {
	URL           string
	Type          ProxyType
	Username      string
	Password      string
	NoProxy       string // comma-separated bypass patterns, see shouldBypassProxy
	SkipTLSVerify bool
}

// ClientFactory lazily builds and caches a single fasthttp.Client honoring an
// optional proxy configuration. It is safe for concurrent use.
type ClientFactory struct {
	mu     sync.RWMutex
	proxy  *ProxyConfig
	client *fasthttp.Client
}

// NewClientFactory creates a factory. proxy may be nil.
func NewClientFactory(proxy *ProxyConfig) *ClientFactory {
	return &ClientFactory{proxy: proxy}
}

// Client returns the shared fasthttp.Client, building it on first use.
func (f *ClientFactory) Client() *fasthttp.Client {
	f.mu.RLock()
	if f.client != nil {
		c := f.client
		f.mu.RUnlock()
		return c
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client
	}
	f.client = f.build()
	return f.client
}

func (f *ClientFactory) build() *fasthttp.Client {
	client := &fasthttp.Client{
		ReadTimeout:         ClientConfig.ReadTimeout,
		WriteTimeout:        ClientConfig.WriteTimeout,
		MaxIdleConnDuration: ClientConfig.MaxIdleConnDuration,
		MaxConnsPerHost:     ClientConfig.MaxConnsPerHost,
		RetryIfErr:          StaleConnectionRetryIfErr,
	}
	if f.proxy != nil {
		configureProxy(client, f.proxy)
		client.TLSConfig = &tls.Config{
			InsecureSkipVerify: f.proxy.SkipTLSVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}
	return client
}

// StaleConnectionRetryIfErr retries a POST once when the failure looks like a
// stale pooled connection rather than a real request error: fasthttp's default
// RetryIfErr only retries idempotent methods, but batch submission is POST and
// a reused dead connection should not fail the caller's whole batch.
func StaleConnectionRetryIfErr(_ *fasthttp.Request, attempts int, err error) (resetTimeout bool, retry bool) {
	if attempts > 1 || err == nil {
		return false, false
	}
	errStr := err.Error()
	if err == io.EOF ||
		strings.Contains(errStr, "cannot find whitespace") ||
		strings.Contains(errStr, "connection reset by peer") {
		return true, true
	}
	return false, false
}

func shouldBypassProxy(host, pattern string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	switch {
	case pattern == "*":
		return true
	case pattern == host:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:])
	case strings.HasPrefix(pattern, "."):
		return host == pattern[1:] || strings.HasSuffix(host, pattern)
	default:
		return false
	}
}

func buildProxyURLWithAuth(cfg *ProxyConfig) string {
	proxyURL := cfg.URL
	if cfg.Username != "" && cfg.Password != "" {
		if parsed, err := url.Parse(cfg.URL); err == nil {
			parsed.User = url.UserPassword(cfg.Username, cfg.Password)
			proxyURL = parsed.String()
		}
	}
	return proxyURL
}

func configureProxy(client *fasthttp.Client, cfg *ProxyConfig) {
	if cfg.URL == "" {
		return
	}
	proxyURL := buildProxyURLWithAuth(cfg)
	var dial fasthttp.DialFunc
	switch cfg.Type {
	case ProxyTypeHTTP:
		dial = fasthttpproxy.FasthttpHTTPDialer(proxyURL)
	case ProxyTypeSOCKS5:
		dial = fasthttpproxy.FasthttpSocksDialer(proxyURL)
	}
	if dial == nil {
		return
	}
	client.Dial = func(addr string) (net.Conn, error) {
		if cfg.NoProxy != "" {
			host := addr
			if i := strings.LastIndex(addr, ":"); i >= 0 {
				host = addr[:i]
			}
			for _, pattern := range strings.Split(cfg.NoProxy, ",") {
				if shouldBypassProxy(host, pattern) {
					return net.Dial("tcp", addr)
				}
			}
		}
		return dial(addr)
	}
}
