package registry

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/providers/anthropic"
	"github.com/batchlinghq/batchling/providers/openailike"
	"github.com/batchlinghq/batchling/schemas"
)

func TestResolve_MatchesByHostAndPath(t *testing.T) {
	openai := openailike.New(openailike.Variants[0], nil)
	claude := anthropic.New(nil)

	reg, err := New(openai, claude)
	require.NoError(t, err)

	adapter, ok := reg.Resolve(http.MethodPost, "api.openai.com", "/v1/chat/completions")
	require.True(t, ok)
	require.Equal(t, "openai", adapter.Name())

	adapter, ok = reg.Resolve(http.MethodPost, "api.anthropic.com", "/v1/messages")
	require.True(t, ok)
	require.Equal(t, "anthropic", adapter.Name())
}

func TestResolve_NoMatch(t *testing.T) {
	openai := openailike.New(openailike.Variants[0], nil)
	reg, err := New(openai)
	require.NoError(t, err)

	_, ok := reg.Resolve(http.MethodPost, "api.openai.com", "/v1/files")
	require.False(t, ok)

	_, ok = reg.Resolve(http.MethodPost, "unknown.example.com", "/v1/chat/completions")
	require.False(t, ok)
}

func TestNew_DuplicateHostFails(t *testing.T) {
	a := openailike.New(openailike.Variants[0], nil)
	b := openailike.New(openailike.Variant{Name: "openai-dup", Hostnames: []string{"api.openai.com"}}, nil)

	_, err := New(a, b)
	require.Error(t, err)
	var dupErr *ErrDuplicateRegistration
	require.ErrorAs(t, err, &dupErr)
}

var _ schemas.ProviderAdapter = (*openailike.Adapter)(nil)
