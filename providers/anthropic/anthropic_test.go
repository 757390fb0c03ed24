package anthropic

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/schemas"
)

func TestIsBatchableRequest(t *testing.T) {
	a := New(nil)
	require.True(t, a.IsBatchableRequest(http.MethodPost, hostname, "/v1/messages"))
	require.False(t, a.IsBatchableRequest(http.MethodPost, hostname, "/v1/messages/batches"))
	require.False(t, a.IsBatchableRequest(http.MethodGet, hostname, "/v1/messages"))
}

func TestExtractModel(t *testing.T) {
	a := New(nil)
	model, err := a.ExtractModel("/v1/messages", []byte(`{"model":"claude-3-5-sonnet","messages":[]}`))
	require.NoError(t, err)
	require.Equal(t, "claude-3-5-sonnet", model)

	_, err = a.ExtractModel("/v1/messages", []byte(`{}`))
	require.Error(t, err)
}

func TestBuildAPIHeaders_DefaultsVersion(t *testing.T) {
	a := New(nil)
	out := a.BuildAPIHeaders(http.Header{"X-Api-Key": []string{"sk-ant-test"}})
	require.Equal(t, "sk-ant-test", out.Get("X-Api-Key"))
	require.Equal(t, "2023-06-01", out.Get("Anthropic-Version"))
	require.Equal(t, "1", out.Get(schemas.InternalBypassHeader))
}

func TestTerminalStates(t *testing.T) {
	a := New(nil)
	terminal := a.TerminalStates()
	require.True(t, terminal[schemas.BatchStatusEnded])
	require.False(t, terminal[schemas.BatchStatusInProgress])
}

func TestBuildJSONLLines(t *testing.T) {
	a := New(nil)
	reqs := []*schemas.PendingRequest{
		{CustomID: "req_1", Request: schemas.HTTPRequest{Body: []byte(`{"model":"claude-3-5-sonnet","messages":[]}`)}},
	}
	lines, err := a.BuildJSONLLines(reqs)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Contains(t, string(lines[0]), "req_1")
	require.Contains(t, string(lines[0]), `"params"`)
}
