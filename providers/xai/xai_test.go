package xai

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/schemas"
)

func TestIsBatchableRequest(t *testing.T) {
	a := New(nil)
	require.True(t, a.IsBatchableRequest(http.MethodPost, hostname, "/v1/chat/completions"))
	require.False(t, a.IsBatchableRequest(http.MethodPost, hostname, "/v1/batches"))
}

func TestExtractModel(t *testing.T) {
	a := New(nil)
	model, err := a.ExtractModel("/v1/chat/completions", []byte(`{"model":"grok-4","messages":[]}`))
	require.NoError(t, err)
	require.Equal(t, "grok-4", model)
}

func TestBuildJSONLLines_UsesBatchRequestIDField(t *testing.T) {
	a := New(nil)
	reqs := []*schemas.PendingRequest{
		{CustomID: "req_1", Request: schemas.HTTPRequest{Body: []byte(`{"model":"grok-4"}`)}},
	}
	lines, err := a.BuildJSONLLines(reqs)
	require.NoError(t, err)
	require.Contains(t, string(lines[0]), `"batch_request_id":"req_1"`)
}
