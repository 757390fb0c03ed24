package gemini

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/schemas"
)

func TestIsBatchableRequest(t *testing.T) {
	a := New(nil)
	require.True(t, a.IsBatchableRequest(http.MethodPost, hostname, "/v1beta/models/gemini-1.5-pro:generateContent"))
	require.False(t, a.IsBatchableRequest(http.MethodPost, hostname, "/v1beta/models/gemini-1.5-pro:streamGenerateContent"))
	require.False(t, a.IsBatchableRequest(http.MethodGet, hostname, "/v1beta/models/gemini-1.5-pro:generateContent"))
}

func TestExtractModel_FromPath(t *testing.T) {
	a := New(nil)
	model, err := a.ExtractModel("/v1beta/models/gemini-1.5-pro:generateContent", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "gemini-1.5-pro", model)

	_, err = a.ExtractModel("/v1beta/files", []byte(`{}`))
	require.Error(t, err)
}

func TestBuildJSONLLines_KeyedByCustomID(t *testing.T) {
	a := New(nil)
	reqs := []*schemas.PendingRequest{
		{CustomID: "req_1", Request: schemas.HTTPRequest{Body: []byte(`{"contents":[]}`)}},
	}
	lines, err := a.BuildJSONLLines(reqs)
	require.NoError(t, err)
	require.Contains(t, string(lines[0]), `"key":"req_1"`)
}

func TestToBatchStatus(t *testing.T) {
	require.Equal(t, schemas.BatchStatusCompleted, toBatchStatus("BATCH_STATE_SUCCEEDED"))
	require.Equal(t, schemas.BatchStatusInProgress, toBatchStatus("BATCH_STATE_RUNNING"))
	require.Equal(t, schemas.BatchStatusFailed, toBatchStatus("BATCH_STATE_FAILED"))
}
