package openailike

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/schemas"
)

func testAdapter() *Adapter {
	return New(Variants[0], nil) // openai variant; nil client is fine for pure-function tests
}

func TestIsBatchableRequest(t *testing.T) {
	a := testAdapter()
	require.True(t, a.IsBatchableRequest(http.MethodPost, "api.openai.com", "/v1/chat/completions"))
	require.False(t, a.IsBatchableRequest(http.MethodGet, "api.openai.com", "/v1/chat/completions"))
	require.False(t, a.IsBatchableRequest(http.MethodPost, "api.openai.com", "/v1/files"))
}

func TestExtractModel(t *testing.T) {
	a := testAdapter()
	model, err := a.ExtractModel("/v1/chat/completions", []byte(`{"model":"gpt-4o","messages":[]}`))
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", model)

	_, err = a.ExtractModel("/v1/chat/completions", []byte(`{"messages":[]}`))
	require.Error(t, err)

	_, err = a.ExtractModel("/v1/chat/completions", []byte(`not json`))
	require.Error(t, err)
}

func TestBuildAPIHeaders_DropsUnrelatedHeaders(t *testing.T) {
	a := testAdapter()
	in := http.Header{
		"Authorization": []string{"Bearer sk-test"},
		"Cookie":        []string{"session=abc"},
		"X-Trace-Id":    []string{"trace-1"},
	}
	out := a.BuildAPIHeaders(in)
	require.Equal(t, "Bearer sk-test", out.Get("Authorization"))
	require.Empty(t, out.Get("Cookie"))
	require.Empty(t, out.Get("X-Trace-Id"))
	require.Equal(t, "1", out.Get(schemas.InternalBypassHeader))
}

func TestBuildJSONLLines_PreservesOrder(t *testing.T) {
	a := testAdapter()
	reqs := []*schemas.PendingRequest{
		{CustomID: "req_1", Request: schemas.HTTPRequest{Endpoint: "/v1/chat/completions", Body: []byte(`{"model":"gpt-4o"}`)}},
		{CustomID: "req_2", Request: schemas.HTTPRequest{Endpoint: "/v1/chat/completions", Body: []byte(`{"model":"gpt-4o"}`)}},
	}
	lines, err := a.BuildJSONLLines(reqs)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Contains(t, string(lines[0]), "req_1")
	require.Contains(t, string(lines[1]), "req_2")
}

func TestBuildJSONLLines_RejectsMalformedBody(t *testing.T) {
	a := testAdapter()
	reqs := []*schemas.PendingRequest{
		{CustomID: "req_1", Request: schemas.HTTPRequest{Endpoint: "/v1/chat/completions", Body: []byte(`not json`)}},
	}
	_, err := a.BuildJSONLLines(reqs)
	require.Error(t, err)
}

func TestTogetherVariant_NestedJobResponse(t *testing.T) {
	v := Variants[5]
	require.Equal(t, "together", v.Name)
	require.True(t, v.NestedJobResponse)
}

func TestMistralVariant_PluralInputFiles(t *testing.T) {
	v := Variants[4]
	require.Equal(t, "mistral", v.Name)
	require.True(t, v.PluralInputFiles)
	require.True(t, v.IncludeModelInSubmit)
	require.Equal(t, "mistral", v.StatusVocabulary)
	require.Equal(t, "output_file", v.OutputFileField)
}

func TestMistralVariant_StatusVocabularyMapsToTerminalStates(t *testing.T) {
	a := New(Variants[4], nil)
	terminal := a.TerminalStates()

	require.True(t, terminal[a.toBatchStatus("SUCCESS")], "SUCCESS must map to a terminal status")
	require.False(t, terminal[a.toBatchStatus("QUEUED")])
	require.False(t, terminal[a.toBatchStatus("RUNNING")])
	require.True(t, terminal[a.toBatchStatus("FAILED")])
	require.True(t, terminal[a.toBatchStatus("CANCELLED")])
}

func TestMistralVariant_OutputFileFieldName(t *testing.T) {
	a := New(Variants[4], nil)
	require.Equal(t, "output_file", a.outputFileField())
	require.Equal(t, "", a.errorFileField())
}
