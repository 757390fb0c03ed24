// Package gemini implements Gemini's batch API shape: the model is embedded
// in the URL path rather than the body, file upload is a resumable two-step
// protocol (start, then upload+finalize) driven by X-Goog-Upload-* headers,
// batch status lives at metadata.state, and results are downloaded with
// ?alt=media rather than a plain file-content GET.
//
// The upload step is grounded in style on the teacher's
// core/providers/gemini/gemini.go FileUpload (multipart construction, the
// "/v1beta" -> "/upload/v1beta" base-URL rewrite, fasthttp request
// acquisition) but departs from it in protocol: the teacher's FileUpload is
// a single non-resumable multipart POST, while this implementation performs
// the two-step resumable sequence the batch line count here requires.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/batchlinghq/batchling/network"
	"github.com/batchlinghq/batchling/schemas"
)

const hostname = "generativelanguage.googleapis.com"

// Adapter implements schemas.ProviderAdapter for Gemini's batchGenerateContent API.
type Adapter struct {
	client *network.ClientFactory
}

func New(client *network.ClientFactory) *Adapter { return &Adapter{client: client} }

func (a *Adapter) Name() string        { return "gemini" }
func (a *Adapter) Hostnames() []string { return []string{hostname} }

// IsBatchableRequest matches "/v1beta/models/{model}:generateContent";
// the model segment carries a colon-suffixed action, so this checks the
// prefix and action rather than an exact path.
func (a *Adapter) IsBatchableRequest(method, host, path string) bool {
	if method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(path, "/v1beta/models/") && strings.HasSuffix(path, ":generateContent")
}

func modelFromPath(path string) (string, bool) {
	const prefix = "/v1beta/models/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

func (a *Adapter) ExtractModel(endpoint string, body []byte) (string, error) {
	model, ok := modelFromPath(endpoint)
	if !ok {
		return "", &schemas.RequestShapeError{Reason: "endpoint does not embed a model segment"}
	}
	return model, nil
}

func (a *Adapter) BuildAPIHeaders(requestHeaders http.Header) http.Header {
	out := make(http.Header)
	if v := requestHeaders.Get("X-Goog-Api-Key"); v != "" {
		out.Set("X-Goog-Api-Key", v)
	}
	out.Set(schemas.InternalBypassHeader, "1")
	return out
}

func (a *Adapter) TerminalStates() map[schemas.BatchStatus]bool {
	return map[schemas.BatchStatus]bool{
		schemas.BatchStatusCompleted: true,
		schemas.BatchStatusFailed:    true,
		schemas.BatchStatusCancelled: true,
	}
}

func (a *Adapter) IsFileBased() bool { return true }

func (a *Adapter) BuildJSONLLines(requests []*schemas.PendingRequest) ([][]byte, error) {
	lines := make([][]byte, 0, len(requests))
	for _, req := range requests {
		var body map[string]any
		if err := sonic.Unmarshal(req.Request.Body, &body); err != nil {
			return nil, &schemas.RequestShapeError{Reason: fmt.Sprintf("custom_id %s: body is not valid JSON", req.CustomID)}
		}
		line, err := sonic.Marshal(map[string]any{
			"key":     req.CustomID,
			"request": body,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: encode line for %s: %w", req.CustomID, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func uploadBaseURL(host string) string {
	return "https://" + host + "/upload/v1beta"
}

func apiBaseURL(host string) string {
	return "https://" + host + "/v1beta"
}

// uploadResumable performs the two-step resumable upload protocol: a start
// request that reserves an upload URL, then an upload+finalize request that
// streams the JSONL content to it.
func (a *Adapter) uploadResumable(ctx context.Context, host string, apiHeaders http.Header, jsonl []byte) (string, error) {
	startReq := fasthttp.AcquireRequest()
	startResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(startReq)
	defer fasthttp.ReleaseResponse(startResp)

	metadata, err := sonic.Marshal(map[string]any{
		"file": map[string]string{"displayName": "batch.jsonl"},
	})
	if err != nil {
		return "", err
	}

	startReq.SetRequestURI(uploadBaseURL(host) + "/files")
	startReq.Header.SetMethod(http.MethodPost)
	startReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	startReq.Header.Set("X-Goog-Upload-Command", "start")
	startReq.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.Itoa(len(jsonl)))
	startReq.Header.Set("X-Goog-Upload-Header-Content-Type", "application/jsonl")
	startReq.Header.SetContentType("application/json")
	applyHeaders(startReq, apiHeaders)
	startReq.SetBody(metadata)

	if err := doWithContext(ctx, a.client.Client(), startReq, startResp); err != nil {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if startResp.StatusCode() >= 300 {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: startResp.StatusCode(), Body: append([]byte(nil), startResp.Body()...)}
	}

	uploadURL := string(startResp.Header.Peek("X-Goog-Upload-URL"))
	if uploadURL == "" {
		return "", &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("gemini: upload start response missing X-Goog-Upload-URL")}
	}

	finalizeReq := fasthttp.AcquireRequest()
	finalizeResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(finalizeReq)
	defer fasthttp.ReleaseResponse(finalizeResp)

	finalizeReq.SetRequestURI(uploadURL)
	finalizeReq.Header.SetMethod(http.MethodPost)
	finalizeReq.Header.Set("X-Goog-Upload-Offset", "0")
	finalizeReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	finalizeReq.SetBody(jsonl)

	if err := doWithContext(ctx, a.client.Client(), finalizeReq, finalizeResp); err != nil {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if finalizeResp.StatusCode() >= 300 {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: finalizeResp.StatusCode(), Body: append([]byte(nil), finalizeResp.Body()...)}
	}

	var decoded struct {
		File struct {
			Name string `json:"name"`
			URI  string `json:"uri"`
		} `json:"file"`
	}
	if err := sonic.Unmarshal(finalizeResp.Body(), &decoded); err != nil || decoded.File.URI == "" {
		return "", &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("gemini: finalize response missing file uri")}
	}
	return decoded.File.URI, nil
}

func (a *Adapter) Submit(ctx context.Context, requests []*schemas.PendingRequest, queueKey schemas.QueueKey, apiHeaders http.Header, host string) (*schemas.SubmitOutcome, error) {
	lines, err := a.BuildJSONLLines(requests)
	if err != nil {
		return nil, err
	}
	jsonl := network.JoinJSONLLines(lines)

	fileURI, err := a.uploadResumable(ctx, host, apiHeaders, jsonl)
	if err != nil {
		return nil, err
	}

	body, err := sonic.Marshal(map[string]any{
		"batch": map[string]any{
			"display_name": "batchling",
			"input_config": map[string]any{
				"file_name": fileURI,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/models/%s:batchGenerateContent", apiBaseURL(host), queueKey.Model))
	req.Header.SetMethod(http.MethodPost)
	req.Header.SetContentType("application/json")
	applyHeaders(req, apiHeaders)
	req.SetBody(body)

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}

	var decoded struct {
		Name string `json:"name"`
	}
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil || decoded.Name == "" {
		return nil, &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("gemini: batch create response missing name")}
	}

	return &schemas.SubmitOutcome{BaseURL: apiBaseURL(host), APIHeaders: apiHeaders, BatchID: decoded.Name}, nil
}

func (a *Adapter) BuildResumeContext(host string, headers http.Header) (*schemas.ResumeContext, error) {
	return &schemas.ResumeContext{BaseURL: apiBaseURL(host), APIHeaders: a.BuildAPIHeaders(headers)}, nil
}

func toBatchStatus(state string) schemas.BatchStatus {
	switch state {
	case "BATCH_STATE_RUNNING", "BATCH_STATE_PENDING":
		return schemas.BatchStatusInProgress
	case "BATCH_STATE_SUCCEEDED":
		return schemas.BatchStatusCompleted
	case "BATCH_STATE_FAILED":
		return schemas.BatchStatusFailed
	case "BATCH_STATE_CANCELLED":
		return schemas.BatchStatusCancelled
	default:
		return schemas.BatchStatus(state)
	}
}

func (a *Adapter) Poll(ctx context.Context, resume schemas.ResumeContext, batchID string) (*schemas.PollResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s/%s", resume.BaseURL, batchID))
	req.Header.SetMethod(http.MethodGet)
	applyHeaders(req, resume.APIHeaders)

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}

	var decoded struct {
		Metadata struct {
			State string `json:"state"`
		} `json:"metadata"`
		Response struct {
			ResponsesFile string `json:"responsesFile"`
		} `json:"response"`
	}
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, &schemas.DecodeError{Systemic: true, Err: err}
	}

	out := &schemas.PollResult{Status: toBatchStatus(decoded.Metadata.State)}
	if decoded.Response.ResponsesFile != "" {
		out.ResultsURL = fmt.Sprintf("%s/%s?alt=media", resume.BaseURL, decoded.Response.ResponsesFile)
	}
	return out, nil
}

func (a *Adapter) FetchResults(ctx context.Context, resume schemas.ResumeContext, poll schemas.PollResult) ([]schemas.BatchResultItem, error) {
	if poll.ResultsURL == "" {
		return nil, schemas.ErrBatchNoOutput
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(poll.ResultsURL)
	req.Header.SetMethod(http.MethodGet)
	applyHeaders(req, resume.APIHeaders)

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}

	lines := network.SplitJSONLLines(resp.Body())
	results := make([]schemas.BatchResultItem, 0, len(lines))
	for _, line := range lines {
		var decoded struct {
			Key      string         `json:"key"`
			Response map[string]any `json:"response"`
			Error    map[string]any `json:"error"`
		}
		if err := sonic.Unmarshal(line, &decoded); err != nil {
			return nil, &schemas.DecodeError{Err: fmt.Errorf("gemini: malformed result line: %w", err)}
		}
		item := schemas.BatchResultItem{CustomID: decoded.Key}
		if decoded.Error != nil {
			item.StatusCode = http.StatusBadRequest
			item.Error = decoded.Error
		} else {
			item.StatusCode = http.StatusOK
			item.Body = decoded.Response
		}
		results = append(results, item)
	}
	return results, nil
}

func applyHeaders(req *fasthttp.Request, headers http.Header) {
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
}

func doWithContext(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response) error {
	if deadline, ok := ctx.Deadline(); ok {
		return client.DoDeadline(req, resp, deadline)
	}
	done := make(chan error, 1)
	go func() { done <- client.Do(req, resp) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
