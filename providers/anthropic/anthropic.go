// Package anthropic implements the inline batch API shape: the requests
// array is POSTed directly to the batch-create endpoint (no file upload
// step), results are fetched from a results_url returned by the poll
// response, and the terminal status is named "ended" rather than
// "completed".
//
// Grounded on the teacher's core/providers/anthropic/batch.go
// (AnthropicBatchRequestItem, AnthropicBatchResponse's processing_status/
// results_url fields, AnthropicBatchResultItem's succeeded/errored/expired/
// canceled result.type vocabulary).
package anthropic

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/batchlinghq/batchling/network"
	"github.com/batchlinghq/batchling/schemas"
)

const (
	hostname    = "api.anthropic.com"
	batchesPath = "/v1/messages/batches"
)

// Adapter implements schemas.ProviderAdapter for Anthropic's Message Batches API.
type Adapter struct {
	client *network.ClientFactory
}

func New(client *network.ClientFactory) *Adapter { return &Adapter{client: client} }

func (a *Adapter) Name() string         { return "anthropic" }
func (a *Adapter) Hostnames() []string  { return []string{hostname} }

func (a *Adapter) IsBatchableRequest(method, host, path string) bool {
	return method == http.MethodPost && path == "/v1/messages"
}

func (a *Adapter) ExtractModel(endpoint string, body []byte) (string, error) {
	var decoded struct {
		Model string `json:"model"`
	}
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return "", &schemas.RequestShapeError{Reason: "body is not valid JSON"}
	}
	if decoded.Model == "" {
		return "", &schemas.RequestShapeError{Reason: "missing or empty \"model\" field"}
	}
	return decoded.Model, nil
}

var authHeaderAllowlist = []string{"X-Api-Key", "Anthropic-Version", "Anthropic-Beta"}

func (a *Adapter) BuildAPIHeaders(requestHeaders http.Header) http.Header {
	out := make(http.Header)
	for _, name := range authHeaderAllowlist {
		if v := requestHeaders.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	if out.Get("Anthropic-Version") == "" {
		out.Set("Anthropic-Version", "2023-06-01")
	}
	out.Set(schemas.InternalBypassHeader, "1")
	return out
}

func (a *Adapter) TerminalStates() map[schemas.BatchStatus]bool {
	return map[schemas.BatchStatus]bool{schemas.BatchStatusEnded: true}
}

func (a *Adapter) IsFileBased() bool { return false }

type batchRequestItem struct {
	CustomID string         `json:"custom_id"`
	Params   map[string]any `json:"params"`
}

func (a *Adapter) BuildJSONLLines(requests []*schemas.PendingRequest) ([][]byte, error) {
	lines := make([][]byte, 0, len(requests))
	for _, req := range requests {
		var params map[string]any
		if err := sonic.Unmarshal(req.Request.Body, &params); err != nil {
			return nil, &schemas.RequestShapeError{Reason: fmt.Sprintf("custom_id %s: body is not valid JSON", req.CustomID)}
		}
		line, err := sonic.Marshal(batchRequestItem{CustomID: req.CustomID, Params: params})
		if err != nil {
			return nil, fmt.Errorf("anthropic: encode line for %s: %w", req.CustomID, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func baseURL(host string) string {
	return "https://" + host
}

func (a *Adapter) Submit(ctx context.Context, requests []*schemas.PendingRequest, queueKey schemas.QueueKey, apiHeaders http.Header, host string) (*schemas.SubmitOutcome, error) {
	items := make([]batchRequestItem, 0, len(requests))
	for _, req := range requests {
		var params map[string]any
		if err := sonic.Unmarshal(req.Request.Body, &params); err != nil {
			return nil, &schemas.RequestShapeError{Reason: fmt.Sprintf("custom_id %s: body is not valid JSON", req.CustomID)}
		}
		items = append(items, batchRequestItem{CustomID: req.CustomID, Params: params})
	}

	body, err := sonic.Marshal(map[string]any{"requests": items})
	if err != nil {
		return nil, err
	}

	base := baseURL(host)
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(base + batchesPath)
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
		ID string `json:"id"`
	}
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil || decoded.ID == "" {
		return nil, &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("anthropic: create-batch response missing id")}
	}
	return &schemas.SubmitOutcome{BaseURL: base, APIHeaders: apiHeaders, BatchID: decoded.ID}, nil
}

func (a *Adapter) BuildResumeContext(host string, headers http.Header) (*schemas.ResumeContext, error) {
	return &schemas.ResumeContext{BaseURL: baseURL(host), APIHeaders: a.BuildAPIHeaders(headers)}, nil
}

func toBatchStatus(status string) schemas.BatchStatus {
	switch status {
	case "in_progress":
		return schemas.BatchStatusInProgress
	case "canceling":
		return schemas.BatchStatusCancelling
	case "ended":
		return schemas.BatchStatusEnded
	default:
		return schemas.BatchStatus(status)
	}
}

func (a *Adapter) Poll(ctx context.Context, resume schemas.ResumeContext, batchID string) (*schemas.PollResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s%s/%s", resume.BaseURL, batchesPath, batchID))
	req.Header.SetMethod(http.MethodGet)
	applyHeaders(req, resume.APIHeaders)

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}

	var decoded struct {
		ProcessingStatus string  `json:"processing_status"`
		ResultsURL       *string `json:"results_url,omitempty"`
	}
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, &schemas.DecodeError{Systemic: true, Err: err}
	}

	out := &schemas.PollResult{Status: toBatchStatus(decoded.ProcessingStatus)}
	if decoded.ResultsURL != nil {
		out.ResultsURL = *decoded.ResultsURL
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
			CustomID string `json:"custom_id"`
			Result   struct {
				Type    string         `json:"type"`
				Message map[string]any `json:"message,omitempty"`
				Error   map[string]any `json:"error,omitempty"`
			} `json:"result"`
		}
		if err := sonic.Unmarshal(line, &decoded); err != nil {
			return nil, &schemas.DecodeError{Err: fmt.Errorf("anthropic: malformed result line: %w", err)}
		}
		item := schemas.BatchResultItem{CustomID: decoded.CustomID}
		switch decoded.Result.Type {
		case "succeeded":
			item.StatusCode = http.StatusOK
			item.Body = decoded.Result.Message
		default:
			item.StatusCode = http.StatusBadRequest
			item.Error = decoded.Result.Error
			if item.Error == nil {
				item.Error = map[string]any{"type": decoded.Result.Type}
			}
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
