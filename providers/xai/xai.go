// Package xai implements xAI's two-step batch API: create an empty batch
// container, then push the request set into it; polling compares
// num_pending against num_completed rather than reading a single status
// enum, and the per-line custom-id field is named batch_request_id instead
// of custom_id.
//
// The teacher's own xai package carries chat-completion and error types only
// — no batch.go exists there to ground this against — so the request
// construction here follows the fasthttp acquire/release idiom shared by
// every other teacher provider package (openai.go, anthropic.go, gemini.go)
// rather than a provider-specific precedent.
package xai

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
	hostname    = "api.x.ai"
	batchesPath = "/v1/batches"
)

// Adapter implements schemas.ProviderAdapter for xAI's batch API.
type Adapter struct {
	client *network.ClientFactory
}

func New(client *network.ClientFactory) *Adapter { return &Adapter{client: client} }

func (a *Adapter) Name() string        { return "xai" }
func (a *Adapter) Hostnames() []string { return []string{hostname} }

func (a *Adapter) IsBatchableRequest(method, host, path string) bool {
	return method == http.MethodPost && path == "/v1/chat/completions"
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

func (a *Adapter) BuildAPIHeaders(requestHeaders http.Header) http.Header {
	out := make(http.Header)
	if v := requestHeaders.Get("Authorization"); v != "" {
		out.Set("Authorization", v)
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

func (a *Adapter) IsFileBased() bool { return false }

type requestItem struct {
	BatchRequestID string         `json:"batch_request_id"`
	Body           map[string]any `json:"body"`
}

func (a *Adapter) BuildJSONLLines(requests []*schemas.PendingRequest) ([][]byte, error) {
	lines := make([][]byte, 0, len(requests))
	for _, req := range requests {
		var body map[string]any
		if err := sonic.Unmarshal(req.Request.Body, &body); err != nil {
			return nil, &schemas.RequestShapeError{Reason: fmt.Sprintf("custom_id %s: body is not valid JSON", req.CustomID)}
		}
		line, err := sonic.Marshal(requestItem{BatchRequestID: req.CustomID, Body: body})
		if err != nil {
			return nil, fmt.Errorf("xai: encode line for %s: %w", req.CustomID, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func baseURL(host string) string { return "https://" + host }

func (a *Adapter) Submit(ctx context.Context, requests []*schemas.PendingRequest, queueKey schemas.QueueKey, apiHeaders http.Header, host string) (*schemas.SubmitOutcome, error) {
	base := baseURL(host)

	batchID, err := a.createContainer(ctx, base, apiHeaders)
	if err != nil {
		return nil, err
	}

	items := make([]requestItem, 0, len(requests))
	for _, req := range requests {
		var body map[string]any
		if err := sonic.Unmarshal(req.Request.Body, &body); err != nil {
			return nil, &schemas.RequestShapeError{Reason: fmt.Sprintf("custom_id %s: body is not valid JSON", req.CustomID)}
		}
		items = append(items, requestItem{BatchRequestID: req.CustomID, Body: body})
	}
	if err := a.pushRequests(ctx, base, apiHeaders, batchID, items); err != nil {
		return nil, err
	}

	return &schemas.SubmitOutcome{BaseURL: base, APIHeaders: apiHeaders, BatchID: batchID}, nil
}

func (a *Adapter) createContainer(ctx context.Context, base string, apiHeaders http.Header) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(base + batchesPath)
	req.Header.SetMethod(http.MethodPost)
	req.Header.SetContentType("application/json")
	applyHeaders(req, apiHeaders)
	req.SetBody([]byte(`{}`))

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil || decoded.ID == "" {
		return "", &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("xai: create-container response missing id")}
	}
	return decoded.ID, nil
}

func (a *Adapter) pushRequests(ctx context.Context, base string, apiHeaders http.Header, batchID string, items []requestItem) error {
	body, err := sonic.Marshal(map[string]any{"requests": items})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s%s/%s/requests", base, batchesPath, batchID))
	req.Header.SetMethod(http.MethodPost)
	req.Header.SetContentType("application/json")
	applyHeaders(req, apiHeaders)
	req.SetBody(body)

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}
	return nil
}

func (a *Adapter) BuildResumeContext(host string, headers http.Header) (*schemas.ResumeContext, error) {
	return &schemas.ResumeContext{BaseURL: baseURL(host), APIHeaders: a.BuildAPIHeaders(headers)}, nil
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
		Status       string `json:"status"`
		NumPending   int    `json:"num_pending"`
		NumCompleted int    `json:"num_completed"`
	}
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, &schemas.DecodeError{Systemic: true, Err: err}
	}

	status := schemas.BatchStatusInProgress
	switch {
	case decoded.Status == "failed":
		status = schemas.BatchStatusFailed
	case decoded.Status == "cancelled":
		status = schemas.BatchStatusCancelled
	case decoded.NumPending == 0 && decoded.NumCompleted > 0:
		status = schemas.BatchStatusCompleted
	}

	out := &schemas.PollResult{Status: status}
	if status == schemas.BatchStatusCompleted {
		out.ResultsURL = fmt.Sprintf("%s%s/%s/results", resume.BaseURL, batchesPath, batchID)
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
			BatchRequestID string         `json:"batch_request_id"`
			Body           map[string]any `json:"body"`
			Error          map[string]any `json:"error"`
		}
		if err := sonic.Unmarshal(line, &decoded); err != nil {
			return nil, &schemas.DecodeError{Err: fmt.Errorf("xai: malformed result line: %w", err)}
		}
		item := schemas.BatchResultItem{CustomID: decoded.BatchRequestID, Body: decoded.Body, Error: decoded.Error}
		if decoded.Error != nil {
			item.StatusCode = http.StatusBadRequest
		} else {
			item.StatusCode = http.StatusOK
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
