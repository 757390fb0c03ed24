// Package openailike implements the file-based batch API shape shared by
// OpenAI, Doubleword, Groq, Cerebras, Mistral, and Together: upload a JSONL
// file of requests, create a batch referencing it, poll GET /batches/{id},
// and download results from the output/error file's content endpoint.
//
// Grounded on the teacher's core/providers/openai/batch.go (OpenAIBatchResponse
// field names and status vocabulary, reused verbatim as this package's
// BatchStatus mapping) and core/providers/openai/openai.go's multipart upload
// request construction.
package openailike

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/batchlinghq/batchling/network"
	"github.com/batchlinghq/batchling/schemas"
)

// Variant captures the handful of ways an OpenAI-shaped provider deviates
// from the OpenAI original, so one adapter implementation serves all of them
// instead of six near-duplicate packages.
type Variant struct {
	// Name is the queue-key provider component, e.g. "openai", "together".
	Name string
	// Hostnames are suffix-matched against the request host.
	Hostnames []string
	// UploadPath is the files endpoint, e.g. "/v1/files" or, for Together,
	// "/v1/files/upload".
	UploadPath string
	// BatchesPath is the batch-create/poll path prefix, e.g. "/v1/batches".
	BatchesPath string
	// FilesContentPathf formats the download URL for a file id.
	FilesContentPathf string // fmt format taking two %s: base URL, then file id
	// PluralInputFiles selects Mistral's plural "input_files": [...] submit
	// payload field instead of OpenAI's singular "input_file_id".
	PluralInputFiles bool
	// NestedJobResponse selects Together's {"job": {"id": ...}} submit
	// response shape instead of a bare top-level "id".
	NestedJobResponse bool
	// IncludeModelInSubmit adds the queue key's model to the batch-create
	// payload, as Mistral's create_provider_batch requires alongside
	// input_files/endpoint.
	IncludeModelInSubmit bool
	// StatusVocabulary selects the poll-response status-string vocabulary.
	// Empty means OpenAI's (validating/in_progress/.../completed/failed/...).
	// "mistral" means QUEUED/RUNNING/SUCCESS/FAILED/TIMEOUT_EXCEEDED/
	// CANCELLATION_REQUESTED/CANCELLED.
	StatusVocabulary string
	// OutputFileField is the poll-response JSON field carrying the output
	// file id. Empty means "output_file_id" (OpenAI). Mistral uses
	// "output_file" and has no separate error-file field.
	OutputFileField string
	// ErrorFileField is the poll-response JSON field carrying the error file
	// id. Empty means "error_file_id" (OpenAI); variants with no error-file
	// concept (Mistral) leave this empty and it is simply never populated.
	ErrorFileField string
}

// Adapter implements schemas.ProviderAdapter for one Variant.
type Adapter struct {
	variant Variant
	client  *network.ClientFactory
}

// New builds an Adapter for the given variant, sharing client across calls.
func New(v Variant, client *network.ClientFactory) *Adapter {
	return &Adapter{variant: v, client: client}
}

func (a *Adapter) Name() string { return a.variant.Name }

// Hostnames satisfies the registry's unexported hostnames interface.
func (a *Adapter) Hostnames() []string { return a.variant.Hostnames }

var batchableEndpoints = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/embeddings",
}

func (a *Adapter) IsBatchableRequest(method, host, path string) bool {
	if method != http.MethodPost {
		return false
	}
	for _, ep := range batchableEndpoints {
		if path == ep {
			return true
		}
	}
	return false
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

// authHeaderAllowlist forwards only the headers that carry provider
// credentials into resumed polling, dropping cookies, tracing headers, and
// anything else the original request happened to include.
var authHeaderAllowlist = []string{"Authorization", "X-Api-Key", "Api-Key"}

func (a *Adapter) BuildAPIHeaders(requestHeaders http.Header) http.Header {
	out := make(http.Header)
	for _, name := range authHeaderAllowlist {
		if v := requestHeaders.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	out.Set(schemas.InternalBypassHeader, "1")
	return out
}

func (a *Adapter) TerminalStates() map[schemas.BatchStatus]bool {
	return map[schemas.BatchStatus]bool{
		schemas.BatchStatusCompleted: true,
		schemas.BatchStatusFailed:    true,
		schemas.BatchStatusExpired:   true,
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
		item := schemas.BatchRequestItem{
			CustomID: req.CustomID,
			Method:   "POST",
			URL:      req.Request.Endpoint,
			Body:     body,
		}
		line, err := sonic.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("openailike: encode jsonl line for %s: %w", req.CustomID, err)
		}
		// Fail fast locally rather than discovering a malformed line from a
		// provider 400: confirm the line round-trips before it's ever uploaded.
		var roundTrip map[string]any
		if err := sonic.Unmarshal(line, &roundTrip); err != nil {
			return nil, &schemas.RequestShapeError{Reason: fmt.Sprintf("custom_id %s: encoded line failed to round-trip", req.CustomID)}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	return "https://" + host
}

func (a *Adapter) Submit(ctx context.Context, requests []*schemas.PendingRequest, queueKey schemas.QueueKey, apiHeaders http.Header, host string) (*schemas.SubmitOutcome, error) {
	base := baseURL(host)

	lines, err := a.BuildJSONLLines(requests)
	if err != nil {
		return nil, err
	}
	jsonl := network.JoinJSONLLines(lines)

	fileID, err := a.uploadFile(ctx, base, apiHeaders, jsonl)
	if err != nil {
		return nil, err
	}

	batchID, err := a.createBatch(ctx, base, apiHeaders, fileID, queueKey.Endpoint, queueKey.Model)
	if err != nil {
		return nil, err
	}

	return &schemas.SubmitOutcome{BaseURL: base, APIHeaders: apiHeaders, BatchID: batchID}, nil
}

func (a *Adapter) uploadFile(ctx context.Context, base string, apiHeaders http.Header, jsonl []byte) (string, error) {
	extra := map[string]string{"purpose": "batch"}
	body, contentType, err := network.BuildJSONLUploadBody("file", "batch.jsonl", jsonl, extra)
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(base + a.variant.UploadPath)
	req.Header.SetMethod(http.MethodPost)
	req.Header.SetContentType(contentType)
	applyHeaders(req, apiHeaders)
	req.SetBody(body)

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
		return "", &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("openailike: upload response missing file id")}
	}
	return decoded.ID, nil
}

func (a *Adapter) createBatch(ctx context.Context, base string, apiHeaders http.Header, fileID, endpoint, model string) (string, error) {
	payload := map[string]any{
		"endpoint":          endpoint,
		"completion_window": "24h",
	}
	if a.variant.PluralInputFiles {
		payload["input_files"] = []string{fileID}
	} else {
		payload["input_file_id"] = fileID
	}
	if a.variant.IncludeModelInSubmit {
		payload["model"] = model
	}

	body, err := sonic.Marshal(payload)
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(base + a.variant.BatchesPath)
	req.Header.SetMethod(http.MethodPost)
	req.Header.SetContentType("application/json")
	applyHeaders(req, apiHeaders)
	req.SetBody(body)

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return "", &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}

	if a.variant.NestedJobResponse {
		var decoded struct {
			Job struct {
				ID string `json:"id"`
			} `json:"job"`
		}
		if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil || decoded.Job.ID == "" {
			return "", &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("openailike: create-batch response missing job id")}
		}
		return decoded.Job.ID, nil
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil || decoded.ID == "" {
		return "", &schemas.DecodeError{Systemic: true, Err: fmt.Errorf("openailike: create-batch response missing id")}
	}
	return decoded.ID, nil
}

func (a *Adapter) BuildResumeContext(host string, headers http.Header) (*schemas.ResumeContext, error) {
	return &schemas.ResumeContext{BaseURL: baseURL(host), APIHeaders: a.BuildAPIHeaders(headers)}, nil
}

// toOpenAIBatchStatus maps OpenAI/Doubleword/Groq/Cerebras/Together's status
// vocabulary (validating/in_progress/finalizing/completed/failed/expired/
// cancelling/cancelled).
func toOpenAIBatchStatus(status string) schemas.BatchStatus {
	switch status {
	case "validating":
		return schemas.BatchStatusValidating
	case "in_progress":
		return schemas.BatchStatusInProgress
	case "finalizing":
		return schemas.BatchStatusFinalizing
	case "completed":
		return schemas.BatchStatusCompleted
	case "failed":
		return schemas.BatchStatusFailed
	case "expired":
		return schemas.BatchStatusExpired
	case "cancelling":
		return schemas.BatchStatusCancelling
	case "cancelled":
		return schemas.BatchStatusCancelled
	default:
		return schemas.BatchStatus(status)
	}
}

// toMistralBatchStatus maps Mistral's QUEUED/RUNNING/SUCCESS/FAILED/
// TIMEOUT_EXCEEDED/CANCELLATION_REQUESTED/CANCELLED vocabulary onto the same
// canonical BatchStatus set, so the shared TerminalStates() still applies.
func toMistralBatchStatus(status string) schemas.BatchStatus {
	switch status {
	case "QUEUED", "RUNNING":
		return schemas.BatchStatusInProgress
	case "SUCCESS":
		return schemas.BatchStatusCompleted
	case "FAILED":
		return schemas.BatchStatusFailed
	case "TIMEOUT_EXCEEDED":
		return schemas.BatchStatusExpired
	case "CANCELLATION_REQUESTED":
		return schemas.BatchStatusCancelling
	case "CANCELLED":
		return schemas.BatchStatusCancelled
	default:
		return schemas.BatchStatus(status)
	}
}

func (a *Adapter) toBatchStatus(status string) schemas.BatchStatus {
	if a.variant.StatusVocabulary == "mistral" {
		return toMistralBatchStatus(status)
	}
	return toOpenAIBatchStatus(status)
}

func (a *Adapter) outputFileField() string {
	if a.variant.OutputFileField != "" {
		return a.variant.OutputFileField
	}
	return "output_file_id"
}

func (a *Adapter) errorFileField() string {
	return a.variant.ErrorFileField // "" (no error-file concept) is valid, e.g. Mistral.
}

func (a *Adapter) Poll(ctx context.Context, resume schemas.ResumeContext, batchID string) (*schemas.PollResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("%s%s/%s", resume.BaseURL, a.variant.BatchesPath, batchID))
	req.Header.SetMethod(http.MethodGet)
	applyHeaders(req, resume.APIHeaders)

	if err := doWithContext(ctx, a.client.Client(), req, resp); err != nil {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), Err: err}
	}
	if resp.StatusCode() >= 300 {
		return nil, &schemas.ProviderAPIError{Provider: a.Name(), StatusCode: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
	}

	var decoded map[string]any
	if err := sonic.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, &schemas.DecodeError{Systemic: true, Err: err}
	}

	status, _ := decoded["status"].(string)
	out := &schemas.PollResult{Status: a.toBatchStatus(status)}
	if v, ok := decoded[a.outputFileField()].(string); ok {
		out.OutputFileID = v
	}
	if field := a.errorFileField(); field != "" {
		if v, ok := decoded[field].(string); ok {
			out.ErrorFileID = v
		}
	}
	return out, nil
}

func (a *Adapter) FetchResults(ctx context.Context, resume schemas.ResumeContext, poll schemas.PollResult) ([]schemas.BatchResultItem, error) {
	fileID := poll.OutputFileID
	if fileID == "" {
		fileID = poll.ErrorFileID
	}
	if fileID == "" {
		return nil, schemas.ErrBatchNoOutput
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf(a.variant.FilesContentPathf, resume.BaseURL, fileID))
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
			Response *struct {
				StatusCode int            `json:"status_code"`
				Body       map[string]any `json:"body"`
			} `json:"response"`
			Error map[string]any `json:"error"`
		}
		if err := sonic.Unmarshal(line, &decoded); err != nil {
			return nil, &schemas.DecodeError{Err: fmt.Errorf("openailike: malformed result line: %w", err)}
		}
		item := schemas.BatchResultItem{CustomID: decoded.CustomID, Error: decoded.Error}
		if decoded.Response != nil {
			item.StatusCode = decoded.Response.StatusCode
			item.Body = decoded.Response.Body
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
