package schemas

import (
	"context"
	"net/http"
)

// BatchStatus is a provider-neutral batch lifecycle state.
type BatchStatus string

const (
	BatchStatusValidating BatchStatus = "validating"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusFinalizing BatchStatus = "finalizing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusExpired    BatchStatus = "expired"
	BatchStatusCancelling BatchStatus = "cancelling"
	BatchStatusCancelled  BatchStatus = "cancelled"
	BatchStatusEnded      BatchStatus = "ended" // Anthropic's terminal state name
)

// PollResult is the normalized shape of a provider's "get batch status" response.
type PollResult struct {
	Status       BatchStatus
	OutputFileID string // OpenAI-style: file id to download for successful lines
	ErrorFileID  string // OpenAI-style: file id to download for failed lines
	ResultsURL   string // Anthropic/xAI-style: direct results URL/path
}

// IsTerminal reports whether status is one of the adapter's terminal states.
func IsTerminal(status BatchStatus, terminal map[BatchStatus]bool) bool {
	return terminal[status]
}

// HTTPRequest is the captured shape of an intercepted outbound call: enough
// to reconstruct it for batch submission and to build a synthetic response.
type HTTPRequest struct {
	Method   string
	Host     string // hostname only, no scheme/port
	Scheme   string // always "https"; the intercepted request's scheme is not recorded
	Endpoint string // path, e.g. "/v1/chat/completions"
	Headers  http.Header
	Body     []byte
}

// HTTPResponse is the reconstructed response handed back to the caller,
// transport-agnostic so both the net/http and fasthttp interception paths can
// render it into their native response types.
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// PendingRequest is a single intercepted call waiting to be drained into a
// batch. Its Result channel is resolved exactly once, by either a value or an
// error.
type PendingRequest struct {
	CustomID    string
	QueueKey    QueueKey
	Request     HTTPRequest
	Adapter     ProviderAdapter
	RequestHash string // empty if the body wasn't cacheable
	Result      chan PendingResult
}

// PendingResult is what a PendingRequest.Result channel carries.
type PendingResult struct {
	Response *HTTPResponse
	Err      error
}

// QueueKey partitions pending requests; every batch submitted to a provider
// is homogeneous in this triple.
type QueueKey struct {
	Provider string
	Endpoint string
	Model    string
}

// BatchRequestItem is one line of a batch submission, in the shape adapters
// convert PendingRequests into before encoding.
type BatchRequestItem struct {
	CustomID string
	Method   string
	URL      string
	Body     map[string]any
}

// BatchResultItem is one decoded result line, keyed by custom id.
type BatchResultItem struct {
	CustomID   string
	StatusCode int            // 0 means "use adapter default" (200 for success)
	Body       map[string]any // successful body
	Error      map[string]any // present for a failed line; mutually exclusive with Body
}

// SubmitOutcome is what a real (non-dry-run) submission returns.
type SubmitOutcome struct {
	BaseURL    string
	APIHeaders http.Header
	BatchID    string
}

// ResumeContext is what an adapter needs to resume polling a batch found via
// cache lookup, without the original request being reissued.
type ResumeContext struct {
	BaseURL    string
	APIHeaders http.Header
}

// ProviderAdapter is the per-provider strategy implemented by every upstream
// batch API. See SPEC_FULL.md §4.1 for the full contract.
type ProviderAdapter interface {
	// Name is the adapter's queue-key provider component, e.g. "openai".
	Name() string

	// IsBatchableRequest reports whether (method, host, path) should be
	// intercepted and routed through the Batcher.
	IsBatchableRequest(method, host, path string) bool

	// ExtractModel returns the model key for queue partitioning. Returns an
	// error if the model cannot be determined (missing/non-string field).
	ExtractModel(endpoint string, body []byte) (string, error)

	// BuildAPIHeaders extracts provider credentials from request headers,
	// dropping everything else, and stamps the internal bypass marker.
	BuildAPIHeaders(requestHeaders http.Header) http.Header

	// TerminalStates is the set of statuses that end polling.
	TerminalStates() map[BatchStatus]bool

	// IsFileBased reports whether submission uploads a JSONL file first
	// (OpenAI-style) versus inlining requests (Anthropic-style).
	IsFileBased() bool

	// BuildJSONLLines serializes pending requests to the provider's batch-line
	// shape, preserving order.
	BuildJSONLLines(requests []*PendingRequest) ([][]byte, error)

	// Submit performs the provider-specific submission flow (upload + create,
	// or inline create) and returns where to poll and how to authenticate
	// further calls.
	Submit(ctx context.Context, requests []*PendingRequest, queueKey QueueKey, apiHeaders http.Header, host string) (*SubmitOutcome, error)

	// BuildResumeContext reconstructs base URL + API headers for polling a
	// batch resumed from cache, without the original request in hand.
	BuildResumeContext(host string, headers http.Header) (*ResumeContext, error)

	// Poll fetches and normalizes the current batch status.
	Poll(ctx context.Context, resume ResumeContext, batchID string) (*PollResult, error)

	// FetchResults downloads and decodes the provider's result content into
	// custom_id-keyed items. Adapters that download by file id read
	// poll.OutputFileID, falling back to poll.ErrorFileID; the others read
	// poll.ResultsURL.
	FetchResults(ctx context.Context, resume ResumeContext, poll PollResult) ([]BatchResultItem, error)
}

// InternalBypassHeader marks a request as originating from the Batcher's own
// calls to provider APIs, so the interception layer never re-intercepts it.
const InternalBypassHeader = "x-batchling-internal"
