package batcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batchlinghq/batchling/schemas"
)

// fakeAdapter is an in-memory ProviderAdapter double: Submit records the
// submitted requests and Poll/FetchResults return what the test set in the
// status/results fields instead of touching the network. By
// default FetchResults synthesizes a 200 result for every custom_id it saw
// in the last Submit call, so tests don't need to predict generated
// custom_ids just to exercise the happy path; set noResults to force a
// terminal batch with zero matching result lines (the missing-result case).
type fakeAdapter struct {
	mu            sync.Mutex
	name          string
	submitted     [][]*schemas.PendingRequest
	lastCustomIDs []string
	status        schemas.BatchStatus
	results       []schemas.BatchResultItem
	noResults     bool
	submitErr     error
	pollErr       error
	fetchErr      error
	submitCalls   int
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, status: schemas.BatchStatusCompleted}
}

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) Hostnames() []string { return []string{"fake.test"} }
func (a *fakeAdapter) IsBatchableRequest(method, host, path string) bool { return true }

func (a *fakeAdapter) ExtractModel(endpoint string, body []byte) (string, error) {
	var decoded struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.Model == "" {
		return "fake-model", nil
	}
	return decoded.Model, nil
}

func (a *fakeAdapter) BuildAPIHeaders(h http.Header) http.Header { return http.Header{} }

func (a *fakeAdapter) TerminalStates() map[schemas.BatchStatus]bool {
	return map[schemas.BatchStatus]bool{schemas.BatchStatusCompleted: true, schemas.BatchStatusFailed: true}
}

func (a *fakeAdapter) IsFileBased() bool { return false }

func (a *fakeAdapter) BuildJSONLLines(requests []*schemas.PendingRequest) ([][]byte, error) {
	lines := make([][]byte, len(requests))
	for i, r := range requests {
		lines[i] = r.Request.Body
	}
	return lines, nil
}

func (a *fakeAdapter) Submit(ctx context.Context, requests []*schemas.PendingRequest, queueKey schemas.QueueKey, apiHeaders http.Header, host string) (*schemas.SubmitOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitCalls++
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	a.submitted = append(a.submitted, requests)
	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.CustomID
	}
	a.lastCustomIDs = ids
	return &schemas.SubmitOutcome{BaseURL: "https://" + host, BatchID: "batch-1"}, nil
}

func (a *fakeAdapter) BuildResumeContext(host string, headers http.Header) (*schemas.ResumeContext, error) {
	return &schemas.ResumeContext{BaseURL: "https://" + host}, nil
}

func (a *fakeAdapter) Poll(ctx context.Context, resume schemas.ResumeContext, batchID string) (*schemas.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pollErr != nil {
		return nil, a.pollErr
	}
	return &schemas.PollResult{Status: a.status}, nil
}

func (a *fakeAdapter) FetchResults(ctx context.Context, resume schemas.ResumeContext, poll schemas.PollResult) ([]schemas.BatchResultItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	if a.results != nil {
		return a.results, nil
	}
	if a.noResults {
		return nil, nil
	}
	results := make([]schemas.BatchResultItem, len(a.lastCustomIDs))
	for i, id := range a.lastCustomIDs {
		results[i] = schemas.BatchResultItem{CustomID: id, StatusCode: http.StatusOK, Body: map[string]any{"ok": true}}
	}
	return results, nil
}

func submitOne(t *testing.T, b *Batcher, adapter *fakeAdapter, body string) (*schemas.HTTPResponse, error) {
	t.Helper()
	return b.Submit(context.Background(), http.MethodPost, "fake.test", "/v1/chat/completions", adapter, http.Header{}, []byte(body))
}

func TestSizeThresholdDrainsImmediately(t *testing.T) {
	adapter := newFakeAdapter("fake")
	b := New(Config{BatchSize: 2, BatchWindow: time.Hour, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	results := make([]*schemas.HTTPResponse, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = submitOne(t, b, adapter, `{"model":"fake-model"}`)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
	}
	require.Len(t, adapter.submitted, 1)
	require.Len(t, adapter.submitted[0], 2)
}

func TestWindowDrainsAfterTimeout(t *testing.T) {
	adapter := newFakeAdapter("fake")
	b := New(Config{BatchSize: 100, BatchWindow: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b.Close(context.Background())

	resp, err := submitOne(t, b, adapter, `{"model":"fake-model"}`)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, adapter.submitted, 1)
	require.Len(t, adapter.submitted[0], 1)
}

func TestSameModelSharesOneBatch(t *testing.T) {
	adapter := newFakeAdapter("fake")
	b := New(Config{BatchSize: 2, BatchWindow: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); submitOne(t, b, adapter, `{"model":"fake-model"}`) }()
	go func() { defer wg.Done(); submitOne(t, b, adapter, `{"model":"fake-model"}`) }()
	wg.Wait()

	require.Len(t, adapter.submitted, 1, "same model must share one batch")
}

// TestCrossModelPartitioning exercises the partitioning boundary: requests
// naming different models must never land in the same batch, even when they
// arrive for the same provider/endpoint within the same window.
func TestCrossModelPartitioning(t *testing.T) {
	adapter := newFakeAdapter("fake")
	b := New(Config{BatchSize: 2, BatchWindow: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); submitOne(t, b, adapter, `{"model":"model-a"}`) }()
	go func() { defer wg.Done(); submitOne(t, b, adapter, `{"model":"model-a"}`) }()
	go func() { defer wg.Done(); submitOne(t, b, adapter, `{"model":"model-b"}`) }()
	go func() { defer wg.Done(); submitOne(t, b, adapter, `{"model":"model-b"}`) }()
	wg.Wait()

	require.Len(t, adapter.submitted, 2, "two models must produce two batches")
	for _, batch := range adapter.submitted {
		require.Len(t, batch, 2, "each batch must be homogeneous in size once both model-a and model-b reach the size threshold")
		model, err := adapter.ExtractModel("/v1/chat/completions", batch[0].Request.Body)
		require.NoError(t, err)
		for _, req := range batch[1:] {
			other, err := adapter.ExtractModel("/v1/chat/completions", req.Request.Body)
			require.NoError(t, err)
			require.Equal(t, model, other, "a batch must never mix requests for different models")
		}
	}
}

func TestDryRunMakesNoProviderCalls(t *testing.T) {
	adapter := newFakeAdapter("fake")
	b := New(Config{BatchSize: 1, DryRun: true, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b.Close(context.Background())

	resp, err := submitOne(t, b, adapter, `{"model":"fake-model"}`)
	require.NoError(t, err)
	require.Equal(t, "1", resp.Headers.Get("X-Batchling-Dry-Run"))
	require.Equal(t, 0, adapter.submitCalls)
}

func TestStableRequestHashAcrossRuns(t *testing.T) {
	b1 := New(Config{}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	b2 := New(Config{}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b1.Close(context.Background())
	defer b2.Close(context.Background())

	h1 := b1.fingerprint("fake", "/v1/chat/completions", "fake-model", "fake.test", []byte(`{"a":1,"b":2}`))
	h2 := b2.fingerprint("fake", "/v1/chat/completions", "fake-model", "fake.test", []byte(`{"b":2,"a":1}`))
	require.NotEmpty(t, h1)
	require.Equal(t, h1, h2, "key order must not affect the fingerprint")
}

func TestCloseFlushesPendingQueue(t *testing.T) {
	adapter := newFakeAdapter("fake")
	b := New(Config{BatchSize: 100, BatchWindow: time.Hour, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))

	var resp *schemas.HTTPResponse
	var submitErr error
	done := make(chan struct{})
	go func() {
		resp, submitErr = submitOne(t, b, adapter, `{"model":"fake-model"}`)
		close(done)
	}()

	// Give Submit a moment to land in the queue before Close races it.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close(context.Background()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit did not resolve after Close")
	}
	require.NoError(t, submitErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingResultFailsOnlyThatSlot(t *testing.T) {
	adapter := newFakeAdapter("fake")
	adapter.noResults = true // batch completes with zero result lines
	b := New(Config{BatchSize: 1, PollInterval: 5 * time.Millisecond}, nil, schemas.NewDefaultLogger(schemas.LogLevelError))
	defer b.Close(context.Background())

	_, err := submitOne(t, b, adapter, `{"model":"fake-model"}`)
	require.Error(t, err)
	var missing *schemas.MissingResultError
	require.ErrorAs(t, err, &missing)
}
