// Package testutil provides common test utilities and helpers for PromptRelay tests.
package testutil

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/BTreeMap/PromptRelay/internal/api"
	"github.com/BTreeMap/PromptRelay/internal/flow"
	"github.com/BTreeMap/PromptRelay/internal/genai"
	"github.com/BTreeMap/PromptRelay/internal/messaging"
	"github.com/BTreeMap/PromptRelay/internal/models"
	"github.com/BTreeMap/PromptRelay/internal/store"
	"github.com/goccy/go-json"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// TestingT is the subset of testing.TB the helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// ImageCall records one DescribeImage invocation.
type ImageCall struct {
	URL         string
	Instruction string
}

// FakeModel is a scripted model collaborator.
type FakeModel struct {
	mu sync.Mutex
	// Answer is returned by Ask.
	Answer string
	// Description is returned by DescribeImage.
	Description string
	// Err, when set, is returned by both calls.
	Err error
	// Gate, when set, holds Ask until it is closed or the context ends.
	Gate chan struct{}

	questions []genai.QuestionRequest
	images    []ImageCall
}

// Ask records req and returns Answer.
func (m *FakeModel) Ask(ctx context.Context, req genai.QuestionRequest) (string, error) {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = append(m.questions, req)
	return m.Answer, m.Err
}

// DescribeImage records the call and returns Description.
func (m *FakeModel) DescribeImage(ctx context.Context, imageURL, instruction string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, ImageCall{URL: imageURL, Instruction: instruction})
	return m.Description, m.Err
}

// Questions returns the recorded Ask requests.
func (m *FakeModel) Questions() []genai.QuestionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]genai.QuestionRequest(nil), m.questions...)
}

// Images returns the recorded DescribeImage calls.
func (m *FakeModel) Images() []ImageCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ImageCall(nil), m.images...)
}

// TestEnv is a fully wired server with in-memory collaborators.
type TestEnv struct {
	Server    *api.Server
	Sessions  *store.SessionStore
	Model     *FakeModel
	Messenger *messaging.MockService
	WhatsApp  *messaging.MockService
	Metrics   *sdkmetric.ManualReader
}

// NewTestServer creates a test API server with in-memory dependencies, both
// channels registered and no dedup repository.
func NewTestServer(flowOpts ...flow.Option) *TestEnv {
	return NewTestServerWithAPI(nil, flowOpts...)
}

// NewTestServerWithAPI is NewTestServer with extra API server options.
func NewTestServerWithAPI(apiOpts []api.Option, flowOpts ...flow.Option) *TestEnv {
	sessions := store.NewSessionStore()
	model := &FakeModel{}
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	flowOpts = append([]flow.Option{flow.WithMeterProvider(provider)}, flowOpts...)
	processor := flow.NewTurnProcessor(sessions, model, flowOpts...)

	messenger := messaging.NewMockService(models.ChannelMessenger)
	whatsapp := messaging.NewMockService(models.ChannelWhatsApp)
	respHandler := messaging.NewResponseHandler(processor, nil, messenger, whatsapp)

	apiOpts = append([]api.Option{
		api.WithVerifyToken(api.DefaultVerifyToken),
		api.WithMetricsReader(reader),
	}, apiOpts...)
	return &TestEnv{
		Server:    api.NewServer(sessions, respHandler, apiOpts...),
		Sessions:  sessions,
		Model:     model,
		Messenger: messenger,
		WhatsApp:  whatsapp,
		Metrics:   reader,
	}
}

// Do serves req, waits for any webhook events it dispatched and returns the recorded response.
func (e *TestEnv) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.Server.ServeHTTP(rr, req)
	e.Server.Wait()
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates its status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateJSONRequest creates an HTTP request with a raw JSON body.
func CreateJSONRequest(t TestingT, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
