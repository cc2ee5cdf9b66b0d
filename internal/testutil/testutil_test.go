package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/PromptRelay/internal/genai"
)

// mockTestingT captures failures instead of failing the enclosing test.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.Errorf(format, args...)
}

func TestNewTestServer(t *testing.T) {
	env := NewTestServer()
	if env.Server == nil || env.Sessions == nil || env.Model == nil {
		t.Fatal("NewTestServer returned an incomplete environment")
	}
	if env.Messenger == nil || env.WhatsApp == nil || env.Metrics == nil {
		t.Fatal("expected both channels to be registered")
	}
}

func TestFakeModel(t *testing.T) {
	m := &FakeModel{Answer: "a", Description: "d"}
	if out, _ := m.Ask(context.Background(), genai.QuestionRequest{History: []string{"q"}}); out != "a" {
		t.Errorf("expected 'a', got %q", out)
	}
	if out, _ := m.DescribeImage(context.Background(), "http://x", "describe"); out != "d" {
		t.Errorf("expected 'd', got %q", out)
	}
	if len(m.Questions()) != 1 || len(m.Images()) != 1 {
		t.Error("expected calls to be recorded")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200, shouldFail: false},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v", tt.shouldFail, mockT.failed)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{name: "valid JSON with matching status", jsonBody: `{"status":"ok","data":"test"}`, expectedStatus: "ok"},
		{name: "valid JSON with different status", jsonBody: `{"status":"error"}`, expectedStatus: "ok", shouldFail: true},
		{name: "invalid JSON", jsonBody: `{"status":}`, expectedStatus: "ok", shouldFail: true},
		{name: "missing status field", jsonBody: `{"data":"test"}`, expectedStatus: "ok", shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, tt.expectedStatus)
			if tt.shouldFail != mockT.failed {
				t.Errorf("expected failed=%v, got %v (%s)", tt.shouldFail, mockT.failed, mockT.errorMsg)
			}
			if !tt.shouldFail && response == nil {
				t.Error("expected response map to be returned")
			}
		})
	}
}

func TestCreateJSONRequest(t *testing.T) {
	req := CreateJSONRequest(t, "POST", "/webhook", `{"object":"page"}`)
	if req.Method != "POST" || req.URL.Path != "/webhook" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	if len(MustMarshalJSON(t, map[string]string{"k": "v"})) == 0 {
		t.Error("expected marshaled bytes")
	}
}
