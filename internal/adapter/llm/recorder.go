package llm

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"quill-ai/internal/domain"
)

// TestMode selects the fixture recorder behavior.
type TestMode int

const (
	TestOff TestMode = iota
	TestRecord
	TestReplay
)

// TestConfig is the env-driven recording configuration. LLM_TEST_MODE
// turns recording or replay on, LLM_FIXTURE_DIR relocates fixtures, and
// LLM_TEST_BASE_URL points requests at a local mock upstream.
type TestConfig struct {
	Mode            TestMode
	FixtureDir      string
	BaseURLOverride string
}

// TestConfigFromEnv reads the test configuration from the environment.
func TestConfigFromEnv() TestConfig {
	var mode TestMode
	switch strings.ToLower(os.Getenv("LLM_TEST_MODE")) {
	case "record":
		mode = TestRecord
	case "replay":
		mode = TestReplay
	}
	dir := os.Getenv("LLM_FIXTURE_DIR")
	if dir == "" {
		dir = filepath.Join("testdata", "recordings")
	}
	return TestConfig{
		Mode:            mode,
		FixtureDir:      dir,
		BaseURLOverride: os.Getenv("LLM_TEST_BASE_URL"),
	}
}

// RecordingContext captures everything about a request needed to name
// and populate a fixture.
type RecordingContext struct {
	ProviderID     string
	Protocol       string
	Model          string
	EndpointPath   string
	URL            string
	RequestHeaders map[string]string
	RequestBody    map[string]any
}

// RecordedRequest is the request half of a fixture.
type RecordedRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    map[string]any    `json:"body"`
}

// RecordedSSEEvent is one captured SSE frame.
type RecordedSSEEvent struct {
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
}

// RecordedResponse is the response half of a fixture: either a streamed
// SSE exchange or a terminal JSON error body.
type RecordedResponse struct {
	Kind      string             `json:"kind"` // "stream" or "json"
	Status    int                `json:"status"`
	Headers   map[string]string  `json:"headers"`
	SSEEvents []RecordedSSEEvent `json:"sse_events,omitempty"`
	Body      string             `json:"body,omitempty"`
}

// ProviderFixture is one recorded provider exchange, written as a JSON
// file that replay tests feed through a mock upstream.
type ProviderFixture struct {
	Version        int                  `json:"version"`
	ProviderID     string               `json:"provider_id"`
	Protocol       string               `json:"protocol"`
	Model          string               `json:"model"`
	EndpointPath   string               `json:"endpoint_path"`
	Request        RecordedRequest      `json:"request"`
	Response       RecordedResponse     `json:"response"`
	ExpectedEvents []domain.StreamEvent `json:"expected_events,omitempty"`
}

// Recorder captures one live exchange into a fixture file. A nil
// *Recorder is valid and records nothing, so the orchestrator can call
// it unconditionally.
type Recorder struct {
	fixture ProviderFixture
	path    string
}

// NewRecorder returns a recorder when cfg.Mode is TestRecord, else nil.
func NewRecorder(cfg TestConfig, ctx RecordingContext) *Recorder {
	if cfg.Mode != TestRecord {
		return nil
	}
	fixture := ProviderFixture{
		Version:      1,
		ProviderID:   ctx.ProviderID,
		Protocol:     ctx.Protocol,
		Model:        ctx.Model,
		EndpointPath: ctx.EndpointPath,
		Request: RecordedRequest{
			Method:  http.MethodPost,
			URL:     ctx.URL,
			Headers: redactHeaders(ctx.RequestHeaders),
			Body:    ctx.RequestBody,
		},
		Response: RecordedResponse{Kind: "stream", Headers: map[string]string{}},
	}
	return &Recorder{
		fixture: fixture,
		path:    fixturePath(cfg.FixtureDir, fixture),
	}
}

// RecordSSEEvent captures one parsed SSE frame.
func (r *Recorder) RecordSSEEvent(event, data string) {
	if r == nil {
		return
	}
	r.fixture.Response.SSEEvents = append(r.fixture.Response.SSEEvents, RecordedSSEEvent{
		Event: event,
		Data:  data,
	})
}

// RecordExpectedEvent captures a canonical event the exchange produced,
// for replay assertions.
func (r *Recorder) RecordExpectedEvent(event domain.StreamEvent) {
	if r == nil {
		return
	}
	r.fixture.ExpectedEvents = append(r.fixture.ExpectedEvents, event)
}

// FinishStream finalizes a successful streamed exchange and writes the
// fixture file.
func (r *Recorder) FinishStream(status int, headers http.Header) error {
	if r == nil {
		return nil
	}
	r.fixture.Response.Status = status
	r.fixture.Response.Headers = flattenHeaders(headers)
	return r.write()
}

// FinishError finalizes a failed exchange (status >= 400) and writes the
// fixture file with the error body.
func (r *Recorder) FinishError(status int, headers http.Header, body string) error {
	if r == nil {
		return nil
	}
	r.fixture.Response = RecordedResponse{
		Kind:    "json",
		Status:  status,
		Headers: flattenHeaders(headers),
		Body:    body,
	}
	return r.write()
}

func (r *Recorder) write() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(r.fixture, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, raw, 0o644)
}

func fixturePath(dir string, fixture ProviderFixture) string {
	model := strings.NewReplacer("/", "_", " ", "_").Replace(fixture.Model)
	name := fixture.ProviderID + "__" + fixture.Protocol + "__" + model + ".json"
	return filepath.Join(dir, name)
}

func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) > 0 {
			out[strings.ToLower(key)] = values[0]
		}
	}
	return out
}

// redactHeaders lowercases header names and masks credential-bearing
// values so fixtures are safe to commit.
func redactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" || lower == "api-key" || strings.Contains(lower, "token") {
			out[lower] = "REDACTED"
		} else {
			out[lower] = value
		}
	}
	return out
}
