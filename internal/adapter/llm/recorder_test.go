package llm

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill-ai/internal/domain"
)

func TestTestConfigFromEnv(t *testing.T) {
	t.Setenv("LLM_TEST_MODE", "record")
	t.Setenv("LLM_FIXTURE_DIR", "/tmp/fixtures")
	t.Setenv("LLM_TEST_BASE_URL", "http://localhost:1234")

	cfg := TestConfigFromEnv()
	assert.Equal(t, TestRecord, cfg.Mode)
	assert.Equal(t, "/tmp/fixtures", cfg.FixtureDir)
	assert.Equal(t, "http://localhost:1234", cfg.BaseURLOverride)

	t.Setenv("LLM_TEST_MODE", "replay")
	assert.Equal(t, TestReplay, TestConfigFromEnv().Mode)

	t.Setenv("LLM_TEST_MODE", "")
	t.Setenv("LLM_FIXTURE_DIR", "")
	cfg = TestConfigFromEnv()
	assert.Equal(t, TestOff, cfg.Mode)
	assert.Equal(t, filepath.Join("testdata", "recordings"), cfg.FixtureDir)
}

func TestRecorderNilIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordSSEEvent("message", "{}")
	r.RecordExpectedEvent(domain.TextDeltaEvent("hi"))
	assert.NoError(t, r.FinishStream(200, nil))
	assert.NoError(t, r.FinishError(500, nil, "boom"))
}

func TestRecorderOffModeReturnsNil(t *testing.T) {
	assert.Nil(t, NewRecorder(TestConfig{Mode: TestOff}, RecordingContext{}))
	assert.Nil(t, NewRecorder(TestConfig{Mode: TestReplay}, RecordingContext{}))
}

func TestRecorderWritesStreamFixture(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(TestConfig{Mode: TestRecord, FixtureDir: dir}, RecordingContext{
		ProviderID:   "openai",
		Protocol:     "openai-oauth",
		Model:        "gpt-5.2-codex",
		EndpointPath: "codex/responses",
		URL:          "https://chatgpt.com/backend-api/codex/responses",
		RequestHeaders: map[string]string{
			"Authorization":      "Bearer secret",
			"chatgpt-account-id": "acct-1",
		},
		RequestBody: map[string]any{"model": "gpt-5.2-codex"},
	})
	require.NotNil(t, r)

	r.RecordSSEEvent("response.output_text.delta", `{"delta":"hi"}`)
	r.RecordExpectedEvent(domain.TextDeltaEvent("hi"))
	require.NoError(t, r.FinishStream(200, http.Header{"Content-Type": []string{"text/event-stream"}}))

	raw, err := os.ReadFile(filepath.Join(dir, "openai__openai-oauth__gpt-5.2-codex.json"))
	require.NoError(t, err)

	var fixture ProviderFixture
	require.NoError(t, json.Unmarshal(raw, &fixture))
	assert.Equal(t, 1, fixture.Version)
	assert.Equal(t, "stream", fixture.Response.Kind)
	assert.Equal(t, 200, fixture.Response.Status)
	require.Len(t, fixture.Response.SSEEvents, 1)
	assert.Equal(t, "response.output_text.delta", fixture.Response.SSEEvents[0].Event)
	require.Len(t, fixture.ExpectedEvents, 1)
	assert.Equal(t, domain.StreamTextDelta, fixture.ExpectedEvents[0].Type)

	// Credential headers never reach disk.
	assert.Equal(t, "REDACTED", fixture.Request.Headers["authorization"])
	assert.Equal(t, "acct-1", fixture.Request.Headers["chatgpt-account-id"])
}

func TestRecorderWritesErrorFixture(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(TestConfig{Mode: TestRecord, FixtureDir: dir}, RecordingContext{
		ProviderID: "openai",
		Protocol:   "openai-oauth",
		Model:      "gpt-5.2-codex",
	})
	require.NotNil(t, r)

	require.NoError(t, r.FinishError(429, http.Header{"Retry-After": []string{"5"}}, `{"error":"rate limited"}`))

	raw, err := os.ReadFile(filepath.Join(dir, "openai__openai-oauth__gpt-5.2-codex.json"))
	require.NoError(t, err)

	var fixture ProviderFixture
	require.NoError(t, json.Unmarshal(raw, &fixture))
	assert.Equal(t, "json", fixture.Response.Kind)
	assert.Equal(t, 429, fixture.Response.Status)
	assert.Equal(t, `{"error":"rate limited"}`, fixture.Response.Body)
	assert.Equal(t, "5", fixture.Response.Headers["retry-after"])
}

func TestRedactHeaders(t *testing.T) {
	out := redactHeaders(map[string]string{
		"Authorization":  "Bearer x",
		"X-API-Key":      "k",
		"Api-Key":        "k",
		"X-Access-Token": "t",
		"Content-Type":   "application/json",
	})
	assert.Equal(t, "REDACTED", out["authorization"])
	assert.Equal(t, "REDACTED", out["x-api-key"])
	assert.Equal(t, "REDACTED", out["api-key"])
	assert.Equal(t, "REDACTED", out["x-access-token"])
	assert.Equal(t, "application/json", out["content-type"])
}

func TestFixturePathSanitizesModelName(t *testing.T) {
	path := fixturePath("dir", ProviderFixture{
		ProviderID: "openai",
		Protocol:   "openai-oauth",
		Model:      "openai/gpt 5 codex",
	})
	assert.Equal(t, filepath.Join("dir", "openai__openai-oauth__openai_gpt_5_codex.json"), path)
}
