package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/recon/internal/types"
)

func TestNewFromConfigProviders(t *testing.T) {
	s, err := NewFromConfig(DefaultConfig(), nil)
	require.NoError(t, err)
	_, ok := s.(*Extractive)
	assert.True(t, ok, "empty provider selects the extractive summarizer")

	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := DefaultConfig()
	cfg.Provider = "anthropic"
	_, err = NewFromConfig(cfg, nil)
	assert.Error(t, err, "anthropic needs a key")

	cfg.Provider = "mystery"
	_, err = NewFromConfig(cfg, nil)
	assert.Error(t, err)
}

func TestOpenAIBackendAgainstServer(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "model": "gpt-test",
  "choices": [{"index": 0, "finish_reason": "stop",
    "message": {"role": "assistant", "content": "{\"title\": \"ERP risk\", \"description\": \"SAP and Oracle overlap.\", \"severity\": \"high\", \"key_systems\": [\"SAP\"]}"}}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20}
}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Provider = "openai"
	cfg.APIKey = "test-key"
	cfg.Model = "gpt-test"
	cfg.BaseURL = server.URL
	s, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)

	resp, err := s.Summarize(context.Background(), erpRequest())
	require.NoError(t, err)
	assert.Equal(t, "ERP risk", resp.Title)
	assert.Equal(t, types.SeverityHigh, resp.Severity)
	assert.Equal(t, "gpt-test", resp.Model)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropicBackendAgainstServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var body struct {
			Model  string `json:"model"`
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body.Model)
		require.Len(t, body.System, 1)
		assert.Contains(t, body.System[0].Text, "never introduce")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
  "content": [{"type": "text", "text": "Summary:\n{\"title\": \"ERP risk\", \"severity\": \"medium\", \"key_systems\": []}"}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 10, "output_tokens": 10}
}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Provider = "anthropic"
	cfg.APIKey = "test-key"
	cfg.Model = "claude-test"
	cfg.BaseURL = server.URL
	s, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)

	resp, err := s.Summarize(context.Background(), erpRequest())
	require.NoError(t, err)
	assert.Equal(t, "ERP risk", resp.Title)
	assert.Equal(t, types.SeverityMedium, resp.Severity)
}

func TestBackendServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "c", "object": "chat.completion", "choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"title\": \"ERP risk\", \"severity\": \"low\"}"}}]}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Provider = "openai"
	cfg.APIKey = "test-key"
	cfg.BaseURL = server.URL
	s, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)

	resp, err := s.Summarize(context.Background(), erpRequest())
	require.NoError(t, err)
	assert.Equal(t, types.SeverityLow, resp.Severity)
	assert.Equal(t, int32(2), calls.Load())
}
