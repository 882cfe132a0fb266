package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnthropicTestProvider(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant", Model: "claude-test", BaseURL: server.URL}, 0.5, 5*time.Second, 1)
	p.retryDelay = time.Millisecond
	return p
}

func TestAnthropicProvider_Complete(t *testing.T) {
	var got messagesRequest
	var headers http.Header
	p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"model": "claude-test-20250101",
			"content": [{"type": "text", "text": "{\"a\":"}, {"type": "tool_use"}, {"type": "text", "text": "1}"}],
			"usage": {"input_tokens": 20, "output_tokens": 5}
		}`))
	})

	resp, err := p.Complete(context.Background(), Request{System: "be brief", Prompt: "hello", JSON: true})
	require.NoError(t, err)

	assert.Equal(t, "sk-ant", headers.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, headers.Get("anthropic-version"))
	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, defaultAnthropicMaxTokens, got.MaxTokens)
	assert.Contains(t, got.System, "be brief")
	assert.Contains(t, got.System, "single JSON object")
	assert.Equal(t, []anthropicMessage{{Role: "user", Content: "hello"}}, got.Messages)

	assert.Equal(t, `{"a":1}`, resp.Content)
	assert.Equal(t, "claude-test-20250101", resp.Model)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
}

func TestAnthropicProvider_APIError(t *testing.T) {
	p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	})

	_, err := p.Complete(context.Background(), Request{Prompt: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "anthropic", apiErr.Provider)
	assert.Equal(t, "invalid_request_error", apiErr.Type)
	assert.Equal(t, "max_tokens too large", apiErr.Message)
	assert.False(t, apiErr.IsTransient())
}

func TestAnthropicProvider_NoText(t *testing.T) {
	p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"tool_use"}]}`))
	})

	_, err := p.Complete(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
