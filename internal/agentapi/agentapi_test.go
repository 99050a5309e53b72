package agentapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conductor-dev/conductor/internal/keystore"
	"github.com/conductor-dev/conductor/internal/models"
)

func TestDetectProvider(t *testing.T) {
	assert.Equal(t, "anthropic", DetectProvider("claude-3-opus"))
	assert.Equal(t, "openai", DetectProvider("gpt-4o"))
	assert.Equal(t, "openai", DetectProvider("o1-mini"))
	assert.Equal(t, "google", DetectProvider("gemini-1.5-pro"))
	assert.Equal(t, "custom", DetectProvider("llama-70b"))
}

func staticKeys(baseURL, provider string) keystore.KeyStore {
	return &keystore.StaticStore{Entries: map[string]keystore.Entry{
		"agent-1": {APIKey: "sk-ant-test", Provider: provider, BaseURL: baseURL},
	}}
}

func testAgent() *models.Agent {
	return &models.Agent{ID: "agent-1", Name: "tester", Model: "claude-3-opus", Available: true}
}

func TestCallAnthropicShape(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]string{{"type": "text", "text": "hello"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	c := NewClient(staticKeys(srv.URL, "anthropic"), time.Minute, zaptest.NewLogger(t))
	resp, err := c.Call(context.Background(), testAgent(), &Request{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "/messages", gotPath)
	assert.Equal(t, "sk-ant-test", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCallOpenAIShape(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "world"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		})
	}))
	defer srv.Close()

	c := NewClient(staticKeys(srv.URL, "openai"), time.Minute, zaptest.NewLogger(t))
	agent := testAgent()
	agent.Model = "gpt-4o"
	resp, err := c.Call(context.Background(), agent, &Request{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-ant-test", gotAuth)
	assert.Equal(t, "world", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestCallCustomContentFields(t *testing.T) {
	for _, field := range []string{"content", "message", "text", "output"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{field: "answer"})
		}))

		c := NewClient(staticKeys(srv.URL, "custom"), time.Minute, zaptest.NewLogger(t))
		resp, err := c.Call(context.Background(), testAgent(), &Request{Prompt: "hi"})
		require.NoError(t, err, "field %s", field)
		assert.Equal(t, "answer", resp.Content)
		srv.Close()
	}
}

func TestCallServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(staticKeys(srv.URL, "custom"), time.Minute, zaptest.NewLogger(t))
	_, err := c.Call(context.Background(), testAgent(), &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindAPI, models.KindOf(err))
	assert.True(t, models.IsRetryable(err))
}

func TestCallBadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(staticKeys(srv.URL, "custom"), time.Minute, zaptest.NewLogger(t))
	_, err := c.Call(context.Background(), testAgent(), &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))
}

func TestCallTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client abort and cancel
		// the request context; otherwise Close hangs on this connection.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(staticKeys(srv.URL, "custom"), time.Minute, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, testAgent(), &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindTimeout, models.KindOf(err))
}

func TestRateInfoCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining-requests", "42")
		w.Header().Set("x-ratelimit-limit-requests", "100")
		json.NewEncoder(w).Encode(map[string]string{"content": "ok"})
	}))
	defer srv.Close()

	c := NewClient(staticKeys(srv.URL, "custom"), time.Minute, zaptest.NewLogger(t))
	var got RateInfo
	c.OnRateInfo = func(agentID string, info RateInfo) { got = info }

	_, err := c.Call(context.Background(), testAgent(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 42, got.Remaining)
	assert.Equal(t, 100, got.Limit)
}

func TestCallMissingCredential(t *testing.T) {
	c := NewClient(&keystore.StaticStore{}, time.Minute, zaptest.NewLogger(t))
	_, err := c.Call(context.Background(), testAgent(), &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindSystem, models.KindOf(err))
}
