package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"loom/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeChatServer(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
	})
}

func TestCompleteWithSystem(t *testing.T) {
	var gotReq chatRequest
	client := fakeChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  observed trend  "}}],"usage":{"completion_tokens":3}}`)
	})

	out, err := client.CompleteWithSystem(context.Background(), "you are an analyst", "summarize")
	require.NoError(t, err)
	assert.Equal(t, "observed trend", out, "content should be trimmed")

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Equal(t, "test-model", gotReq.Model)
}

func TestCompleteOmitsEmptySystem(t *testing.T) {
	var gotReq chatRequest
	client := fakeChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	})

	_, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestServerErrorIsRetryable(t *testing.T) {
	client := fakeChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)

	var se *retry.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, retry.Retryable(err))
}

func TestClientErrorIsFatal(t *testing.T) {
	client := fakeChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.False(t, retry.Retryable(err))
}

func TestEmptyChoicesIsFatal(t *testing.T) {
	client := fakeChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.ErrorIs(t, err, retry.ErrEmptyResponse)
	assert.False(t, retry.Retryable(err))
}

func TestBlankContentIsFatal(t *testing.T) {
	client := fakeChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"   "}}]}`)
	})

	_, err := client.Complete(context.Background(), "hi")
	require.ErrorIs(t, err, retry.ErrEmptyResponse)
}

func TestMissingAPIKeyIsFatal(t *testing.T) {
	client := NewOpenAIClient(Config{BaseURL: "http://unused", Model: "m"})
	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.False(t, retry.Retryable(err))
}

func TestFactoryProviders(t *testing.T) {
	tests := []struct {
		provider string
		wantErr  bool
	}{
		{ProviderOpenAI, false},
		{ProviderDeepSeek, false},
		{ProviderPerplexity, false},
		{"mystery", true},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			_, err := NewClient(Config{Provider: tt.provider, APIKey: "k"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFactoryRequiresKey(t *testing.T) {
	_, err := NewClient(Config{Provider: ProviderOpenAI})
	assert.Error(t, err)
}
