package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, completionsPath, r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be brief", req.Messages[0].Content)
		assert.Equal(t, "hello", req.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ChatCompletionResponse{
			Model:   "gpt-test",
			Choices: []Choice{{Message: ChatMessage{Role: "assistant", Content: "hi"}}},
			Usage:   Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
		})
	}))
	defer srv.Close()

	c := NewClient(providers.Endpoint{Name: "b1", APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-test"})

	resp, err := c.Call(context.Background(), &providers.Request{System: "be brief", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 6, resp.Usage.Total())
}

func TestClient_CallError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := NewClient(providers.Endpoint{Name: "b1", APIKey: "k", BaseURL: srv.URL})

	_, err := c.Call(context.Background(), &providers.Request{Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrRateLimitExceeded)
	assert.Contains(t, err.Error(), "slow down")
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(providers.Endpoint{Name: "b1", APIKey: "k", BaseURL: srv.URL})

	var chunks []string
	err := c.Stream(context.Background(), &providers.Request{Prompt: "x"}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
}

func TestClient_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := NewClient(providers.Endpoint{Name: "b1", APIKey: "k", BaseURL: srv.URL})

	err := c.Stream(context.Background(), &providers.Request{Prompt: "x"}, func(string) error { return nil })
	assert.ErrorIs(t, err, providers.ErrInvalidAPIKey)
}
