package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Call(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		assert.Equal(t, "sk-ant", r.Header.Get("X-Api-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.NotNil(t, body["system"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "ciao"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 7, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	c := NewClient(providers.Endpoint{Name: "claude", APIKey: "sk-ant", BaseURL: srv.URL, Model: "claude-test"})

	resp, err := c.Call(context.Background(), &providers.Request{System: "sys", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "ciao", resp.Text)
	assert.Equal(t, 9, resp.Usage.Total())
}

func TestClient_CallAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	c := NewClient(providers.Endpoint{Name: "claude", APIKey: "bad", BaseURL: srv.URL})

	_, err := c.Call(context.Background(), &providers.Request{Prompt: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrInvalidAPIKey)
}

func TestDriver(t *testing.T) {
	d := Driver()
	assert.Equal(t, "anthropic", d.Name)
	assert.False(t, d.KeyOptional)

	a, err := d.New(providers.Endpoint{APIKey: "k"})
	require.NoError(t, err)
	assert.True(t, a.SupportsStreaming())
}
