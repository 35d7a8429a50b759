package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anrak-dev/anrak/internal/session"
)

func TestOpenRouterGenerate(t *testing.T) {
	var got chatRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  A measured reply.\n"}},
			},
		})
	}))
	defer srv.Close()

	o := NewOpenRouter("sk-test", srv.URL)
	out, err := o.Generate(context.Background(), session.AgentConfig{
		Label:              "model-a",
		Model:              "anthropic/claude-3.5-sonnet",
		SystemInstructions: "You are blunt.",
	}, []Turn{{Role: "user", Content: "host: Begin."}})

	require.NoError(t, err)
	assert.Equal(t, "A measured reply.", out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, Turn{Role: "system", Content: "You are blunt."}, got.Messages[0])
	assert.Equal(t, Turn{Role: "user", Content: "host: Begin."}, got.Messages[1])
}

func TestOpenRouterRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := NewOpenRouter("sk-test", srv.URL)
	_, err := o.Generate(context.Background(), session.AgentConfig{Model: "m"}, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestOpenRouterAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model not found"},
		})
	}))
	defer srv.Close()

	o := NewOpenRouter("sk-test", srv.URL)
	_, err := o.Generate(context.Background(), session.AgentConfig{Model: "nope"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenRouterMissingKey(t *testing.T) {
	o := NewOpenRouter("", "")
	_, err := o.Generate(context.Background(), session.AgentConfig{Model: "m"}, nil)
	assert.Error(t, err)
}
