package anthropic_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aretw0/sochen/pkg/llm"
	"github.com/aretw0/sochen/pkg/llm/anthropic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModel_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "NEXT_AGENT: coder"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	m := anthropic.NewModel(func(o *anthropic.Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL
	})

	temp := 0.5
	out, err := m.Complete(context.Background(), llm.Request{System: "be brief", Prompt: "route", Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, "NEXT_AGENT: coder", out)

	assert.Equal(t, 0.5, body["temperature"])
	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "be brief", system[0].(map[string]any)["text"])
}

func TestModel_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-3-5-sonnet-20241022", "content": [],
			"stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 0}
		}`)
	}))
	defer srv.Close()

	m := anthropic.NewModel(func(o *anthropic.Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL
	})
	_, err := m.Complete(context.Background(), llm.Request{Prompt: "x"})
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}
