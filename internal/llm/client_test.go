package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/internal/observability"
)

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"strategy":"graph"}`, `{"strategy":"graph"}`, true},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"surrounding prose", `Sure! Here you go: {"a":1} hope that helps`, `{"a":1}`, true},
		{"nested objects", `{"a":{"b":{"c":1}}}`, `{"a":{"b":{"c":1}}}`, true},
		{"braces inside strings", `{"a":"}{ not structure"}`, `{"a":"}{ not structure"}`, true},
		{"escaped quote in string", `{"a":"she said \"}\""}`, `{"a":"she said \"}\""}`, true},
		{"trailing object ignored", `{"a":1} {"b":2}`, `{"a":1}`, true},
		{"no object", "just words", "", false},
		{"unbalanced", `{"a":1`, "", false},
		{"invalid json", `{"a":}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FirstJSONObject(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, string(got))
				assert.True(t, json.Valid(got))
			}
		})
	}
}

func TestOllamaComplete(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"response": `{"ok":true}`})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 5*time.Second, observability.Nop())
	out, err := c.Complete(context.Background(), "classify this", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	assert.Equal(t, "llama3", gotBody["model"])
	assert.Equal(t, false, gotBody["stream"])
	assert.NotNil(t, gotBody["format"])
}

func TestOllamaCompleteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "missing", 5*time.Second, observability.Nop())
	_, err := c.Complete(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOpenAIComplete(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "hello"}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", "gpt-4o-mini", 5*time.Second, observability.Nop())
	out, err := c.Complete(context.Background(), "say hello", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.NotNil(t, gotBody["response_format"])
}

func TestOpenAICompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "k", "m", 5*time.Second, observability.Nop())
	_, err := c.Complete(context.Background(), "x", nil)
	require.Error(t, err)
}
