package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/whisprnet/internal/config"
)

func TestWatsonx_Complete(t *testing.T) {
	var iamCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&iamCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ibm:params:oauth:grant-type:apikey", r.PostForm.Get("grant_type"))
		assert.Equal(t, "llm-key", r.PostForm.Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/ml/v1/text/chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "2023-05-29", r.URL.Query().Get("version"))

		var body watsonxRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ibm/granite-3-3-8b-instruct", body.ModelID)
		assert.Equal(t, "proj-1", body.ProjectID)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "user", body.Messages[0].Role)
		assert.Equal(t, "hello", body.Messages[0].Content)
		assert.Equal(t, 200, body.Parameters.MaxTokens)
		assert.Equal(t, 0.0, body.Parameters.Temperature)

		w.Write([]byte(`{"choices":[{"message":{"content":"  hi there \n"}}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := NewWatsonx(WatsonxOpts{
		URL:        srv.URL + "/ml/v1/text/chat?version=2023-05-29",
		IAMURL:     srv.URL + "/identity/token",
		Model:      "ibm/granite-3-3-8b-instruct",
		ProjectID:  "proj-1",
		APIKey:     "llm-key",
		HTTPClient: srv.Client(),
	})

	for i := 0; i < 2; i++ {
		out, err := w.Complete(context.Background(), Request{Prompt: "hello", MaxTokens: 200, Temperature: 0, TopP: 1})
		require.NoError(t, err)
		assert.Equal(t, "hi there", out)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&iamCalls), "token should be reused")
}

func TestWatsonx_IAMFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorMessage":"bad key"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWatsonx(WatsonxOpts{URL: srv.URL + "/chat", IAMURL: srv.URL + "/iam", HTTPClient: srv.Client()})
	_, err := w.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
}

func TestWatsonx_ChatErrorStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iam", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"t","expires_in":60}`))
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := NewWatsonx(WatsonxOpts{URL: srv.URL + "/chat", IAMURL: srv.URL + "/iam", HTTPClient: srv.Client()})
	_, err := w.Complete(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestWatsonx_NoChoicesIsEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/iam", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"t","expires_in":60}`))
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := NewWatsonx(WatsonxOpts{URL: srv.URL + "/chat", IAMURL: srv.URL + "/iam", HTTPClient: srv.Client()})
	out, err := w.Complete(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		var body openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "meta-llama/llama-3.1-8b-instruct", body.Model)
		assert.Equal(t, 0.7, body.Temperature)
		assert.Equal(t, 2000, body.MaxTokens)
		w.Write([]byte(`{"choices":[{"message":{"content":"summary text"}}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIOpts{BaseURL: srv.URL + "/api/v1/", Model: "meta-llama/llama-3.1-8b-instruct", APIKey: "or-key", HTTPClient: srv.Client()})
	out, err := o.Complete(context.Background(), Request{Prompt: "p", MaxTokens: 2000, Temperature: 0.7, TopP: 0.9})
	require.NoError(t, err)
	assert.Equal(t, "summary text", out)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.CompletionConfig{Provider: "watsonx"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Watsonx{}, p)

	p, err = NewProvider(config.CompletionConfig{Provider: "openai", Model: "m"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, p)

	_, err = NewProvider(config.CompletionConfig{Provider: "bard"}, nil)
	assert.Error(t, err)
}
