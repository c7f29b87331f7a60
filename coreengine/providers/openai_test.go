package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/testutil"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	auth     []string
	status   int
	reply    string
	choices  int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{status: http.StatusOK, reply: `{"outcome":"task"}`, choices: 1}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		api.mu.Lock()
		api.requests = append(api.requests, req)
		api.auth = append(api.auth, r.Header.Get("Authorization"))
		status, reply, choices := api.status, api.reply, api.choices
		api.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		resp := openai.ChatCompletionResponse{ID: "cmpl-1", Model: req.Model}
		for i := 0; i < choices; i++ {
			resp.Choices = append(resp.Choices, openai.ChatCompletionChoice{
				Index:   i,
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) last(t *testing.T) (openai.ChatCompletionRequest, string) {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.requests)
	return a.requests[len(a.requests)-1], a.auth[len(a.auth)-1]
}

func TestNewOpenAIRequiresModel(t *testing.T) {
	_, err := NewOpenAI(config.BackendConfig{Name: "primary"})
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestOpenAIExecute(t *testing.T) {
	api, srv := newFakeAPI(t)
	t.Setenv("STAGEFLOW_TEST_KEY", "sk-test")

	p, err := NewOpenAI(config.BackendConfig{
		Name:        "primary",
		BaseURL:     srv.URL + "/v1/",
		Model:       "gpt-4o-mini",
		APIKeyEnv:   "STAGEFLOW_TEST_KEY",
		Temperature: 0.2,
		MaxTokens:   256,
	})
	require.NoError(t, err)

	out, err := p.Execute(context.Background(), "classify this", routing.Options{System: "you are a router"})
	require.NoError(t, err)
	assert.Equal(t, `{"outcome":"task"}`, out)

	req, auth := api.last(t)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.InDelta(t, 0.2, req.Temperature, 1e-6)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "you are a router", req.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(t, "classify this", req.Messages[1].Content)
}

func TestOpenAIExecuteOptionOverrides(t *testing.T) {
	api, srv := newFakeAPI(t)
	p, err := NewOpenAI(config.BackendConfig{Name: "p", BaseURL: srv.URL + "/v1", Model: "base", MaxTokens: 100})
	require.NoError(t, err)

	temp := float32(0.9)
	_, err = p.Execute(context.Background(), "x", routing.Options{Model: "override", Temperature: &temp, MaxTokens: 50})
	require.NoError(t, err)

	req, _ := api.last(t)
	assert.Equal(t, "override", req.Model)
	assert.Equal(t, 50, req.MaxTokens)
	assert.InDelta(t, 0.9, req.Temperature, 1e-6)
	assert.Len(t, req.Messages, 1)
}

func TestOpenAIExecuteErrors(t *testing.T) {
	api, srv := newFakeAPI(t)
	p, err := NewOpenAI(config.BackendConfig{Name: "p", BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	api.mu.Lock()
	api.status = http.StatusServiceUnavailable
	api.mu.Unlock()
	_, err = p.Execute(context.Background(), "x", routing.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion failed")
	var apiErr *openai.APIError
	assert.ErrorAs(t, err, &apiErr)

	api.mu.Lock()
	api.status = http.StatusOK
	api.choices = 0
	api.mu.Unlock()
	_, err = p.Execute(context.Background(), "x", routing.Options{})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAIExecuteHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	p, err := NewOpenAI(config.BackendConfig{Name: "p", BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Execute(ctx, "x", routing.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisterAllThroughRouter(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := config.DefaultWorkflowConfig()
	cfg.Backends = []config.BackendConfig{
		{Name: "primary", BaseURL: srv.URL + "/v1", Model: "deep"},
		{Name: "fast", BaseURL: srv.URL + "/v1", Model: "small"},
	}
	cfg.Routing = config.RoutingConfig{Mode: config.RoutingSingle, Primary: "primary", Fallback: "fast"}

	router := routing.NewRouter(cfg.Routing, testutil.NewTestLogger())
	require.NoError(t, RegisterAll(router, cfg))
	require.NoError(t, router.Validate())

	resp, err := router.Execute(context.Background(), "hello", routing.Options{})
	require.NoError(t, err)
	assert.Equal(t, "primary", resp.Backend)
	assert.Equal(t, `{"outcome":"task"}`, resp.Result)

	err = RegisterAll(router, cfg)
	assert.Error(t, err)
}
