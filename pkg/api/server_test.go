package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/github"
	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/manager"
	"github.com/fluidmcp/fluidmcp/pkg/metrics"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
	"github.com/fluidmcp/fluidmcp/pkg/restart"
	"github.com/fluidmcp/fluidmcp/pkg/tools"
)

type apiFixture struct {
	router *gin.Engine
	repo   *repository.Memory
	cfg    config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	return newFixtureWithGitHub(t, mutate, github.NewClient())
}

func newFixtureWithGitHub(t *testing.T, mutate func(*config.Config), gh *github.Client) *apiFixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.LogDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	repo := repository.NewMemory(100)
	logs := repository.NewLogWriter(repo, metrics.Nop{}, 64)
	t.Cleanup(func() { logs.Close() })

	engine := restart.NewEngine(restart.Backoff{})
	mgr := manager.New(cfg, repo, logs, engine, metrics.Nop{})
	dispatcher := llm.NewDispatcher(repo, cfg, tools.NewRegistry(), metrics.Nop{})

	srv := NewServer(cfg, mgr, dispatcher, gh, repo, metrics.Nop{}, nil)
	return &apiFixture{router: srv.Router(), repo: repo, cfg: cfg}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func serverBody(id string) map[string]any {
	return map[string]any{
		"id":      id,
		"name":    "Test " + id,
		"command": "npx",
		"args":    []string{"-y", "@example/server-" + id},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeJSON(t, rec)["status"])
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.SecureMode = true
		c.BearerToken = "sekrit"
	})

	rec := f.do(t, http.MethodGet, "/api/servers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing bearer token", decodeJSON(t, rec)["detail"])

	rec = f.do(t, http.MethodGet, "/api/servers", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid bearer token", decodeJSON(t, rec)["detail"])

	rec = f.do(t, http.MethodGet, "/api/servers", nil, map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays reachable without credentials.
	rec = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerCRUD(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/servers", serverBody("files"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeJSON(t, rec)
	assert.Equal(t, "files", created["id"])
	assert.Equal(t, "api-client", created["created_by"])

	rec = f.do(t, http.MethodPost, "/api/servers", serverBody("files"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/servers/files", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	update := serverBody("files")
	update["name"] = "Renamed"
	rec = f.do(t, http.MethodPut, "/api/servers/files", update, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decodeJSON(t, rec)["name"])

	rec = f.do(t, http.MethodGet, "/api/servers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON(t, rec)["servers"].([]any)
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodDelete, "/api/servers/files", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/servers/files", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateServerRejectsDisallowedCommand(t *testing.T) {
	f := newFixture(t, nil)

	body := serverBody("evil")
	body["command"] = "rm"
	rec := f.do(t, http.MethodPost, "/api/servers", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["detail"], "command")
}

func TestServerStatusNeverStarted(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/servers", serverBody("idle"), nil)

	rec := f.do(t, http.MethodGet, "/api/servers/idle/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON(t, rec)
	assert.Equal(t, "stopped", status["state"])
	assert.EqualValues(t, 0, status["pid"])
	assert.NotContains(t, status, "uptime_s")
}

func TestStartUnknownServer(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/servers/ghost/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopServerIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/servers", serverBody("cold"), nil)

	// Stopping a server that never ran succeeds; stop converges on stopped.
	rec := f.do(t, http.MethodPost, "/api/servers/cold/stop", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decodeJSON(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/api/servers/cold/stop", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// An unregistered id is still a 404.
	rec = f.do(t, http.MethodPost, "/api/servers/ghost/stop", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunToolUnknownServer(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/servers/ghost/tools/echo/run",
		map[string]any{"arguments": map[string]any{"msg": "hi"}}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetRestartsUnknownServer(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/restart/ghost/reset", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func modelBody(id string, typ string, baseURL string) map[string]any {
	m := map[string]any{
		"model_id": id,
		"type":     typ,
	}
	if baseURL != "" {
		m["endpoints"] = map[string]string{"base_url": baseURL}
	}
	return m
}

func TestModelCRUD(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/llm/models", modelBody("local-llama", "vllm", "http://localhost:8000/v1"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeJSON(t, rec)["version"])

	// Duplicate registration is a client error, not a conflict.
	rec = f.do(t, http.MethodPost, "/api/llm/models", modelBody("local-llama", "vllm", "http://localhost:8000/v1"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["detail"], "already registered")

	rec = f.do(t, http.MethodGet, "/api/llm/models/local-llama", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	update := modelBody("local-llama", "vllm", "http://localhost:9000/v1")
	rec = f.do(t, http.MethodPut, "/api/llm/models/local-llama", update, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeJSON(t, rec)
	assert.EqualValues(t, 2, updated["version"], "version bumps on update")

	rec = f.do(t, http.MethodDelete, "/api/llm/models/local-llama", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/llm/models/local-llama", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListModelsFiltersByType(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/llm/models", modelBody("a", "vllm", "http://x/v1"), nil)
	f.do(t, http.MethodPost, "/api/llm/models", modelBody("b", "replicate", ""), nil)

	rec := f.do(t, http.MethodGet, "/api/llm/models?type=replicate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON(t, rec)["models"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].(map[string]any)["model_id"])

	rec = f.do(t, http.MethodGet, "/api/llm/models?type=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateModelValidation(t *testing.T) {
	f := newFixture(t, nil)

	// OpenAI-compatible backends need a base URL.
	rec := f.do(t, http.MethodPost, "/api/llm/models", modelBody("half", "ollama", ""), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["detail"], "base_url")

	// Literal API keys are refused; only ${ENV_VAR} placeholders are stored.
	body := modelBody("leaky", "vllm", "http://x/v1")
	body["api_key"] = "sk-plaintext"
	rec = f.do(t, http.MethodPost, "/api/llm/models", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["detail"], "placeholder")
}

func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, text := range []string{"hel", "lo"} {
				chunk := openai.ChatCompletionStreamResponse{
					ID:     "chunk",
					Model:  req.Model,
					Object: "chat.completion.chunk",
					Choices: []openai.ChatCompletionStreamChoice{{
						Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
					}},
				}
				raw, err := json.Marshal(chunk)
				require.NoError(t, err)
				fmt.Fprintf(w, "data: %s\n\n", raw)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		resp := openai.ChatCompletionResponse{
			ID:    "resp-1",
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "pong for " + req.Model},
			}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestChatCompletions(t *testing.T) {
	f := newFixture(t, nil)
	backend := fakeOpenAI(t)

	rec := f.do(t, http.MethodPost, "/api/llm/models",
		modelBody("local", "http_openai", backend.URL), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := map[string]any{
		// The body model is ignored; the path segment picks the backend.
		"model":    "something-else",
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
	}
	rec = f.do(t, http.MethodPost, "/api/llm/local/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "pong for local", resp.Choices[0].Message.Content)
}

func TestChatCompletionsStream(t *testing.T) {
	f := newFixture(t, nil)
	backend := fakeOpenAI(t)
	f.do(t, http.MethodPost, "/api/llm/models", modelBody("local", "http_openai", backend.URL), nil)

	body := map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
		"stream":   true,
	}
	rec := f.do(t, http.MethodPost, "/api/llm/local/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := rec.Body.String()
	assert.Contains(t, events, `"content":"hel"`)
	assert.Contains(t, events, `"content":"lo"`)
	assert.True(t, strings.HasSuffix(events, "data: [DONE]\n\n"), "stream ends with DONE: %q", events)
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	f := newFixture(t, nil)
	body := map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "ping"}},
	}
	rec := f.do(t, http.MethodPost, "/api/llm/ghost/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompletionsUnsupportedBackend(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/llm/models", modelBody("repl", "replicate", ""), nil)

	rec := f.do(t, http.MethodPost, "/api/llm/repl/v1/completions",
		map[string]any{"prompt": "hi"}, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCreateServerFromGitHub(t *testing.T) {
	manifest := map[string]any{
		"id":      "memory",
		"name":    "Memory",
		"command": "npx",
		"args":    []string{"-y", "server-memory"},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)

	var gotAuth string
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString(raw),
		})
	}))
	defer gh.Close()

	ghClient := github.NewClient()
	ghClient.SetBaseURL(gh.URL)
	f := newFixtureWithGitHub(t, nil, ghClient)

	body := map[string]any{"github_repo": "acme/memory-server"}
	rec := f.do(t, http.MethodPost, "/api/servers/from-github", body,
		map[string]string{"X-GitHub-Token": "ghp_secret"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Bearer ghp_secret", gotAuth, "token forwarded from header")

	created := decodeJSON(t, rec)
	assert.Equal(t, "memory", created["id"])
	src := created["source"].(map[string]any)
	assert.Equal(t, "github", src["source"])
	assert.Equal(t, "acme/memory-server", src["github_repo"])
}
