package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/mcpproxy"
	"github.com/fluidmcp/fluidmcp/pkg/models"
)

func replicateModel(baseURL string) *models.LLMModel {
	return &models.LLMModel{
		ModelID:   "meta/test-llama",
		Type:      models.BackendReplicate,
		Endpoints: map[string]string{"base_url": baseURL},
	}
}

func TestReplicateCompleteImmediateSuccess(t *testing.T) {
	var gotInput map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models/meta/test-llama/predictions", r.URL.Path)
		require.Equal(t, "Bearer r8-key", r.Header.Get("Authorization"))

		var body struct {
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotInput = body.Input

		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-1",
			"status": "succeeded",
			"output": []any{"hello", " ", "world"},
		})
	}))
	t.Cleanup(ts.Close)

	b := newReplicateBackend(replicateModel(ts.URL), "r8-key", slog.Default())
	resp, err := b.Complete(context.Background(), openai.ChatCompletionRequest{
		Model: "meta/test-llama",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "be brief"},
			{Role: openai.ChatMessageRoleUser, Content: "greet me"},
		},
		MaxTokens: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, resp.Choices[0].Message.Role)

	assert.Equal(t, "be brief", gotInput["system_prompt"])
	assert.Contains(t, gotInput["prompt"], "User: greet me")
	assert.EqualValues(t, 64, gotInput["max_tokens"])
}

func TestReplicateCompletePollsUntilTerminal(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	mux.HandleFunc("/models/meta/test-llama/predictions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-2",
			"status": "processing",
			"urls":   map[string]string{"get": ts.URL + "/predictions/pred-2"},
		})
	})
	mux.HandleFunc("/predictions/pred-2", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "processing"
		var output any
		if polls >= 2 {
			status = "succeeded"
			output = []any{"done after polling"}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "pred-2", "status": status, "output": output,
			"urls": map[string]string{"get": ts.URL + "/predictions/pred-2"},
		})
	})

	b := newReplicateBackend(replicateModel(ts.URL), "r8-key", slog.Default())
	resp, err := b.Complete(context.Background(), openai.ChatCompletionRequest{
		Model:    "meta/test-llama",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "done after polling", resp.Choices[0].Message.Content)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestReplicateFailedPredictionIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "pred-3", "status": "failed", "error": "model exploded",
		})
	}))
	t.Cleanup(ts.Close)

	b := newReplicateBackend(replicateModel(ts.URL), "r8-key", slog.Default())
	_, err := b.Complete(context.Background(), openai.ChatCompletionRequest{
		Model:    "meta/test-llama",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
}

func TestReplicateStreamForwardsOutputEvents(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	mux.HandleFunc("/models/meta/test-llama/predictions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		require.True(t, body.Stream)
		json.NewEncoder(w).Encode(map[string]any{
			"id": "pred-4", "status": "starting",
			"urls": map[string]string{"stream": ts.URL + "/stream/pred-4"},
		})
	})
	mux.HandleFunc("/stream/pred-4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: output\ndata: first \n\n")
		fmt.Fprint(w, "event: output\ndata: second\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	})

	b := newReplicateBackend(replicateModel(ts.URL), "r8-key", slog.Default())
	sink := &collectSink{}
	resp, err := b.Stream(context.Background(), openai.ChatCompletionRequest{
		Model:    "meta/test-llama",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	}, sink)
	require.NoError(t, err)

	require.Len(t, sink.chunks, 2)
	assert.Equal(t, "first ", sink.chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "second", sink.chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, "first second", resp.Choices[0].Message.Content)
}

func TestMCPResolverBridgesToManager(t *testing.T) {
	src := &fakeToolSource{
		servers: []models.ServerConfig{{
			ID:      "files",
			Enabled: true,
			Tools:   []models.ToolSpec{{Name: "read_file"}},
		}},
		result: "file contents",
	}
	resolver := NewMCPResolver(src)

	_, ok := resolver.Resolve("nope")
	assert.False(t, ok)

	h, ok := resolver.Resolve("read_file")
	require.True(t, ok)
	out, err := h(context.Background(), map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "file contents", out)
	assert.Equal(t, "files", src.calledServer)
	assert.Equal(t, "read_file", src.calledTool)
	assert.True(t, src.startIfNeeded)
}

type fakeToolSource struct {
	servers       []models.ServerConfig
	result        string
	calledServer  string
	calledTool    string
	startIfNeeded bool
}

func (f *fakeToolSource) List(context.Context, bool) ([]models.ServerConfig, error) {
	return f.servers, nil
}

func (f *fakeToolSource) CallTool(_ context.Context, id, tool string, _ map[string]any, start bool) (*mcpproxy.CallToolResult, error) {
	f.calledServer, f.calledTool, f.startIfNeeded = id, tool, start
	return &mcpproxy.CallToolResult{
		Content: []mcpproxy.ContentBlock{{Type: "text", Text: f.result}},
	}, nil
}
