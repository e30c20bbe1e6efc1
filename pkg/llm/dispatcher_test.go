package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/metrics"
	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
	"github.com/fluidmcp/fluidmcp/pkg/tools"
)

const testKeyVar = "FLUIDMCP_TEST_LLM_KEY"

func testDispatcher(t *testing.T, resolver tools.Resolver) (*Dispatcher, repository.Repository) {
	t.Helper()
	repo := repository.NewMemory(100)
	if resolver == nil {
		resolver = tools.NewRegistry()
	}
	return NewDispatcher(repo, config.Defaults(), resolver, metrics.Nop{}), repo
}

func registerModel(t *testing.T, repo repository.Repository, m models.LLMModel) {
	t.Helper()
	require.NoError(t, repo.CreateModel(context.Background(), &m))
}

// fakeOpenAIServer answers /chat/completions and records the last request.
func fakeOpenAIServer(t *testing.T, reply string) (*httptest.Server, *openai.ChatCompletionRequest, *string) {
	t.Helper()
	var lastReq openai.ChatCompletionRequest
	var lastAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/chat/completions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&lastReq))
			resp := openai.ChatCompletionResponse{
				ID:     "resp-1",
				Object: "chat.completion",
				Model:  lastReq.Model,
				Choices: []openai.ChatCompletionChoice{{
					Message: openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleAssistant,
						Content: reply,
					},
					FinishReason: openai.FinishReasonStop,
				}},
			}
			json.NewEncoder(w).Encode(resp)
		case "/completions":
			var req openai.CompletionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(openai.CompletionResponse{
				ID:      "cmpl-1",
				Object:  "text_completion",
				Model:   req.Model,
				Choices: []openai.CompletionChoice{{Text: reply}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &lastReq, &lastAuth
}

func TestChatCompletionRoutesToOpenAIBackend(t *testing.T) {
	ts, lastReq, lastAuth := fakeOpenAIServer(t, "hello from vllm")
	t.Setenv(testKeyVar, "sk-test-123")

	d, repo := testDispatcher(t, nil)
	registerModel(t, repo, models.LLMModel{
		ModelID:   "local-llama",
		Type:      models.BackendVLLM,
		Endpoints: map[string]string{"base_url": ts.URL},
		APIKey:    "${" + testKeyVar + "}",
		DefaultParams: map[string]any{
			"temperature": 0.7,
			"max_tokens":  256,
		},
	})

	resp, err := d.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model: "local-llama",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from vllm", resp.Choices[0].Message.Content)

	assert.Equal(t, "Bearer sk-test-123", *lastAuth)
	assert.InDelta(t, 0.7, lastReq.Temperature, 0.001, "default temperature merged")
	assert.Equal(t, 256, lastReq.MaxTokens, "default max_tokens merged")
}

func TestCallerParamsBeatDefaults(t *testing.T) {
	ts, lastReq, _ := fakeOpenAIServer(t, "ok")
	t.Setenv(testKeyVar, "sk")

	d, repo := testDispatcher(t, nil)
	registerModel(t, repo, models.LLMModel{
		ModelID:       "m",
		Type:          models.BackendHTTPOpenAI,
		Endpoints:     map[string]string{"base_url": ts.URL},
		APIKey:        "${" + testKeyVar + "}",
		DefaultParams: map[string]any{"temperature": 0.2, "model": "upstream-name"},
	})

	_, err := d.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:       "m",
		Temperature: 0.9,
		Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, lastReq.Temperature, 0.001)
	assert.Equal(t, "upstream-name", lastReq.Model, "default model name rewrites the upstream request")
}

func TestExplicitZeroTemperatureBeatsDefaults(t *testing.T) {
	ts, lastReq, _ := fakeOpenAIServer(t, "ok")
	t.Setenv(testKeyVar, "sk")

	d, repo := testDispatcher(t, nil)
	registerModel(t, repo, models.LLMModel{
		ModelID:       "greedy",
		Type:          models.BackendVLLM,
		Endpoints:     map[string]string{"base_url": ts.URL},
		APIKey:        "${" + testKeyVar + "}",
		DefaultParams: map[string]any{"temperature": 0.9, "top_p": 0.95},
	})

	raw := []byte(`{"temperature": 0, "top_p": 0, "messages": [{"role": "user", "content": "x"}]}`)
	var req openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	req.Model = "greedy"
	PreserveExplicitZeros(raw, &req)

	_, err := d.ChatCompletion(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, float32(0.9), lastReq.Temperature, "caller's zero must not be replaced by the default")
	assert.Less(t, lastReq.Temperature, float32(1e-6), "effective sampling stays greedy")
	assert.NotEqual(t, float32(0.95), lastReq.TopP)
	assert.Less(t, lastReq.TopP, float32(1e-6))
}

func TestPreserveExplicitZerosLeavesUnsetAlone(t *testing.T) {
	raw := []byte(`{"messages": [{"role": "user", "content": "x"}]}`)
	var req openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	PreserveExplicitZeros(raw, &req)
	assert.Zero(t, req.Temperature, "absent field stays eligible for default_params")
	assert.Zero(t, req.TopP)
}

func TestMissingAPIKeyEnvIsModelConfigError(t *testing.T) {
	d, repo := testDispatcher(t, nil)
	registerModel(t, repo, models.LLMModel{
		ModelID:   "broken",
		Type:      models.BackendVLLM,
		Endpoints: map[string]string{"base_url": "http://localhost:1"},
		APIKey:    "${FLUIDMCP_TEST_KEY_THAT_IS_NOT_SET}",
	})

	_, err := d.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "broken",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	})
	var cfgErr *ModelConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "broken", cfgErr.ModelID)
	assert.Contains(t, cfgErr.Reason, "FLUIDMCP_TEST_KEY_THAT_IS_NOT_SET")
}

func TestUnknownModelIsNotFound(t *testing.T) {
	d, _ := testDispatcher(t, nil)
	_, err := d.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "ghost",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLegacyCompletion(t *testing.T) {
	ts, _, _ := fakeOpenAIServer(t, "completed text")
	t.Setenv(testKeyVar, "sk")

	d, repo := testDispatcher(t, nil)
	registerModel(t, repo, models.LLMModel{
		ModelID:   "legacy",
		Type:      models.BackendOllama,
		Endpoints: map[string]string{"base_url": ts.URL},
		APIKey:    "${" + testKeyVar + "}",
	})

	resp, err := d.Completion(context.Background(), openai.CompletionRequest{
		Model:  "legacy",
		Prompt: "say something",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed text", resp.Choices[0].Text)
}

func TestLegacyCompletionUnsupportedOnReplicate(t *testing.T) {
	d, repo := testDispatcher(t, nil)
	registerModel(t, repo, models.LLMModel{
		ModelID: "meta/llama",
		Type:    models.BackendReplicate,
	})

	_, err := d.Completion(context.Background(), openai.CompletionRequest{Model: "meta/llama"})
	assert.ErrorIs(t, err, ErrCompletionsUnsupported)
}

func TestToolRequestRunsThroughRouter(t *testing.T) {
	// First backend call emits a tool call; second returns the answer.
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls++
		var msg openai.ChatCompletionMessage
		if calls == 1 {
			msg = openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   "tc-1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "get_time",
						Arguments: "{}",
					},
				}},
			}
		} else {
			// The reprompt must carry the tool result under tool_choice=none.
			last := req.Messages[len(req.Messages)-1]
			require.Equal(t, "tool", string(last.Role))
			require.Equal(t, "noon", last.Content)
			msg = openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: "it is noon",
			}
		}
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: msg}},
		})
	}))
	t.Cleanup(ts.Close)
	t.Setenv(testKeyVar, "sk")

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register("get_time", "current time",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(context.Context, map[string]any) (string, error) { return "noon", nil }))

	d, repo := testDispatcher(t, registry)
	registerModel(t, repo, models.LLMModel{
		ModelID:   "tooly",
		Type:      models.BackendVLLM,
		Endpoints: map[string]string{"base_url": ts.URL},
		APIKey:    "${" + testKeyVar + "}",
	})

	resp, err := d.ChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "tooly",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "what time is it"}},
		Tools: []openai.Tool{{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: "get_time"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "it is noon", resp.Choices[0].Message.Content)
}

func TestStreamingChatCompletion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, piece := range []string{"hel", "lo"} {
			chunk := openai.ChatCompletionStreamResponse{
				ID:     "s-1",
				Object: "chat.completion.chunk",
				Choices: []openai.ChatCompletionStreamChoice{{
					Delta: openai.ChatCompletionStreamChoiceDelta{Content: piece},
				}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(ts.Close)
	t.Setenv(testKeyVar, "sk")

	d, repo := testDispatcher(t, nil)
	registerModel(t, repo, models.LLMModel{
		ModelID:   "streamy",
		Type:      models.BackendVLLM,
		Endpoints: map[string]string{"base_url": ts.URL},
		APIKey:    "${" + testKeyVar + "}",
	})

	sink := &collectSink{}
	err := d.ChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "streamy",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	}, sink)
	require.NoError(t, err)
	require.Len(t, sink.chunks, 2)
	assert.Equal(t, "hel", sink.chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, "lo", sink.chunks[1].Choices[0].Delta.Content)
	assert.True(t, sink.done)
}

// collectSink gathers streamed chunks for assertions.
type collectSink struct {
	chunks []openai.ChatCompletionStreamResponse
	done   bool
}

func (s *collectSink) Chunk(c openai.ChatCompletionStreamResponse) error {
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *collectSink) Done() error {
	s.done = true
	return nil
}
