// Package llm routes OpenAI-style inference requests to registered model
// backends: Replicate predictions or OpenAI-compatible HTTP servers (vLLM,
// Ollama, LM Studio and friends). Requests that opt into tools are handed to
// the function-call router instead of going straight to the backend.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/metrics"
	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
	"github.com/fluidmcp/fluidmcp/pkg/tools"
)

// ErrCompletionsUnsupported marks backends without a legacy completions API.
var ErrCompletionsUnsupported = errors.New("backend does not support /v1/completions")

// ModelConfigError reports a model whose stored configuration cannot be
// used at dispatch time, typically a missing API key variable.
type ModelConfigError struct {
	ModelID string
	Reason  string
}

func (e *ModelConfigError) Error() string {
	return fmt.Sprintf("model %s is misconfigured: %s", e.ModelID, e.Reason)
}

// defaultBackendTimeout bounds backend calls for models without a timeout.
const defaultBackendTimeout = 5 * time.Minute

// Dispatcher resolves a model id to a backend and executes the request.
type Dispatcher struct {
	repo     repository.Repository
	cfg      config.Config
	resolver tools.Resolver
	recorder metrics.Recorder
	logger   *slog.Logger

	// newBackend is swappable in tests.
	newBackend func(m *models.LLMModel, apiKey string) (tools.Backend, error)
}

// NewDispatcher creates a dispatcher. resolver is the composed tool resolver
// (local registry chained with the MCP bridge).
func NewDispatcher(repo repository.Repository, cfg config.Config, resolver tools.Resolver, recorder metrics.Recorder) *Dispatcher {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	d := &Dispatcher{
		repo:     repo,
		cfg:      cfg,
		resolver: resolver,
		recorder: recorder,
		logger:   slog.Default().With("component", "llm-dispatcher"),
	}
	d.newBackend = d.buildBackend
	return d
}

// ChatCompletion handles POST /v1/chat/completions for non-streaming
// requests. Tool-bearing requests run through the function-call router.
func (d *Dispatcher) ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	model, backend, err := d.prepare(ctx, &req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	started := time.Now()
	resp, err := d.router(backend, model).Run(ctx, req)
	d.recorder.LLMRequest(model.ModelID, string(model.Type), time.Since(started), err != nil)
	return resp, err
}

// ChatCompletionStream handles streaming chat requests, writing chunks to
// the sink as the backend produces them.
func (d *Dispatcher) ChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, sink tools.StreamSink) error {
	model, backend, err := d.prepare(ctx, &req)
	if err != nil {
		return err
	}

	started := time.Now()
	err = d.router(backend, model).RunStream(ctx, req, sink)
	d.recorder.LLMRequest(model.ModelID, string(model.Type), time.Since(started), err != nil)
	return err
}

// Completion handles the legacy POST /v1/completions surface. Only
// OpenAI-compatible backends support it.
func (d *Dispatcher) Completion(ctx context.Context, req openai.CompletionRequest) (openai.CompletionResponse, error) {
	model, err := d.model(ctx, req.Model)
	if err != nil {
		return openai.CompletionResponse{}, err
	}
	if !model.Type.OpenAICompatible() {
		return openai.CompletionResponse{}, fmt.Errorf("%w: %s", ErrCompletionsUnsupported, model.Type)
	}
	apiKey, err := expandAPIKey(model)
	if err != nil {
		return openai.CompletionResponse{}, err
	}

	client := newOpenAIClient(model, apiKey)
	started := time.Now()
	resp, err := client.CreateCompletion(ctx, req)
	d.recorder.LLMRequest(model.ModelID, string(model.Type), time.Since(started), err != nil)
	return resp, err
}

// prepare loads the model, merges default params, expands the API key, and
// binds the backend.
func (d *Dispatcher) prepare(ctx context.Context, req *openai.ChatCompletionRequest) (*models.LLMModel, tools.Backend, error) {
	model, err := d.model(ctx, req.Model)
	if err != nil {
		return nil, nil, err
	}
	mergeDefaultParams(req, model.DefaultParams)

	apiKey, err := expandAPIKey(model)
	if err != nil {
		return nil, nil, err
	}
	backend, err := d.newBackend(model, apiKey)
	if err != nil {
		return nil, nil, err
	}
	return model, backend, nil
}

func (d *Dispatcher) model(ctx context.Context, modelID string) (*models.LLMModel, error) {
	if modelID == "" {
		return nil, models.NewValidationError("model", "model is required")
	}
	return d.repo.GetModel(ctx, modelID)
}

func (d *Dispatcher) router(backend tools.Backend, model *models.LLMModel) *tools.Router {
	executor := tools.NewExecutor(d.resolver, tools.ExecutorConfig{
		TimeoutPerTool: d.cfg.ToolCallTimeout,
		MaxCallDepth:   d.cfg.MaxCallDepth,
	})
	return tools.NewRouter(backend, executor, d.cfg.MaxIterations)
}

func (d *Dispatcher) buildBackend(m *models.LLMModel, apiKey string) (tools.Backend, error) {
	switch {
	case m.Type == models.BackendReplicate:
		return newReplicateBackend(m, apiKey, d.logger), nil
	case m.Type.OpenAICompatible():
		return &openAIBackend{client: newOpenAIClient(m, apiKey)}, nil
	default:
		return nil, &ModelConfigError{ModelID: m.ModelID, Reason: fmt.Sprintf("unknown backend type %q", m.Type)}
	}
}

// expandAPIKey resolves the stored ${ENV_VAR} placeholder at dispatch time.
func expandAPIKey(m *models.LLMModel) (string, error) {
	if m.APIKey == "" {
		return "", nil
	}
	name := models.EnvPlaceholderName(m.APIKey)
	if name == "" {
		// Stored keys are validated to be placeholders; a literal here
		// means the record predates validation. Refuse rather than leak.
		return "", &ModelConfigError{ModelID: m.ModelID, Reason: "api_key is not an ${ENV_VAR} placeholder"}
	}
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", &ModelConfigError{ModelID: m.ModelID, Reason: fmt.Sprintf("environment variable %s is not set", name)}
	}
	return value, nil
}

// mergeDefaultParams fills request fields the caller left unset from the
// model's default_params. Caller-supplied values always win.
func mergeDefaultParams(req *openai.ChatCompletionRequest, defaults map[string]any) {
	for key, val := range defaults {
		switch key {
		case "temperature":
			if req.Temperature == 0 {
				if f, ok := toFloat(val); ok {
					req.Temperature = float32(f)
				}
			}
		case "top_p":
			if req.TopP == 0 {
				if f, ok := toFloat(val); ok {
					req.TopP = float32(f)
				}
			}
		case "max_tokens":
			if req.MaxTokens == 0 {
				if f, ok := toFloat(val); ok {
					req.MaxTokens = int(f)
				}
			}
		case "frequency_penalty":
			if req.FrequencyPenalty == 0 {
				if f, ok := toFloat(val); ok {
					req.FrequencyPenalty = float32(f)
				}
			}
		case "presence_penalty":
			if req.PresencePenalty == 0 {
				if f, ok := toFloat(val); ok {
					req.PresencePenalty = float32(f)
				}
			}
		case "stop":
			if req.Stop == nil {
				if list, ok := val.([]any); ok {
					for _, item := range list {
						if s, ok := item.(string); ok {
							req.Stop = append(req.Stop, s)
						}
					}
				}
			}
		case "model":
			// Upstream model name override; the registered id stays the
			// routing key.
			if s, ok := val.(string); ok && s != "" {
				req.Model = s
			}
		}
	}
}

// PreserveExplicitZeros keeps a caller's temperature:0 or top_p:0 from being
// treated as unset. The OpenAI wire types carry zero for both absent and
// explicit 0, so without this the default-param merge overwrites it and the
// omitempty tag drops it from the upstream request. An explicit zero in the
// raw body is nudged to the smallest positive float32, which survives both
// and is indistinguishable from greedy sampling.
func PreserveExplicitZeros(raw []byte, req *openai.ChatCompletionRequest) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	if req.Temperature == 0 && isExplicitZero(fields["temperature"]) {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	if req.TopP == 0 && isExplicitZero(fields["top_p"]) {
		req.TopP = math.SmallestNonzeroFloat32
	}
}

func isExplicitZero(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return false
	}
	return f == 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// newOpenAIClient builds a go-openai client pointed at the model's base URL.
func newOpenAIClient(m *models.LLMModel, apiKey string) *openai.Client {
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = m.BaseURL()
	clientCfg.HTTPClient = &http.Client{Timeout: backendTimeout(m)}
	return openai.NewClientWithConfig(clientCfg)
}

func backendTimeout(m *models.LLMModel) time.Duration {
	if m.TimeoutSec > 0 {
		return time.Duration(m.TimeoutSec) * time.Second
	}
	return defaultBackendTimeout
}
