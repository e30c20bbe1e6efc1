package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/tools"
)

const (
	replicateDefaultBaseURL = "https://api.replicate.com/v1"
	replicatePollInterval   = time.Second
)

// replicateBackend translates chat requests into Replicate predictions.
// Tool definitions are not forwarded; Replicate models answer in plain text,
// so the router's loop terminates after the first turn.
type replicateBackend struct {
	model   *models.LLMModel
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func newReplicateBackend(m *models.LLMModel, apiKey string, logger *slog.Logger) *replicateBackend {
	baseURL := m.BaseURL()
	if baseURL == "" {
		baseURL = replicateDefaultBaseURL
	}
	return &replicateBackend{
		model:   m,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: backendTimeout(m)},
		logger:  logger,
	}
}

// prediction is the subset of the Replicate prediction object we consume.
type prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  any    `json:"error,omitempty"`
	URLs   struct {
		Get    string `json:"get"`
		Stream string `json:"stream"`
	} `json:"urls"`
}

func (p *prediction) terminal() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// outputText joins the prediction output, which Replicate language models
// return as a list of string fragments.
func (p *prediction) outputText() string {
	switch out := p.Output.(type) {
	case string:
		return out
	case []any:
		var b strings.Builder
		for _, item := range out {
			if s, ok := item.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}

func (b *replicateBackend) Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	pred, err := b.createPrediction(ctx, req, false)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	pred, err = b.poll(ctx, pred)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if pred.Status != "succeeded" {
		return openai.ChatCompletionResponse{}, fmt.Errorf("replicate prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
	}
	return b.response(pred, pred.outputText()), nil
}

// Stream subscribes to the prediction's server-sent event stream and
// forwards each output fragment as a chat completion chunk.
func (b *replicateBackend) Stream(ctx context.Context, req openai.ChatCompletionRequest, sink tools.StreamSink) (openai.ChatCompletionResponse, error) {
	pred, err := b.createPrediction(ctx, req, true)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if pred.URLs.Stream == "" {
		// Model version without stream support: fall back to polling and
		// emit the whole answer as one chunk.
		pred, err = b.poll(ctx, pred)
		if err != nil {
			return openai.ChatCompletionResponse{}, err
		}
		text := pred.outputText()
		if err := sink.Chunk(b.chunk(pred, text)); err != nil {
			return openai.ChatCompletionResponse{}, err
		}
		return b.response(pred, text), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pred.URLs.Stream, nil)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return openai.ChatCompletionResponse{}, fmt.Errorf("replicate stream: status %d: %s", resp.StatusCode, body)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	event, data := "", ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		case line == "":
			if event == "output" && data != "" {
				full.WriteString(data)
				if err := sink.Chunk(b.chunk(pred, data)); err != nil {
					return openai.ChatCompletionResponse{}, err
				}
			}
			if event == "error" {
				return openai.ChatCompletionResponse{}, fmt.Errorf("replicate stream error: %s", data)
			}
			if event == "done" {
				return b.response(pred, full.String()), nil
			}
			event, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return b.response(pred, full.String()), nil
}

// createPrediction submits the prediction request for the registered model.
func (b *replicateBackend) createPrediction(ctx context.Context, req openai.ChatCompletionRequest, stream bool) (*prediction, error) {
	input := map[string]any{
		"prompt": renderPrompt(req.Messages),
	}
	if system := renderSystemPrompt(req.Messages); system != "" {
		input["system_prompt"] = system
	}
	if req.MaxTokens > 0 {
		input["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		input["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		input["top_p"] = req.TopP
	}

	body, err := json.Marshal(map[string]any{"input": input, "stream": stream})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s/predictions", b.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("replicate create prediction: status %d: %s", resp.StatusCode, msg)
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	return &pred, nil
}

// poll fetches the prediction until it reaches a terminal status.
func (b *replicateBackend) poll(ctx context.Context, pred *prediction) (*prediction, error) {
	for !pred.terminal() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(replicatePollInterval):
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pred.URLs.Get, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

		resp, err := b.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		var next prediction
		err = json.NewDecoder(resp.Body).Decode(&next)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode prediction poll: %w", err)
		}
		pred = &next
	}
	return pred, nil
}

func (b *replicateBackend) response(pred *prediction, text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:      "repl-" + pred.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   b.model.ModelID,
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: text,
			},
			FinishReason: openai.FinishReasonStop,
		}},
	}
}

func (b *replicateBackend) chunk(pred *prediction, text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      "repl-" + pred.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   b.model.ModelID,
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				Role:    openai.ChatMessageRoleAssistant,
				Content: text,
			},
		}},
	}
}

// renderPrompt flattens the conversation into the plain prompt Replicate
// language models expect. System messages are carried separately.
func renderPrompt(messages []openai.ChatCompletionMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			continue
		case openai.ChatMessageRoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
		case openai.ChatMessageRoleTool:
			fmt.Fprintf(&b, "Tool result (%s): %s\n", msg.Name, msg.Content)
		default:
			fmt.Fprintf(&b, "User: %s\n", msg.Content)
		}
	}
	return b.String()
}

func renderSystemPrompt(messages []openai.ChatCompletionMessage) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == openai.ChatMessageRoleSystem {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n")
}
