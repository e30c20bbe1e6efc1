package tools

import (
	"context"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// Backend is the inference surface the router drives. Stream forwards
// chunks to the sink as they arrive and returns the accumulated response so
// the router can inspect tool calls.
type Backend interface {
	Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	Stream(ctx context.Context, req openai.ChatCompletionRequest, sink StreamSink) (openai.ChatCompletionResponse, error)
}

// StreamSink receives chat completion chunks bound for the client.
type StreamSink interface {
	Chunk(chunk openai.ChatCompletionStreamResponse) error
	Done() error
}

// Router drives the multi-turn function-calling loop.
//
// Security invariant: once tool_choice is "none", tool calls the model emits
// anyway are returned unexecuted. A user's explicit "do not execute tools"
// is honored even if the model disobeys.
type Router struct {
	backend       Backend
	executor      *Executor
	maxIterations int
	logger        *slog.Logger
}

// NewRouter creates a router for one request.
func NewRouter(backend Backend, executor *Executor, maxIterations int) *Router {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	return &Router{
		backend:       backend,
		executor:      executor,
		maxIterations: maxIterations,
		logger:        slog.Default().With("component", "fc-router"),
	}
}

// Run executes the loop for a non-streaming request.
func (r *Router) Run(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Tools) == 0 || toolChoiceIsNone(req.ToolChoice) {
		return r.backend.Complete(ctx, req)
	}

	resp, err := r.backend.Complete(ctx, req)
	if err != nil {
		return resp, err
	}
	return r.loop(ctx, req, resp)
}

// RunStream executes the loop for a streaming request. The first model turn
// streams to the sink directly; in-loop turns collapse to non-streaming and
// a synthetic coda carries the final answer.
func (r *Router) RunStream(ctx context.Context, req openai.ChatCompletionRequest, sink StreamSink) error {
	if len(req.Tools) == 0 || toolChoiceIsNone(req.ToolChoice) {
		if _, err := r.backend.Stream(ctx, req, sink); err != nil {
			return err
		}
		return sink.Done()
	}

	first, err := r.backend.Stream(ctx, req, sink)
	if err != nil {
		return err
	}
	if len(toolCalls(first)) == 0 {
		return sink.Done()
	}

	req.Stream = false
	final, err := r.loop(ctx, req, first)
	if err != nil {
		return err
	}

	// Synthetic coda: the final answer as one chunk.
	if len(final.Choices) > 0 && len(toolCalls(final)) == 0 {
		chunk := openai.ChatCompletionStreamResponse{
			ID:      final.ID,
			Object:  "chat.completion.chunk",
			Created: final.Created,
			Model:   final.Model,
			Choices: []openai.ChatCompletionStreamChoice{{
				Index: 0,
				Delta: openai.ChatCompletionStreamChoiceDelta{
					Role:    openai.ChatMessageRoleAssistant,
					Content: final.Choices[0].Message.Content,
				},
				FinishReason: final.Choices[0].FinishReason,
			}},
		}
		if err := sink.Chunk(chunk); err != nil {
			return err
		}
	}
	return sink.Done()
}

// loop runs the execute-and-reprompt cycle starting from resp.
func (r *Router) loop(ctx context.Context, req openai.ChatCompletionRequest, resp openai.ChatCompletionResponse) (openai.ChatCompletionResponse, error) {
	for iteration := 0; iteration < r.maxIterations; iteration++ {
		calls := toolCalls(resp)
		if len(calls) == 0 {
			return resp, nil
		}
		if toolChoiceIsNone(req.ToolChoice) {
			r.logger.Warn("model emitted tool calls under tool_choice=none, refusing to execute",
				"tool_calls", len(calls))
			return resp, nil
		}

		req.Messages = append(req.Messages, resp.Choices[0].Message)
		req.Messages = append(req.Messages, r.executor.Execute(ctx, calls)...)
		req.ToolChoice = "none"

		var err error
		resp, err = r.backend.Complete(ctx, req)
		if err != nil {
			return resp, err
		}
	}

	r.logger.Warn("function-calling loop exceeded max iterations, returning last response",
		"max_iterations", r.maxIterations)
	return resp, nil
}

func toolCalls(resp openai.ChatCompletionResponse) []openai.ToolCall {
	if len(resp.Choices) == 0 {
		return nil
	}
	return resp.Choices[0].Message.ToolCalls
}

func toolChoiceIsNone(choice any) bool {
	s, ok := choice.(string)
	return ok && s == "none"
}
