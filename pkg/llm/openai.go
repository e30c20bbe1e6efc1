package llm

import (
	"context"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/fluidmcp/fluidmcp/pkg/tools"
)

// openAIBackend speaks the OpenAI HTTP API against vLLM, Ollama, LM Studio,
// or any other compatible server.
type openAIBackend struct {
	client *openai.Client
}

func (b *openAIBackend) Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Stream = false
	return b.client.CreateChatCompletion(ctx, req)
}

// Stream forwards chunks to the sink as they arrive and accumulates them
// into a response so the router can inspect tool calls afterwards.
func (b *openAIBackend) Stream(ctx context.Context, req openai.ChatCompletionRequest, sink tools.StreamSink) (openai.ChatCompletionResponse, error) {
	req.Stream = true
	stream, err := b.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	defer stream.Close()

	acc := newChunkAccumulator()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acc.response(), err
		}
		acc.add(chunk)
		if err := sink.Chunk(chunk); err != nil {
			return acc.response(), err
		}
	}
	return acc.response(), nil
}

// chunkAccumulator folds streamed deltas back into a full response.
type chunkAccumulator struct {
	id      string
	created int64
	model   string

	content      string
	role         string
	finishReason openai.FinishReason
	toolCalls    []openai.ToolCall
}

func newChunkAccumulator() *chunkAccumulator {
	return &chunkAccumulator{}
}

func (a *chunkAccumulator) add(chunk openai.ChatCompletionStreamResponse) {
	if chunk.ID != "" {
		a.id = chunk.ID
	}
	if chunk.Created != 0 {
		a.created = chunk.Created
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	if choice.Delta.Role != "" {
		a.role = choice.Delta.Role
	}
	a.content += choice.Delta.Content
	if choice.FinishReason != "" {
		a.finishReason = choice.FinishReason
	}
	for _, delta := range choice.Delta.ToolCalls {
		a.addToolCallDelta(delta)
	}
}

// addToolCallDelta merges one tool-call fragment. Fragments carry an index
// and concatenate argument text across chunks.
func (a *chunkAccumulator) addToolCallDelta(delta openai.ToolCall) {
	idx := len(a.toolCalls)
	if delta.Index != nil {
		idx = *delta.Index
	}
	for idx >= len(a.toolCalls) {
		a.toolCalls = append(a.toolCalls, openai.ToolCall{Type: openai.ToolTypeFunction})
	}
	call := &a.toolCalls[idx]
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.Type != "" {
		call.Type = delta.Type
	}
	if delta.Function.Name != "" {
		call.Function.Name = delta.Function.Name
	}
	call.Function.Arguments += delta.Function.Arguments
}

func (a *chunkAccumulator) response() openai.ChatCompletionResponse {
	role := a.role
	if role == "" {
		role = openai.ChatMessageRoleAssistant
	}
	return openai.ChatCompletionResponse{
		ID:      a.id,
		Object:  "chat.completion",
		Created: a.created,
		Model:   a.model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      role,
				Content:   a.content,
				ToolCalls: a.toolCalls,
			},
			FinishReason: a.finishReason,
		}},
	}
}
