package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ExecutorConfig holds the safety controls for one conversation turn.
type ExecutorConfig struct {
	// AllowedTools, when non-empty, restricts execution to these names.
	AllowedTools []string
	// TimeoutPerTool bounds each individual tool call.
	TimeoutPerTool time.Duration
	// MaxCallDepth caps the total calls executed for the turn.
	MaxCallDepth int
}

// Executor runs tool calls with an allowlist, per-call timeouts, and a
// per-turn depth cap. Every failure is converted to a normalized tool
// message; the executor never returns an error to the caller.
type Executor struct {
	resolver Resolver
	cfg      ExecutorConfig
	logger   *slog.Logger

	calls atomic.Int32
}

// NewExecutor creates an executor for one conversation turn.
func NewExecutor(resolver Resolver, cfg ExecutorConfig) *Executor {
	if cfg.TimeoutPerTool <= 0 {
		cfg.TimeoutPerTool = 10 * time.Second
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = 25
	}
	return &Executor{
		resolver: resolver,
		cfg:      cfg,
		logger:   slog.Default().With("component", "tool-executor"),
	}
}

// Execute runs all tool calls of one assistant turn concurrently and returns
// their tool messages in call order.
func (e *Executor) Execute(ctx context.Context, calls []openai.ToolCall) []openai.ChatCompletionMessage {
	results := make([]openai.ChatCompletionMessage, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call openai.ToolCall) {
			defer wg.Done()
			results[i] = e.executeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeOne runs a single call, normalizing every failure mode into the
// tool message content.
func (e *Executor) executeOne(ctx context.Context, call openai.ToolCall) openai.ChatCompletionMessage {
	name := call.Function.Name

	if n := e.calls.Add(1); int(n) > e.cfg.MaxCallDepth {
		return e.failure(call, fmt.Sprintf("call depth limit %d exceeded", e.cfg.MaxCallDepth))
	}

	if len(e.cfg.AllowedTools) > 0 && !e.allowed(name) {
		return e.failure(call, fmt.Sprintf("tool %q is not in the allowed list", name))
	}

	handler, ok := e.resolver.Resolve(name)
	if !ok {
		return e.failure(call, fmt.Sprintf("unknown tool %q", name))
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return e.failure(call, fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.TimeoutPerTool)
	defer cancel()

	output, err := handler(callCtx, args)
	if err != nil {
		if callCtx.Err() != nil {
			return e.failure(call, fmt.Sprintf("tool %q timed out after %s", name, e.cfg.TimeoutPerTool))
		}
		return e.failure(call, err.Error())
	}

	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Name:       name,
		ToolCallID: call.ID,
		Content:    output,
	}
}

func (e *Executor) allowed(name string) bool {
	for _, t := range e.cfg.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// failure builds the normalized {error:true,message} tool message.
func (e *Executor) failure(call openai.ToolCall, message string) openai.ChatCompletionMessage {
	e.logger.Warn("tool call failed", "tool", call.Function.Name, "error", message)
	content, _ := json.Marshal(map[string]any{"error": true, "message": message})
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Name:       call.Function.Name,
		ToolCallID: call.ID,
		Content:    string(content),
	}
}
