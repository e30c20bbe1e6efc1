package models

import (
	"strings"
	"time"
)

// BackendType identifies an inference backend strategy.
type BackendType string

const (
	BackendReplicate  BackendType = "replicate"
	BackendVLLM       BackendType = "vllm"
	BackendOllama     BackendType = "ollama"
	BackendHTTPOpenAI BackendType = "http_openai"
)

// Valid reports whether the backend type is known.
func (t BackendType) Valid() bool {
	switch t {
	case BackendReplicate, BackendVLLM, BackendOllama, BackendHTTPOpenAI:
		return true
	}
	return false
}

// OpenAICompatible reports whether the backend speaks the OpenAI HTTP API.
func (t BackendType) OpenAICompatible() bool {
	return t == BackendVLLM || t == BackendOllama || t == BackendHTTPOpenAI
}

// LLMModel is a registered inference backend handle.
//
// APIKey is stored as a placeholder of the form ${ENV_VAR} and is only
// expanded from the process environment at dispatch time, never at rest.
type LLMModel struct {
	ModelID   string            `json:"model_id"`
	Type      BackendType       `json:"type"`
	Endpoints map[string]string `json:"endpoints,omitempty"` // e.g. {"base_url": ...}
	APIKey    string            `json:"api_key,omitempty"`

	DefaultParams map[string]any `json:"default_params,omitempty"`
	TimeoutSec    int            `json:"timeout,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// Version increases monotonically on every update.
	Version int `json:"version"`
}

// BaseURL returns the configured base URL endpoint, if any.
func (m *LLMModel) BaseURL() string {
	return m.Endpoints["base_url"]
}

// Validate checks the registration payload.
func (m *LLMModel) Validate() error {
	if m.ModelID == "" {
		return NewValidationError("model_id", "model_id is required")
	}
	if !m.Type.Valid() {
		return NewValidationError("type",
			"type must be one of: replicate, vllm, ollama, http_openai")
	}
	if m.Type.OpenAICompatible() && m.BaseURL() == "" {
		return NewValidationError("endpoints",
			"endpoints.base_url is required for OpenAI-compatible backends")
	}
	if m.APIKey != "" && !IsEnvPlaceholder(m.APIKey) {
		return NewValidationError("api_key",
			"api_key must be an environment placeholder of the form ${ENV_VAR}")
	}
	if m.TimeoutSec < 0 {
		return NewValidationError("timeout", "timeout must be >= 0")
	}
	return nil
}

// IsEnvPlaceholder reports whether s has the ${ENV_VAR} placeholder shape.
func IsEnvPlaceholder(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3
}

// EnvPlaceholderName extracts ENV_VAR from ${ENV_VAR}; empty if not a placeholder.
func EnvPlaceholderName(s string) string {
	if !IsEnvPlaceholder(s) {
		return ""
	}
	return s[2 : len(s)-1]
}
