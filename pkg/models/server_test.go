package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAllowed = []string{"npx", "uvx", "docker"}

func validConfig() ServerConfig {
	return ServerConfig{
		ID:               "files",
		Name:             "Files",
		Command:          "npx",
		Args:             []string{"-y", "server-files"},
		RestartPolicy:    RestartOnFailure,
		RestartWindowSec: 60,
		MaxRestarts:      3,
	}
}

func TestNormalizeFlatFormWins(t *testing.T) {
	cfg := ServerConfig{
		ID:      "s",
		Command: "npx",
		MCPConfig: &MCPConfig{
			Command:    "uvx",
			Args:       []string{"from-nested"},
			WorkingDir: "/srv",
		},
	}
	cfg.Normalize()

	assert.Equal(t, "npx", cfg.Command, "flat command beats nested")
	assert.Equal(t, []string{"from-nested"}, cfg.Args, "nested fills flat gaps")
	assert.Equal(t, "/srv", cfg.WorkingDir)
	require.NotNil(t, cfg.MCPConfig)
	assert.Equal(t, "npx", cfg.MCPConfig.Command, "both forms agree afterwards")
}

func TestNormalizeRestartDefaults(t *testing.T) {
	cfg := ServerConfig{ID: "s", Command: "npx"}
	cfg.Normalize()

	assert.Equal(t, RestartNever, cfg.RestartPolicy)
	assert.Equal(t, DefaultRestartWindowSec, cfg.RestartWindowSec)
	assert.Zero(t, cfg.MaxRestarts, "an unspecified budget grants nothing")
}

func TestToStorageKeepsOnlyNestedForm(t *testing.T) {
	cfg := validConfig()
	cfg.Normalize()

	stored := cfg.ToStorage()
	assert.Empty(t, stored.Command)
	assert.Nil(t, stored.Args)
	require.NotNil(t, stored.MCPConfig)
	assert.Equal(t, "npx", stored.MCPConfig.Command)

	stored.FromStorage()
	assert.Equal(t, "npx", stored.Command, "flattened back for the wire")
	assert.Equal(t, []string{"-y", "server-files"}, stored.Args)
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		field  string
	}{
		{"valid", func(c *ServerConfig) {}, ""},
		{"missing id", func(c *ServerConfig) { c.ID = "" }, "id"},
		{"uppercase id", func(c *ServerConfig) { c.ID = "Files" }, "id"},
		{"id with slash", func(c *ServerConfig) { c.ID = "a/b" }, "id"},
		{"missing command", func(c *ServerConfig) { c.Command = "" }, "command"},
		{"disallowed command", func(c *ServerConfig) { c.Command = "bash" }, "command"},
		{"bad policy", func(c *ServerConfig) { c.RestartPolicy = "sometimes" }, "restart_policy"},
		{"zero window", func(c *ServerConfig) { c.RestartWindowSec = 0 }, "restart_window_sec"},
		{"negative budget", func(c *ServerConfig) { c.MaxRestarts = -1 }, "max_restarts"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate(testAllowed)
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateStopped, StateStarting))
	assert.True(t, CanTransition(StateStarting, StateFailed))
	assert.True(t, CanTransition(StateFailed, StateStarting))
	assert.False(t, CanTransition(StateStopped, StateRunning))
	assert.False(t, CanTransition(StateRunning, StateStarting))
}

func TestInstanceStateActive(t *testing.T) {
	assert.True(t, StateStarting.Active())
	assert.True(t, StateRunning.Active())
	assert.True(t, StateStopping.Active())
	assert.False(t, StateStopped.Active())
	assert.False(t, StateFailed.Active())
}

func TestInstanceClone(t *testing.T) {
	code := 1
	inst := ServerInstance{ServerID: "s", State: StateFailed, ExitCode: &code}
	clone := inst.Clone()

	*clone.ExitCode = 9
	assert.Equal(t, 1, *inst.ExitCode, "clone does not share pointers")
}

func TestLLMModelValidate(t *testing.T) {
	base := func() LLMModel {
		return LLMModel{
			ModelID:   "local",
			Type:      BackendVLLM,
			Endpoints: map[string]string{"base_url": "http://localhost:8000/v1"},
		}
	}

	m := base()
	assert.NoError(t, m.Validate())

	m = base()
	m.ModelID = ""
	assertFieldError(t, m.Validate(), "model_id")

	m = base()
	m.Type = "gguf"
	assertFieldError(t, m.Validate(), "type")

	m = base()
	m.Endpoints = nil
	assertFieldError(t, m.Validate(), "endpoints")

	// Replicate needs no base URL.
	m = LLMModel{ModelID: "r", Type: BackendReplicate}
	assert.NoError(t, m.Validate())

	m = base()
	m.APIKey = "sk-literal"
	assertFieldError(t, m.Validate(), "api_key")

	m = base()
	m.APIKey = "${OPENAI_API_KEY}"
	assert.NoError(t, m.Validate())

	m = base()
	m.TimeoutSec = -5
	assertFieldError(t, m.Validate(), "timeout")
}

func assertFieldError(t *testing.T, err error, field string) {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, field, verr.Field)
}

func TestEnvPlaceholder(t *testing.T) {
	assert.True(t, IsEnvPlaceholder("${KEY}"))
	assert.False(t, IsEnvPlaceholder("KEY"))
	assert.False(t, IsEnvPlaceholder("${}"))
	assert.False(t, IsEnvPlaceholder("$KEY"))

	assert.Equal(t, "KEY", EnvPlaceholderName("${KEY}"))
	assert.Equal(t, "", EnvPlaceholderName("plain"))
}
