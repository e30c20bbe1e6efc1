package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChildEnvFiltersHostEnvironment(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("CUDA_VISIBLE_DEVICES", "0")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "supersecret")

	env, missing := BuildChildEnv(nil)
	require.Empty(t, missing)

	assert.Equal(t, "/usr/bin", env["PATH"])
	assert.Equal(t, "0", env["CUDA_VISIBLE_DEVICES"], "CUDA_* passes by prefix")
	assert.NotContains(t, env, "AWS_SECRET_ACCESS_KEY", "unlisted host vars never leak")
}

func TestBuildChildEnvUserOverridesCaseInsensitively(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")

	env, missing := BuildChildEnv(map[string]string{"Path": "/custom/bin"})
	require.Empty(t, missing)

	assert.Equal(t, "/custom/bin", env["Path"])
	assert.NotContains(t, env, "PATH", "only one spelling survives")
}

func TestBuildChildEnvExpandsPlaceholders(t *testing.T) {
	t.Setenv("API_TOKEN", "tok-123")
	t.Setenv("HOME", "/home/u")

	env, missing := BuildChildEnv(map[string]string{
		"SERVICE_KEY": "${API_TOKEN}",
		"CACHE_DIR":   "${HOME}/cache",
	})
	require.Empty(t, missing)

	assert.Equal(t, "tok-123", env["SERVICE_KEY"], "resolved from host even when filtered out")
	assert.Equal(t, "/home/u/cache", env["CACHE_DIR"])
}

func TestBuildChildEnvExpansionIsSinglePass(t *testing.T) {
	env, missing := BuildChildEnv(map[string]string{
		"A": "${B}",
		"B": "${A}",
	})
	require.Empty(t, missing, "both names resolve against the snapshot")
	assert.Equal(t, "${A}", env["A"])
	assert.Equal(t, "${B}", env["B"])
}

func TestBuildChildEnvReportsMissing(t *testing.T) {
	_, missing := BuildChildEnv(map[string]string{
		"KEY":   "${NO_SUCH_VAR_FMCP}",
		"OTHER": "${NO_SUCH_VAR_FMCP}-${ALSO_MISSING_FMCP}",
	})
	assert.ElementsMatch(t, []string{"NO_SUCH_VAR_FMCP", "ALSO_MISSING_FMCP"}, missing,
		"each missing var reported once")
}

func TestEnvSlice(t *testing.T) {
	out := EnvSlice(map[string]string{"A": "1", "B": "two"})
	assert.ElementsMatch(t, []string{"A=1", "B=two"}, out)
}
