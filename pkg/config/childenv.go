package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// safeEnvVars is the allowlist of host environment variables passed through
// to child processes. CUDA_* is matched by prefix.
var safeEnvVars = map[string]bool{
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
	"TMPDIR":          true,
	"LANG":            true,
	"LC_ALL":          true,
	"LD_LIBRARY_PATH": true,
	"PYTHONPATH":      true,
	"VIRTUAL_ENV":     true,
}

// placeholderPattern matches ${VAR} references inside env values.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// BuildChildEnv computes the environment for a child process:
// the filtered host environment union the user-supplied env, with user
// values overriding host values case-insensitively so the result never
// carries both Path and PATH.
//
// ${VAR} placeholders in user values are expanded in a single pass against
// the resolved environment. An unresolved placeholder leaves the reference
// in place and is reported in the returned missing list; callers decide
// whether missing vars are a launch failure.
func BuildChildEnv(userEnv map[string]string) (env map[string]string, missing []string) {
	env = make(map[string]string)

	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if safeEnvVars[key] || strings.HasPrefix(key, "CUDA_") {
			env[key] = val
		}
	}

	// User env overrides host env, compared case-insensitively.
	for key, val := range userEnv {
		for existing := range env {
			if existing != key && strings.EqualFold(existing, key) {
				delete(env, existing)
			}
		}
		env[key] = val
	}

	// Single-pass placeholder expansion against the resolved env.
	// Snapshot first so expansion order cannot observe partial results.
	snapshot := make(map[string]string, len(env))
	for k, v := range env {
		snapshot[k] = v
	}
	seen := make(map[string]bool)
	for key, val := range env {
		expanded := placeholderPattern.ReplaceAllStringFunc(val, func(ref string) string {
			name := ref[2 : len(ref)-1]
			if v, ok := snapshot[name]; ok {
				return v
			}
			if v, ok := os.LookupEnv(name); ok {
				return v
			}
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return ref
		})
		env[key] = expanded
	}

	return env, missing
}

// EnvSlice renders the map into the KEY=VALUE form exec.Cmd expects.
func EnvSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
