// Package restart decides whether and when a failed MCP child may be
// relaunched, applying the server's restart policy, a rolling-window
// attempt budget, and exponential backoff.
package restart

import (
	"math"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/models"
)

// maxBackoffExponent clamps multiplier^attempt so intermediates stay finite.
const maxBackoffExponent = 10

// Decision is the engine's verdict for one exit event.
type Decision struct {
	// Restart is true when a relaunch should be scheduled.
	Restart bool
	// Delay is how long to wait before the relaunch attempt.
	Delay time.Duration
	// Reason explains a refusal, empty when Restart is true.
	Reason string
}

// Backoff holds the delay curve parameters shared by all servers.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Engine tracks per-server restart history and applies policy.
// History entries age out of the rolling window naturally; a successful
// return to running does not clear them.
type Engine struct {
	backoff Backoff
	now     func() time.Time

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewEngine creates an engine with the given backoff curve.
func NewEngine(backoff Backoff) *Engine {
	if backoff.InitialDelay <= 0 {
		backoff.InitialDelay = time.Second
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = time.Minute
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = 2
	}
	return &Engine{
		backoff: backoff,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// Decide evaluates policy and budget for one exit of serverID.
// cleanExit reports exit code 0; watchdog failures count as unclean.
// A granted restart is recorded against the budget immediately.
func (e *Engine) Decide(serverID string, cfg *models.ServerConfig, cleanExit bool) Decision {
	switch cfg.RestartPolicy {
	case models.RestartNever:
		return Decision{Reason: "restart policy is never"}
	case models.RestartOnFailure:
		if cleanExit {
			return Decision{Reason: "clean exit with on-failure policy"}
		}
	case models.RestartAlways:
	default:
		return Decision{Reason: "unknown restart policy"}
	}

	now := e.now()
	window := time.Duration(cfg.RestartWindowSec) * time.Second

	e.mu.Lock()
	defer e.mu.Unlock()

	recent := pruneOlderThan(e.history[serverID], now.Add(-window))
	e.history[serverID] = recent

	if len(recent) >= cfg.MaxRestarts {
		return Decision{Reason: "restart budget exhausted"}
	}

	attempt := len(recent)
	e.history[serverID] = append(recent, now)

	return Decision{Restart: true, Delay: e.delayFor(attempt)}
}

// delayFor computes min(initial * multiplier^attempt, max).
func (e *Engine) delayFor(attempt int) time.Duration {
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	d := float64(e.backoff.InitialDelay) * math.Pow(e.backoff.Multiplier, float64(attempt))
	if d > float64(e.backoff.MaxDelay) {
		return e.backoff.MaxDelay
	}
	return time.Duration(d)
}

// Attempts reports how many restarts are currently counted against the
// window for serverID.
func (e *Engine) Attempts(serverID string, windowSec int) int {
	window := time.Duration(windowSec) * time.Second
	cutoff := e.now().Add(-window)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history[serverID] = pruneOlderThan(e.history[serverID], cutoff)
	return len(e.history[serverID])
}

// Reset clears the restart history for serverID, re-arming the budget.
// Used by the operator reset endpoint and on explicit user start.
func (e *Engine) Reset(serverID string) {
	e.mu.Lock()
	delete(e.history, serverID)
	e.mu.Unlock()
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
