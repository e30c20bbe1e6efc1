// Package manager owns the process table of MCP children: it brings servers
// up and down according to their configs, supervises them with a watchdog,
// schedules restarts through the policy engine, and hands out proxy handles
// for the tool-call path.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/mcpproxy"
	"github.com/fluidmcp/fluidmcp/pkg/metrics"
	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
	"github.com/fluidmcp/fluidmcp/pkg/restart"
)

var (
	// ErrAlreadyStarting is returned when a start races an in-flight start.
	ErrAlreadyStarting = errors.New("server is already starting")

	// ErrNotRunning is returned by proxy acquisition when the server has
	// no live child. Stop does not use it: stopping a stopped server is a
	// successful no-op.
	ErrNotRunning = errors.New("server is not running")
)

// LaunchError reports a failed spawn with a user-actionable reason.
type LaunchError struct {
	Reason string
}

func (e *LaunchError) Error() string {
	return "launch failed: " + e.Reason
}

// instance is one live (or recently dead) child and its plumbing.
type instance struct {
	// gen distinguishes spawns of the same id so a stale watchdog cannot
	// act on the current child's record.
	gen int

	state models.ServerInstance

	cmd   *exec.Cmd
	proxy *mcpproxy.Proxy

	// userStopped marks a stop initiated through the API so the watchdog
	// does not schedule a restart for the resulting exit.
	userStopped bool

	// finalized is set once a failure path has claimed this spawn, so the
	// probe-failure path and the reaper cannot both record the same death.
	finalized bool

	// restartTimer is armed while a backoff delay is pending.
	restartTimer *time.Timer
}

// Manager maintains the process table keyed by server id.
type Manager struct {
	cfg      config.Config
	repo     repository.Repository
	logs     *repository.LogWriter
	engine   *restart.Engine
	recorder metrics.Recorder
	logger   *slog.Logger

	// locks serializes mutations per id. The table lock is held only for
	// lookup, never across a child operation.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu        sync.RWMutex
	instances map[string]*instance

	shuttingDown bool
}

// New creates a manager. The caller wires the shared repository, log writer,
// restart engine, and metrics recorder.
func New(cfg config.Config, repo repository.Repository, logs *repository.LogWriter, engine *restart.Engine, recorder metrics.Recorder) *Manager {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		logs:      logs,
		engine:    engine,
		recorder:  recorder,
		logger:    slog.Default().With("component", "manager"),
		locks:     make(map[string]*sync.Mutex),
		instances: make(map[string]*instance),
	}
}

// lockFor returns the per-id mutation lock, creating it on first use.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Add validates and persists a new server config. It does not start the child.
func (m *Manager) Add(ctx context.Context, cfg *models.ServerConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(m.cfg.AllowedCommands); err != nil {
		return err
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return m.repo.CreateServer(ctx, cfg)
}

// Update persists a changed config. A running child is untouched; the next
// start uses the new launch spec.
func (m *Manager) Update(ctx context.Context, cfg *models.ServerConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(m.cfg.AllowedCommands); err != nil {
		return err
	}
	existing, err := m.repo.GetServer(ctx, cfg.ID)
	if err != nil {
		return err
	}
	cfg.CreatedAt = existing.CreatedAt
	cfg.CreatedBy = existing.CreatedBy
	cfg.UpdatedAt = time.Now().UTC()
	return m.repo.UpdateServer(ctx, cfg)
}

// Remove stops the child if running, then deletes instance record and config.
func (m *Manager) Remove(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.repo.GetServer(ctx, id); err != nil {
		return err
	}

	if inst := m.liveInstance(id); inst != nil {
		if err := m.stopLocked(ctx, id, m.cfg.ShutdownTimeout); err != nil {
			return fmt.Errorf("stop before remove: %w", err)
		}
	}
	m.engine.Reset(id)

	if err := m.repo.DeleteInstance(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return m.repo.DeleteServer(ctx, id)
}

// List returns all configs, optionally only enabled ones.
func (m *Manager) List(ctx context.Context, enabledOnly bool) ([]models.ServerConfig, error) {
	return m.repo.ListServers(ctx, enabledOnly)
}

// Get returns one config.
func (m *Manager) Get(ctx context.Context, id string) (*models.ServerConfig, error) {
	return m.repo.GetServer(ctx, id)
}

// Status is a read-through of the in-memory instance. A server with no
// runtime record reports stopped.
func (m *Manager) Status(ctx context.Context, id string) (*models.ServerInstance, error) {
	if _, err := m.repo.GetServer(ctx, id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var snap *models.ServerInstance
	if inst, ok := m.instances[id]; ok {
		snap = inst.state.Clone()
	}
	m.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	// Fall back to the persisted record (e.g. after a gateway restart).
	persisted, err := m.repo.GetInstance(ctx, id)
	if err == nil {
		// A pid from a previous gateway life is not ours to trust.
		if persisted.State.Active() {
			persisted.State = models.StateStopped
			persisted.PID = 0
		}
		return persisted, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return &models.ServerInstance{
		ServerID:  id,
		State:     models.StateStopped,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// RestartAttempts reports the restarts counted against the current window.
func (m *Manager) RestartAttempts(ctx context.Context, id string) (int, error) {
	cfg, err := m.repo.GetServer(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.engine.Attempts(id, cfg.RestartWindowSec), nil
}

// ResetRestarts clears the restart budget for id after manual intervention.
func (m *Manager) ResetRestarts(ctx context.Context, id string) error {
	if _, err := m.repo.GetServer(ctx, id); err != nil {
		return err
	}
	m.engine.Reset(id)
	return nil
}

// Tools returns the server's tool list: the live child's when running,
// otherwise the cached copy from the last successful start.
func (m *Manager) Tools(ctx context.Context, id string) ([]models.ToolSpec, error) {
	cfg, err := m.repo.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	inst, ok := m.instances[id]
	var proxy *mcpproxy.Proxy
	if ok && inst.state.State == models.StateRunning {
		proxy = inst.proxy
	}
	m.mu.RUnlock()

	if proxy != nil {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.ToolCallTimeout)
		defer cancel()
		tools, err := proxy.ListTools(callCtx)
		if err == nil {
			return toToolSpecs(tools), nil
		}
		m.logger.Warn("live tools/list failed, serving cached tools",
			"server_id", id, "error", err)
	}
	return cfg.Tools, nil
}

// AcquireProxy returns the handle used by the tool-call path. With
// startIfNeeded the server is started first; otherwise a stopped server
// yields ErrNotRunning.
func (m *Manager) AcquireProxy(ctx context.Context, id string, startIfNeeded bool) (*mcpproxy.Proxy, error) {
	if proxy := m.runningProxy(id); proxy != nil {
		return proxy, nil
	}
	if !startIfNeeded {
		return nil, ErrNotRunning
	}
	if err := m.Start(ctx, id, "tool-call"); err != nil {
		return nil, err
	}
	if proxy := m.runningProxy(id); proxy != nil {
		return proxy, nil
	}
	return nil, ErrNotRunning
}

// CallTool proxies one tool call to a running child, recording metrics.
func (m *Manager) CallTool(ctx context.Context, id, tool string, arguments map[string]any, startIfNeeded bool) (*mcpproxy.CallToolResult, error) {
	proxy, err := m.AcquireProxy(ctx, id, startIfNeeded)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ToolCallTimeout)
	defer cancel()

	started := time.Now()
	result, err := proxy.CallTool(callCtx, tool, arguments)
	failed := err != nil || (result != nil && result.IsError)
	m.recorder.ToolCall(id, tool, time.Since(started), failed)
	return result, err
}

// Logs returns the most recent n log entries for id.
func (m *Manager) Logs(ctx context.Context, id string, n int) ([]models.LogEntry, error) {
	if _, err := m.repo.GetServer(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.TailLogs(ctx, id, n)
}

func (m *Manager) runningProxy(id string) *mcpproxy.Proxy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok || inst.state.State != models.StateRunning {
		return nil
	}
	return inst.proxy
}

func (m *Manager) liveInstance(id string) *instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok || !inst.state.State.Active() {
		return nil
	}
	return inst
}

func toToolSpecs(tools []mcpproxy.Tool) []models.ToolSpec {
	specs := make([]models.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = models.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return specs
}
