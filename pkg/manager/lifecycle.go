package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/mcpproxy"
	"github.com/fluidmcp/fluidmcp/pkg/models"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
)

const (
	// startedByEngine marks starts initiated by the restart engine.
	startedByEngine = "restart-engine"

	// maxHealthFailures is how many consecutive tools/list ping failures
	// the watchdog tolerates before declaring the child dead.
	maxHealthFailures = 3

	// persistTimeout bounds instance writes issued from background tasks.
	persistTimeout = 2 * time.Second
)

// Start brings the child up. Idempotent against running; serialized per id.
// A concurrent in-flight start yields ErrAlreadyStarting instead of queuing.
func (m *Manager) Start(ctx context.Context, id, startedBy string) error {
	lock := m.lockFor(id)
	if !lock.TryLock() {
		if m.stateOf(id) == models.StateStarting {
			return ErrAlreadyStarting
		}
		lock.Lock()
	}
	defer lock.Unlock()
	return m.startLocked(ctx, id, startedBy)
}

// Stop terminates the child: SIGTERM, wait up to grace, then SIGKILL.
// Idempotent against stopped.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	if _, err := m.repo.GetServer(ctx, id); err != nil {
		return err
	}
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(ctx, id, grace)
}

// Restart stops the child if running and starts it with the current config.
// The restart budget is not consumed; this is a user-initiated action.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if _, err := m.repo.GetServer(ctx, id); err != nil {
		return err
	}
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.stopLocked(ctx, id, m.cfg.ShutdownTimeout); err != nil {
		return err
	}
	return m.startLocked(ctx, id, "restart")
}

// Shutdown gracefully stops every active child in parallel, each bounded by
// the configured shutdown timeout. New restarts are suppressed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	var active []string
	for id, inst := range m.instances {
		if inst.restartTimer != nil {
			inst.restartTimer.Stop()
			inst.restartTimer = nil
		}
		if inst.state.State.Active() {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range active {
		g.Go(func() error {
			lock := m.lockFor(id)
			lock.Lock()
			defer lock.Unlock()
			if err := m.stopLocked(gctx, id, m.cfg.ShutdownTimeout); err != nil {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) stateOf(id string) models.InstanceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.instances[id]; ok {
		return inst.state.State
	}
	return models.StateStopped
}

// startLocked implements the spawn protocol. Caller holds the per-id lock.
func (m *Manager) startLocked(ctx context.Context, id, startedBy string) error {
	cfg, err := m.repo.GetServer(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return errors.New("gateway is shutting down")
	}
	prev := m.instances[id]
	if prev != nil {
		if prev.state.State == models.StateRunning {
			m.mu.Unlock()
			return nil
		}
		if prev.restartTimer != nil {
			prev.restartTimer.Stop()
			prev.restartTimer = nil
		}
	}
	restartCount := 0
	if prev != nil {
		restartCount = prev.state.RestartCount
	}
	if startedBy == startedByEngine {
		restartCount++
	} else {
		// A user-initiated start re-arms the budget and the counter.
		restartCount = 0
		m.engine.Reset(id)
	}
	m.mu.Unlock()

	err = m.spawn(ctx, cfg, startedBy, restartCount)
	if err != nil {
		m.recorder.ServerStart(id, false)
		return err
	}
	m.recorder.ServerStart(id, true)
	return nil
}

// spawn launches the child, probes readiness, and arms the watchdog.
func (m *Manager) spawn(ctx context.Context, cfg *models.ServerConfig, startedBy string, restartCount int) error {
	if !m.commandAllowed(cfg.Command) {
		return &LaunchError{Reason: fmt.Sprintf("command %q is not in the allowed list", cfg.Command)}
	}

	env, missing := config.BuildChildEnv(cfg.Env)
	if len(missing) > 0 {
		return &LaunchError{Reason: fmt.Sprintf("unresolved environment placeholders: %v", missing)}
	}

	stderrFile, err := m.openStderrLog(cfg.ID)
	if err != nil {
		return &LaunchError{Reason: fmt.Sprintf("open stderr log: %v", err)}
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = config.EnvSlice(env)
	cmd.Stderr = io.MultiWriter(stderrFile, newLineWriter(m.logs, cfg.ID, models.StreamStderr))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &LaunchError{Reason: fmt.Sprintf("stdin pipe: %v", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &LaunchError{Reason: fmt.Sprintf("stdout pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return &LaunchError{Reason: fmt.Sprintf("exec %s: %v", cfg.Command, err)}
	}

	now := time.Now().UTC()
	inst := &instance{
		cmd:   cmd,
		proxy: mcpproxy.New(cfg.ID, stdin, stdout),
		state: models.ServerInstance{
			ServerID:     cfg.ID,
			State:        models.StateStarting,
			PID:          cmd.Process.Pid,
			StartTime:    &now,
			RestartCount: restartCount,
			StartedBy:    startedBy,
			UpdatedAt:    now,
		},
	}

	m.mu.Lock()
	if prev := m.instances[cfg.ID]; prev != nil {
		inst.gen = prev.gen + 1
	}
	m.instances[cfg.ID] = inst
	m.mu.Unlock()

	m.persist(&inst.state, nil)
	m.logger.Info("child spawned", "server_id", cfg.ID, "pid", cmd.Process.Pid,
		"command", cfg.Command, "started_by", startedBy)

	exited := make(chan struct{})
	go m.waitForExit(cfg.ID, inst, exited, stderrFile)

	// Readiness probe: the MCP handshake within the init timeout.
	initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()
	initResult, err := inst.proxy.Initialize(initCtx)
	if err != nil {
		m.failStarting(cfg, inst, fmt.Sprintf("initialize failed: %v", err), exited)
		return &LaunchError{Reason: fmt.Sprintf("initialize failed: %v", err)}
	}

	// Snapshot under the lock: the reaper is already live and mutates
	// inst.state if the child dies right after the handshake.
	m.mu.Lock()
	inst.state.State = models.StateRunning
	inst.state.UpdatedAt = time.Now().UTC()
	pid := inst.state.PID
	snapshot := inst.state
	m.mu.Unlock()
	m.persist(&snapshot, &pid)

	m.logger.Info("child running", "server_id", cfg.ID, "pid", pid,
		"server_name", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version)

	m.refreshToolCache(ctx, cfg, inst.proxy)
	go m.pingLoop(cfg.ID, inst)
	return nil
}

// failStarting tears down a child that failed its readiness probe and hands
// the failure to the restart engine.
func (m *Manager) failStarting(cfg *models.ServerConfig, inst *instance, reason string, exited chan struct{}) {
	m.mu.Lock()
	if inst.finalized {
		// The reaper recorded the death first.
		m.mu.Unlock()
		return
	}
	inst.finalized = true
	inst.state.State = models.StateFailed
	inst.state.LastError = reason
	inst.state.UpdatedAt = time.Now().UTC()
	pid := inst.state.PID
	snapshot := inst.state
	m.mu.Unlock()
	m.persist(&snapshot, &pid)

	m.logger.Error("child failed readiness probe", "server_id", cfg.ID, "error", reason)

	_ = inst.cmd.Process.Kill()
	select {
	case <-exited:
	case <-time.After(m.cfg.ShutdownTimeout):
	}
	inst.proxy.Close()

	m.maybeScheduleRestart(cfg.ID, inst.gen, false)
}

// waitForExit reaps the child and routes unexpected exits to the watchdog.
func (m *Manager) waitForExit(id string, inst *instance, exited chan struct{}, stderrFile io.Closer) {
	err := inst.cmd.Wait()
	close(exited)
	_ = stderrFile.Close()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	m.handleExit(id, inst.gen, exitCode)
}

// handleExit processes a child exit observed by the reaper. User-initiated
// stops and failed probes are finalized by their own paths; everything else
// is an unexpected exit.
func (m *Manager) handleExit(id string, gen int, exitCode int) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.gen != gen {
		m.mu.Unlock()
		return
	}
	if inst.userStopped || inst.finalized || !inst.state.State.Active() {
		// stopLocked or failStarting owns the bookkeeping.
		m.mu.Unlock()
		return
	}
	inst.finalized = true
	inst.state.State = models.StateFailed
	inst.state.ExitCode = &exitCode
	inst.state.LastError = fmt.Sprintf("child exited unexpectedly with code %d", exitCode)
	inst.state.UpdatedAt = time.Now().UTC()
	pid := inst.state.PID
	snapshot := inst.state
	m.mu.Unlock()

	inst.proxy.Close()
	m.persist(&snapshot, &pid)
	m.logger.Error("child exited unexpectedly", "server_id", id, "exit_code", exitCode)

	m.maybeScheduleRestart(id, gen, exitCode == 0)
}

// pingLoop is the per-running-instance watchdog: a periodic tools/list ping
// on top of process reaping. Consecutive failures kill the child, which the
// reaper then routes through the restart engine.
func (m *Manager) pingLoop(id string, inst *instance) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-inst.proxy.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		alive := inst.state.State == models.StateRunning
		m.mu.RUnlock()
		if !alive {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ToolCallTimeout)
		_, err := inst.proxy.ListTools(ctx)
		cancel()

		m.mu.Lock()
		now := time.Now().UTC()
		inst.state.LastHealthCheck = &now
		if err != nil {
			inst.state.HealthCheckFailures++
		} else {
			inst.state.HealthCheckFailures = 0
		}
		failures := inst.state.HealthCheckFailures
		m.mu.Unlock()

		if err != nil {
			m.logger.Warn("health ping failed", "server_id", id,
				"failures", failures, "error", err)
			if failures >= maxHealthFailures {
				m.logger.Error("health budget exhausted, killing child",
					"server_id", id, "pid", inst.cmd.Process.Pid)
				_ = inst.cmd.Process.Kill()
				return
			}
		}
	}
}

// maybeScheduleRestart consults the policy engine and arms a backoff timer
// when a restart is granted.
func (m *Manager) maybeScheduleRestart(id string, gen int, cleanExit bool) {
	m.mu.RLock()
	suppressed := m.shuttingDown
	m.mu.RUnlock()
	if suppressed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	cfg, err := m.repo.GetServer(ctx, id)
	cancel()
	if err != nil {
		m.logger.Error("cannot load config for restart decision", "server_id", id, "error", err)
		return
	}

	decision := m.engine.Decide(id, cfg, cleanExit)
	if !decision.Restart {
		m.logger.Info("no restart scheduled", "server_id", id, "reason", decision.Reason)
		return
	}

	m.recorder.Restart(id)
	m.logger.Info("restart scheduled", "server_id", id, "delay", decision.Delay)

	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.gen != gen {
		m.mu.Unlock()
		return
	}
	inst.restartTimer = time.AfterFunc(decision.Delay, func() {
		lock := m.lockFor(id)
		lock.Lock()
		defer lock.Unlock()
		if m.stateOf(id) != models.StateFailed {
			return
		}
		startCtx, cancel := context.WithTimeout(context.Background(), m.cfg.InitTimeout+persistTimeout)
		defer cancel()
		if err := m.startLocked(startCtx, id, startedByEngine); err != nil {
			m.logger.Error("scheduled restart failed", "server_id", id, "error", err)
		}
	})
	m.mu.Unlock()
}

// stopLocked terminates the child. Caller holds the per-id lock.
// Stopping an instance that is not active is a no-op, so stop converges on
// stopped no matter how often it is called.
func (m *Manager) stopLocked(ctx context.Context, id string, grace time.Duration) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || !inst.state.State.Active() {
		m.mu.Unlock()
		return nil
	}
	inst.userStopped = true
	if inst.restartTimer != nil {
		inst.restartTimer.Stop()
		inst.restartTimer = nil
	}
	inst.state.State = models.StateStopping
	inst.state.UpdatedAt = time.Now().UTC()
	pid := inst.state.PID
	snapshot := inst.state
	m.mu.Unlock()
	m.persist(&snapshot, &pid)

	m.logger.Info("stopping child", "server_id", id, "pid", pid, "grace", grace)

	if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("terminate signal failed", "server_id", id, "error", err)
	}

	if !m.awaitProxyExit(ctx, inst, grace) {
		m.logger.Warn("grace period elapsed, killing child", "server_id", id, "pid", pid)
		_ = inst.cmd.Process.Kill()
		m.awaitProxyExit(ctx, inst, grace)
	}
	inst.proxy.Close()

	m.mu.Lock()
	now := time.Now().UTC()
	inst.state.State = models.StateStopped
	inst.state.StopTime = &now
	inst.state.PID = 0
	inst.state.UpdatedAt = now
	snapshot = inst.state
	m.mu.Unlock()
	m.persist(&snapshot, &pid)

	m.recorder.ServerStop(id)
	m.logger.Info("child stopped", "server_id", id)
	return nil
}

// awaitProxyExit waits for the child's stdout to close, a cheap exit signal
// that does not race the reaper's cmd.Wait.
func (m *Manager) awaitProxyExit(ctx context.Context, inst *instance, limit time.Duration) bool {
	select {
	case <-inst.proxy.Done():
		return true
	case <-time.After(limit):
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) refreshToolCache(ctx context.Context, cfg *models.ServerConfig, proxy *mcpproxy.Proxy) {
	listCtx, cancel := context.WithTimeout(ctx, m.cfg.ToolCallTimeout)
	defer cancel()
	tools, err := proxy.ListTools(listCtx)
	if err != nil {
		m.logger.Warn("tool cache refresh failed", "server_id", cfg.ID, "error", err)
		return
	}
	cfg.Tools = toToolSpecs(tools)
	cfg.UpdatedAt = time.Now().UTC()
	if err := m.repo.UpdateServer(ctx, cfg); err != nil {
		m.logger.Warn("tool cache persist failed", "server_id", cfg.ID, "error", err)
	}
}

// persist mirrors the in-memory instance to the repository. Failures are
// logged, never surfaced; the in-memory copy stays authoritative.
func (m *Manager) persist(inst *models.ServerInstance, expectedPID *int) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.repo.SaveInstance(ctx, inst, expectedPID); err != nil {
		m.logger.Warn("instance persist failed",
			"server_id", inst.ServerID, "state", inst.State, "error", err)
	}
}

func (m *Manager) commandAllowed(cmd string) bool {
	for _, c := range m.cfg.AllowedCommands {
		if c == cmd {
			return true
		}
	}
	return false
}

// openStderrLog opens the child's rotating stderr file with 0600 permissions.
func (m *Manager) openStderrLog(id string) (io.WriteCloser, error) {
	if err := os.MkdirAll(m.cfg.LogDir, 0o700); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(m.cfg.LogDir, id+".stderr.log"),
		MaxSize:    m.cfg.LogMaxSizeMB,
		MaxBackups: m.cfg.LogMaxBackups,
	}, nil
}

// lineWriter splits a child's stream into lines and feeds them to the log
// writer. Partial lines are buffered until their newline arrives.
type lineWriter struct {
	logs     *repository.LogWriter
	serverID string
	stream   models.LogStream

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineWriter(logs *repository.LogWriter, serverID string, stream models.LogStream) *lineWriter {
	return &lineWriter{logs: logs, serverID: serverID, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back and wait for more bytes.
			w.buf.WriteString(line)
			break
		}
		content := strings.TrimRight(line, "\r\n")
		if content == "" {
			continue
		}
		w.logs.Append(models.LogEntry{
			ServerID:  w.serverID,
			Timestamp: time.Now().UTC(),
			Stream:    w.stream,
			Content:   content,
		})
	}
	return len(p), nil
}
