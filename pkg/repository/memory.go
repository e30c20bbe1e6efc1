package repository

import (
	"context"
	"sync"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/models"
)

// Memory is the in-memory Repository. It exists for tests and for running
// the gateway without a database; nothing survives a restart.
type Memory struct {
	mu sync.RWMutex

	servers   map[string]models.ServerConfig
	instances map[string]models.ServerInstance
	logs      map[string][]models.LogEntry
	llmModels map[string]models.LLMModel

	maxLogs int
}

// NewMemory creates an in-memory repository. maxLogs bounds the per-server
// log ring; values <= 0 fall back to 1000.
func NewMemory(maxLogs int) *Memory {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &Memory{
		servers:   make(map[string]models.ServerConfig),
		instances: make(map[string]models.ServerInstance),
		logs:      make(map[string][]models.LogEntry),
		llmModels: make(map[string]models.LLMModel),
		maxLogs:   maxLogs,
	}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) CreateServer(_ context.Context, cfg *models.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[cfg.ID]; exists {
		return ErrAlreadyExists
	}
	m.servers[cfg.ID] = cfg.ToStorage()
	return nil
}

func (m *Memory) UpdateServer(_ context.Context, cfg *models.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[cfg.ID]; !exists {
		return ErrNotFound
	}
	m.servers[cfg.ID] = cfg.ToStorage()
	return nil
}

func (m *Memory) GetServer(_ context.Context, id string) (*models.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, exists := m.servers[id]
	if !exists {
		return nil, ErrNotFound
	}
	out := stored
	out.FromStorage()
	return &out, nil
}

func (m *Memory) ListServers(_ context.Context, enabledOnly bool) ([]models.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ServerConfig, 0, len(m.servers))
	for _, stored := range m.servers {
		if enabledOnly && !stored.Enabled {
			continue
		}
		cfg := stored
		cfg.FromStorage()
		out = append(out, cfg)
	}
	return out, nil
}

func (m *Memory) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[id]; !exists {
		return ErrNotFound
	}
	delete(m.servers, id)
	delete(m.instances, id)
	delete(m.logs, id)
	return nil
}

func (m *Memory) SaveInstance(_ context.Context, inst *models.ServerInstance, expectedPID *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expectedPID != nil {
		stored, exists := m.instances[inst.ServerID]
		if exists && stored.PID != *expectedPID {
			return ErrStaleWriter
		}
	}
	m.instances[inst.ServerID] = *inst.Clone()
	return nil
}

func (m *Memory) GetInstance(_ context.Context, serverID string) (*models.ServerInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, exists := m.instances[serverID]
	if !exists {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (m *Memory) DeleteInstance(_ context.Context, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, serverID)
	return nil
}

func (m *Memory) AppendLog(_ context.Context, entry models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := append(m.logs[entry.ServerID], entry)
	if len(ring) > m.maxLogs {
		ring = ring[len(ring)-m.maxLogs:]
	}
	m.logs[entry.ServerID] = ring
	return nil
}

func (m *Memory) TailLogs(_ context.Context, serverID string, n int) ([]models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ring := m.logs[serverID]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]models.LogEntry, n)
	copy(out, ring[len(ring)-n:])
	return out, nil
}

func (m *Memory) CreateModel(_ context.Context, mdl *models.LLMModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.llmModels[mdl.ModelID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	mdl.CreatedAt = now
	mdl.UpdatedAt = now
	mdl.Version = 1
	m.llmModels[mdl.ModelID] = *mdl
	return nil
}

func (m *Memory) GetModel(_ context.Context, modelID string) (*models.LLMModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mdl, exists := m.llmModels[modelID]
	if !exists {
		return nil, ErrNotFound
	}
	out := mdl
	return &out, nil
}

func (m *Memory) ListModels(_ context.Context, typeFilter models.BackendType) ([]models.LLMModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LLMModel, 0, len(m.llmModels))
	for _, mdl := range m.llmModels {
		if typeFilter != "" && mdl.Type != typeFilter {
			continue
		}
		out = append(out, mdl)
	}
	return out, nil
}

func (m *Memory) UpdateModel(_ context.Context, mdl *models.LLMModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, exists := m.llmModels[mdl.ModelID]
	if !exists {
		return ErrNotFound
	}
	mdl.CreatedAt = stored.CreatedAt
	mdl.UpdatedAt = time.Now().UTC()
	mdl.Version = stored.Version + 1
	m.llmModels[mdl.ModelID] = *mdl
	return nil
}

func (m *Memory) DeleteModel(_ context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.llmModels[modelID]; !exists {
		return ErrNotFound
	}
	delete(m.llmModels, modelID)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
