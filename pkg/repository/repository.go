// Package repository is the polymorphic store over the gateway's four
// entities. Two implementations are selectable at startup: Postgres
// (durable) and Memory. Both match this interface exactly.
package repository

import (
	"context"
	"errors"

	"github.com/fluidmcp/fluidmcp/pkg/models"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrStaleWriter is returned when an instance write carries an
	// expected pid that no longer matches the stored one. It means a
	// crashed child's leftover writer tried to clobber the new instance.
	ErrStaleWriter = errors.New("stale instance writer: pid mismatch")
)

// Repository is the persistence contract.
// All operations are safe for concurrent use.
type Repository interface {
	// Servers. CreateServer fails with ErrAlreadyExists on duplicate id;
	// UpdateServer fails with ErrNotFound. Both store the nested form and
	// return/accept the flat wire form (the wire format wins on read).
	CreateServer(ctx context.Context, cfg *models.ServerConfig) error
	UpdateServer(ctx context.Context, cfg *models.ServerConfig) error
	GetServer(ctx context.Context, id string) (*models.ServerConfig, error)
	ListServers(ctx context.Context, enabledOnly bool) ([]models.ServerConfig, error)
	DeleteServer(ctx context.Context, id string) error

	// Instances. expectedPID, when non-nil, makes the write a check-and-set:
	// it applies only if the stored pid matches, otherwise ErrStaleWriter.
	SaveInstance(ctx context.Context, inst *models.ServerInstance, expectedPID *int) error
	GetInstance(ctx context.Context, serverID string) (*models.ServerInstance, error)
	DeleteInstance(ctx context.Context, serverID string) error

	// Logs. Append is best-effort bounded storage; Tail returns the most
	// recent n entries in stream order.
	AppendLog(ctx context.Context, entry models.LogEntry) error
	TailLogs(ctx context.Context, serverID string, n int) ([]models.LogEntry, error)

	// Models. CreateModel fails with ErrAlreadyExists on duplicate model_id.
	// UpdateModel bumps the version monotonically.
	CreateModel(ctx context.Context, m *models.LLMModel) error
	GetModel(ctx context.Context, modelID string) (*models.LLMModel, error)
	ListModels(ctx context.Context, typeFilter models.BackendType) ([]models.LLMModel, error)
	UpdateModel(ctx context.Context, m *models.LLMModel) error
	DeleteModel(ctx context.Context, modelID string) error

	// Ping reports backend health for /health.
	Ping(ctx context.Context) error
	Close() error
}
