package repository

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/fluidmcp/fluidmcp/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// pgUniqueViolation is the Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

// logTrimInterval is how many appends pass between opportunistic trims of a
// server's capped log table.
const logTrimInterval = 128

// Postgres is the durable Repository backed by PostgreSQL via pgx.
type Postgres struct {
	db      *stdsql.DB
	maxLogs int

	appendCount atomic.Int64
}

// NewPostgres opens a connection pool, applies embedded migrations, and
// returns the repository. dsn is a pgx-compatible URL or keyword string.
func NewPostgres(ctx context.Context, dsn string, maxLogs int) (*Postgres, error) {
	if maxLogs <= 0 {
		maxLogs = 1000
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Postgres{db: db, maxLogs: maxLogs}, nil
}

// runMigrations applies embedded SQL migrations with golang-migrate.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "fluidmcp", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB out from under us.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

var _ Repository = (*Postgres)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (p *Postgres) CreateServer(ctx context.Context, cfg *models.ServerConfig) error {
	stored := cfg.ToStorage()
	doc, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal server config: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO servers (id, enabled, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		cfg.ID, cfg.Enabled, doc, time.Now().UTC())
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert server %q: %w", cfg.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateServer(ctx context.Context, cfg *models.ServerConfig) error {
	stored := cfg.ToStorage()
	doc, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal server config: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE servers SET enabled = $2, doc = $3, updated_at = $4 WHERE id = $1`,
		cfg.ID, cfg.Enabled, doc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update server %q: %w", cfg.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetServer(ctx context.Context, id string) (*models.ServerConfig, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM servers WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query server %q: %w", id, err)
	}
	var cfg models.ServerConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal server %q: %w", id, err)
	}
	cfg.FromStorage()
	return &cfg, nil
}

func (p *Postgres) ListServers(ctx context.Context, enabledOnly bool) ([]models.ServerConfig, error) {
	query := `SELECT doc FROM servers ORDER BY id`
	if enabledOnly {
		query = `SELECT doc FROM servers WHERE enabled ORDER BY id`
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []models.ServerConfig
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan server row: %w", err)
		}
		var cfg models.ServerConfig
		if err := json.Unmarshal(doc, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal server row: %w", err)
		}
		cfg.FromStorage()
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteServer(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete server %q: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	// Instance and logs are subordinate records; best-effort cleanup.
	_, _ = p.db.ExecContext(ctx, `DELETE FROM server_instances WHERE server_id = $1`, id)
	_, _ = p.db.ExecContext(ctx, `DELETE FROM server_logs WHERE server_id = $1`, id)
	return nil
}

func (p *Postgres) SaveInstance(ctx context.Context, inst *models.ServerInstance, expectedPID *int) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	now := time.Now().UTC()

	if expectedPID != nil {
		res, err := p.db.ExecContext(ctx,
			`UPDATE server_instances SET pid = $2, doc = $3, updated_at = $4
			 WHERE server_id = $1 AND pid = $5`,
			inst.ServerID, inst.PID, doc, now, *expectedPID)
		if err != nil {
			return fmt.Errorf("cas instance %q: %w", inst.ServerID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Distinguish "absent" (insert below) from "pid moved on".
			var exists bool
			if err := p.db.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM server_instances WHERE server_id = $1)`,
				inst.ServerID).Scan(&exists); err != nil {
				return fmt.Errorf("check instance %q: %w", inst.ServerID, err)
			}
			if exists {
				return ErrStaleWriter
			}
		} else {
			return nil
		}
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO server_instances (server_id, pid, doc, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (server_id) DO UPDATE SET pid = $2, doc = $3, updated_at = $4`,
		inst.ServerID, inst.PID, doc, now)
	if err != nil {
		return fmt.Errorf("save instance %q: %w", inst.ServerID, err)
	}
	return nil
}

func (p *Postgres) GetInstance(ctx context.Context, serverID string) (*models.ServerInstance, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM server_instances WHERE server_id = $1`, serverID).Scan(&doc)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query instance %q: %w", serverID, err)
	}
	var inst models.ServerInstance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance %q: %w", serverID, err)
	}
	return &inst, nil
}

func (p *Postgres) DeleteInstance(ctx context.Context, serverID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM server_instances WHERE server_id = $1`, serverID)
	if err != nil {
		return fmt.Errorf("delete instance %q: %w", serverID, err)
	}
	return nil
}

func (p *Postgres) AppendLog(ctx context.Context, entry models.LogEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO server_logs (server_id, ts, stream, content) VALUES ($1, $2, $3, $4)`,
		entry.ServerID, entry.Timestamp, string(entry.Stream), entry.Content)
	if err != nil {
		return fmt.Errorf("append log for %q: %w", entry.ServerID, err)
	}

	// Capped-table behaviour: trim opportunistically, not on every insert.
	if p.appendCount.Add(1)%logTrimInterval == 0 {
		_, _ = p.db.ExecContext(ctx,
			`DELETE FROM server_logs
			 WHERE server_id = $1 AND id NOT IN (
			     SELECT id FROM server_logs WHERE server_id = $1
			     ORDER BY id DESC LIMIT $2)`,
			entry.ServerID, p.maxLogs)
	}
	return nil
}

func (p *Postgres) TailLogs(ctx context.Context, serverID string, n int) ([]models.LogEntry, error) {
	if n <= 0 || n > p.maxLogs {
		n = p.maxLogs
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT server_id, ts, stream, content FROM (
		     SELECT id, server_id, ts, stream, content FROM server_logs
		     WHERE server_id = $1 ORDER BY id DESC LIMIT $2
		 ) t ORDER BY id ASC`,
		serverID, n)
	if err != nil {
		return nil, fmt.Errorf("tail logs for %q: %w", serverID, err)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var stream string
		if err := rows.Scan(&e.ServerID, &e.Timestamp, &stream, &e.Content); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Stream = models.LogStream(stream)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateModel(ctx context.Context, m *models.LLMModel) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Version = 1
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO llm_models (model_id, type, version, doc, created_at, updated_at)
		 VALUES ($1, $2, 1, $3, $4, $4)`,
		m.ModelID, string(m.Type), doc, now)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert model %q: %w", m.ModelID, err)
	}
	return nil
}

func (p *Postgres) GetModel(ctx context.Context, modelID string) (*models.LLMModel, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM llm_models WHERE model_id = $1`, modelID).Scan(&doc)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model %q: %w", modelID, err)
	}
	var m models.LLMModel
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("unmarshal model %q: %w", modelID, err)
	}
	return &m, nil
}

func (p *Postgres) ListModels(ctx context.Context, typeFilter models.BackendType) ([]models.LLMModel, error) {
	query := `SELECT doc FROM llm_models ORDER BY model_id`
	args := []any{}
	if typeFilter != "" {
		query = `SELECT doc FROM llm_models WHERE type = $1 ORDER BY model_id`
		args = append(args, string(typeFilter))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []models.LLMModel
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		var m models.LLMModel
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("unmarshal model row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateModel(ctx context.Context, m *models.LLMModel) error {
	// Version bump happens in SQL so concurrent updates stay monotonic.
	m.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	var version int
	err = p.db.QueryRowContext(ctx,
		`UPDATE llm_models
		 SET doc = jsonb_set($2::jsonb, '{version}', to_jsonb(version + 1)),
		     version = version + 1, updated_at = $3
		 WHERE model_id = $1
		 RETURNING version`,
		m.ModelID, doc, m.UpdatedAt).Scan(&version)
	if errors.Is(err, stdsql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update model %q: %w", m.ModelID, err)
	}
	m.Version = version
	return nil
}

func (p *Postgres) DeleteModel(ctx context.Context, modelID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM llm_models WHERE model_id = $1`, modelID)
	if err != nil {
		return fmt.Errorf("delete model %q: %w", modelID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// PoolStats exposes connection pool statistics for /health.
func (p *Postgres) PoolStats() stdsql.DBStats {
	return p.db.Stats()
}
