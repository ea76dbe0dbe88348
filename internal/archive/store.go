// Package archive persists task outcomes and agent directory snapshots to
// PostgreSQL. It records history; it is not the agents' learning store.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/crosswire/internal/mesh"
	"github.com/nidhogg/crosswire/internal/taskrouter"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// SaveResult upserts a final task result. Resubmitting a task id
// overwrites its earlier outcome, matching the in-memory result map.
func (s *Store) SaveResult(ctx context.Context, res *taskrouter.TaskResult) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_results (task_id, success, error, agent_id, execution_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE SET
			success = EXCLUDED.success,
			error = EXCLUDED.error,
			agent_id = EXCLUDED.agent_id,
			execution_ms = EXCLUDED.execution_ms,
			completed_at = EXCLUDED.completed_at`,
		res.TaskID, res.Success, res.Error, res.AgentID,
		res.ExecutionTime.Milliseconds(), res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.TaskID, err)
	}
	return nil
}

// ListResults returns the most recent task results, newest first.
func (s *Store) ListResults(ctx context.Context, limit int) ([]*taskrouter.TaskResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT task_id, success, COALESCE(error,''), COALESCE(agent_id,''), execution_ms, completed_at
		FROM task_results
		ORDER BY completed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*taskrouter.TaskResult
	for rows.Next() {
		var res taskrouter.TaskResult
		var execMs int64
		if err := rows.Scan(&res.TaskID, &res.Success, &res.Error,
			&res.AgentID, &execMs, &res.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.ExecutionTime = time.Duration(execMs) * time.Millisecond
		out = append(out, &res)
	}
	return out, nil
}

// SaveAgentSnapshot upserts one agent's last observed directory state.
func (s *Store) SaveAgentSnapshot(ctx context.Context, info mesh.AgentInfo) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_snapshots (agent_id, agent_type, transport, status, capabilities, last_seen, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			agent_type = EXCLUDED.agent_type,
			transport = EXCLUDED.transport,
			status = EXCLUDED.status,
			capabilities = EXCLUDED.capabilities,
			last_seen = EXCLUDED.last_seen,
			observed_at = NOW()`,
		info.ID, info.Type, string(info.Transport), string(info.Status),
		strings.Join(info.Capabilities, ","), info.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("save agent snapshot %s: %w", info.ID, err)
	}
	return nil
}

// RunAgentSnapshots periodically writes the registry view until ctx is
// cancelled.
func (s *Store) RunAgentSnapshots(ctx context.Context, interval time.Duration, list func() []mesh.AgentInfo) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range list() {
				if err := s.SaveAgentSnapshot(ctx, info); err != nil {
					s.logger.Warn("agent snapshot failed",
						zap.String("agent", info.ID), zap.Error(err))
				}
			}
		}
	}
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
