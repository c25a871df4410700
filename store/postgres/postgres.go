// Package postgres implements gatekeeper.Store using PostgreSQL via pgx/v5.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-labs/gatekeeper"
)

// Store implements gatekeeper.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ gatekeeper.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cost_events (
			id BIGSERIAL PRIMARY KEY,
			timestamp BIGINT NOT NULL,
			project_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_in INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL,
			request_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_events_project_ts ON cost_events(project_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_events_agent_ts ON cost_events(agent_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload JSONB NOT NULL,
			started_at BIGINT NOT NULL,
			ended_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			level TEXT NOT NULL,
			component TEXT NOT NULL,
			message TEXT NOT NULL,
			details JSONB,
			timestamp BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// AppendCostEvent appends one immutable cost record.
func (s *Store) AppendCostEvent(ctx context.Context, ev gatekeeper.CostEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cost_events (timestamp, project_id, agent_id, model, tokens_in, tokens_out, cost_usd, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.Timestamp, ev.ProjectID, ev.AgentID, ev.Model, ev.TokensIn, ev.TokensOut, ev.CostUSD, ev.RequestID,
	)
	if err != nil {
		return fmt.Errorf("append cost event: %w", err)
	}
	return nil
}

// QueryCostEvents returns events with timestamp >= sinceUnix, optionally
// filtered by project and/or agent.
func (s *Store) QueryCostEvents(ctx context.Context, sinceUnix int64, projectID, agentID string) ([]gatekeeper.CostEvent, error) {
	query := `SELECT timestamp, project_id, agent_id, model, tokens_in, tokens_out, cost_usd, request_id
	          FROM cost_events WHERE timestamp >= $1`
	args := []any{sinceUnix}
	n := 2
	if projectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", n)
		args = append(args, projectID)
		n++
	}
	if agentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", n)
		args = append(args, agentID)
		n++
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cost events: %w", err)
	}
	defer rows.Close()

	var out []gatekeeper.CostEvent
	for rows.Next() {
		var ev gatekeeper.CostEvent
		if err := rows.Scan(&ev.Timestamp, &ev.ProjectID, &ev.AgentID, &ev.Model, &ev.TokensIn, &ev.TokensOut, &ev.CostUSD, &ev.RequestID); err != nil {
			return nil, fmt.Errorf("scan cost event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveWorkflowExecution atomically replaces the persisted record for
// exec.ExecutionID via upsert.
func (s *Store) SaveWorkflowExecution(ctx context.Context, exec gatekeeper.WorkflowExecution) error {
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal workflow execution: %w", err)
	}
	var endedAt any
	if exec.EndedAt != 0 {
		endedAt = exec.EndedAt
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_executions (execution_id, definition_id, status, payload, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (execution_id) DO UPDATE SET
		   status = excluded.status,
		   payload = excluded.payload,
		   ended_at = excluded.ended_at`,
		exec.ExecutionID, exec.DefinitionID, string(exec.Status), payload, exec.StartedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow execution: %w", err)
	}
	return nil
}

// GetWorkflowExecution returns the persisted execution for id.
func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (gatekeeper.WorkflowExecution, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM workflow_executions WHERE execution_id = $1`, id).Scan(&payload)
	if err == pgx.ErrNoRows {
		return gatekeeper.WorkflowExecution{}, fmt.Errorf("workflow execution %s: not found", id)
	}
	if err != nil {
		return gatekeeper.WorkflowExecution{}, fmt.Errorf("get workflow execution: %w", err)
	}
	var exec gatekeeper.WorkflowExecution
	if err := json.Unmarshal(payload, &exec); err != nil {
		return gatekeeper.WorkflowExecution{}, fmt.Errorf("unmarshal workflow execution: %w", err)
	}
	return exec, nil
}

// ListRunningExecutions returns every execution persisted with
// status == running, used by the crash-recovery scan at startup.
func (s *Store) ListRunningExecutions(ctx context.Context) ([]gatekeeper.WorkflowExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT payload FROM workflow_executions WHERE status = $1`, string(gatekeeper.ExecRunning))
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	var out []gatekeeper.WorkflowExecution
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan running execution: %w", err)
		}
		var exec gatekeeper.WorkflowExecution
		if err := json.Unmarshal(payload, &exec); err != nil {
			return nil, fmt.Errorf("unmarshal running execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// AppendAlert appends one alert to the durable log.
func (s *Store) AppendAlert(ctx context.Context, a gatekeeper.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal alert details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO alerts (level, component, message, details, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		string(a.Level), a.Component, a.Message, details, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, most recent first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]gatekeeper.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT level, component, message, details, timestamp FROM alerts ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()

	var out []gatekeeper.Alert
	for rows.Next() {
		var a gatekeeper.Alert
		var level string
		var details []byte
		if err := rows.Scan(&level, &a.Component, &a.Message, &details, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Level = gatekeeper.AlertLevel(level)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &a.Details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}
