// Package sqlite implements gatekeeper.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrel-labs/gatekeeper"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs on open, init, close, cost-event
// append/query, and workflow save, with timing, row counts, and key
// parameters; the alert and workflow read paths do not log. If not set,
// no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements gatekeeper.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ gatekeeper.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS cost_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			project_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_in INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			request_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_events_project_ts ON cost_events(project_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_events_agent_ts ON cost_events(agent_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL,
			component TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Debug("sqlite: init finished", "elapsed", time.Since(start))
	return nil
}

// AppendCostEvent appends one immutable cost record. The single-connection
// pool serializes concurrent writers, so insertion order matches the order
// callers invoked AppendCostEvent.
func (s *Store) AppendCostEvent(ctx context.Context, ev gatekeeper.CostEvent) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_events (timestamp, project_id, agent_id, model, tokens_in, tokens_out, cost_usd, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp, ev.ProjectID, ev.AgentID, ev.Model, ev.TokensIn, ev.TokensOut, ev.CostUSD, ev.RequestID,
	)
	s.logger.Debug("sqlite: append cost event", "project_id", ev.ProjectID, "agent_id", ev.AgentID, "elapsed", time.Since(start))
	if err != nil {
		return fmt.Errorf("append cost event: %w", err)
	}
	return nil
}

// QueryCostEvents returns events with timestamp >= sinceUnix, optionally
// filtered by project and/or agent.
func (s *Store) QueryCostEvents(ctx context.Context, sinceUnix int64, projectID, agentID string) ([]gatekeeper.CostEvent, error) {
	start := time.Now()
	query := `SELECT timestamp, project_id, agent_id, model, tokens_in, tokens_out, cost_usd, request_id
	          FROM cost_events WHERE timestamp >= ?`
	args := []any{sinceUnix}
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	s.logger.Debug("sqlite: query cost events", "rows", len(out), "elapsed", time.Since(start))
	return out, rows.Err()
}

// SaveWorkflowExecution atomically replaces the persisted record for
// exec.ExecutionID. The full execution (including all TaskExecutions) is
// serialized as JSON; only definition_id, status and started_at/ended_at
// get dedicated columns (the crash-recovery scan filters on status).
func (s *Store) SaveWorkflowExecution(ctx context.Context, exec gatekeeper.WorkflowExecution) error {
	start := time.Now()
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal workflow execution: %w", err)
	}
	var endedAt any
	if exec.EndedAt != 0 {
		endedAt = exec.EndedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (execution_id, definition_id, status, payload, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status = excluded.status,
		   payload = excluded.payload,
		   ended_at = excluded.ended_at`,
		exec.ExecutionID, exec.DefinitionID, string(exec.Status), payload, exec.StartedAt, endedAt,
	)
	s.logger.Debug("sqlite: save workflow execution", "execution_id", exec.ExecutionID, "status", exec.Status, "elapsed", time.Since(start))
	if err != nil {
		return fmt.Errorf("save workflow execution: %w", err)
	}
	return nil
}

// GetWorkflowExecution returns the persisted execution for id.
func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (gatekeeper.WorkflowExecution, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM workflow_executions WHERE execution_id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
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
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM workflow_executions WHERE status = ?`, string(gatekeeper.ExecRunning))
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (level, component, message, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		string(a.Level), a.Component, a.Message, details, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, most recent first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]gatekeeper.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, component, message, details, timestamp FROM alerts ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()

	var out []gatekeeper.Alert
	for rows.Next() {
		var a gatekeeper.Alert
		var level, details string
		if err := rows.Scan(&level, &a.Component, &a.Message, &details, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Level = gatekeeper.AlertLevel(level)
		if details != "" {
			_ = json.Unmarshal([]byte(details), &a.Details)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DB exposes the underlying *sql.DB for operator tooling and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}
