package gatekeeper

import "context"

// Store abstracts durable persistence for the control plane: the CostEvent
// log, WorkflowExecution records, and the Alert log. Circuit breaker state
// and the activity table are in-memory only and never go through Store.
type Store interface {
	// --- Cost Ledger ---
	// AppendCostEvent appends one immutable record. Implementations must
	// serialize concurrent writers (single-writer discipline) so the log
	// order matches invocation completion order.
	AppendCostEvent(ctx context.Context, ev CostEvent) error
	// QueryCostEvents returns events with Timestamp >= sinceUnix, optionally
	// filtered by project and/or agent (empty string = no filter).
	QueryCostEvents(ctx context.Context, sinceUnix int64, projectID, agentID string) ([]CostEvent, error)

	// --- Workflow Engine ---
	// SaveWorkflowExecution atomically replaces the persisted record for
	// exec.ExecutionID.
	SaveWorkflowExecution(ctx context.Context, exec WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id string) (WorkflowExecution, error)
	// ListRunningExecutions returns every execution persisted with
	// status == running, used by the crash-recovery scan at startup.
	ListRunningExecutions(ctx context.Context) ([]WorkflowExecution, error)

	// --- Alert log ---
	AppendAlert(ctx context.Context, a Alert) error
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
