package gatekeeper

import "encoding/json"

// AgentKind enumerates the declared roles an Agent can fill.
type AgentKind string

const (
	KindCoordinator AgentKind = "coordinator"
	KindDeveloper   AgentKind = "developer"
	KindSecurity    AgentKind = "security"
	KindData        AgentKind = "data"
	KindGeneric     AgentKind = "generic"
)

// Agent is a named logical invocation target backed by one or more model
// back-ends. Loaded at startup from configuration; immutable during a run.
type Agent struct {
	AgentID        string    `toml:"agent_id"`
	Kind           AgentKind `toml:"kind"`
	Model          string    `toml:"model"`
	Skills         []string  `toml:"skills"`
	BackupAgentIDs []string  `toml:"backup_agent_ids"`
}

// HasSkill reports whether the agent declares the given skill.
func (a Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// RateLimit bounds on a model back-end.
type RateLimit struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

// Pricing is per-1k-token pricing for a model back-end.
type Pricing struct {
	InputPerThousand  float64 `toml:"input_usd_per_1k_tokens"`
	OutputPerThousand float64 `toml:"output_usd_per_1k_tokens"`
}

// ModelBackend describes an opaque call target. Immutable.
type ModelBackend struct {
	Name          string    `toml:"name"`
	Pricing       Pricing   `toml:"pricing"`
	ContextWindow int       `toml:"context_window"`
	RateLimit     RateLimit `toml:"rate_limit"`
}

// TokenEstimate is a pre-call estimate of token usage used by the Budget
// Gate and Quota Gate.
type TokenEstimate struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Request is created by the Dispatcher, flows through gates, router, and
// invoker, and is discarded after the response is produced.
type Request struct {
	RequestID           string          `json:"request_id"`
	ProjectID           string          `json:"project_id"`
	SessionKey          string          `json:"session_key"`
	Prompt              string          `json:"prompt"`
	ConversationHistory []string        `json:"conversation_history,omitempty"`
	AgentHint           string          `json:"agent_hint,omitempty"`
	BudgetEstimate      TokenEstimate   `json:"budget_estimate_tokens"`
	Workflow            *WorkflowInvoke `json:"workflow,omitempty"`
}

// WorkflowInvoke carries the target definition and seed context when a
// Request is a workflow dispatch rather than a single agent call.
type WorkflowInvoke struct {
	DefinitionID string         `json:"definition_id"`
	Context      map[string]any `json:"context,omitempty"`
}

// Complexity buckets a RoutingDecision's complexity_score.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// RoutingDecision is the deterministic output of the Router.
type RoutingDecision struct {
	ChosenAgentID   string     `json:"chosen_agent_id"`
	Complexity      Complexity `json:"complexity"`
	ComplexityScore int        `json:"complexity_score"`
	Confidence      float64    `json:"confidence"`
	RequiredSkills  []string   `json:"required_skills"`
	FallbackAgentID string     `json:"fallback_agent_id,omitempty"`
	Reason          string     `json:"reason"`
}

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitSnapshot is a read-only view of one agent's breaker state, for the
// operator status surface.
type CircuitSnapshot struct {
	AgentID  string       `json:"agent_id"`
	State    BreakerState `json:"state"`
	OpenedAt int64        `json:"opened_at,omitempty"`
}

// ActivityState is the running/idle classification of an in-flight call.
type ActivityState string

const (
	ActivityRunning ActivityState = "running"
	ActivityIdle    ActivityState = "idle"
)

// AgentActivity tracks one in-flight invocation for the Heartbeat Monitor.
// Created on invocation start; removed on completion, timeout, or explicit
// unregister. Timestamps are Unix milliseconds.
type AgentActivity struct {
	AgentID        string        `json:"agent_id"`
	TaskID         string        `json:"task_id"`
	StartedAt      int64         `json:"started_at"`
	LastActivityAt int64         `json:"last_activity_at"`
	State          ActivityState `json:"state"`
}

// CostEvent is an immutable append-only record. Every successful invocation
// produces exactly one; failed invocations without token consumption
// produce none.
type CostEvent struct {
	Timestamp int64   `json:"timestamp"`
	ProjectID string  `json:"project_id"`
	AgentID   string  `json:"agent_id"`
	Model     string  `json:"model"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	RequestID string  `json:"request_id"`
}

// BudgetSnapshot is derived on demand from CostEvents over a time window.
// CostLedger.Snapshot may serve it from a cache for up to two seconds; a
// Record through that ledger drops the project's cached snapshots.
type BudgetSnapshot struct {
	SpendDaily   float64 `json:"spend_daily"`
	SpendMonthly float64 `json:"spend_monthly"`
	SpendTask    float64 `json:"spend_task"`
}

// TaskType enumerates the Workflow Engine's task kinds.
type TaskType string

const (
	TaskAgentCall   TaskType = "agent_call"
	TaskHTTPCall    TaskType = "http_call"
	TaskConditional TaskType = "conditional"
	TaskParallel    TaskType = "parallel"
	TaskWebhook     TaskType = "webhook"
)

// TaskDefinition is one task within a WorkflowDefinition. Only the fields
// relevant to Type are populated.
type TaskDefinition struct {
	ID             string   `json:"id"`
	Type           TaskType `json:"type"`
	RetryCount     int      `json:"retry_count"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	SkipOnError    bool     `json:"skip_on_error"`

	// agent_call
	AgentID        string `json:"agent_id,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty"`

	// http_call / webhook
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// conditional
	Expression  string `json:"expression,omitempty"`
	NextIfTrue  string `json:"next_task_if_true,omitempty"`
	NextIfFalse string `json:"next_task_if_false,omitempty"`

	// parallel
	Children []TaskDefinition `json:"children,omitempty"`
}

// WorkflowDefinition is an ordered, immutable-once-loaded task plan.
type WorkflowDefinition struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Tasks []TaskDefinition `json:"tasks"`
}

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// TaskStatus is the lifecycle state of one TaskExecution.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// TaskExecution is the per-task result recorded within a WorkflowExecution.
type TaskExecution struct {
	TaskID    string          `json:"task_id"`
	Status    TaskStatus      `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt int64           `json:"started_at,omitempty"`
	EndedAt   int64           `json:"ended_at,omitempty"`
}

// WorkflowExecution is a running (or finished) instance of a
// WorkflowDefinition. Persisted on every state change for crash resume.
type WorkflowExecution struct {
	ExecutionID    string                   `json:"execution_id"`
	DefinitionID   string                   `json:"definition_id"`
	Status         ExecutionStatus          `json:"status"`
	TaskExecutions map[string]TaskExecution `json:"task_executions"`
	TotalCostUSD   float64                  `json:"total_cost_usd"`
	StartedAt      int64                    `json:"started_at"`
	EndedAt        int64                    `json:"ended_at,omitempty"`
	FailureReason  string                   `json:"failure_reason,omitempty"`
	Context        map[string]any           `json:"context,omitempty"`
}

// AlertLevel distinguishes operator-actionable from informational alerts.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is appended to the durable alert log on any event the operator
// surfaces (stale/timeout, circuit trips, invariant violations).
type Alert struct {
	Level     AlertLevel     `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Result is the successful outcome of an Agent Invoker call, the unit the
// Dispatcher returns to its caller.
type Result struct {
	AgentID string `json:"agent"`
	Content string `json:"response"`
	Tokens  Usage  `json:"tokens"`
}

// Usage is token accounting for one invocation.
type Usage struct {
	InputTokens  int `json:"input"`
	OutputTokens int `json:"output"`
}
