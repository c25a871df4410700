package gatekeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HTTPDoer is the minimal surface the Workflow Engine needs for http_call
// and webhook tasks. *http.Client satisfies this.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WorkflowDefinitionStore resolves a definition_id to its immutable
// WorkflowDefinition. Definitions are loaded at startup from configuration
// and never change during a run.
type WorkflowDefinitionStore interface {
	Get(id string) (WorkflowDefinition, bool)
}

// StaticDefinitions is the simplest WorkflowDefinitionStore: a fixed map
// loaded once at startup.
type StaticDefinitions struct {
	defs map[string]WorkflowDefinition
}

func NewStaticDefinitions(defs []WorkflowDefinition) *StaticDefinitions {
	m := make(map[string]WorkflowDefinition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &StaticDefinitions{defs: m}
}

func (s *StaticDefinitions) Get(id string) (WorkflowDefinition, bool) {
	d, ok := s.defs[id]
	return d, ok
}

// agentModelResolver looks up the model backing an agent_id, needed by the
// Agent Invoker and Cost Ledger.
type agentModelResolver interface {
	Agents() []Agent
}

// WorkflowEngine executes a declarative multi-task plan: sequential in
// definition order, with agent_call/http_call/conditional/parallel/webhook
// task types, per-task retry/timeout/skip_on_error, and crash-resume
// reclassification. The conditional expression language is restricted to
// key lookups, ==/!=, ordered comparison (numeric, else lexical), substring
// "contains", and &&; no arbitrary code execution.
type WorkflowEngine struct {
	store   Store
	defs    WorkflowDefinitionStore
	invoker *AgentInvoker
	agents  agentModelResolver
	http    HTTPDoer
	tracer  Tracer
	metrics Metrics
	onAlert func(Alert)

	mu         sync.Mutex
	executions map[string]*WorkflowExecution

	recoveredMu sync.Mutex
	recovered   []WorkflowExecution

	// execMu guards writes to an individual WorkflowExecution's
	// TaskExecutions/Context/TotalCostUSD/FailureReason fields, which
	// parallel task children mutate concurrently. It is a single lock
	// shared across all in-flight executions (contention is negligible:
	// each hold is a map write, never the task body itself), kept
	// separate from mu (which only guards the executions-by-id tracking
	// map) so a slow task body never blocks Status()/Cancel() lookups.
	execMu sync.Mutex
}

// WorkflowEngineOption configures a WorkflowEngine.
type WorkflowEngineOption func(*WorkflowEngine)

func WithWorkflowTracer(t Tracer) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.tracer = t }
}

func WithWorkflowAlerts(fn func(Alert)) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.onAlert = fn }
}

func WithWorkflowHTTPClient(c HTTPDoer) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.http = c }
}

func WithWorkflowMetrics(m Metrics) WorkflowEngineOption {
	return func(e *WorkflowEngine) { e.metrics = m }
}

// NewWorkflowEngine constructs a WorkflowEngine. Call Recover(ctx) once at
// startup, before the Dispatcher accepts new requests.
func NewWorkflowEngine(store Store, defs WorkflowDefinitionStore, invoker *AgentInvoker, agents agentModelResolver, opts ...WorkflowEngineOption) *WorkflowEngine {
	e := &WorkflowEngine{
		store:      store,
		defs:       defs,
		invoker:    invoker,
		agents:     agents,
		http:       http.DefaultClient,
		tracer:     NewNoopTracer(),
		metrics:    NewNoopMetrics(),
		executions: make(map[string]*WorkflowExecution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recover scans persisted executions at startup; any found in `running` is
// reclassified to `failed` with reason `interrupted` and recorded for the
// recovery query. The engine itself never auto-restarts them, since task
// side effects (agent calls, webhooks) may not be safely replayable.
func (e *WorkflowEngine) Recover(ctx context.Context) error {
	running, err := e.store.ListRunningExecutions(ctx)
	if err != nil {
		return fmt.Errorf("workflow recover: list running: %w", err)
	}
	e.recoveredMu.Lock()
	defer e.recoveredMu.Unlock()
	for _, exec := range running {
		exec.Status = ExecFailed
		exec.FailureReason = "interrupted"
		exec.EndedAt = NowUnix()
		if err := e.store.SaveWorkflowExecution(ctx, exec); err != nil {
			log.Printf(" [workflow] recover: save %s: %v", exec.ExecutionID, err)
			continue
		}
		e.recovered = append(e.recovered, exec)
		log.Printf(" [workflow] recovered execution %s as failed(interrupted)", exec.ExecutionID)
	}
	return nil
}

// Recovered returns the executions reclassified by the last Recover call.
func (e *WorkflowEngine) Recovered() []WorkflowExecution {
	e.recoveredMu.Lock()
	defer e.recoveredMu.Unlock()
	return append([]WorkflowExecution(nil), e.recovered...)
}

// Execute starts and runs definitionID to completion, persisting the
// WorkflowExecution atomically on every task state transition.
func (e *WorkflowEngine) Execute(ctx context.Context, definitionID string, seedContext map[string]any) (WorkflowExecution, error) {
	def, ok := e.defs.Get(definitionID)
	if !ok {
		return WorkflowExecution{}, newDispatchError(KindInvalidInput, "unknown workflow definition: "+definitionID, nil)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute", StringAttr("workflow.id", definitionID))
	defer span.End()

	begin := time.Now()
	defer func() {
		e.metrics.RecordWorkflowDuration(ctx, definitionID, float64(time.Since(begin).Milliseconds()))
	}()

	wctx := make(map[string]any, len(seedContext))
	for k, v := range seedContext {
		wctx[k] = v
	}

	exec := WorkflowExecution{
		ExecutionID:    NewID(),
		DefinitionID:   definitionID,
		Status:         ExecRunning,
		TaskExecutions: make(map[string]TaskExecution),
		StartedAt:      NowUnix(),
		Context:        wctx,
	}
	e.track(&exec)
	if err := e.persist(ctx, &exec); err != nil {
		span.Error(err)
		return exec, err
	}

	failed := e.runTasks(ctx, &exec, def.Tasks)

	exec.EndedAt = NowUnix()
	if failed {
		exec.Status = ExecFailed
		if exec.FailureReason == "" {
			exec.FailureReason = "task failed"
		}
		span.SetAttr(StringAttr("workflow.status", "failed"))
	} else {
		exec.Status = ExecCompleted
		span.SetAttr(StringAttr("workflow.status", "completed"))
	}
	if err := e.persist(ctx, &exec); err != nil {
		span.Error(err)
	}
	return exec, nil
}

// Status returns the current (possibly in-flight) state of an execution.
func (e *WorkflowEngine) Status(ctx context.Context, executionID string) (WorkflowExecution, error) {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	e.mu.Unlock()
	if ok {
		return e.snapshot(exec), nil
	}
	return e.store.GetWorkflowExecution(ctx, executionID)
}

// Cancel marks a running execution cancelled. Returns false if the
// execution is not tracked (already finished or unknown).
func (e *WorkflowEngine) Cancel(ctx context.Context, executionID string) (bool, error) {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	e.execMu.Lock()
	if exec.Status != ExecRunning {
		e.execMu.Unlock()
		return false, nil
	}
	exec.Status = ExecCancelled
	exec.EndedAt = NowUnix()
	cp := e.copyLocked(exec)
	e.execMu.Unlock()

	return true, e.store.SaveWorkflowExecution(ctx, cp)
}

func (e *WorkflowEngine) track(exec *WorkflowExecution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executions[exec.ExecutionID] = exec
}

// snapshot returns a point-in-time deep copy of exec's mutable maps, safe
// to read concurrently with in-flight parallel task writers.
func (e *WorkflowEngine) snapshot(exec *WorkflowExecution) WorkflowExecution {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	return e.copyLocked(exec)
}

// copyLocked returns a deep copy of exec's TaskExecutions/Context maps.
// Callers must hold execMu.
func (e *WorkflowEngine) copyLocked(exec *WorkflowExecution) WorkflowExecution {
	cp := *exec
	cp.TaskExecutions = make(map[string]TaskExecution, len(exec.TaskExecutions))
	for k, v := range exec.TaskExecutions {
		cp.TaskExecutions[k] = v
	}
	cp.Context = make(map[string]any, len(exec.Context))
	for k, v := range exec.Context {
		cp.Context[k] = v
	}
	return cp
}

// persist takes a consistent snapshot of exec (safe against concurrent
// parallel-task writers) and atomically replaces the durable record.
func (e *WorkflowEngine) persist(ctx context.Context, exec *WorkflowExecution) error {
	cp := e.snapshot(exec)
	return e.store.SaveWorkflowExecution(ctx, cp)
}

// runTasks executes tasks sequentially in definition order. Returns true
// if the workflow must fail (a task with skip_on_error=false failed
// terminally); no task ordered after the failing one runs in that case.
func (e *WorkflowEngine) runTasks(ctx context.Context, exec *WorkflowExecution, tasks []TaskDefinition) bool {
	for _, t := range tasks {
		if ctx.Err() != nil {
			e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: TaskFailed, Error: "cancelled", EndedAt: NowUnix()})
			return true
		}

		switch t.Type {
		case TaskConditional:
			next := e.runConditional(ctx, exec, t)
			if next == "" {
				continue
			}
			// Locate the branch target within the same task list and run
			// only that one (conditional branches don't fall through to
			// subsequent sibling tasks beyond the chosen target).
			for _, sib := range tasks {
				if sib.ID == next {
					return e.runOne(ctx, exec, sib)
				}
			}
			continue
		default:
			if e.runOne(ctx, exec, t) {
				return true
			}
		}
	}
	return false
}

// runOne executes a single non-conditional task with its retry/timeout/
// skip_on_error policy, recording the result. Returns true if the
// workflow must fail as a result.
func (e *WorkflowEngine) runOne(ctx context.Context, exec *WorkflowExecution, t TaskDefinition) bool {
	if t.Type == TaskParallel {
		return e.runParallel(ctx, exec, t)
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if t.TimeoutSeconds > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := NowUnix()
	e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: TaskRunning, StartedAt: start})

	attempts := t.RetryCount + 1
	var lastErr error
	var output json.RawMessage
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			log.Printf(" [workflow] task %s retry attempt %d", t.ID, attempt)
		}
		output, lastErr = e.runTaskBody(taskCtx, exec, t)
		if lastErr == nil {
			break
		}
		if taskCtx.Err() != nil {
			break
		}
	}

	end := NowUnix()
	if lastErr != nil {
		// The task itself is always recorded as failed; skip_on_error only
		// decides whether the enclosing workflow fails with it.
		e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: TaskFailed, Error: lastErr.Error(), StartedAt: start, EndedAt: end})
		if t.SkipOnError {
			log.Printf(" [workflow] task %s failed, continuing: %v", t.ID, lastErr)
			return false
		}
		e.execMu.Lock()
		exec.FailureReason = fmt.Sprintf("task %s failed: %v", t.ID, lastErr)
		e.execMu.Unlock()
		if e.onAlert != nil {
			e.onAlert(Alert{Level: AlertCritical, Component: "workflow_engine", Message: exec.FailureReason, Timestamp: NowUnix()})
		}
		return true
	}

	e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: TaskSuccess, Output: output, StartedAt: start, EndedAt: end})
	if output != nil {
		e.execMu.Lock()
		exec.Context[t.ID+".output"] = string(output)
		e.execMu.Unlock()
	}
	return false
}

// runTaskBody dispatches to the type-specific executor for a single
// attempt; the retry loop in runOne wraps this.
func (e *WorkflowEngine) runTaskBody(ctx context.Context, exec *WorkflowExecution, t TaskDefinition) (json.RawMessage, error) {
	switch t.Type {
	case TaskAgentCall:
		return e.runAgentCall(ctx, exec, t)
	case TaskHTTPCall:
		return e.runHTTPCall(ctx, t)
	case TaskWebhook:
		return e.runWebhook(ctx, t)
	default:
		return nil, fmt.Errorf("unsupported task type %q", t.Type)
	}
}

func (e *WorkflowEngine) runAgentCall(ctx context.Context, exec *WorkflowExecution, t TaskDefinition) (json.RawMessage, error) {
	model := ""
	for _, a := range e.agents.Agents() {
		if a.AgentID == t.AgentID {
			model = a.Model
			break
		}
	}
	e.execMu.Lock()
	ctxSnapshot := make(map[string]any, len(exec.Context))
	for k, v := range exec.Context {
		ctxSnapshot[k] = v
	}
	e.execMu.Unlock()
	prompt := interpolate(t.PromptTemplate, ctxSnapshot)
	req := Request{
		RequestID: exec.ExecutionID + "/" + t.ID,
		ProjectID: exec.DefinitionID,
		Prompt:    prompt,
	}
	result, cost, err := e.invoker.Invoke(ctx, t.AgentID, model, req)
	if err != nil {
		return nil, err
	}
	e.execMu.Lock()
	exec.TotalCostUSD += cost
	e.execMu.Unlock()
	return json.RawMessage(strconv.Quote(result.Content)), nil
}

func (e *WorkflowEngine) runHTTPCall(ctx context.Context, t TaskDefinition) (json.RawMessage, error) {
	respBytes, status, err := e.doHTTP(ctx, t)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, &BackendError{Status: status, Message: "http_call upstream error"}
	}
	if status >= 400 {
		return nil, &BackendError{Status: status, Message: "http_call client error"}
	}
	return json.RawMessage(strconv.Quote(string(respBytes))), nil
}

func (e *WorkflowEngine) runWebhook(ctx context.Context, t TaskDefinition) (json.RawMessage, error) {
	// Fire-and-forget: issue the request but do not fail the task on a
	// non-2xx response or on transport error beyond logging.
	go func() {
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, _, err := e.doHTTP(bgCtx, t); err != nil {
			log.Printf(" [workflow] webhook %s: %v", t.ID, err)
		}
	}()
	return json.RawMessage(`"dispatched"`), nil
}

func (e *WorkflowEngine) doHTTP(ctx context.Context, t TaskDefinition) ([]byte, int, error) {
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.URL, bytes.NewBufferString(t.Body))
	if err != nil {
		return nil, 0, err
	}
	for k, v := range t.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := e.http.Do(httpReq)
	if err != nil {
		return nil, 0, &BackendError{Connection: true, Message: err.Error()}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return data, resp.StatusCode, nil
}

// runConditional evaluates t.Expression against exec.Context and returns
// the chosen branch's task ID (NextIfTrue/NextIfFalse), or "" if neither
// is configured for the outcome.
func (e *WorkflowEngine) runConditional(ctx context.Context, exec *WorkflowExecution, t TaskDefinition) string {
	start := NowUnix()
	result, err := evalExpr(t.Expression, exec.Context)
	if err != nil {
		e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: TaskFailed, Error: err.Error(), StartedAt: start, EndedAt: NowUnix()})
		return ""
	}
	e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: TaskSuccess, Output: json.RawMessage(strconv.FormatBool(result)), StartedAt: start, EndedAt: NowUnix()})
	if result {
		return t.NextIfTrue
	}
	return t.NextIfFalse
}

// runParallel executes t.Children concurrently; the enclosing task
// completes when all children terminate. Parallel children do not
// implicitly abort siblings on one failure; each is independently
// governed by its own skip_on_error.
func (e *WorkflowEngine) runParallel(ctx context.Context, exec *WorkflowExecution, t TaskDefinition) bool {
	start := NowUnix()
	e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: TaskRunning, StartedAt: start})

	type childResult struct {
		failed bool
	}
	done := make(chan childResult, len(t.Children))
	for _, child := range t.Children {
		child := child
		go func() {
			failed := e.runOne(ctx, exec, child)
			done <- childResult{failed: failed}
		}()
	}

	anyFailed := false
	for range t.Children {
		r := <-done
		if r.failed {
			anyFailed = true
		}
	}

	status := TaskSuccess
	if anyFailed {
		status = TaskFailed
	}
	e.recordTask(ctx, exec, t.ID, TaskExecution{TaskID: t.ID, Status: status, StartedAt: start, EndedAt: NowUnix()})
	return anyFailed
}

func (e *WorkflowEngine) recordTask(ctx context.Context, exec *WorkflowExecution, taskID string, te TaskExecution) {
	e.execMu.Lock()
	exec.TaskExecutions[taskID] = te
	e.execMu.Unlock()
	if err := e.persist(ctx, exec); err != nil {
		log.Printf(" [workflow] persist %s/%s: %v", exec.ExecutionID, taskID, err)
	}
}

// interpolate replaces {{key}} placeholders in template with string values
// from ctx. Unrecognized keys are left verbatim (no arbitrary code
// execution, matching the conditional expression language's restriction).
func interpolate(template string, ctx map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	out := template
	for k, v := range ctx {
		placeholder := "{{" + k + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// expressionOperators lists comparison operators in parsing precedence
// order (longer/more-specific operators first so "!=" isn't mis-split by
// "=").
var expressionOperators = []string{"!=", "==", ">=", "<=", ">", "<", "contains"}

// evalExpr evaluates a restricted expression of the form
// "<key-or-literal> <op> <key-or-literal>" against ctx, resolving bare
// identifiers as context keys before comparing.
func evalExpr(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty expression")
	}
	for _, part := range strings.Split(expr, "&&") {
		ok, err := evalSingle(part, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalSingle(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range expressionOperators {
		idx := strings.Index(expr, op)
		if idx == -1 {
			continue
		}
		left := resolveOperand(strings.TrimSpace(expr[:idx]), ctx)
		right := resolveOperand(strings.TrimSpace(expr[idx+len(op):]), ctx)
		return compareOperands(left, right, op), nil
	}
	return false, fmt.Errorf("expression: no operator found in %q", expr)
}

func resolveOperand(s string, ctx map[string]any) string {
	s = strings.Trim(s, `"'`)
	if v, ok := ctx[s]; ok {
		return fmt.Sprintf("%v", v)
	}
	return s
}

func compareOperands(left, right, op string) bool {
	if op == "contains" {
		return strings.Contains(left, right)
	}
	lf, lErr := strconv.ParseFloat(left, 64)
	rf, rErr := strconv.ParseFloat(right, 64)
	if lErr == nil && rErr == nil {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case ">":
		return left > right
	case "<":
		return left < right
	case ">=":
		return left >= right
	case "<=":
		return left <= right
	default:
		return false
	}
}
