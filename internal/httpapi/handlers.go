package httpapi

import (
	"net/http"
	"runtime"
	"strings"
	"syscall"

	"github.com/kestrel-labs/gatekeeper"
)

// --- POST /api/chat ---

type chatRequest struct {
	Content    string   `json:"content"`
	AgentID    string   `json:"agent_id,omitempty"`
	ProjectID  string   `json:"project_id,omitempty"`
	SessionKey string   `json:"session_key,omitempty"`
	History    []string `json:"conversation_history,omitempty"`
}

type chatResponse struct {
	Agent      string           `json:"agent"`
	Response   string           `json:"response"`
	Tokens     gatekeeper.Usage `json:"tokens"`
	SessionKey string           `json:"session_key"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBodyFor(gatekeeper.KindInvalidInput, "method not allowed"))
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, errorBodyFor(gatekeeper.KindInvalidInput, "content is required"))
		return
	}
	if req.SessionKey == "" {
		req.SessionKey = gatekeeper.NewID()
	}

	dreq := gatekeeper.Request{
		RequestID:           gatekeeper.NewID(),
		ProjectID:           req.ProjectID,
		SessionKey:          req.SessionKey,
		Prompt:              req.Content,
		ConversationHistory: req.History,
		AgentHint:           req.AgentID,
	}
	outcome, err := s.dispatcher.Dispatch(r.Context(), dreq)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if outcome.Result == nil {
		writeJSON(w, http.StatusInternalServerError, errorBodyFor(gatekeeper.KindInternal, "dispatch produced no result"))
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Agent:      outcome.Result.AgentID,
		Response:   outcome.Result.Content,
		Tokens:     outcome.Result.Tokens,
		SessionKey: req.SessionKey,
	})
}

// --- POST /api/route ---

type routeRequest struct {
	Query      string `json:"query"`
	SessionKey string `json:"session_key,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBodyFor(gatekeeper.KindInvalidInput, "method not allowed"))
		return
	}
	var req routeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision, err := s.router.Route(req.SessionKey, req.Query, nil)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- POST /api/workflows/execute ---

type workflowExecuteRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Context    map[string]any `json:"context,omitempty"`
}

type workflowExecuteResponse struct {
	ExecutionID string                     `json:"execution_id"`
	Status      gatekeeper.ExecutionStatus `json:"status"`
}

func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBodyFor(gatekeeper.KindInvalidInput, "method not allowed"))
		return
	}
	var req workflowExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		writeJSON(w, http.StatusBadRequest, errorBodyFor(gatekeeper.KindInvalidInput, "workflow_id is required"))
		return
	}
	exec, err := s.workflows.Execute(r.Context(), req.WorkflowID, req.Context)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowExecuteResponse{ExecutionID: exec.ExecutionID, Status: exec.Status})
}

// --- GET /api/workflows/{id}/status, GET .../logs, DELETE /api/workflows/{id} ---

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/workflows/")
	if tail == "" {
		writeJSON(w, http.StatusNotFound, errorBodyFor(gatekeeper.KindInvalidInput, "missing execution id"))
		return
	}
	parts := strings.SplitN(tail, "/", 2)
	id := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.workflowStatus(w, r, id)
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		s.workflowLogs(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.workflowCancel(w, r, id)
	default:
		writeJSON(w, http.StatusNotFound, errorBodyFor(gatekeeper.KindInvalidInput, "unknown workflow route"))
	}
}

func (s *Server) workflowStatus(w http.ResponseWriter, r *http.Request, id string) {
	exec, err := s.workflows.Status(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// workflowLogs returns a newline-delimited tail of the narrative log lines
// recorded for this execution id (a substring match against the bounded
// in-memory ring; the durable record is the WorkflowExecution JSON itself,
// not a separate per-execution log file).
func (s *Server) workflowLogs(w http.ResponseWriter, r *http.Request, id string) {
	s.mu.Lock()
	var matched []string
	for _, line := range s.logLines {
		if strings.Contains(line, id) {
			matched = append(matched, line)
		}
	}
	s.mu.Unlock()

	w.Header()["Content-Type"] = []string{"text/plain; charset=utf-8"}
	w.WriteHeader(http.StatusOK)
	for _, line := range matched {
		w.Write([]byte(line))
		w.Write([]byte("\n"))
	}
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) workflowCancel(w http.ResponseWriter, r *http.Request, id string) {
	cancelled, err := s.workflows.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: cancelled})
}

// --- GET /api/health/detailed ---

type healthDetailed struct {
	Breakers  []gatekeeper.CircuitSnapshot `json:"circuit_breakers"`
	Activity  []gatekeeper.AgentActivity   `json:"activity"`
	Memory    memStatus                    `json:"memory"`
	Disk      *diskStatus                  `json:"disk,omitempty"`
	Timestamp int64                        `json:"timestamp"`
}

type memStatus struct {
	AllocBytes uint64 `json:"alloc_bytes"`
	SysBytes   uint64 `json:"sys_bytes"`
	Goroutines int    `json:"goroutines"`
}

type diskStatus struct {
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	h := healthDetailed{Timestamp: gatekeeper.NowUnix()}
	if s.breaker != nil {
		h.Breakers = s.breaker.GetAllStates()
	}
	if s.heartbeat != nil {
		h.Activity = s.heartbeat.Snapshot()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.Memory = memStatus{AllocBytes: ms.Alloc, SysBytes: ms.Sys, Goroutines: runtime.NumGoroutine()}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(".", &fs); err == nil {
		h.Disk = &diskStatus{
			FreeBytes:  uint64(fs.Bavail) * uint64(fs.Bsize),
			TotalBytes: uint64(fs.Blocks) * uint64(fs.Bsize),
		}
	}
	writeJSON(w, http.StatusOK, h)
}

// --- GET /api/health/circuit-breakers ---

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBodyFor(gatekeeper.KindInternal, "circuit breaker not configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.breaker.GetAllStates())
}

// --- POST /api/health/circuit-breakers/{agent}/reset ---

func (s *Server) handleCircuitBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBodyFor(gatekeeper.KindInvalidInput, "method not allowed"))
		return
	}
	tail := pathTail(r.URL.Path, "/api/health/circuit-breakers/")
	parts := strings.SplitN(tail, "/", 2)
	if len(parts) != 2 || parts[1] != "reset" || parts[0] == "" {
		writeJSON(w, http.StatusNotFound, errorBodyFor(gatekeeper.KindInvalidInput, "unknown circuit-breaker route"))
		return
	}
	if s.breaker == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBodyFor(gatekeeper.KindInternal, "circuit breaker not configured"))
		return
	}
	s.breaker.Reset(parts[0])
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": parts[0], "state": gatekeeper.StateClosed.String()})
}

// --- GET /api/health/alerts?limit=N ---

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, []gatekeeper.Alert{})
		return
	}
	limit := queryInt(r, "limit", 50)
	alerts, err := s.alerts.RecentAlerts(r.Context(), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// --- GET /api/quotas/status/{project} ---

type quotaStatusResponse struct {
	Budget *gatekeeper.BudgetStatus `json:"budget,omitempty"`
	Quota  *gatekeeper.QuotaStatus  `json:"quota,omitempty"`
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	projectID := pathTail(r.URL.Path, "/api/quotas/status/")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, errorBodyFor(gatekeeper.KindInvalidInput, "project id is required"))
		return
	}
	var resp quotaStatusResponse
	if s.budget != nil {
		b := s.budget.Status(r.Context(), projectID)
		resp.Budget = &b
	}
	if s.quota != nil {
		q := s.quota.Status(projectID)
		resp.Quota = &q
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /api/costs/summary ---

type costSummary struct {
	ByProject map[string]float64 `json:"by_project"`
	ByAgent   map[string]float64 `json:"by_agent"`
	ByModel   map[string]float64 `json:"by_model"`
	Total     float64            `json:"total"`
}

func (s *Server) handleCostsSummary(w http.ResponseWriter, r *http.Request) {
	if s.costs == nil {
		writeJSON(w, http.StatusOK, costSummary{ByProject: map[string]float64{}, ByAgent: map[string]float64{}, ByModel: map[string]float64{}})
		return
	}
	since := int64(queryInt(r, "since", 0))
	events, err := s.costs.Query(r.Context(), since, r.URL.Query().Get("project_id"), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	summary := costSummary{ByProject: map[string]float64{}, ByAgent: map[string]float64{}, ByModel: map[string]float64{}}
	for _, ev := range events {
		summary.ByProject[ev.ProjectID] += ev.CostUSD
		summary.ByAgent[ev.AgentID] += ev.CostUSD
		summary.ByModel[ev.Model] += ev.CostUSD
		summary.Total += ev.CostUSD
	}
	writeJSON(w, http.StatusOK, summary)
}
