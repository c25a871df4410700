// Package httpapi exposes the control plane's external HTTP surface: chat
// dispatch, routing, workflow control, and the health/cost/quota status
// endpoints. It only marshals requests into Dispatcher calls and results
// into the documented JSON shapes; it carries no control-plane logic.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-labs/gatekeeper"
)

// AlertSource is the read-only alert log view the health endpoints need.
type AlertSource interface {
	RecentAlerts(ctx context.Context, limit int) ([]gatekeeper.Alert, error)
}

// CostSource is the read-only cost query view the cost endpoint needs.
type CostSource interface {
	Query(ctx context.Context, sinceUnix int64, projectID, agentID string) ([]gatekeeper.CostEvent, error)
}

// Server wires the Dispatcher, Router, Workflow Engine, Circuit Breaker,
// Heartbeat Monitor, and the read-only Alert/Cost views behind plain
// net/http handlers. Route dispatch is a single http.ServeMux with prefix
// matching done by hand where a path segment varies ({id}, {agent}); a
// dozen fixed routes don't need a router framework.
type Server struct {
	dispatcher *gatekeeper.Dispatcher
	router     *gatekeeper.Router
	workflows  *gatekeeper.WorkflowEngine
	breaker    *gatekeeper.CircuitBreaker
	heartbeat  *gatekeeper.HeartbeatMonitor
	budget     *gatekeeper.BudgetGate
	quota      *gatekeeper.QuotaGate
	alerts     AlertSource
	costs      CostSource

	authToken string

	mu       sync.Mutex
	logLines []string // most-recent-last ring of narrative log lines for the log-tail endpoint
}

// Deps bundles the collaborators New requires. Dispatcher, Router and
// Workflows are called without a nil check and must be set. A nil Breaker
// makes the circuit-breaker endpoints return 503; a nil Heartbeat, Budget,
// Quota, Alerts or Costs leaves that part of its endpoint's response empty.
type Deps struct {
	Dispatcher *gatekeeper.Dispatcher
	Router     *gatekeeper.Router
	Workflows  *gatekeeper.WorkflowEngine
	Breaker    *gatekeeper.CircuitBreaker
	Heartbeat  *gatekeeper.HeartbeatMonitor
	Budget     *gatekeeper.BudgetGate
	Quota      *gatekeeper.QuotaGate
	Alerts     AlertSource
	Costs      CostSource
	AuthToken  string
}

// New constructs a Server. Pass the result's Handler to http.Server.
func New(deps Deps) *Server {
	return &Server{
		dispatcher: deps.Dispatcher,
		router:     deps.Router,
		workflows:  deps.Workflows,
		breaker:    deps.Breaker,
		heartbeat:  deps.Heartbeat,
		budget:     deps.Budget,
		quota:      deps.Quota,
		alerts:     deps.Alerts,
		costs:      deps.Costs,
		authToken:  deps.AuthToken,
	}
}

// Handler returns the mux with auth middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/route", s.handleRoute)
	mux.HandleFunc("/api/workflows/execute", s.handleWorkflowExecute)
	mux.HandleFunc("/api/workflows/", s.handleWorkflowByID) // status, logs, cancel
	mux.HandleFunc("/api/health/detailed", s.handleHealthDetailed)
	mux.HandleFunc("/api/health/circuit-breakers", s.handleCircuitBreakers)
	mux.HandleFunc("/api/health/circuit-breakers/", s.handleCircuitBreakerReset)
	mux.HandleFunc("/api/health/alerts", s.handleAlerts)
	mux.HandleFunc("/api/quotas/status/", s.handleQuotaStatus)
	mux.HandleFunc("/api/costs/summary", s.handleCostsSummary)

	return s.withAuth(s.withNarrativeLog(mux))
}

// withAuth rejects requests without a matching bearer token. Disabled
// (all requests admitted) when no token is configured, matching a local
// dev / test deployment with auth delegated to a fronting proxy.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != s.authToken {
			writeJSON(w, http.StatusUnauthorized, errorBodyFor(gatekeeper.KindAuthError, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withNarrativeLog records a bounded tail of request lines for the
// workflow log-tail endpoint and stderr, mirroring the Dispatcher's own
// " [dispatch] stage=..." tagged style.
func (s *Server) withNarrativeLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		line := " [httpapi] " + r.Method + " " + r.URL.Path + " " + time.Since(start).String()
		log.Print(line)
		s.mu.Lock()
		s.logLines = append(s.logLines, line)
		if len(s.logLines) > 500 {
			s.logLines = s.logLines[len(s.logLines)-500:]
		}
		s.mu.Unlock()
	})
}

// --- request/response plumbing ---

const maxRequestBody = 1 << 20 // 1 MiB

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBodyFor(gatekeeper.KindInvalidInput, "request body too large or unreadable"))
		return false
	}
	if buf.Len() == 0 {
		return true
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBodyFor(gatekeeper.KindInvalidInput, "malformed JSON body"))
		return false
	}
	return true
}

var jsonContentType = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf(" [httpapi] encode error: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header()["Content-Type"] = jsonContentType
	w.WriteHeader(status)
	w.Write(data)
}

// errorBody is the shape every non-2xx JSON response carries: error.kind,
// error.message, and (for BudgetReject/QuotaReject) the numeric fields the
// external interface documents. No stack traces or internal paths.
type errorBody struct {
	ErrorInfo errorInfo `json:"error"`
}

type errorInfo struct {
	Kind            string  `json:"kind"`
	Message         string  `json:"message"`
	Gate            string  `json:"gate,omitempty"`
	CurrentSpend    float64 `json:"current_spend,omitempty"`
	Limit           float64 `json:"limit,omitempty"`
	RemainingBudget float64 `json:"remaining_budget,omitempty"`
}

func errorBodyFor(kind gatekeeper.ErrorKind, msg string) errorBody {
	return errorBody{ErrorInfo: errorInfo{Kind: kind.String(), Message: msg}}
}

// writeErr classifies err via statusForKind and writes the sanitized JSON body.
// The full error (including any wrapped cause) is logged server-side only.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ge *gatekeeper.GateError
	if errors.As(err, &ge) {
		status := statusForKind(ge.Kind)
		log.Printf(" [httpapi] %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, errorBody{ErrorInfo: errorInfo{
			Kind: ge.Kind.String(), Message: ge.Detail, Gate: ge.Gate,
			CurrentSpend: ge.CurrentSpend, Limit: ge.Limit, RemainingBudget: ge.RemainingBudget,
		}})
		return
	}
	var de *gatekeeper.DispatchError
	if errors.As(err, &de) {
		log.Printf(" [httpapi] %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, statusForKind(de.Kind), errorBodyFor(de.Kind, de.Message))
		return
	}
	log.Printf(" [httpapi] %s %s: unclassified error: %v", r.Method, r.URL.Path, err)
	writeJSON(w, http.StatusInternalServerError, errorBodyFor(gatekeeper.KindInternal, "internal error"))
}

// statusForKind maps the closed ErrorKind taxonomy to status codes: 402
// for budget (distinguishable from other refusals), 429 for quota/rate,
// 503 for circuit-open/no-agent, 504 for timeout, 401 for auth, 400 for
// invalid input, 499 for cancelled, and 500 for every other kind.
func statusForKind(kind gatekeeper.ErrorKind) int {
	switch kind {
	case gatekeeper.KindBudgetReject:
		return http.StatusPaymentRequired
	case gatekeeper.KindQuotaReject, gatekeeper.KindRateLimit:
		return http.StatusTooManyRequests
	case gatekeeper.KindCircuitOpen, gatekeeper.KindNoAgentAvailable:
		return http.StatusServiceUnavailable
	case gatekeeper.KindTimeout:
		return http.StatusGatewayTimeout
	case gatekeeper.KindAuthError:
		return http.StatusUnauthorized
	case gatekeeper.KindInvalidInput:
		return http.StatusBadRequest
	case gatekeeper.KindCancelled:
		return 499 // client closed request, nginx convention; no stdlib constant
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// pathTail returns the path segment(s) after prefix, trimmed of slashes.
func pathTail(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}
