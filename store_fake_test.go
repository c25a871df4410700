package gatekeeper

import (
	"context"
	"sync"
)

// fakeStore is a minimal in-memory Store for exercising the Cost Ledger,
// Budget Gate, and Workflow Engine without a real database.
type fakeStore struct {
	mu         sync.Mutex
	costEvents []CostEvent
	executions map[string]WorkflowExecution
	alerts     []Alert
}

func newFakeStore() *fakeStore {
	return &fakeStore{executions: make(map[string]WorkflowExecution)}
}

func (s *fakeStore) AppendCostEvent(ctx context.Context, ev CostEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costEvents = append(s.costEvents, ev)
	return nil
}

func (s *fakeStore) QueryCostEvents(ctx context.Context, sinceUnix int64, projectID, agentID string) ([]CostEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CostEvent
	for _, ev := range s.costEvents {
		if ev.Timestamp < sinceUnix {
			continue
		}
		if projectID != "" && ev.ProjectID != projectID {
			continue
		}
		if agentID != "" && ev.AgentID != agentID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *fakeStore) SaveWorkflowExecution(ctx context.Context, exec WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ExecutionID] = exec
	return nil
}

func (s *fakeStore) GetWorkflowExecution(ctx context.Context, id string) (WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return WorkflowExecution{}, newDispatchError(KindInvalidInput, "execution not found", nil)
	}
	return e, nil
}

func (s *fakeStore) ListRunningExecutions(ctx context.Context) ([]WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WorkflowExecution
	for _, e := range s.executions {
		if e.Status == ExecRunning {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendAlert(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *fakeStore) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.alerts) {
		limit = len(s.alerts)
	}
	return append([]Alert(nil), s.alerts[len(s.alerts)-limit:]...), nil
}

func (s *fakeStore) Init(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

var _ Store = (*fakeStore)(nil)
