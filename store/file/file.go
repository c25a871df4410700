// Package file implements gatekeeper.Store on plain files: append-only
// newline-delimited JSON for cost events and alerts, and one JSON document
// per workflow execution, replaced atomically via temp-file-then-rename.
// No external database required; suited to single-node deployments where
// the logs should stay greppable.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kestrel-labs/gatekeeper"
)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithFsync controls whether every append is flushed to stable storage
// before returning. Defaults to true; turning it off trades crash
// durability of the most recent records for append throughput.
func WithFsync(enabled bool) StoreOption {
	return func(s *Store) { s.fsync = enabled }
}

// Store implements gatekeeper.Store backed by local files.
type Store struct {
	costPath  string
	alertPath string
	execDir   string
	fsync     bool
	logger    *slog.Logger

	costMu  sync.Mutex
	alertMu sync.Mutex
	execMu  sync.Mutex

	costFile  *os.File
	alertFile *os.File
}

var _ gatekeeper.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store writing the cost log to costPath, the alert log to
// alertPath, and one JSON file per workflow execution under execDir.
func New(costPath, alertPath, execDir string, opts ...StoreOption) *Store {
	s := &Store{
		costPath:  costPath,
		alertPath: alertPath,
		execDir:   execDir,
		fsync:     true,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates parent directories and opens both append logs.
func (s *Store) Init(ctx context.Context) error {
	for _, dir := range []string{filepath.Dir(s.costPath), filepath.Dir(s.alertPath), s.execDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	var err error
	if s.costFile, err = openAppend(s.costPath); err != nil {
		return err
	}
	if s.alertFile, err = openAppend(s.alertPath); err != nil {
		s.costFile.Close()
		return err
	}
	s.logger.Debug("file store opened", "cost_log", s.costPath, "alert_log", s.alertPath, "exec_dir", s.execDir)
	return nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open append log %s: %w", path, err)
	}
	return f, nil
}

// AppendCostEvent appends one immutable record. The write mutex serializes
// concurrent appenders, so log order matches the order callers returned.
func (s *Store) AppendCostEvent(ctx context.Context, ev gatekeeper.CostEvent) error {
	s.costMu.Lock()
	defer s.costMu.Unlock()
	return s.appendLine(s.costFile, ev)
}

// QueryCostEvents returns events with Timestamp >= sinceUnix, optionally
// filtered by project and/or agent. The log is scanned line by line; a
// trailing partial line (torn write from a crash without fsync) is skipped.
func (s *Store) QueryCostEvents(ctx context.Context, sinceUnix int64, projectID, agentID string) ([]gatekeeper.CostEvent, error) {
	s.costMu.Lock()
	data, err := os.ReadFile(s.costPath)
	s.costMu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cost log: %w", err)
	}

	var out []gatekeeper.CostEvent
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var ev gatekeeper.CostEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Debug("skipping malformed cost log line", "error", err)
			continue
		}
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

// SaveWorkflowExecution atomically replaces the persisted record: the JSON
// document is written to a temp file in the same directory, synced, then
// renamed over the final path.
func (s *Store) SaveWorkflowExecution(ctx context.Context, exec gatekeeper.WorkflowExecution) error {
	payload, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow execution: %w", err)
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()

	final := s.execPath(exec.ExecutionID)
	tmp, err := os.CreateTemp(s.execDir, ".exec-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp execution file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write execution file: %w", err)
	}
	if s.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("sync execution file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close execution file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("replace execution file: %w", err)
	}
	return nil
}

// GetWorkflowExecution returns the persisted execution for id.
func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (gatekeeper.WorkflowExecution, error) {
	s.execMu.Lock()
	data, err := os.ReadFile(s.execPath(id))
	s.execMu.Unlock()
	if os.IsNotExist(err) {
		return gatekeeper.WorkflowExecution{}, fmt.Errorf("workflow execution %s: not found", id)
	}
	if err != nil {
		return gatekeeper.WorkflowExecution{}, fmt.Errorf("get workflow execution: %w", err)
	}
	var exec gatekeeper.WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return gatekeeper.WorkflowExecution{}, fmt.Errorf("unmarshal workflow execution: %w", err)
	}
	return exec, nil
}

// ListRunningExecutions returns every execution persisted with
// status == running, used by the crash-recovery scan at startup.
func (s *Store) ListRunningExecutions(ctx context.Context) ([]gatekeeper.WorkflowExecution, error) {
	s.execMu.Lock()
	entries, err := os.ReadDir(s.execDir)
	s.execMu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list executions: %w", err)
	}

	var out []gatekeeper.WorkflowExecution
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		exec, err := s.GetWorkflowExecution(ctx, id)
		if err != nil {
			s.logger.Debug("skipping unreadable execution file", "file", entry.Name(), "error", err)
			continue
		}
		if exec.Status == gatekeeper.ExecRunning {
			out = append(out, exec)
		}
	}
	return out, nil
}

// AppendAlert appends one alert to the durable log.
func (s *Store) AppendAlert(ctx context.Context, a gatekeeper.Alert) error {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	return s.appendLine(s.alertFile, a)
}

// RecentAlerts returns up to limit alerts, most recent first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]gatekeeper.Alert, error) {
	s.alertMu.Lock()
	data, err := os.ReadFile(s.alertPath)
	s.alertMu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read alert log: %w", err)
	}

	var all []gatekeeper.Alert
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var a gatekeeper.Alert
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			continue
		}
		all = append(all, a)
	}

	if limit > len(all) {
		limit = len(all)
	}
	out := make([]gatekeeper.Alert, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Close releases both append logs.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range []*os.File{s.costFile, s.alertFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) appendLine(f *os.File, v any) error {
	if f == nil {
		return fmt.Errorf("store not initialized")
	}
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync append log: %w", err)
		}
	}
	return nil
}

// execPath maps an execution id to its JSON file, flattening any path
// separators so a crafted id cannot escape execDir.
func (s *Store) execPath(id string) string {
	return filepath.Join(s.execDir, filepath.Base(id)+".json")
}
