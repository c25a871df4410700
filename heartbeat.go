package gatekeeper

import (
	"context"
	"log"
	"sync"
	"time"
)

// HeartbeatConfig configures the Heartbeat Monitor's scan cadence and
// staleness/timeout thresholds.
type HeartbeatConfig struct {
	CheckInterval time.Duration // default 30s
	StaleAfter    time.Duration // default 5m
	TimeoutAfter  time.Duration // default 30m
}

func defaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		CheckInterval: 30 * time.Second,
		StaleAfter:    5 * time.Minute,
		TimeoutAfter:  30 * time.Minute,
	}
}

// activityEntry is one in-flight invocation plus the bookkeeping the
// Heartbeat Monitor needs to emit at-most-one stale warning per episode.
type activityEntry struct {
	activity    AgentActivity
	staleWarned bool
	cancel      context.CancelFunc
}

// HeartbeatMonitor is a single periodic actor that scans AgentActivity
// entries for stale or orphaned invocations. A single stale agent cannot
// delay scans of others: the scan holds the lock only long enough to copy
// entries, then evaluates and emits alerts outside the critical section.
type HeartbeatMonitor struct {
	cfg     HeartbeatConfig
	onAlert func(Alert)

	mu      sync.Mutex
	entries map[string]*activityEntry // task_id -> entry
}

// NewHeartbeatMonitor constructs a HeartbeatMonitor. onAlert is called for
// every stale warning and timeout critical alert; it must not block.
func NewHeartbeatMonitor(cfg HeartbeatConfig, onAlert func(Alert)) *HeartbeatMonitor {
	d := defaultHeartbeatConfig()
	if cfg.CheckInterval > 0 {
		d.CheckInterval = cfg.CheckInterval
	}
	if cfg.StaleAfter > 0 {
		d.StaleAfter = cfg.StaleAfter
	}
	if cfg.TimeoutAfter > 0 {
		d.TimeoutAfter = cfg.TimeoutAfter
	}
	return &HeartbeatMonitor{cfg: d, onAlert: onAlert, entries: make(map[string]*activityEntry)}
}

// Register creates an AgentActivity entry for a new in-flight call. cancel
// is invoked if the monitor forcibly unregisters the entry on timeout.
// Timestamps are Unix milliseconds so sub-second thresholds compare cleanly.
func (m *HeartbeatMonitor) Register(agentID, taskID string, cancel context.CancelFunc) {
	now := NowUnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[taskID] = &activityEntry{
		activity: AgentActivity{
			AgentID:        agentID,
			TaskID:         taskID,
			StartedAt:      now,
			LastActivityAt: now,
			State:          ActivityRunning,
		},
		cancel: cancel,
	}
}

// Touch refreshes last_activity_at for taskID; called by the Retry
// Executor's AttemptHook between attempts. A no-op if the entry is gone
// (already unregistered), which is what makes double-unregistration safe.
func (m *HeartbeatMonitor) Touch(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[taskID]; ok {
		e.activity.LastActivityAt = NowUnixMilli()
		e.activity.State = ActivityRunning
	}
}

// Unregister removes taskID's entry. Idempotent.
func (m *HeartbeatMonitor) Unregister(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
}

// Snapshot returns a copy of every tracked AgentActivity, for the operator
// status surface.
func (m *HeartbeatMonitor) Snapshot() []AgentActivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentActivity, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.activity)
	}
	return out
}

// Run starts the periodic scan loop; it blocks until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	log.Println(" [heartbeat] monitor started")
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println(" [heartbeat] monitor stopped")
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

// scan evaluates every tracked entry against the stale/timeout thresholds.
// Copies entries under lock, then evaluates and mutates warn-flags/removes
// timed-out entries without holding the lock across alert delivery, so one
// slow onAlert callback cannot delay the scan of other agents.
func (m *HeartbeatMonitor) scan() {
	now := NowUnixMilli()

	m.mu.Lock()
	taskIDs := make([]string, 0, len(m.entries))
	for id := range m.entries {
		taskIDs = append(taskIDs, id)
	}
	m.mu.Unlock()

	for _, taskID := range taskIDs {
		m.mu.Lock()
		e, ok := m.entries[taskID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		act := e.activity
		alreadyWarned := e.staleWarned
		m.mu.Unlock()

		if now-act.StartedAt >= m.cfg.TimeoutAfter.Milliseconds() {
			m.mu.Lock()
			delete(m.entries, taskID)
			cancel := e.cancel
			m.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			m.emit(Alert{
				Level:     AlertCritical,
				Component: "heartbeat",
				Message:   "activity timed out, forcibly unregistered",
				Details:   map[string]any{"agent_id": act.AgentID, "task_id": taskID},
				Timestamp: NowUnix(),
			})
			continue
		}

		stale := now-act.LastActivityAt >= m.cfg.StaleAfter.Milliseconds()
		if stale && !alreadyWarned {
			m.mu.Lock()
			if e, ok := m.entries[taskID]; ok {
				e.staleWarned = true
			}
			m.mu.Unlock()
			m.emit(Alert{
				Level:     AlertWarning,
				Component: "heartbeat",
				Message:   "activity stale",
				Details:   map[string]any{"agent_id": act.AgentID, "task_id": taskID},
				Timestamp: NowUnix(),
			})
		} else if !stale && alreadyWarned {
			// Activity resumed; allow a fresh warning if it goes stale again.
			m.mu.Lock()
			if e, ok := m.entries[taskID]; ok {
				e.staleWarned = false
			}
			m.mu.Unlock()
		}
	}
}

func (m *HeartbeatMonitor) emit(a Alert) {
	if m.onAlert != nil {
		m.onAlert(a)
	}
}
