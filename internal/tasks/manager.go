// Package tasks runs the long-lived maintenance jobs one at a time.
// The media server and the SQLite writer both dislike concurrent bulk
// work, so a single execution slot is a feature, not a limitation:
// submitting while busy is refused, never queued.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/progress"
)

// RunFunc is one task body. It reports through rc and honors ctx.
type RunFunc func(ctx context.Context, rc *RunContext) error

// Definition describes a runnable task.
type Definition struct {
	Key         string                `json:"key"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Type        progress.ActivityType `json:"type"`
	Run         RunFunc               `json:"-"`
}

// Status is the manager's externally visible state.
type Status struct {
	Running    bool       `json:"running"`
	Key        string     `json:"key,omitempty"`
	Name       string     `json:"name,omitempty"`
	Progress   int        `json:"progress"` // -1 indeterminate
	Message    string     `json:"message,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	RecentLogs []string   `json:"recentLogs"`
}

const recentLogLimit = 200

type runState struct {
	def       Definition
	args      map[string]any
	cancel    context.CancelFunc
	progress  int
	message   string
	startedAt time.Time
}

// Manager owns the execution slot and the recent-log ring.
type Manager struct {
	mu       sync.Mutex
	defs     map[string]Definition
	order    []string
	current  *runState
	recent   []string
	reporter *progress.Manager
	logger   zerolog.Logger
}

// NewManager creates a task manager broadcasting through reporter.
func NewManager(reporter *progress.Manager, logger zerolog.Logger) *Manager {
	return &Manager{
		defs:     make(map[string]Definition),
		reporter: reporter,
		logger:   logger.With().Str("component", "tasks").Logger(),
	}
}

// Register adds a task definition. Keys must be unique.
func (m *Manager) Register(def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.defs[def.Key]; exists {
		return fmt.Errorf("task %q already registered", def.Key)
	}
	m.defs[def.Key] = def
	m.order = append(m.order, def.Key)
	return nil
}

// Definitions lists registered tasks in registration order.
func (m *Manager) Definitions() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.defs[key])
	}
	return out
}

// Submit starts the task if the slot is free. The bool reports whether
// the task was accepted; false means another task is running.
func (m *Manager) Submit(key string) (bool, error) {
	return m.SubmitArgs(key, nil)
}

// SubmitArgs starts the task with per-run arguments, e.g. the single
// collection or subscription a handler wants refreshed.
func (m *Manager) SubmitArgs(key string, args map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.defs[key]
	if !ok {
		return false, fmt.Errorf("unknown task %q", key)
	}
	if m.current != nil {
		m.logger.Info().Str("task", key).Str("running", m.current.def.Key).Msg("task slot busy, refusing submit")
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.current = &runState{
		def:       def,
		args:      args,
		cancel:    cancel,
		progress:  -1,
		startedAt: time.Now(),
	}
	m.appendLogLocked(fmt.Sprintf("任务开始: %s", def.Name))

	if m.reporter != nil {
		m.reporter.StartActivity(def.Key, def.Type, def.Name)
	}

	go m.run(ctx, def, args)
	return true, nil
}

func (m *Manager) run(ctx context.Context, def Definition, args map[string]any) {
	rc := &RunContext{manager: m, key: def.Key, args: args}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return def.Run(ctx, rc)
	}()

	m.mu.Lock()
	cancelled := ctx.Err() != nil
	elapsed := time.Since(m.current.startedAt)
	switch {
	case err != nil && !cancelled:
		m.appendLogLocked(fmt.Sprintf("任务失败: %s: %v", def.Name, err))
		m.logger.Error().Err(err).Str("task", def.Key).Msg("task failed")
	case cancelled:
		m.appendLogLocked(fmt.Sprintf("任务已停止: %s", def.Name))
		m.logger.Info().Str("task", def.Key).Msg("task cancelled")
	default:
		m.appendLogLocked(fmt.Sprintf("任务完成: %s", def.Name))
		m.logger.Info().Str("task", def.Key).Dur("elapsed", elapsed).Msg("task finished")
	}
	m.current.cancel()
	m.current = nil
	m.mu.Unlock()

	if m.reporter != nil {
		switch {
		case err != nil && !cancelled:
			m.reporter.FailActivity(def.Key, err.Error())
		case cancelled:
			m.reporter.CancelActivity(def.Key)
		default:
			m.reporter.CompleteActivity(def.Key, "完成")
		}
	}
}

// Stop cancels the running task. Returns false when idle.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	m.current.cancel()
	return true
}

// Status snapshots the slot and the recent log lines.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs := make([]string, len(m.recent))
	copy(logs, m.recent)

	if m.current == nil {
		return Status{Progress: -1, RecentLogs: logs}
	}
	started := m.current.startedAt
	return Status{
		Running:    true,
		Key:        m.current.def.Key,
		Name:       m.current.def.Name,
		Progress:   m.current.progress,
		Message:    m.current.message,
		StartedAt:  &started,
		RecentLogs: logs,
	}
}

func (m *Manager) appendLogLocked(line string) {
	stamped := time.Now().Format("15:04:05") + " " + line
	m.recent = append(m.recent, stamped)
	if len(m.recent) > recentLogLimit {
		m.recent = m.recent[len(m.recent)-recentLogLimit:]
	}
	if m.reporter != nil {
		key := ""
		if m.current != nil {
			key = m.current.def.Key
		}
		m.reporter.Log(key, stamped)
	}
}

// RunContext is handed to task bodies for reporting.
type RunContext struct {
	manager *Manager
	key     string
	args    map[string]any
}

// Args returns the per-run arguments this task was submitted with.
func (rc *RunContext) Args() map[string]any {
	return rc.args
}

// IntArg fetches a numeric argument, tolerating JSON's float64.
func (rc *RunContext) IntArg(key string) (int64, bool) {
	switch v := rc.args[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// StringArg fetches a string argument.
func (rc *RunContext) StringArg(key string) (string, bool) {
	v, ok := rc.args[key].(string)
	return v, ok
}

// SetProgress updates the slot's percentage (-1 for indeterminate) and
// status message.
func (rc *RunContext) SetProgress(pct int, message string) {
	m := rc.manager
	m.mu.Lock()
	if m.current != nil && m.current.def.Key == rc.key {
		m.current.progress = pct
		m.current.message = message
	}
	m.mu.Unlock()

	if m.reporter != nil {
		m.reporter.UpdateActivity(rc.key, message, pct)
	}
}

// Logf appends a formatted line to the recent log ring.
func (rc *RunContext) Logf(format string, args ...any) {
	m := rc.manager
	m.mu.Lock()
	m.appendLogLocked(fmt.Sprintf(format, args...))
	m.mu.Unlock()
}
