// Package progress broadcasts task progress events to connected
// WebSocket clients. Every long-running job (library scans, identity
// enrichment, collection refreshes) reports through one Manager so the
// UI has a single activity feed.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castflow/castflow/internal/websocket"
)

// ActivityType identifies the kind of activity being tracked.
type ActivityType string

const (
	ActivityTypeScan        ActivityType = "scan"
	ActivityTypeEnrichment  ActivityType = "enrichment"
	ActivityTypeRebuild     ActivityType = "rebuild"
	ActivityTypeCollections ActivityType = "collections"
	ActivityTypeMaintenance ActivityType = "maintenance"
)

// Status represents the current state of an activity.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Activity represents a trackable activity with progress.
type Activity struct {
	ID          string                 `json:"id"`
	Type        ActivityType           `json:"type"`
	Title       string                 `json:"title"`
	Subtitle    string                 `json:"subtitle"`
	Progress    int                    `json:"progress"` // 0-100, -1 for indeterminate
	Status      Status                 `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// EventType identifies the type of progress event.
type EventType string

const (
	EventTypeStarted   EventType = "progress:started"
	EventTypeUpdate    EventType = "progress:update"
	EventTypeLog       EventType = "progress:log"
	EventTypeCompleted EventType = "progress:completed"
	EventTypeError     EventType = "progress:error"
	EventTypeCancelled EventType = "progress:cancelled"
)

// Manager tracks and broadcasts progress for all activities.
type Manager struct {
	hub        *websocket.Hub
	activities map[string]*Activity
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewManager creates a new progress manager. hub may be nil, which
// keeps tracking local (tests, CLI runs).
func NewManager(hub *websocket.Hub, logger zerolog.Logger) *Manager {
	return &Manager{
		hub:        hub,
		activities: make(map[string]*Activity),
		logger:     logger.With().Str("component", "progress").Logger(),
	}
}

// StartActivity creates and starts tracking a new activity.
func (m *Manager) StartActivity(id string, activityType ActivityType, title string) *Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	activity := &Activity{
		ID:        id,
		Type:      activityType,
		Title:     title,
		Progress:  -1,
		Status:    StatusInProgress,
		StartedAt: time.Now(),
		Metadata:  make(map[string]interface{}),
	}

	m.activities[id] = activity
	m.broadcast(EventTypeStarted, activity)
	return activity
}

// UpdateActivity updates an existing activity's progress.
func (m *Manager) UpdateActivity(id string, subtitle string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	activity, exists := m.activities[id]
	if !exists {
		return
	}

	activity.Subtitle = subtitle
	activity.Progress = progress

	m.broadcast(EventTypeUpdate, activity)
}

// Log pushes a free-form log line for an activity to the feed without
// touching the progress bar.
func (m *Manager) Log(id string, line string) {
	if m.hub == nil {
		return
	}
	m.hub.Broadcast(string(EventTypeLog), map[string]string{
		"id":   id,
		"line": line,
	})
}

// CompleteActivity marks an activity as completed.
func (m *Manager) CompleteActivity(id string, subtitle string) {
	m.finish(id, StatusCompleted, subtitle, EventTypeCompleted, 5*time.Second)
}

// FailActivity marks an activity as failed.
func (m *Manager) FailActivity(id string, errorMsg string) {
	m.finish(id, StatusFailed, errorMsg, EventTypeError, 10*time.Second)
}

// CancelActivity marks an activity as cancelled.
func (m *Manager) CancelActivity(id string) {
	m.finish(id, StatusCancelled, "已取消", EventTypeCancelled, 0)
}

func (m *Manager) finish(id string, status Status, subtitle string, event EventType, linger time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	activity, exists := m.activities[id]
	if !exists {
		return
	}

	now := time.Now()
	activity.Status = status
	activity.Subtitle = subtitle
	activity.CompletedAt = &now
	if status == StatusCompleted {
		activity.Progress = 100
	}
	if status == StatusFailed {
		activity.Metadata["error"] = subtitle
	}

	m.broadcast(event, activity)

	if linger == 0 {
		delete(m.activities, id)
		return
	}
	// Keep the terminal state visible briefly; the UI handles display
	// timeout on its side too.
	go func() {
		time.Sleep(linger)
		m.mu.Lock()
		delete(m.activities, id)
		m.mu.Unlock()
	}()
}

// GetActivity returns an activity by ID.
func (m *Manager) GetActivity(id string) *Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activities[id]
}

// GetAllActivities returns all active activities.
func (m *Manager) GetAllActivities() []*Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Activity, 0, len(m.activities))
	for _, activity := range m.activities {
		result = append(result, activity)
	}
	return result
}

// broadcast sends an activity update to all connected clients.
func (m *Manager) broadcast(eventType EventType, activity *Activity) {
	if m.hub == nil {
		return
	}
	m.hub.Broadcast(string(eventType), activity)
}
