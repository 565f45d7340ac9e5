package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/archonlabs/knowledge-engine/internal/observability"
)

// Operation types.
const (
	TypeCrawl  = "crawl"
	TypeUpload = "upload"
)

// Terminal operation statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether a status is terminal.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// maxLogs caps the per-operation log ring.
const maxLogs = 200

// protectedKeys cannot be overwritten through extras merging.
var protectedKeys = map[string]bool{
	"progress":    true,
	"status":      true,
	"log":         true,
	"progress_id": true,
	"type":        true,
	"start_time":  true,
}

// LogEntry is one progress log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
}

// State is a snapshot of a tracked operation. Fields carries stage-specific
// extras (current_url, total_pages, completed_summaries, ...).
type State struct {
	ProgressID string                 `json:"progress_id"`
	Type       string                 `json:"type"`
	Status     string                 `json:"status"`
	Progress   int                    `json:"progress"`
	Log        string                 `json:"log"`
	Logs       []LogEntry             `json:"logs"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Duration   float64                `json:"duration,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Tracker owns the mutable state of one operation. All mutation goes through
// its methods; HTTP readers receive snapshots from the registry.
type Tracker struct {
	registry *Registry
	mapper   *Mapper

	mu    sync.Mutex
	state State
}

// Registry is the process-wide operation store.
type Registry struct {
	logger        *observability.Logger
	terminalGrace time.Duration

	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewRegistry creates an operation registry. Terminal operations remain
// readable for grace before eviction; zero selects the 30 second default.
func NewRegistry(logger *observability.Logger, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Registry{
		logger:        logger.WithComponent("progress"),
		terminalGrace: grace,
		trackers:      make(map[string]*Tracker),
	}
}

// Start registers a new operation and returns its tracker. Initial fields are
// merged into the state; a progress ID is generated when absent.
func (r *Registry) Start(opType string, initial map[string]interface{}) *Tracker {
	id := uuid.NewString()

	t := &Tracker{
		registry: r,
		mapper:   NewMapper(),
		state: State{
			ProgressID: id,
			Type:       opType,
			Status:     "starting",
			StartTime:  time.Now(),
			Fields:     make(map[string]interface{}),
		},
	}
	t.mergeExtras(initial)

	r.mu.Lock()
	r.trackers[id] = t
	r.mu.Unlock()

	r.logger.Debug().Str("progress_id", id).Str("type", opType).Msg("Operation started")
	return t
}

// Get returns a snapshot of the operation, or false when unknown.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	t, ok := r.trackers[id]
	r.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	return t.Snapshot(), true
}

// ListActive returns snapshots of all non-terminal operations.
func (r *Registry) ListActive() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []State
	for _, t := range r.trackers {
		s := t.Snapshot()
		if !IsTerminal(s.Status) {
			active = append(active, s)
		}
	}
	return active
}

// Clear removes an operation immediately.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	delete(r.trackers, id)
	r.mu.Unlock()
}

// scheduleEviction removes a terminal operation after the grace period,
// unless it has since left the terminal state (a refreshed re-ingest under
// the same id keeps the record alive).
func (r *Registry) scheduleEviction(id string) {
	time.AfterFunc(r.terminalGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if t, ok := r.trackers[id]; ok {
			if IsTerminal(t.Snapshot().Status) {
				delete(r.trackers, id)
			}
		}
	})
}

// ProgressID returns the operation's identifier.
func (t *Tracker) ProgressID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.ProgressID
}

// Update records stage-local progress. The stage-local percentage is mapped
// into overall percent by the stage mapper; overall progress never decreases.
// Extras are merged except protected keys.
func (t *Tracker) Update(stage string, stagePct int, log string, extras map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if IsTerminal(t.state.Status) {
		return
	}

	overall := t.mapper.Map(stage, stagePct)

	t.state.Status = stage
	t.state.Progress = overall
	t.state.Log = log
	t.appendLog(stage, overall, log)
	t.mergeExtras(extras)
}

// Complete marks the operation completed at 100 percent and schedules eviction.
func (t *Tracker) Complete(extras map[string]interface{}) {
	t.mu.Lock()
	now := time.Now()
	t.state.Status = StatusCompleted
	t.state.Progress = 100
	t.state.EndTime = &now
	t.state.Duration = now.Sub(t.state.StartTime).Seconds()
	t.state.Log = "Operation completed"
	t.appendLog(StatusCompleted, 100, t.state.Log)
	t.mergeExtras(extras)
	id := t.state.ProgressID
	t.mu.Unlock()

	t.registry.scheduleEviction(id)
}

// Error marks the operation errored, preserving the last overall progress.
func (t *Tracker) Error(msg string, extras map[string]interface{}) {
	t.terminate(StatusError, msg, extras)
}

// Cancel marks the operation cancelled, preserving the last overall progress.
func (t *Tracker) Cancel(msg string) {
	if msg == "" {
		msg = "Operation cancelled by user"
	}
	t.terminate(StatusCancelled, msg, nil)
}

func (t *Tracker) terminate(status, msg string, extras map[string]interface{}) {
	t.mu.Lock()
	now := time.Now()
	t.state.Status = status
	t.state.EndTime = &now
	t.state.Duration = now.Sub(t.state.StartTime).Seconds()
	t.state.Error = msg
	t.state.Log = msg
	t.appendLog(status, t.state.Progress, msg)
	t.mergeExtras(extras)
	id := t.state.ProgressID
	t.mu.Unlock()

	t.registry.scheduleEviction(id)
}

// Snapshot returns a copy of the current state for readers.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state
	s.Logs = append([]LogEntry(nil), t.state.Logs...)
	s.Fields = make(map[string]interface{}, len(t.state.Fields))
	for k, v := range t.state.Fields {
		s.Fields[k] = v
	}
	return s
}

// appendLog adds a log entry, capping the ring at maxLogs. Caller holds the lock.
func (t *Tracker) appendLog(status string, pct int, msg string) {
	t.state.Logs = append(t.state.Logs, LogEntry{
		Timestamp: time.Now(),
		Status:    status,
		Progress:  pct,
		Message:   msg,
	})
	if len(t.state.Logs) > maxLogs {
		t.state.Logs = t.state.Logs[len(t.state.Logs)-maxLogs:]
	}
}

// mergeExtras merges extras into Fields, skipping protected keys. Caller holds the lock.
func (t *Tracker) mergeExtras(extras map[string]interface{}) {
	for k, v := range extras {
		if protectedKeys[k] {
			continue
		}
		t.state.Fields[k] = v
	}
}

// Callback returns a progress Callback bound to this tracker.
func (t *Tracker) Callback() Callback {
	return func(status string, pct int, message string, extras map[string]interface{}) {
		t.Update(status, pct, message, extras)
	}
}
