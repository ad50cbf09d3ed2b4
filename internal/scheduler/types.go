// Package scheduler runs Orla's background work: one-shot and recurring
// reminder tasks, the vault-to-retrieval sync job, and periodic database
// maintenance.
package scheduler

import (
	"time"
)

// Task is a scheduled reminder. When it fires, the scheduler wakes the
// agent with the task's message.
type Task struct {
	ID             string    `json:"id"` // UUIDv7
	Name           string    `json:"name"`
	Schedule       Schedule  `json:"schedule"`
	Message        string    `json:"message"`         // what to tell the agent
	ConversationID string    `json:"conversation_id"` // conversation to wake, empty for a fresh one
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Schedule defines when a task runs.
type Schedule struct {
	Kind  ScheduleKind `json:"kind"`
	At    *time.Time   `json:"at,omitempty"`    // for "at" kind
	Every *Duration    `json:"every,omitempty"` // for "every" kind
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot at a specific time
	ScheduleEvery ScheduleKind = "every" // recurring interval
)

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // missed window, not caught up
)

// NextRun calculates the next execution time for a task.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false // one-shot already passed

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	default:
		return time.Time{}, false
	}
}

// SyncStatus is the outcome of a sync trigger.
type SyncStatus string

const (
	// SyncStarted means the trigger acquired the sync and a run began.
	SyncStarted SyncStatus = "started"
	// SyncAlreadyRunning means another run holds the sync; the trigger
	// returned immediately without queuing.
	SyncAlreadyRunning SyncStatus = "already_running"
)

// SyncState reports the sync job's progress. Running reflects the
// current run; the remaining fields describe the last completed run.
type SyncState struct {
	Running      bool      `json:"running"`
	LastStarted  time.Time `json:"last_started,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	Processed    int       `json:"processed"` // sources ingested or re-ingested
	Removed      int       `json:"removed"`   // sources dropped for deleted files
	Errors       int       `json:"errors"`
}
