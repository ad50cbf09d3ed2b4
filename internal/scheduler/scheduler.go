package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wrenware/orla/internal/config"
	"github.com/wrenware/orla/internal/memory"
	"github.com/wrenware/orla/internal/rag"
	"github.com/wrenware/orla/internal/vault"
)

// ExecuteFunc is called when a reminder task fires. The agent wakes
// with the task's message.
type ExecuteFunc func(ctx context.Context, task *Task, execution *Execution) error

// Scheduler owns the background jobs: reminder timers, the vault sync
// job, and database maintenance. One instance per process, constructed
// at startup and passed explicitly.
type Scheduler struct {
	logger  *slog.Logger
	cfg     config.SyncConfig
	store   *Store
	vault   *vault.Vault
	engine  *rag.Engine
	convs   *memory.Store
	execute ExecuteFunc

	// syncMu serializes sync runs. TryLock makes triggers non-blocking.
	syncMu  sync.Mutex
	stateMu sync.Mutex
	state   SyncState

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. execute may be nil when reminder wake-ups
// are not wired (ingest-only invocations).
func New(cfg config.SyncConfig, store *Store, v *vault.Vault, engine *rag.Engine, convs *memory.Store, execute ExecuteFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		cfg:     cfg,
		store:   store,
		vault:   v,
		engine:  engine,
		convs:   convs,
		execute: execute,
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads reminder tasks, sets up their timers, and launches the
// sync interval loop, the vault watcher, and the maintenance loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.scheduleTask(task)
	}
	s.checkMissedExecutions(ctx)

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	if s.vault != nil && s.engine != nil {
		s.wg.Add(1)
		go s.syncLoop(ctx)

		if err := s.watchVault(ctx); err != nil {
			s.logger.Warn("vault watch unavailable, relying on interval sync", "error", err)
		}
		if s.cfg.OnStartup {
			s.TriggerSync(ctx)
		}
	}

	s.logger.Info("scheduler started", "tasks", len(tasks), "sync_interval", s.cfg.Interval.Std())
	return nil
}

// Stop halts timers and background loops and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// CreateTask adds a reminder task and schedules it.
func (s *Scheduler) CreateTask(task *Task) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}
	if task.Enabled {
		s.scheduleTask(task)
	}
	s.logger.Info("task created", "id", task.ID, "name", task.Name, "schedule", task.Schedule.Kind)
	return nil
}

// UpdateTask modifies a task and reschedules it.
func (s *Scheduler) UpdateTask(task *Task) error {
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}
	s.cancelTimer(task.ID)
	if task.Enabled {
		s.scheduleTask(task)
	}
	s.logger.Info("task updated", "id", task.ID, "name", task.Name)
	return nil
}

// DeleteTask removes a task.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "id", id)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	return s.store.GetTask(id)
}

// ListTasks returns all tasks.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// TaskExecutions returns execution history for a task.
func (s *Scheduler) TaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// TriggerTask immediately executes a task, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, time.Now())
}

// scheduleTask sets up a timer for the next execution.
func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}
	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.onTaskFire(task.ID)
	})

	s.logger.Debug("task scheduled", "id", task.ID, "name", task.Name, "next", next)
}

// onTaskFire is called when a task's timer fires.
func (s *Scheduler) onTaskFire(taskID string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.mu.Unlock()

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("failed to load task for execution", "id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.executeTask(ctx, task, time.Now()); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	if task.Schedule.Kind != ScheduleAt {
		s.scheduleTask(task)
	}
}

// executeTask runs a task and records the execution.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		Status:      StatusRunning,
	}
	now := time.Now()
	exec.StartedAt = &now

	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("executing task", "task_id", task.ID, "task_name", task.Name, "execution_id", exec.ID)

	var execErr error
	if s.execute != nil {
		execErr = s.execute(ctx, task, exec)
	}

	completed := time.Now()
	exec.CompletedAt = &completed
	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", completed.Sub(*exec.StartedAt),
	)

	return exec, execErr
}

// cancelTimer stops and removes a task's timer.
func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// checkMissedExecutions handles tasks that should have run while the
// process was down.
func (s *Scheduler) checkMissedExecutions(ctx context.Context) {
	pending, err := s.store.GetPendingExecutions()
	if err != nil {
		s.logger.Error("failed to get pending executions", "error", err)
		return
	}

	for _, exec := range pending {
		if time.Since(exec.ScheduledAt) > 24*time.Hour {
			exec.Status = StatusSkipped
			exec.Result = "missed execution window (>24h)"
			_ = s.store.UpdateExecution(exec)
			s.logger.Info("skipped stale execution", "id", exec.ID, "scheduled", exec.ScheduledAt)
			continue
		}

		task, err := s.store.GetTask(exec.TaskID)
		if err != nil {
			continue
		}
		s.logger.Info("catching up missed execution", "task", task.Name, "scheduled", exec.ScheduledAt)
		exec.Status = StatusSkipped
		exec.Result = "replaced by catch-up execution"
		_ = s.store.UpdateExecution(exec)
		_, _ = s.executeTask(ctx, task, exec.ScheduledAt)
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	running := s.running
	activeTimers := len(s.timers)
	s.mu.Unlock()

	tasks, _ := s.store.ListTasks(false)
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}

	sync := s.SyncStatus()
	return map[string]any{
		"running":        running,
		"total_tasks":    len(tasks),
		"enabled_tasks":  enabled,
		"active_timers":  activeTimers,
		"sync_running":   sync.Running,
		"sync_processed": sync.Processed,
		"sync_errors":    sync.Errors,
	}
}
