package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kiteflow/internal/automation"
	"kiteflow/internal/domain"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task already running")
	ErrUnknownWork  = errors.New("no work function registered")
	ErrStopped      = errors.New("scheduler stopped")
)

// WorkFunc is the unit of work behind a task name.
type WorkFunc func(ctx context.Context) (domain.Result, error)

type Notifier interface {
	Send(ctx context.Context, n domain.Notification)
}

// RuleApplier runs automation rules over the changes a task produced.
type RuleApplier interface {
	Apply(ctx context.Context, changes []*domain.Change) []automation.Outcome
}

type RunRecorder interface {
	RecordRun(ctx context.Context, run domain.TaskRun) error
}

type Config struct {
	// Work maps task names to work functions.
	Work     map[string]WorkFunc
	Notifier Notifier
	Rules    RuleApplier
	Runs     RunRecorder
	// LegacyCronFallback restores the old "one hour from now" evaluation
	// for schedules other than the three built-in ones.
	LegacyCronFallback bool
	Now                func() time.Time
}

type taskState struct {
	task    domain.ScheduledTask
	seq     uint64
	timer   *time.Timer
	gen     uint64
	running bool
}

// Service owns the task table and arms one timer per enabled task.
type Service struct {
	mu      sync.Mutex
	tasks   map[string]*taskState
	seq     uint64
	work    map[string]WorkFunc
	stopped bool
	wg      sync.WaitGroup

	notifier Notifier
	rules    RuleApplier
	runs     RunRecorder
	legacy   bool
	now      func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	work := make(map[string]WorkFunc, len(cfg.Work))
	for name, fn := range cfg.Work {
		work[name] = fn
	}
	return &Service{
		tasks:    map[string]*taskState{},
		work:     work,
		notifier: cfg.Notifier,
		rules:    cfg.Rules,
		runs:     cfg.Runs,
		legacy:   cfg.LegacyCronFallback,
		now:      cfg.Now,
	}
}

// RegisterWork adds or replaces the work function for a task name.
func (s *Service) RegisterWork(name string, fn WorkFunc) {
	s.mu.Lock()
	s.work[name] = fn
	s.mu.Unlock()
}

type TaskDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schedule    string `json:"schedule"`
	Enabled     bool   `json:"enabled"`
}

// AddTask stores a new task and arms its timer when enabled.
func (s *Service) AddTask(def TaskDefinition) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.work[def.Name]; !ok {
		return "", fmt.Errorf("add task %q: %w", def.Name, ErrUnknownWork)
	}
	now := s.now()
	s.seq++
	st := &taskState{
		seq: s.seq,
		task: domain.ScheduledTask{
			ID:          "tsk_" + uuid.NewString(),
			Name:        def.Name,
			Description: def.Description,
			Schedule:    def.Schedule,
			Enabled:     def.Enabled,
			Status:      domain.StatusIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	st.task.NextRun = s.calculateNextRun(def.Schedule)
	s.tasks[st.task.ID] = st
	s.armLocked(st)

	ev := log.Info().Str("task_id", st.task.ID).Str("task_name", def.Name).Str("schedule", def.Schedule).Bool("enabled", def.Enabled)
	if st.task.NextRun != nil {
		ev = ev.Time("next_run", *st.task.NextRun)
	}
	ev.Msg("task added")
	return st.task.ID, nil
}

// TaskPatch is a partial task update; nil fields are left alone.
type TaskPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Schedule    *string `json:"schedule"`
	Enabled     *bool   `json:"enabled"`
}

func (s *Service) UpdateTask(id string, p TaskPatch) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, fmt.Errorf("update %s: %w", id, ErrTaskNotFound)
	}
	s.disarmLocked(st)

	t := &st.task
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	if p.Schedule != nil && *p.Schedule != t.Schedule {
		t.Schedule = *p.Schedule
		t.NextRun = s.calculateNextRun(t.Schedule)
	}
	t.UpdatedAt = s.now()
	s.armLocked(st)
	return cloneTask(*t), nil
}

func (s *Service) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrTaskNotFound)
	}
	s.disarmLocked(st)
	delete(s.tasks, id)
	log.Info().Str("task_id", id).Str("task_name", st.task.Name).Msg("task deleted")
	return nil
}

func (s *Service) EnableTask(id string) error  { return s.setEnabled(id, true) }
func (s *Service) DisableTask(id string) error { return s.setEnabled(id, false) }

func (s *Service) setEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("set enabled %s: %w", id, ErrTaskNotFound)
	}
	st.task.Enabled = enabled
	st.task.UpdatedAt = s.now()
	if enabled && st.task.NextRun == nil {
		st.task.NextRun = s.calculateNextRun(st.task.Schedule)
	}
	s.armLocked(st)
	return nil
}

func (s *Service) GetTask(id string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, ErrTaskNotFound
	}
	return cloneTask(st.task), nil
}

// GetTasks returns every task, most recently created first.
func (s *Service) GetTasks() []domain.ScheduledTask {
	s.mu.Lock()
	states := make([]*taskState, 0, len(s.tasks))
	for _, st := range s.tasks {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			return a.task.CreatedAt.After(b.task.CreatedAt)
		}
		return a.seq > b.seq
	})
	out := make([]domain.ScheduledTask, 0, len(states))
	for _, st := range states {
		out = append(out, cloneTask(st.task))
	}
	s.mu.Unlock()
	return out
}

// RunTaskNow executes a task immediately, outside its schedule. Task
// failures are recorded on the returned task, not returned as errors.
func (s *Service) RunTaskNow(ctx context.Context, id string) (domain.ScheduledTask, error) {
	return s.execute(ctx, id)
}

// Stop disarms every timer and waits for running executions to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, st := range s.tasks {
		s.disarmLocked(st)
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Service) calculateNextRun(expr string) *time.Time {
	now := s.now()
	var next time.Time
	var err error
	if s.legacy {
		next, err = legacyNextRunTime(expr, now)
	} else {
		next, err = NextRunTime(expr, now)
	}
	if err != nil {
		log.Error().Err(err).Str("cron_expr", expr).Msg("invalid cron expression")
		return nil
	}
	return &next
}

// armLocked replaces any pending timer of st with one for its NextRun.
// Call with s.mu held.
func (s *Service) armLocked(st *taskState) {
	s.disarmLocked(st)
	if s.stopped || !st.task.Enabled || st.task.NextRun == nil {
		return
	}
	delay := st.task.NextRun.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	id, gen := st.task.ID, st.gen
	st.timer = time.AfterFunc(delay, func() { s.fire(id, gen) })
}

// disarmLocked stops the pending timer and invalidates callbacks already in
// flight. Call with s.mu held.
func (s *Service) disarmLocked(st *taskState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}

func (s *Service) fire(id string, gen uint64) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	if !ok || st.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	s.mu.Unlock()

	if _, err := s.execute(context.Background(), id); errors.Is(err, ErrTaskRunning) {
		s.mu.Lock()
		if st, ok := s.tasks[id]; ok && st.gen == gen {
			log.Warn().Str("task_id", id).Str("task_name", st.task.Name).Msg("task still running, skipping scheduled run")
			st.task.NextRun = s.calculateNextRun(st.task.Schedule)
			s.armLocked(st)
		}
		s.mu.Unlock()
	}
}

func (s *Service) execute(ctx context.Context, id string) (domain.ScheduledTask, error) {
	s.mu.Lock()
	st, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.ScheduledTask{}, fmt.Errorf("run %s: %w", id, ErrTaskNotFound)
	}
	if st.running {
		snapshot := cloneTask(st.task)
		s.mu.Unlock()
		return snapshot, fmt.Errorf("run %s: %w", id, ErrTaskRunning)
	}
	if s.stopped {
		s.mu.Unlock()
		return domain.ScheduledTask{}, ErrStopped
	}
	started := s.now()
	st.running = true
	st.task.Status = domain.StatusRunning
	st.task.LastRun = &started
	st.task.UpdatedAt = started
	name := st.task.Name
	work := s.work[name]
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	// A started run finishes and reports even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log.Info().Str("task_id", id).Str("task_name", name).Msg("task started")
	data, err := s.runWork(ctx, name, work)
	finished := s.now()

	s.mu.Lock()
	var snapshot domain.ScheduledTask
	if st, ok := s.tasks[id]; ok {
		st.running = false
		t := &st.task
		t.RunCount++
		if err != nil {
			t.Status = domain.StatusFailed
			t.Error = err.Error()
			t.FailureCount++
		} else {
			t.Status = domain.StatusCompleted
			t.Result = data
			t.Error = ""
			t.SuccessCount++
		}
		if t.Enabled {
			t.NextRun = s.calculateNextRun(t.Schedule)
		}
		t.UpdatedAt = finished
		s.armLocked(st)
		snapshot = cloneTask(*t)
	} else {
		// Deleted while running: report the outcome, keep nothing.
		snapshot = domain.ScheduledTask{ID: id, Name: name, LastRun: &started, Result: data}
		snapshot.Status = domain.StatusCompleted
		if err != nil {
			snapshot.Status = domain.StatusFailed
			snapshot.Error = err.Error()
		}
	}
	s.mu.Unlock()

	s.record(ctx, domain.TaskRun{
		TaskID: id, TaskName: name, StartedAt: started, FinishedAt: finished,
		Success: err == nil, Error: snapshot.Error, Result: data,
	})

	if err != nil {
		log.Error().Err(err).Str("task_id", id).Str("task_name", name).Msg("task failed")
		s.notify(ctx, domain.Notification{
			Type:     domain.NotifyTaskFailed,
			Title:    "Task failed: " + name,
			Message:  err.Error(),
			Priority: "high",
			TaskID:   id,
			TaskName: name,
		})
	} else {
		log.Info().Str("task_id", id).Str("task_name", name).Dur("took", finished.Sub(started)).Msg("task completed")
		s.notify(ctx, domain.Notification{
			Type:     domain.NotifyTaskCompleted,
			Title:    "Task completed: " + name,
			Message:  fmt.Sprintf("%s finished in %s", name, finished.Sub(started).Round(time.Millisecond)),
			TaskID:   id,
			TaskName: name,
			Data:     data,
		})
	}
	return snapshot, nil
}

// runWork calls the work function, converts panics into errors and runs
// automation rules over any changes it produced.
func (s *Service) runWork(ctx context.Context, name string, work WorkFunc) (data map[string]any, err error) {
	if work == nil {
		return nil, fmt.Errorf("unknown task %q: %w", name, ErrUnknownWork)
	}
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	res, err := work(ctx)
	if err != nil {
		return nil, err
	}
	data = map[string]any{}
	for k, v := range res.Data {
		data[k] = v
	}
	if len(res.Changes) > 0 {
		data["changes"] = res.Changes
		if s.rules != nil {
			data["automation"] = summarize(res.Changes, s.rules.Apply(ctx, res.Changes))
		}
	}
	return data, nil
}

func summarize(changes []*domain.Change, outcomes []automation.Outcome) map[string]any {
	statuses := map[string]int{}
	for _, c := range changes {
		if c.Status != "" {
			statuses[c.Status]++
		}
	}
	actions := map[string]int{}
	for _, o := range outcomes {
		for _, a := range o.Actions {
			actions[a]++
		}
	}
	return map[string]any{
		"changes":  len(changes),
		"matches":  len(outcomes),
		"statuses": statuses,
		"actions":  actions,
	}
}

func (s *Service) record(ctx context.Context, run domain.TaskRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.RecordRun(ctx, run); err != nil {
		log.Error().Err(err).Str("task_id", run.TaskID).Msg("failed to record task run")
	}
}

func (s *Service) notify(ctx context.Context, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(ctx, n)
}

func cloneTask(t domain.ScheduledTask) domain.ScheduledTask {
	if t.LastRun != nil {
		v := *t.LastRun
		t.LastRun = &v
	}
	if t.NextRun != nil {
		v := *t.NextRun
		t.NextRun = &v
	}
	return t
}
