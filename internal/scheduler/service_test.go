package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kiteflow/internal/automation"
	"kiteflow/internal/domain"
)

type recordingNotifier struct {
	mu      sync.Mutex
	sent    []domain.Notification
	ctxErrs []error
}

func (r *recordingNotifier) Send(ctx context.Context, n domain.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.mu.Unlock()
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

type recordingRuns struct {
	mu   sync.Mutex
	runs []domain.TaskRun
}

func (r *recordingRuns) RecordRun(ctx context.Context, run domain.TaskRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
	return nil
}

type approveAll struct{}

func (approveAll) Apply(_ context.Context, changes []*domain.Change) []automation.Outcome {
	var out []automation.Outcome
	for _, c := range changes {
		c.Status = domain.ChangeApproved
		out = append(out, automation.Outcome{RuleID: "rule_test", ChangeID: c.ID, Actions: []string{domain.ActionApprove}})
	}
	return out
}

// tuesday is 2024-01-02 10:00 UTC.
var tuesday = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

// advancingClock starts at base and moves with real time, so armed timers
// and computed NextRun values stay consistent.
func advancingClock(base time.Time) func() time.Time {
	start := time.Now()
	return func() time.Time { return base.Add(time.Since(start)) }
}

func okWork(context.Context) (domain.Result, error) {
	return domain.Result{Data: map[string]any{"ok": true}}, nil
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = advancingClock(tuesday)
	}
	if cfg.Work == nil {
		cfg.Work = map[string]WorkFunc{"job": okWork}
	}
	s := NewService(cfg)
	t.Cleanup(s.Stop)
	return s
}

func mustAdd(t *testing.T, s *Service, def TaskDefinition) string {
	t.Helper()
	id, err := s.AddTask(def)
	if err != nil {
		t.Fatalf("AddTask(%q): %v", def.Name, err)
	}
	return id
}

func TestNextRunTimeBuiltInSchedules(t *testing.T) {
	t.Parallel()
	cases := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{WeeklyMondayAt2, tuesday, time.Date(2024, 1, 8, 2, 0, 0, 0, time.UTC)},
		{WeeklyMondayAt2, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)},
		{WeeklyMondayAt2, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), time.Date(2024, 1, 8, 2, 0, 0, 0, time.UTC)},
		{DailyAt6, tuesday, time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC)},
		{DailyAt6, time.Date(2024, 1, 2, 5, 59, 0, 0, time.UTC), time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)},
		{MonthlyFirstAt9, tuesday, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)},
		{MonthlyFirstAt9, time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := NextRunTime(tc.expr, tc.from)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("NextRunTime(%q, %s) = %s, want %s", tc.expr, tc.from, got, tc.want)
		}
	}
}

func TestLegacyNextRunTime(t *testing.T) {
	t.Parallel()
	got, err := legacyNextRunTime("*/5 * * * *", tuesday)
	if err != nil {
		t.Fatal(err)
	}
	if want := tuesday.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("fallback = %s, want %s", got, want)
	}
	got, err = legacyNextRunTime("0  6 * * *", tuesday)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("known schedule = %s, want %s", got, want)
	}
	if _, err := legacyNextRunTime("not a cron", tuesday); err == nil {
		t.Fatal("expected error for malformed expression")
	}
}

func TestAddTaskComputesNextRunAndArms(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	id := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: WeeklyMondayAt2, Enabled: true})

	task, err := s.GetTask(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(task.ID, "tsk_") {
		t.Fatalf("id = %q", task.ID)
	}
	if task.Status != domain.StatusIdle {
		t.Fatalf("status = %s, want idle", task.Status)
	}
	want := time.Date(2024, 1, 8, 2, 0, 0, 0, time.UTC)
	if task.NextRun == nil || !task.NextRun.Equal(want) {
		t.Fatalf("next run = %v, want %s", task.NextRun, want)
	}
	if s.tasks[id].timer == nil {
		t.Fatal("enabled task has no timer")
	}
}

func TestAddTaskUnknownWork(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	if _, err := s.AddTask(TaskDefinition{Name: "nope", Schedule: DailyAt6}); !errors.Is(err, ErrUnknownWork) {
		t.Fatalf("err = %v, want ErrUnknownWork", err)
	}
}

func TestInvalidScheduleIsNotArmed(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	id := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: "every tuesday", Enabled: true})
	task, _ := s.GetTask(id)
	if task.NextRun != nil {
		t.Fatalf("next run = %v, want nil", task.NextRun)
	}
	if s.tasks[id].timer != nil {
		t.Fatal("task with invalid schedule was armed")
	}
}

func TestUpdateTaskKeepsNextRunWhenScheduleUnchanged(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	id := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6, Enabled: true})
	before, _ := s.GetTask(id)

	same := DailyAt6
	desc := "keyword checks"
	for i := 0; i < 3; i++ {
		if _, err := s.UpdateTask(id, TaskPatch{Schedule: &same, Description: &desc}); err != nil {
			t.Fatal(err)
		}
	}
	after, _ := s.GetTask(id)
	if !after.NextRun.Equal(*before.NextRun) {
		t.Fatalf("next run moved from %s to %s", before.NextRun, after.NextRun)
	}
	if after.Description != desc {
		t.Fatalf("description = %q", after.Description)
	}
	if s.tasks[id].timer == nil {
		t.Fatal("task not re-armed")
	}

	monthly := MonthlyFirstAt9
	updated, err := s.UpdateTask(id, TaskPatch{Schedule: &monthly})
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC); !updated.NextRun.Equal(want) {
		t.Fatalf("next run = %s, want %s", updated.NextRun, want)
	}
}

func TestUnknownTaskIDs(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	name := "x"
	checks := map[string]error{
		"update":  func() error { _, err := s.UpdateTask("tsk_missing", TaskPatch{Name: &name}); return err }(),
		"delete":  s.DeleteTask("tsk_missing"),
		"enable":  s.EnableTask("tsk_missing"),
		"disable": s.DisableTask("tsk_missing"),
		"get":     func() error { _, err := s.GetTask("tsk_missing"); return err }(),
		"run":     func() error { _, err := s.RunTaskNow(context.Background(), "tsk_missing"); return err }(),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("%s: err = %v, want ErrTaskNotFound", op, err)
		}
	}
	if len(s.GetTasks()) != 0 {
		t.Fatal("unknown-id operations created tasks")
	}
}

func TestEnableDisable(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	id := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6})
	if s.tasks[id].timer != nil {
		t.Fatal("disabled task armed")
	}
	if err := s.EnableTask(id); err != nil {
		t.Fatal(err)
	}
	if s.tasks[id].timer == nil {
		t.Fatal("enabled task not armed")
	}
	if err := s.DisableTask(id); err != nil {
		t.Fatal(err)
	}
	task, _ := s.GetTask(id)
	if task.Enabled || s.tasks[id].timer != nil {
		t.Fatal("disabled task still armed")
	}
}

func TestRunTaskNowSuccess(t *testing.T) {
	t.Parallel()
	notes := &recordingNotifier{}
	runs := &recordingRuns{}
	s := newTestService(t, Config{Notifier: notes, Runs: runs})
	id := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6, Enabled: true})

	task, err := s.RunTaskNow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusCompleted || task.Error != "" {
		t.Fatalf("task = %+v", task)
	}
	if task.Result["ok"] != true {
		t.Fatalf("result = %v", task.Result)
	}
	if task.LastRun == nil || task.RunCount != 1 || task.SuccessCount != 1 {
		t.Fatalf("counters = %+v", task)
	}
	if got := notes.types(); len(got) != 1 || got[0] != domain.NotifyTaskCompleted {
		t.Fatalf("notifications = %v", got)
	}
	if len(runs.runs) != 1 || !runs.runs[0].Success || runs.runs[0].TaskID != id {
		t.Fatalf("runs = %+v", runs.runs)
	}
}

func TestFailureIsContained(t *testing.T) {
	t.Parallel()
	notes := &recordingNotifier{}
	s := newTestService(t, Config{
		Notifier: notes,
		Work: map[string]WorkFunc{
			"fails": func(context.Context) (domain.Result, error) {
				return domain.Result{}, errors.New("sitemap unreachable")
			},
			"panics": func(context.Context) (domain.Result, error) {
				panic("nil page")
			},
			"job": okWork,
		},
	})
	failID := mustAdd(t, s, TaskDefinition{Name: "fails", Schedule: DailyAt6, Enabled: true})
	panicID := mustAdd(t, s, TaskDefinition{Name: "panics", Schedule: DailyAt6, Enabled: true})
	okID := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6, Enabled: true})

	failed, err := s.RunTaskNow(context.Background(), failID)
	if err != nil {
		t.Fatalf("task failure leaked as error: %v", err)
	}
	if failed.Status != domain.StatusFailed || failed.Error != "sitemap unreachable" || failed.FailureCount != 1 {
		t.Fatalf("failed task = %+v", failed)
	}
	if failed.NextRun == nil || s.tasks[failID].timer == nil {
		t.Fatal("failed task was not re-armed")
	}

	panicked, err := s.RunTaskNow(context.Background(), panicID)
	if err != nil {
		t.Fatal(err)
	}
	if panicked.Status != domain.StatusFailed || !strings.Contains(panicked.Error, "nil page") {
		t.Fatalf("panicked task = %+v", panicked)
	}

	ok, err := s.RunTaskNow(context.Background(), okID)
	if err != nil || ok.Status != domain.StatusCompleted {
		t.Fatalf("healthy task after failures = %+v, %v", ok, err)
	}

	want := []string{domain.NotifyTaskFailed, domain.NotifyTaskFailed, domain.NotifyTaskCompleted}
	got := notes.types()
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
	}

	// A later success clears the stored error.
	s.RegisterWork("fails", okWork)
	recovered, _ := s.RunTaskNow(context.Background(), failID)
	if recovered.Error != "" || recovered.Status != domain.StatusCompleted || recovered.RunCount != 2 {
		t.Fatalf("recovered task = %+v", recovered)
	}
}

func TestRunTaskNowRejectsConcurrentRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	s := newTestService(t, Config{Work: map[string]WorkFunc{
		"slow": func(context.Context) (domain.Result, error) {
			close(started)
			<-release
			return domain.Result{}, nil
		},
	}})
	id := mustAdd(t, s, TaskDefinition{Name: "slow", Schedule: DailyAt6, Enabled: true})

	done := make(chan domain.ScheduledTask)
	go func() {
		task, _ := s.RunTaskNow(context.Background(), id)
		done <- task
	}()
	<-started

	running, _ := s.GetTask(id)
	if running.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running", running.Status)
	}
	if _, err := s.RunTaskNow(context.Background(), id); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("err = %v, want ErrTaskRunning", err)
	}
	close(release)
	if task := <-done; task.Status != domain.StatusCompleted || task.RunCount != 1 {
		t.Fatalf("task = %+v", task)
	}
}

func TestStartedRunOutlivesCallerContext(t *testing.T) {
	t.Parallel()
	notes := &recordingNotifier{}
	runs := &recordingRuns{}
	started := make(chan struct{})
	s := newTestService(t, Config{
		Notifier: notes,
		Runs:     runs,
		Work: map[string]WorkFunc{"slow": func(ctx context.Context) (domain.Result, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			if err := ctx.Err(); err != nil {
				return domain.Result{}, err
			}
			return domain.Result{Data: map[string]any{"ok": true}}, nil
		}},
	})
	id := mustAdd(t, s, TaskDefinition{Name: "slow", Schedule: DailyAt6, Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	task, err := s.RunTaskNow(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context was not cancelled during the run")
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("task = %+v", task)
	}

	notes.mu.Lock()
	defer notes.mu.Unlock()
	if len(notes.sent) != 1 || notes.sent[0].Type != domain.NotifyTaskCompleted {
		t.Fatalf("notifications = %+v", notes.sent)
	}
	if notes.ctxErrs[0] != nil {
		t.Fatalf("notifier saw a dead context: %v", notes.ctxErrs[0])
	}
	runs.mu.Lock()
	defer runs.mu.Unlock()
	if len(runs.runs) != 1 || !runs.runs[0].Success {
		t.Fatalf("runs = %+v", runs.runs)
	}
}

func TestChangesRunThroughRules(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{
		Rules: approveAll{},
		Work: map[string]WorkFunc{"audit": func(context.Context) (domain.Result, error) {
			return domain.Result{
				Data:    map[string]any{"pages_scanned": 2},
				Changes: []*domain.Change{{ID: "chg_1", Type: "meta", Page: "/", Impact: "low"}},
			}, nil
		}},
	})
	id := mustAdd(t, s, TaskDefinition{Name: "audit", Schedule: WeeklyMondayAt2, Enabled: true})
	task, err := s.RunTaskNow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	summary, ok := task.Result["automation"].(map[string]any)
	if !ok {
		t.Fatalf("result = %v", task.Result)
	}
	if summary["changes"] != 1 || summary["matches"] != 1 {
		t.Fatalf("summary = %v", summary)
	}
	changes := task.Result["changes"].([]*domain.Change)
	if changes[0].Status != domain.ChangeApproved {
		t.Fatalf("change status = %q", changes[0].Status)
	}
	if task.Result["pages_scanned"] != 2 {
		t.Fatalf("result = %v", task.Result)
	}
}

func TestGetTasksNewestFirst(t *testing.T) {
	t.Parallel()
	fixed := tuesday
	s := newTestService(t, Config{Now: func() time.Time { return fixed }})
	a := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6})
	b := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6})
	c := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6})

	tasks := s.GetTasks()
	if len(tasks) != 3 || tasks[0].ID != c || tasks[1].ID != b || tasks[2].ID != a {
		t.Fatalf("order = %v", []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	}
}

func TestTimerFiresTask(t *testing.T) {
	t.Parallel()
	fired := make(chan struct{}, 4)
	base := time.Date(2024, 1, 2, 10, 0, 59, 800_000_000, time.UTC)
	s := newTestService(t, Config{
		Now: advancingClock(base),
		Work: map[string]WorkFunc{"tick": func(context.Context) (domain.Result, error) {
			fired <- struct{}{}
			return domain.Result{}, nil
		}},
	})
	id := mustAdd(t, s, TaskDefinition{Name: "tick", Schedule: "* * * * *", Enabled: true})

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not fire")
	}
	// The run may still be finishing its bookkeeping.
	deadline := time.Now().Add(time.Second)
	for {
		task, _ := s.GetTask(id)
		if task.RunCount == 1 {
			if want := time.Date(2024, 1, 2, 10, 2, 0, 0, time.UTC); !task.NextRun.Equal(want) {
				t.Fatalf("next run = %s, want %s", task.NextRun, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run count = %d", task.RunCount)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeleteCancelsTimer(t *testing.T) {
	t.Parallel()
	fired := make(chan struct{}, 1)
	base := time.Date(2024, 1, 2, 10, 0, 59, 700_000_000, time.UTC)
	s := newTestService(t, Config{
		Now: advancingClock(base),
		Work: map[string]WorkFunc{"tick": func(context.Context) (domain.Result, error) {
			fired <- struct{}{}
			return domain.Result{}, nil
		}},
	})
	id := mustAdd(t, s, TaskDefinition{Name: "tick", Schedule: "* * * * *", Enabled: true})
	if err := s.DeleteTask(id); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
		t.Fatal("deleted task fired")
	case <-time.After(600 * time.Millisecond):
	}
	if _, err := s.GetTask(id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLegacyFallbackOption(t *testing.T) {
	t.Parallel()
	fixed := tuesday
	s := newTestService(t, Config{LegacyCronFallback: true, Now: func() time.Time { return fixed }})
	id := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: "30 4 * * *"})
	task, _ := s.GetTask(id)
	if want := tuesday.Add(time.Hour); task.NextRun == nil || !task.NextRun.Equal(want) {
		t.Fatalf("next run = %v, want %s", task.NextRun, want)
	}
}

func TestStopRefusesRuns(t *testing.T) {
	t.Parallel()
	s := NewService(Config{Work: map[string]WorkFunc{"job": okWork}, Now: advancingClock(tuesday)})
	id := mustAdd(t, s, TaskDefinition{Name: "job", Schedule: DailyAt6, Enabled: true})
	s.Stop()
	if s.tasks[id].timer != nil {
		t.Fatal("timer still armed after Stop")
	}
	if _, err := s.RunTaskNow(context.Background(), id); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
