package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kiteflow/internal/automation"
	"kiteflow/internal/domain"
	"kiteflow/internal/notify"
	"kiteflow/internal/scheduler"
	"kiteflow/internal/store"
)

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]domain.TaskRun, error)
}

// ChangeQueue is the optimization queue as seen by reviewers.
type ChangeQueue interface {
	ListQueued(ctx context.Context, limit int) ([]domain.QueuedChange, error)
	LeaseNext(ctx context.Context) (domain.QueuedChange, error)
}

type Deps struct {
	Scheduler *scheduler.Service
	Rules     *automation.Engine
	Notifier  *notify.Dispatcher
	Runs      RunLister
	Queue     ChangeQueue
	Debug     bool
}

type Server struct {
	r     *chi.Mux
	sched *scheduler.Service
	rules *automation.Engine
	notes *notify.Dispatcher
	runs  RunLister
	queue ChangeQueue
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: d.Scheduler, rules: d.Rules, notes: d.Notifier, runs: d.Runs, queue: d.Queue}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.createTask)
		r.Get("/{id}", s.getTask)
		r.Patch("/{id}", s.updateTask)
		r.Delete("/{id}", s.deleteTask)
		r.Post("/{id}/enable", s.enableTask)
		r.Post("/{id}/disable", s.disableTask)
		r.Post("/{id}/run", s.runTask)
	})
	r.Route("/api/rules", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Post("/", s.createRule)
		r.Get("/{id}", s.getRule)
		r.Patch("/{id}", s.updateRule)
		r.Delete("/{id}", s.deleteRule)
	})
	r.Post("/api/changes/apply", s.applyChanges)
	r.Get("/api/notifications", s.listNotifications)
	r.Get("/api/notifications/settings", s.getSettings)
	r.Put("/api/notifications/settings", s.updateSettings)
	r.Get("/api/queue", s.listQueue)
	r.Post("/api/queue/lease", s.leaseChange)
	r.Get("/api/runs", s.listRuns)

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	byStatus := map[domain.TaskStatus]int{}
	enabled := 0
	for _, t := range s.sched.GetTasks() {
		byStatus[t.Status]++
		if t.Enabled {
			enabled++
		}
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "kiteflow_up 1")
	fmt.Fprintf(w, "kiteflow_tasks_enabled %d\n", enabled)
	for _, st := range []domain.TaskStatus{domain.StatusIdle, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed} {
		fmt.Fprintf(w, "kiteflow_tasks{status=%q} %d\n", st, byStatus[st])
	}
	fmt.Fprintf(w, "kiteflow_rules %d\n", len(s.rules.Rules()))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sched.GetTasks())
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req scheduler.TaskDefinition
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.Schedule); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	id, err := s.sched.AddTask(req)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var p scheduler.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if p.Schedule != nil {
		if err := scheduler.ValidateCronExpression(*p.Schedule); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
	}
	t, err := s.sched.UpdateTask(chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteTask(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableTask(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, s.sched.EnableTask)
}

func (s *Server) disableTask(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, s.sched.DisableTask)
}

func (s *Server) toggleTask(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.sched.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.RunTaskNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.rules.Rules())
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req domain.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	req.ID = ""
	id := s.rules.AddRule(req)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Rule(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var p automation.RulePatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rule, err := s.rules.UpdateRule(chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DeleteRule(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type applyResp struct {
	Changes  []*domain.Change     `json:"changes"`
	Outcomes []automation.Outcome `json:"outcomes"`
}

func (s *Server) applyChanges(w http.ResponseWriter, r *http.Request) {
	var changes []*domain.Change
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	outcomes := s.rules.Apply(r.Context(), changes)
	if outcomes == nil {
		outcomes = []automation.Outcome{}
	}
	writeJSON(w, 200, applyResp{Changes: changes, Outcomes: outcomes})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.notes.Recent(limitParam(r, 50)))
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.notes.Settings())
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var p notify.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, 200, s.notes.UpdateSettings(p))
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, 200, []domain.QueuedChange{})
		return
	}
	items, err := s.queue.ListQueued(r.Context(), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if items == nil {
		items = []domain.QueuedChange{}
	}
	writeJSON(w, 200, items)
}

// leaseChange hands the next queued change to a reviewer.
func (s *Server) leaseChange(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	qc, err := s.queue.LeaseNext(r.Context())
	if errors.Is(err, store.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, qc)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, 200, []domain.TaskRun{})
		return
	}
	runs, err := s.runs.ListRuns(r.Context(), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if runs == nil {
		runs = []domain.TaskRun{}
	}
	writeJSON(w, 200, runs)
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, automation.ErrRuleNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, scheduler.ErrTaskRunning):
		http.Error(w, "task already running", 409)
	case errors.Is(err, scheduler.ErrStopped):
		http.Error(w, "scheduler stopped", 503)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
