package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kiteflow/internal/domain"
)

var ErrRuleNotFound = errors.New("rule not found")

// DefaultQueuePriority is used by queue actions without an explicit priority.
const DefaultQueuePriority = 1

type Notifier interface {
	Send(ctx context.Context, n domain.Notification)
}

// ChangeQueue accepts changes that need follow-up outside the engine.
type ChangeQueue interface {
	AddChange(ctx context.Context, c domain.Change, priority int) error
}

// ActionLog records every action the engine executes.
type ActionLog interface {
	RecordAction(ctx context.Context, rule domain.AutomationRule, changeID, action string) error
}

type Option func(*Engine)

func WithQueue(q ChangeQueue) Option { return func(e *Engine) { e.queue = q } }
func WithActionLog(l ActionLog) Option { return func(e *Engine) { e.actionLog = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type entry struct {
	rule domain.AutomationRule
	seq  uint64
}

// Engine evaluates automation rules against generated changes.
//
// Rules are evaluated by Priority (highest first); rules of equal priority
// run in the order they were added.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*entry
	seq   uint64

	notifier  Notifier
	queue     ChangeQueue
	actionLog ActionLog
	now       func() time.Time
}

func New(notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		rules:    map[string]*entry{},
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule stores def and returns its id.
func (e *Engine) AddRule(def domain.AutomationRule) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if def.ID == "" {
		def.ID = "rule_" + uuid.NewString()
	}
	now := e.now()
	def.CreatedAt = now
	def.UpdatedAt = now
	e.seq++
	e.rules[def.ID] = &entry{rule: cloneRule(def), seq: e.seq}
	log.Debug().Str("rule_id", def.ID).Str("rule_name", def.Name).Int("priority", def.Priority).Msg("automation rule added")
	return def.ID
}

// RulePatch is a partial rule update; nil fields are left alone.
type RulePatch struct {
	Name        *string             `json:"name"`
	Description *string             `json:"description"`
	Enabled     *bool               `json:"enabled"`
	Priority    *int                `json:"priority"`
	Conditions  *[]domain.Condition `json:"conditions"`
	Actions     *[]domain.Action    `json:"actions"`
}

func (e *Engine) UpdateRule(id string, p RulePatch) (domain.AutomationRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.rules[id]
	if !ok {
		return domain.AutomationRule{}, fmt.Errorf("update %s: %w", id, ErrRuleNotFound)
	}
	r := &en.rule
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Conditions != nil {
		r.Conditions = append([]domain.Condition(nil), (*p.Conditions)...)
	}
	if p.Actions != nil {
		r.Actions = append([]domain.Action(nil), (*p.Actions)...)
	}
	r.UpdatedAt = e.now()
	return cloneRule(*r), nil
}

func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrRuleNotFound)
	}
	delete(e.rules, id)
	return nil
}

func (e *Engine) Rule(id string) (domain.AutomationRule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.rules[id]
	if !ok {
		return domain.AutomationRule{}, ErrRuleNotFound
	}
	return cloneRule(en.rule), nil
}

// Rules returns every rule in evaluation order.
func (e *Engine) Rules() []domain.AutomationRule {
	e.mu.RLock()
	entries := make([]*entry, 0, len(e.rules))
	for _, en := range e.rules {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rule.Priority != entries[j].rule.Priority {
			return entries[i].rule.Priority > entries[j].rule.Priority
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]domain.AutomationRule, 0, len(entries))
	for _, en := range entries {
		out = append(out, cloneRule(en.rule))
	}
	return out
}

// Outcome describes one rule that matched one change.
type Outcome struct {
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	ChangeID string   `json:"change_id"`
	Actions  []string `json:"actions"`
}

// Apply runs every enabled rule against every change. Actions mutate the
// changes in place.
func (e *Engine) Apply(ctx context.Context, changes []*domain.Change) []Outcome {
	var enabled []domain.AutomationRule
	for _, r := range e.Rules() {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	var outcomes []Outcome
	for _, c := range changes {
		if c == nil {
			continue
		}
		for _, r := range enabled {
			if !evaluateConditions(r.ID, c, r.Conditions) {
				continue
			}
			outcomes = append(outcomes, Outcome{
				RuleID:   r.ID,
				RuleName: r.Name,
				ChangeID: c.ID,
				Actions:  e.executeActions(ctx, r, c),
			})
		}
	}
	return outcomes
}

func (e *Engine) executeActions(ctx context.Context, r domain.AutomationRule, c *domain.Change) (done []string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("rule_id", r.ID).Str("change_id", c.ID).Msg("automation action panic recovered")
		}
	}()
	for _, a := range r.Actions {
		switch a.Type {
		case domain.ActionApprove:
			c.Status = domain.ChangeApproved
		case domain.ActionReject:
			c.Status = domain.ChangeRejected
		case domain.ActionNotify:
			e.notify(ctx, r, c, a)
		case domain.ActionQueue:
			e.enqueue(ctx, r, c, a)
		default:
			log.Warn().Str("rule_id", r.ID).Str("action", a.Type).Msg("unknown automation action skipped")
			continue
		}
		done = append(done, a.Type)
		if e.actionLog != nil {
			if err := e.actionLog.RecordAction(ctx, r, c.ID, a.Type); err != nil {
				log.Error().Err(err).Str("rule_id", r.ID).Str("change_id", c.ID).Msg("failed to record automation action")
			}
		}
	}
	return done
}

func (e *Engine) notify(ctx context.Context, r domain.AutomationRule, c *domain.Change, a domain.Action) {
	if e.notifier == nil {
		return
	}
	priority, _ := a.Params["priority"].(string)
	if priority == "" {
		priority = "normal"
	}
	snapshot := *c
	e.notifier.Send(ctx, domain.Notification{
		Type:     domain.NotifyAutomationAction,
		Title:    "Automation rule matched: " + r.Name,
		Message:  fmt.Sprintf("%s change on %s (impact %s)", c.Type, c.Page, c.Impact),
		Priority: priority,
		RuleID:   r.ID,
		RuleName: r.Name,
		Change:   &snapshot,
	})
}

func (e *Engine) enqueue(ctx context.Context, r domain.AutomationRule, c *domain.Change, a domain.Action) {
	if e.queue == nil {
		log.Warn().Str("rule_id", r.ID).Str("change_id", c.ID).Msg("queue action without a configured queue")
		return
	}
	priority := DefaultQueuePriority
	if v, ok := a.Params["priority"]; ok {
		if f := toNumber(v); !math.IsNaN(f) && f != 0 {
			priority = int(f)
		}
	}
	if err := e.queue.AddChange(ctx, *c, priority); err != nil {
		log.Error().Err(err).Str("rule_id", r.ID).Str("change_id", c.ID).Msg("failed to queue change")
	}
}

func cloneRule(r domain.AutomationRule) domain.AutomationRule {
	r.Conditions = append([]domain.Condition(nil), r.Conditions...)
	r.Actions = append([]domain.Action(nil), r.Actions...)
	return r
}
