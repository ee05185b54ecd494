package domain

import "time"

type TaskStatus string

const (
	StatusIdle      TaskStatus = "idle"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// ScheduledTask is a named recurring unit of work owned by the scheduler.
type ScheduledTask struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Schedule     string         `json:"schedule"`
	Enabled      bool           `json:"enabled"`
	Status       TaskStatus     `json:"status"`
	LastRun      *time.Time     `json:"last_run,omitempty"`
	NextRun      *time.Time     `json:"next_run,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	RunCount     int            `json:"run_count"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Result is what a work function hands back to the scheduler. Changes, when
// present, are run through the automation rules before the task completes.
type Result struct {
	Data    map[string]any
	Changes []*Change
}

// Change statuses.
const (
	ChangePending  = "pending"
	ChangeApproved = "approved"
	ChangeRejected = "rejected"
)

// Change is a generated optimization suggestion for a single page.
type Change struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Page       string   `json:"page"`
	Impact     string   `json:"impact"`
	Confidence *float64 `json:"confidence,omitempty"`
	Status     string   `json:"status,omitempty"`
	Title      string   `json:"title,omitempty"`
	Current    string   `json:"current,omitempty"`
	Suggested  string   `json:"suggested,omitempty"`
}

// Condition operators.
const (
	OpEquals      = "equals"
	OpContains    = "contains"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
)

// Condition field types.
const (
	FieldImpact     = "impact"
	FieldChangeType = "changeType"
	FieldPageType   = "pageType"
	FieldConfidence = "confidence"
)

type Condition struct {
	Type     string `json:"type"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Action types.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionNotify  = "notify"
	ActionQueue   = "queue"
)

type Action struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

type AutomationRule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Enabled     bool        `json:"enabled"`
	Priority    int         `json:"priority"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Notification types with dedicated Slack templates.
const (
	NotifyTaskCompleted    = "task_completed"
	NotifyTaskFailed       = "task_failed"
	NotifyAutomationAction = "automation_action"
)

type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	TaskName  string         `json:"task_name,omitempty"`
	RuleID    string         `json:"rule_id,omitempty"`
	RuleName  string         `json:"rule_name,omitempty"`
	Change    *Change        `json:"change,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type NotificationSettings struct {
	Email        bool   `json:"email" mapstructure:"email"`
	Webhook      bool   `json:"webhook" mapstructure:"webhook"`
	Slack        bool   `json:"slack" mapstructure:"slack"`
	InApp        bool   `json:"in_app" mapstructure:"in_app"`
	EmailAddress string `json:"email_address,omitempty" mapstructure:"email_address"`
	WebhookURL   string `json:"webhook_url,omitempty" mapstructure:"webhook_url"`
	SlackWebhook string `json:"slack_webhook,omitempty" mapstructure:"slack_webhook"`
}

// TaskRun is one recorded execution attempt.
type TaskRun struct {
	ID         int64          `json:"id"`
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// QueuedChange is a change waiting in the optimization queue.
type QueuedChange struct {
	ID        string    `json:"id"`
	Change    Change    `json:"change"`
	Priority  int       `json:"priority"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
