package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"kiteflow/internal/domain"
)

const defaultInboxSize = 200

// EmailSender delivers one rendered notification to an address.
type EmailSender interface {
	SendEmail(ctx context.Context, to string, n domain.Notification) error
}

// Config configures a Dispatcher. Burst defaults to twice RatePerSec, at
// least 1.
type Config struct {
	Settings   domain.NotificationSettings
	Email      EmailSender
	HTTPClient *http.Client
	RatePerSec float64
	Burst      int
	InboxSize  int
}

// Dispatcher fans a notification out to every enabled channel. Delivery is
// best-effort: channel failures are logged and never returned to the caller.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	settings domain.NotificationSettings

	email   EmailSender
	client  *http.Client
	limiter *rate.Limiter

	imu       sync.Mutex
	inbox     []domain.Notification
	inboxSize int
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Email == nil {
		cfg.Email = LogEmail{}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RatePerSec * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		settings:  cfg.Settings,
		email:     cfg.Email,
		client:    cfg.HTTPClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		inboxSize: cfg.InboxSize,
	}
}

// DefaultSettings has only the in-app channel switched on.
func DefaultSettings() domain.NotificationSettings {
	return domain.NotificationSettings{InApp: true}
}

func (d *Dispatcher) Settings() domain.NotificationSettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// SettingsPatch carries a partial settings update; nil fields are left alone.
type SettingsPatch struct {
	Email        *bool   `json:"email"`
	Webhook      *bool   `json:"webhook"`
	Slack        *bool   `json:"slack"`
	InApp        *bool   `json:"in_app"`
	EmailAddress *string `json:"email_address"`
	WebhookURL   *string `json:"webhook_url"`
	SlackWebhook *string `json:"slack_webhook"`
}

// UpdateSettings merges p into the current settings. Last writer wins.
func (d *Dispatcher) UpdateSettings(p SettingsPatch) domain.NotificationSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &d.settings
	if p.Email != nil {
		s.Email = *p.Email
	}
	if p.Webhook != nil {
		s.Webhook = *p.Webhook
	}
	if p.Slack != nil {
		s.Slack = *p.Slack
	}
	if p.InApp != nil {
		s.InApp = *p.InApp
	}
	if p.EmailAddress != nil {
		s.EmailAddress = *p.EmailAddress
	}
	if p.WebhookURL != nil {
		s.WebhookURL = *p.WebhookURL
	}
	if p.SlackWebhook != nil {
		s.SlackWebhook = *p.SlackWebhook
	}
	return *s
}

// Send delivers n to all enabled channels.
func (d *Dispatcher) Send(ctx context.Context, n domain.Notification) {
	if n.ID == "" {
		n.ID = "ntf_" + uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	s := d.Settings()

	if s.InApp {
		d.pushInbox(n)
	}
	if s.Email && s.EmailAddress != "" {
		d.deliver(ctx, "email", n, func() error { return d.email.SendEmail(ctx, s.EmailAddress, n) })
	}
	if s.Webhook && s.WebhookURL != "" {
		d.deliver(ctx, "webhook", n, func() error { return postJSON(ctx, d.client, s.WebhookURL, n) })
	}
	if s.Slack && s.SlackWebhook != "" {
		d.deliver(ctx, "slack", n, func() error {
			return postJSON(ctx, d.client, s.SlackWebhook, slackMessage{Text: FormatSlack(n)})
		})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, channel string, n domain.Notification, send func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("channel", channel).Str("notification_id", n.ID).Msg("notification panic recovered")
		}
	}()
	if err := d.limiter.Wait(ctx); err != nil {
		msg := "notification dropped by rate limit"
		if cause := context.Cause(ctx); cause != nil {
			err, msg = cause, "notification dropped: context ended before delivery"
		}
		log.Warn().Err(err).Str("channel", channel).Str("notification_id", n.ID).Msg(msg)
		return
	}
	if err := send(); err != nil {
		log.Error().Err(err).Str("channel", channel).Str("type", n.Type).Str("notification_id", n.ID).Msg("notification delivery failed")
		return
	}
	log.Debug().Str("channel", channel).Str("type", n.Type).Str("notification_id", n.ID).Msg("notification sent")
}

func (d *Dispatcher) pushInbox(n domain.Notification) {
	d.imu.Lock()
	defer d.imu.Unlock()
	d.inbox = append(d.inbox, n)
	if over := len(d.inbox) - d.inboxSize; over > 0 {
		d.inbox = append(d.inbox[:0:0], d.inbox[over:]...)
	}
}

// Recent returns up to limit in-app notifications, newest first.
func (d *Dispatcher) Recent(limit int) []domain.Notification {
	d.imu.Lock()
	defer d.imu.Unlock()
	if limit <= 0 || limit > len(d.inbox) {
		limit = len(d.inbox)
	}
	out := make([]domain.Notification, 0, limit)
	for i := len(d.inbox) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.inbox[i])
	}
	return out
}
