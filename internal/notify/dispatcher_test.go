package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kiteflow/internal/domain"
)

type recordedRequest struct {
	path string
	body []byte
}

func newRecorder(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{path: r.URL.Path, body: b})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeEmail) SendEmail(_ context.Context, to string, _ domain.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, to)
	f.mu.Unlock()
	return nil
}

func TestSendFansOutToEnabledChannels(t *testing.T) {
	t.Parallel()
	srv, requests := newRecorder(t)
	email := &fakeEmail{}
	d := NewDispatcher(Config{
		Email:      email,
		RatePerSec: 100,
		Settings: domain.NotificationSettings{
			Email: true, Webhook: true, Slack: true, InApp: true,
			EmailAddress: "ops@kitesafaris.com",
			WebhookURL:   srv.URL + "/hook",
			SlackWebhook: srv.URL + "/slack",
		},
	})

	d.Send(context.Background(), domain.Notification{Type: domain.NotifyTaskCompleted, TaskName: "Weekly SEO Audit", Message: "12 pages scanned"})

	reqs := requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d HTTP deliveries, want 2", len(reqs))
	}
	byPath := map[string][]byte{}
	for _, r := range reqs {
		byPath[r.path] = r.body
	}

	var hook domain.Notification
	if err := json.Unmarshal(byPath["/hook"], &hook); err != nil {
		t.Fatalf("webhook body not a notification: %v", err)
	}
	if hook.Type != domain.NotifyTaskCompleted || hook.TaskName != "Weekly SEO Audit" || hook.ID == "" {
		t.Fatalf("webhook body = %+v", hook)
	}

	var slack map[string]string
	if err := json.Unmarshal(byPath["/slack"], &slack); err != nil {
		t.Fatalf("slack body: %v", err)
	}
	if !strings.Contains(slack["text"], "Task completed: Weekly SEO Audit") {
		t.Fatalf("slack text = %q", slack["text"])
	}

	if len(email.sent) != 1 || email.sent[0] != "ops@kitesafaris.com" {
		t.Fatalf("email sent = %v", email.sent)
	}
	if got := d.Recent(10); len(got) != 1 {
		t.Fatalf("inbox = %d notifications, want 1", len(got))
	}
}

func TestSendSkipsDisabledOrUnconfiguredChannels(t *testing.T) {
	t.Parallel()
	srv, requests := newRecorder(t)
	email := &fakeEmail{}
	d := NewDispatcher(Config{
		Email: email,
		Settings: domain.NotificationSettings{
			Email:      true, // no address
			Webhook:    false,
			WebhookURL: srv.URL,
			Slack:      true, // no URL
		},
	})
	d.Send(context.Background(), domain.Notification{Type: "custom"})

	if n := len(requests()); n != 0 {
		t.Fatalf("got %d HTTP deliveries, want 0", n)
	}
	if len(email.sent) != 0 {
		t.Fatalf("email sent without address: %v", email.sent)
	}
	if got := d.Recent(10); len(got) != 0 {
		t.Fatalf("in-app disabled but inbox has %d", len(got))
	}
}

func TestSendSwallowsDeliveryFailures(t *testing.T) {
	t.Parallel()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()

	d := NewDispatcher(Config{Settings: domain.NotificationSettings{
		Webhook: true, WebhookURL: failing.URL,
		Slack: true, SlackWebhook: "http://127.0.0.1:0/unreachable",
		InApp: true,
	}})

	// Must return normally; the only signal is a log line.
	d.Send(context.Background(), domain.Notification{Type: domain.NotifyTaskFailed, TaskName: "x"})
	if got := d.Recent(1); len(got) != 1 {
		t.Fatalf("in-app delivery should still happen, inbox = %d", len(got))
	}
}

func TestRateLimitDropsWhenContextEndsFirst(t *testing.T) {
	t.Parallel()
	srv, requests := newRecorder(t)
	d := NewDispatcher(Config{
		RatePerSec: 0.01,
		Burst:      1,
		Settings:   domain.NotificationSettings{Webhook: true, WebhookURL: srv.URL, InApp: true},
	})

	d.Send(context.Background(), domain.Notification{Type: domain.NotifyTaskCompleted, TaskName: "first"})
	if n := len(requests()); n != 1 {
		t.Fatalf("first delivery: got %d requests, want 1", n)
	}

	// The bucket is empty and the next token is 100s away.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	d.Send(ctx, domain.Notification{Type: domain.NotifyTaskCompleted, TaskName: "second"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Send blocked for %s", elapsed)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	d.Send(cancelled, domain.Notification{Type: domain.NotifyTaskCompleted, TaskName: "third"})

	if n := len(requests()); n != 1 {
		t.Fatalf("throttled deliveries went out: got %d requests, want 1", n)
	}
	if got := d.Recent(10); len(got) != 3 {
		t.Fatalf("in-app delivery is not rate limited, inbox = %d", len(got))
	}
}

func TestUpdateSettingsMerges(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{Settings: DefaultSettings()})
	on := true
	url := "https://hooks.slack.com/services/T/B/X"
	got := d.UpdateSettings(SettingsPatch{Slack: &on, SlackWebhook: &url})
	if !got.Slack || got.SlackWebhook != url || !got.InApp {
		t.Fatalf("settings after merge = %+v", got)
	}
	off := false
	got = d.UpdateSettings(SettingsPatch{InApp: &off})
	if got.InApp || !got.Slack || got.SlackWebhook != url {
		t.Fatalf("second merge clobbered fields: %+v", got)
	}
	if d.Settings() != got {
		t.Fatalf("Settings() = %+v, want %+v", d.Settings(), got)
	}
}

func TestInboxIsBoundedNewestFirst(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(Config{Settings: DefaultSettings(), InboxSize: 3})
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		d.Send(context.Background(), domain.Notification{Type: "custom", Title: title})
	}
	got := d.Recent(0)
	if len(got) != 3 {
		t.Fatalf("inbox size = %d, want 3", len(got))
	}
	if got[0].Title != "e" || got[2].Title != "c" {
		t.Fatalf("inbox order = %s,%s,%s", got[0].Title, got[1].Title, got[2].Title)
	}
}

func TestFormatSlackTemplates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		n    domain.Notification
		want string
	}{
		{name: "completed", n: domain.Notification{Type: domain.NotifyTaskCompleted, TaskName: "Daily Keyword Monitoring"}, want: "Task completed: Daily Keyword Monitoring"},
		{name: "failed", n: domain.Notification{Type: domain.NotifyTaskFailed, TaskName: "Weekly SEO Audit", Message: "timeout"}, want: "Error: timeout"},
		{name: "automation", n: domain.Notification{Type: domain.NotifyAutomationAction, RuleName: "high impact", Change: &domain.Change{Page: "/booking"}}, want: "Page: /booking"},
		{name: "generic", n: domain.Notification{Type: "digest", Title: "weekly"}, want: `"type": "digest"`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatSlack(tt.n); !strings.Contains(got, tt.want) {
				t.Fatalf("FormatSlack = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestRenderEmailHTML(t *testing.T) {
	t.Parallel()
	n := domain.Notification{Type: domain.NotifyAutomationAction, Title: "Rule matched", Change: &domain.Change{Page: "/destinations/zanzibar", Type: "meta", Impact: "high"}}
	out, err := RenderEmailHTML(EmailMarkdown(n))
	if err != nil {
		t.Fatalf("RenderEmailHTML: %v", err)
	}
	if !strings.Contains(out, "<h2") || !strings.Contains(out, "<strong>Page:</strong>") {
		t.Fatalf("unexpected html: %s", out)
	}
	if s := EmailSubject(n); !strings.HasPrefix(s, "[KiteSafaris] Automation") {
		t.Fatalf("subject = %q", s)
	}
}
