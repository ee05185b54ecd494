package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sendgrid/sendgrid-go"

	"kiteflow/internal/domain"
)

func newTestSendGrid(t *testing.T, baseURL string) *SendGridEmail {
	t.Helper()
	client := sendgrid.NewSendClient("SG.test")
	client.BaseURL = baseURL + "/v3/mail/send"
	return &SendGridEmail{client: client, fromName: "KiteSafaris Automation", from: "ops@kitesafaris.test"}
}

func TestSendGridEmailPostsMessage(t *testing.T) {
	t.Parallel()
	srv, requests := newRecorder(t)
	s := newTestSendGrid(t, srv.URL)
	n := domain.Notification{Type: domain.NotifyTaskCompleted, TaskName: "Weekly SEO Audit"}
	if err := s.SendEmail(context.Background(), "team@kitesafaris.test", n); err != nil {
		t.Fatal(err)
	}
	got := requests()
	if len(got) != 1 || got[0].path != "/v3/mail/send" {
		t.Fatalf("requests = %+v", got)
	}
	for _, want := range []string{"team@kitesafaris.test", EmailSubject(n)} {
		if !strings.Contains(string(got[0].body), want) {
			t.Fatalf("request body missing %q: %s", want, got[0].body)
		}
	}
}

func TestSendGridEmailReportsStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, `{"errors":[{"message":"bad key"}]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	s := newTestSendGrid(t, srv.URL)
	err := s.SendEmail(context.Background(), "team@kitesafaris.test", domain.Notification{Type: "custom"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want status 401", err)
	}
}

func TestSendGridEmailHonoursContext(t *testing.T) {
	t.Parallel()
	srv, requests := newRecorder(t)
	s := newTestSendGrid(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendEmail(ctx, "team@kitesafaris.test", domain.Notification{Type: "custom"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if n := len(requests()); n != 0 {
		t.Fatalf("requests = %d, want 0", n)
	}
}
