package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"kiteflow/internal/domain"
)

// LogEmail only logs. Used when no SendGrid key is configured.
type LogEmail struct{}

func (LogEmail) SendEmail(_ context.Context, to string, n domain.Notification) error {
	log.Info().Str("to", to).Str("type", n.Type).Str("subject", EmailSubject(n)).Msg("email notification (not sent, no provider configured)")
	return nil
}

// SendGridEmail delivers notifications through the SendGrid v3 API.
type SendGridEmail struct {
	client   *sendgrid.Client
	fromName string
	from     string
}

func NewSendGridEmail(apiKey, from string) *SendGridEmail {
	return &SendGridEmail{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: "KiteSafaris Automation",
		from:     from,
	}
}

func (s *SendGridEmail) SendEmail(ctx context.Context, to string, n domain.Notification) error {
	from := s.from
	if from == "" {
		from = to
	}
	subject := EmailSubject(n)
	text := EmailMarkdown(n)
	htmlBody, err := RenderEmailHTML(text)
	if err != nil {
		htmlBody = "<pre>" + template.HTMLEscapeString(text) + "</pre>"
	}

	message := mail.NewSingleEmail(mail.NewEmail(s.fromName, from), subject, mail.NewEmail("", to), text, htmlBody)
	// SendWithContext stores the body on the client, so each call gets its own copy.
	client := *s.client
	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func EmailSubject(n domain.Notification) string {
	switch n.Type {
	case domain.NotifyTaskCompleted:
		return fmt.Sprintf("[KiteSafaris] %s completed", n.TaskName)
	case domain.NotifyTaskFailed:
		return fmt.Sprintf("[KiteSafaris] %s failed", n.TaskName)
	case domain.NotifyAutomationAction:
		return fmt.Sprintf("[KiteSafaris] Automation: %s", n.RuleName)
	}
	if n.Title != "" {
		return "[KiteSafaris] " + n.Title
	}
	return "[KiteSafaris] Notification"
}

// EmailMarkdown is the plain-text (markdown) body of a notification email.
func EmailMarkdown(n domain.Notification) string {
	var b strings.Builder
	if n.Title != "" {
		fmt.Fprintf(&b, "## %s\n\n", n.Title)
	}
	if n.Message != "" {
		fmt.Fprintf(&b, "%s\n\n", n.Message)
	}
	if n.Change != nil {
		fmt.Fprintf(&b, "- **Page:** %s\n- **Type:** %s\n- **Impact:** %s\n", n.Change.Page, n.Change.Type, n.Change.Impact)
		if n.Change.Suggested != "" {
			fmt.Fprintf(&b, "- **Suggested:** %s\n", n.Change.Suggested)
		}
	}
	if n.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s\n", n.Priority)
	}
	return strings.TrimSpace(b.String())
}

var emailMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

var emailMarkdownMu sync.Mutex

func RenderEmailHTML(markdown string) (string, error) {
	body := strings.TrimSpace(markdown)
	if body == "" {
		body = "(empty)"
	}
	var out bytes.Buffer
	emailMarkdownMu.Lock()
	err := emailMarkdown.Convert([]byte(body), &out)
	emailMarkdownMu.Unlock()
	if err != nil {
		return "", err
	}
	return out.String(), nil
}
