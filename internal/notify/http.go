package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kiteflow/internal/domain"
)

type slackMessage struct {
	Text string `json:"text"`
}

func postJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("invalid notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FormatSlack renders the Slack message text for a notification.
func FormatSlack(n domain.Notification) string {
	switch n.Type {
	case domain.NotifyTaskCompleted:
		return fmt.Sprintf("✅ Task completed: %s\n%s", n.TaskName, n.Message)
	case domain.NotifyTaskFailed:
		return fmt.Sprintf("❌ Task failed: %s\nError: %s", n.TaskName, n.Message)
	case domain.NotifyAutomationAction:
		msg := fmt.Sprintf("🤖 Automation rule %q matched", n.RuleName)
		if n.Change != nil {
			msg += fmt.Sprintf("\nPage: %s\nType: %s\nImpact: %s", n.Change.Page, n.Change.Type, n.Change.Impact)
		}
		if n.Priority != "" {
			msg += "\nPriority: " + n.Priority
		}
		return msg
	default:
		b, err := json.MarshalIndent(n, "", "  ")
		if err != nil {
			return n.Title
		}
		return "📢 Notification\n```" + string(b) + "```"
	}
}
