package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiteflow/internal/domain"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "kiteflow dev") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunCommandAudit(t *testing.T) {
	dir := t.TempDir()
	content := filepath.Join(dir, "content")
	if err := os.MkdirAll(content, 0o755); err != nil {
		t.Fatal(err)
	}
	page := "---\ntitle: Safari\n---\nA short page.\n"
	if err := os.WriteFile(filepath.Join(content, "index.md"), []byte(page), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "Weekly SEO Audit", "--db", filepath.Join(dir, "kf.db"), "--content-dir", content})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}

	var task domain.ScheduledTask
	if err := json.Unmarshal(out.Bytes(), &task); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("task = %+v", task)
	}
	if task.Result["pages_scanned"] != float64(1) {
		t.Fatalf("result = %v", task.Result)
	}
	if _, ok := task.Result["automation"]; !ok {
		t.Fatalf("changes were not run through the rules: %v", task.Result)
	}
}

func TestRunCommandUnknownTask(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run", "Hourly Nothing", "--db", filepath.Join(t.TempDir(), "kf.db")})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unknown task")
	}
}
