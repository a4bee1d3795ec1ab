package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

// fakeInvoker returns canned responses and records prompts.
type fakeInvoker struct {
	responses []string
	errs      []error
	prompts   []string
	calls     int
}

func (f *fakeInvoker) Invoke(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func TestAnalyze(t *testing.T) {
	inv := &fakeInvoker{responses: []string{`{
		"document": "## Analysis\nThe login handler drops the session.",
		"actions": [
			{"name": "add-session-check", "description": "Guard the handler"},
			{"name": "add-regression-test", "description": "Cover the bug"}
		]
	}`}}
	c := New(inv, "")

	out, err := c.Analyze(context.Background(), AnalyzeData{
		Title:  "Fix login bug",
		Body:   "Sessions vanish after refresh.",
		Labels: []string{"bot:complex"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Actions) != 2 || out.Actions[0].Name != "add-session-check" {
		t.Fatalf("unexpected actions: %+v", out.Actions)
	}
	if !strings.Contains(inv.prompts[0], "Fix login bug") {
		t.Fatal("issue title missing from prompt")
	}
	if !strings.Contains(inv.prompts[0], "bot:complex") {
		t.Fatal("labels missing from prompt")
	}
}

func TestAnalyze_NoActionsIsTerminal(t *testing.T) {
	inv := &fakeInvoker{responses: []string{`{"document": "nothing to do", "actions": []}`}}
	c := New(inv, "")

	_, err := c.Analyze(context.Background(), AnalyzeData{Title: "t"})
	if !faults.Is(err, faults.KindTerminal) {
		t.Fatalf("expected terminal fault, got %v", err)
	}
}

func TestImplement_StripsCodeFence(t *testing.T) {
	inv := &fakeInvoker{responses: []string{"```json\n" + `{
		"message": "Add null check to session lookup",
		"summary": "Guards against nil sessions.",
		"files": [{"path": "auth/session.go", "content": "package auth\n"}]
	}` + "\n```"}}
	c := New(inv, "")

	out, err := c.Implement(context.Background(), ImplementData{ActionName: "add-session-check"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Files) != 1 || out.Files[0].Path != "auth/session.go" {
		t.Fatalf("unexpected files: %+v", out.Files)
	}
}

func TestCall_TransientRetriedOnce(t *testing.T) {
	inv := &fakeInvoker{
		errs:      []error{faults.Transient(errors.New("timed out"))},
		responses: []string{"", `{"body": "done"}`},
	}
	c := New(inv, "")

	out, err := c.RespondToReview(context.Background(), RespondData{CommentBody: "why?"})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if out.Body != "done" {
		t.Fatalf("unexpected reply: %+v", out)
	}
	if inv.calls != 2 {
		t.Fatalf("expected 2 invocations, got %d", inv.calls)
	}
}

func TestCall_MalformedOutputIsTerminal(t *testing.T) {
	inv := &fakeInvoker{responses: []string{"I could not produce JSON, sorry."}}
	c := New(inv, "")

	_, err := c.FixFailure(context.Background(), FixFailureData{Attempt: 1})
	if !faults.Is(err, faults.KindTerminal) {
		t.Fatalf("expected terminal fault, got %v", err)
	}
}

func TestFixFailure_PromptCarriesLogs(t *testing.T) {
	inv := &fakeInvoker{responses: []string{`{"message": "m", "summary": "s", "files": []}`}}
	c := New(inv, "")

	_, err := c.FixFailure(context.Background(), FixFailureData{
		Attempt: 2,
		FailedChecks: []FailedCheck{
			{Name: "unit-tests", Log: "--- FAIL: TestLogin (0.01s)"},
		},
		ProposeOnly: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := inv.prompts[0]
	if !strings.Contains(p, "unit-tests") || !strings.Contains(p, "TestLogin") {
		t.Fatal("failed check log missing from prompt")
	}
	if !strings.Contains(p, "human approval") {
		t.Fatal("propose-only notice missing from prompt")
	}
}

func TestCommandInvoker(t *testing.T) {
	inv := &CommandInvoker{Command: []string{"cat"}, Timeout: 5 * time.Second}

	out, err := inv.Invoke(context.Background(), "echo me back")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "echo me back" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestCommandInvoker_TimeoutIsTransient(t *testing.T) {
	inv := &CommandInvoker{Command: []string{"sleep", "10"}, Timeout: 50 * time.Millisecond}

	_, err := inv.Invoke(context.Background(), "")
	if !faults.Is(err, faults.KindTransient) {
		t.Fatalf("expected transient fault, got %v", err)
	}
}

func TestCommandInvoker_MissingCommand(t *testing.T) {
	inv := &CommandInvoker{Timeout: time.Second}
	if _, err := inv.Invoke(context.Background(), ""); !faults.Is(err, faults.KindTerminal) {
		t.Fatalf("expected terminal fault, got %v", err)
	}
}
