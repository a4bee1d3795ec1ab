package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

const secret = "s3cret"

func sign(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestAccept_ValidSignature(t *testing.T) {
	g := New(secret)
	body := []byte(`{"action":"opened","issue":{"number":42,"title":"Fix login","labels":[{"name":"bot:simple"}]}}`)

	ev, err := g.Accept(body, sign(t, body), "issues")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventIssueOpened {
		t.Fatalf("expected issue_opened, got %s", ev.Type)
	}
	if ev.IssueNumber != 42 || ev.Title != "Fix login" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Labels) != 1 || ev.Labels[0] != "bot:simple" {
		t.Fatalf("labels not parsed: %v", ev.Labels)
	}
}

func TestAccept_BodyMutationRejected(t *testing.T) {
	g := New(secret)
	body := []byte(`{"action":"opened","issue":{"number":42}}`)
	sig := sign(t, body)

	mutated := make([]byte, len(body))
	copy(mutated, body)
	mutated[10] ^= 0x01

	_, err := g.Accept(mutated, sig, "issues")
	if err == nil {
		t.Fatal("expected signature error")
	}
	if !faults.Is(err, faults.KindAuth) {
		t.Fatalf("expected auth fault, got %v", err)
	}
}

func TestAccept_HeaderMutationRejected(t *testing.T) {
	g := New(secret)
	body := []byte(`{"action":"opened","issue":{"number":42}}`)
	sig := []byte(sign(t, body))
	sig[len(sig)-1] ^= 0x01

	if _, err := g.Accept(body, string(sig), "issues"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestAccept_WrongSecretRejected(t *testing.T) {
	g := New("different-secret")
	body := []byte(`{}`)
	if _, err := g.Accept(body, sign(t, body), "issues"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestAccept_UnknownTypeDropped(t *testing.T) {
	g := New(secret)
	body := []byte(`{"zen":"Keep it logically awesome."}`)

	ev, err := g.Accept(body, sign(t, body), "some_future_event")
	if err != nil {
		t.Fatalf("unknown event types must not error: %v", err)
	}
	if ev.Type != EventIgnored {
		t.Fatalf("expected ignored, got %s", ev.Type)
	}
}

func TestAccept_IrrelevantActionDropped(t *testing.T) {
	g := New(secret)
	body := []byte(`{"action":"closed","issue":{"number":42}}`)

	ev, err := g.Accept(body, sign(t, body), "issues")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventIgnored {
		t.Fatalf("expected ignored, got %s", ev.Type)
	}
}

func TestAccept_IssueComment(t *testing.T) {
	g := New(secret)
	body := []byte(`{
		"action": "created",
		"issue": {"number": 42, "pull_request": {"url": "https://api.github.com/repos/a/w/pulls/42"}},
		"comment": {"id": 7, "body": "looks good"}
	}`)

	ev, err := g.Accept(body, sign(t, body), "issue_comment")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventIssueCommented {
		t.Fatalf("expected issue_commented, got %s", ev.Type)
	}
	if !ev.IsPullRequest {
		t.Fatal("expected comment to be flagged as PR-scoped")
	}
	if ev.CommentID != 7 || ev.CommentBody != "looks good" {
		t.Fatalf("unexpected comment fields: %+v", ev)
	}
}

func TestAccept_ReviewSubmitted(t *testing.T) {
	g := New(secret)
	body := []byte(`{
		"action": "submitted",
		"pull_request": {"number": 101},
		"review": {"state": "approved"}
	}`)

	ev, err := g.Accept(body, sign(t, body), "pull_request_review")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventPRReviewSubmitted || ev.PRNumber != 101 || ev.ReviewState != "approved" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestAccept_ReviewComment(t *testing.T) {
	g := New(secret)
	body := []byte(`{
		"action": "created",
		"pull_request": {"number": 101},
		"comment": {"id": 55, "body": "rename this", "path": "auth/login.go", "in_reply_to_id": 54}
	}`)

	ev, err := g.Accept(body, sign(t, body), "pull_request_review_comment")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventPRReviewCommentCreated {
		t.Fatalf("expected review comment event, got %s", ev.Type)
	}
	if ev.PRNumber != 101 || ev.CommentID != 55 || ev.CommentPath != "auth/login.go" || ev.InReplyTo != 54 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestAccept_CheckSuiteCompleted(t *testing.T) {
	g := New(secret)
	body := []byte(`{
		"action": "completed",
		"check_suite": {
			"conclusion": "failure",
			"head_sha": "abc123",
			"pull_requests": [{"number": 101}, {"number": 102}]
		}
	}`)

	ev, err := g.Accept(body, sign(t, body), "check_suite")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventCheckSuiteCompleted || ev.CheckConclusion != "failure" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.PRNumbers) != 2 || ev.PRNumbers[0] != 101 {
		t.Fatalf("pr numbers not parsed: %v", ev.PRNumbers)
	}
}

func TestAccept_CheckRunCompleted(t *testing.T) {
	g := New(secret)
	body := []byte(`{
		"action": "completed",
		"check_run": {
			"id": 9001,
			"name": "unit-tests",
			"conclusion": "failure",
			"head_sha": "abc123",
			"pull_requests": [{"number": 101}]
		}
	}`)

	ev, err := g.Accept(body, sign(t, body), "check_run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != EventCheckRunCompleted || ev.CheckRunID != 9001 || ev.CheckName != "unit-tests" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
