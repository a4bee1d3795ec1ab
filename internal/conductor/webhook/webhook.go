// Package webhook authenticates and classifies inbound GitHub webhook
// deliveries. It is the first line of defense: signature verification,
// envelope parsing, nothing else.
package webhook

import (
	"fmt"

	gh "github.com/google/go-github/v68/github"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

// EventType identifies the classified event variant.
type EventType string

const (
	EventIssueOpened            EventType = "issue_opened"
	EventIssueCommented         EventType = "issue_commented"
	EventIssueLabeled           EventType = "issue_labeled"
	EventPRReviewSubmitted      EventType = "pr_review_submitted"
	EventPRReviewCommentCreated EventType = "pr_review_comment_created"
	EventCheckRunCompleted      EventType = "check_run_completed"
	EventCheckSuiteCompleted    EventType = "check_suite_completed"
	// EventIgnored marks deliveries we accept and drop: unrecognized
	// types and irrelevant actions. Forward compatibility, never an
	// error.
	EventIgnored EventType = "ignored"
)

// Event is the parsed envelope of one delivery, carrying just enough for
// state lookup and dispatch.
type Event struct {
	Type EventType

	// IssueNumber is set for issue-scoped events. For comments on pull
	// requests it carries the PR number with IsPullRequest set.
	IssueNumber   int
	IsPullRequest bool

	// PRNumber is set for PR-scoped events.
	PRNumber int
	// PRNumbers lists the PRs associated with a check event.
	PRNumbers []int

	Title  string
	Body   string
	Labels []string

	CommentID   int64
	CommentBody string
	CommentPath string
	InReplyTo   int64

	ReviewState string

	CheckRunID      int64
	CheckName       string
	CheckConclusion string
	HeadSHA         string
}

// Gateway verifies and classifies webhook deliveries.
type Gateway struct {
	secret []byte
}

// New creates a Gateway with the shared webhook secret.
func New(secret string) *Gateway {
	return &Gateway{secret: []byte(secret)}
}

// Accept verifies the HMAC-SHA256 signature over the raw body and parses
// the delivery. The signature header carries "sha256=<hex>"; comparison
// is constant-time. A mismatch returns an auth fault and the body must
// not be processed further.
func (g *Gateway) Accept(body []byte, signature, eventType string) (Event, error) {
	if err := gh.ValidateSignature(signature, body, g.secret); err != nil {
		return Event{}, faults.Auth(fmt.Errorf("verifying webhook signature: %w", err))
	}

	payload, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		// An authenticated delivery of a type go-github doesn't know is
		// dropped, not failed.
		return Event{Type: EventIgnored}, nil
	}

	return classify(payload), nil
}

func classify(payload any) Event {
	switch ev := payload.(type) {
	case *gh.IssuesEvent:
		return classifyIssues(ev)
	case *gh.IssueCommentEvent:
		if ev.GetAction() != "created" {
			return Event{Type: EventIgnored}
		}
		return Event{
			Type:          EventIssueCommented,
			IssueNumber:   ev.GetIssue().GetNumber(),
			IsPullRequest: ev.GetIssue().IsPullRequest(),
			CommentID:     ev.GetComment().GetID(),
			CommentBody:   ev.GetComment().GetBody(),
		}
	case *gh.PullRequestReviewEvent:
		if ev.GetAction() != "submitted" {
			return Event{Type: EventIgnored}
		}
		return Event{
			Type:        EventPRReviewSubmitted,
			PRNumber:    ev.GetPullRequest().GetNumber(),
			ReviewState: ev.GetReview().GetState(),
		}
	case *gh.PullRequestReviewCommentEvent:
		if ev.GetAction() != "created" {
			return Event{Type: EventIgnored}
		}
		return Event{
			Type:        EventPRReviewCommentCreated,
			PRNumber:    ev.GetPullRequest().GetNumber(),
			CommentID:   ev.GetComment().GetID(),
			CommentBody: ev.GetComment().GetBody(),
			CommentPath: ev.GetComment().GetPath(),
			InReplyTo:   ev.GetComment().GetInReplyTo(),
		}
	case *gh.CheckRunEvent:
		if ev.GetAction() != "completed" {
			return Event{Type: EventIgnored}
		}
		cr := ev.GetCheckRun()
		return Event{
			Type:            EventCheckRunCompleted,
			CheckRunID:      cr.GetID(),
			CheckName:       cr.GetName(),
			CheckConclusion: cr.GetConclusion(),
			HeadSHA:         cr.GetHeadSHA(),
			PRNumbers:       prNumbers(cr.PullRequests),
		}
	case *gh.CheckSuiteEvent:
		if ev.GetAction() != "completed" {
			return Event{Type: EventIgnored}
		}
		cs := ev.GetCheckSuite()
		return Event{
			Type:            EventCheckSuiteCompleted,
			CheckConclusion: cs.GetConclusion(),
			HeadSHA:         cs.GetHeadSHA(),
			PRNumbers:       prNumbers(cs.PullRequests),
		}
	}
	return Event{Type: EventIgnored}
}

func classifyIssues(ev *gh.IssuesEvent) Event {
	issue := ev.GetIssue()
	e := Event{
		IssueNumber: issue.GetNumber(),
		Title:       issue.GetTitle(),
		Body:        issue.GetBody(),
	}
	for _, l := range issue.Labels {
		e.Labels = append(e.Labels, l.GetName())
	}

	switch ev.GetAction() {
	case "opened":
		e.Type = EventIssueOpened
	case "labeled":
		e.Type = EventIssueLabeled
	default:
		return Event{Type: EventIgnored}
	}
	return e
}

func prNumbers(prs []*gh.PullRequest) []int {
	var nums []int
	for _, pr := range prs {
		nums = append(nums, pr.GetNumber())
	}
	return nums
}
