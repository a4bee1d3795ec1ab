// Package orchestrator routes classified webhook events to the workflow
// handlers, serialized per entity key through the dispatcher.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/conductor-dev/conductor/internal/conductor/cifix"
	"github.com/conductor-dev/conductor/internal/conductor/dispatch"
	"github.com/conductor-dev/conductor/internal/conductor/issueflow"
	"github.com/conductor-dev/conductor/internal/conductor/store"
	"github.com/conductor-dev/conductor/internal/conductor/webhook"
)

// IssueFlow is the issue workflow surface the router drives.
type IssueFlow interface {
	HandleOpened(ctx context.Context, ev webhook.Event) error
	HandleCommented(ctx context.Context, ev webhook.Event) error
	HandleLabeled(ctx context.Context, ev webhook.Event) error
}

// CIFix is the CI failure handler surface the router drives.
type CIFix interface {
	HandleFailure(ctx context.Context, prNumber int, ev webhook.Event) error
	HandleApprovalComment(ctx context.Context, prNumber int) error
}

// Review is the review handler surface the router drives.
type Review interface {
	Handle(ctx context.Context, ev webhook.Event) error
}

// MergeGate is the merge gate surface the router drives.
type MergeGate interface {
	HandleCheckSuccess(ctx context.Context, prNumber int) error
	HandleReviewSubmitted(ctx context.Context, prNumber int) error
}

// Config holds the router dependencies.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Issues     IssueFlow
	CIFix      CIFix
	Review     Review
	MergeGate  MergeGate
	Logger     *slog.Logger
}

// Router fans classified events out to the handlers.
type Router struct {
	dispatcher *dispatch.Dispatcher
	issues     IssueFlow
	cifix      CIFix
	review     Review
	mergeGate  MergeGate
	logger     *slog.Logger
}

// New creates a Router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		dispatcher: cfg.Dispatcher,
		issues:     cfg.Issues,
		cifix:      cfg.CIFix,
		review:     cfg.Review,
		mergeGate:  cfg.MergeGate,
		logger:     logger,
	}
}

// Route enqueues the handler work for one event. It returns immediately;
// handlers run on the dispatcher's workers, serialized per entity.
func (r *Router) Route(ctx context.Context, ev webhook.Event) {
	switch ev.Type {
	case webhook.EventIssueOpened:
		r.enqueue(ctx, store.IssueKey(ev.IssueNumber), string(ev.Type), func(ctx context.Context) error {
			return r.issues.HandleOpened(ctx, ev)
		})

	case webhook.EventIssueCommented:
		if ev.IsPullRequest {
			// A comment on one of our PRs may carry the approval for a
			// proposed CI fix.
			r.enqueue(ctx, store.PRKey(ev.IssueNumber), string(ev.Type), func(ctx context.Context) error {
				return r.cifix.HandleApprovalComment(ctx, ev.IssueNumber)
			})
			return
		}
		r.enqueue(ctx, store.IssueKey(ev.IssueNumber), string(ev.Type), func(ctx context.Context) error {
			return r.issues.HandleCommented(ctx, ev)
		})

	case webhook.EventIssueLabeled:
		r.enqueue(ctx, store.IssueKey(ev.IssueNumber), string(ev.Type), func(ctx context.Context) error {
			return r.issues.HandleLabeled(ctx, ev)
		})

	case webhook.EventPRReviewSubmitted:
		r.enqueue(ctx, store.PRKey(ev.PRNumber), string(ev.Type), func(ctx context.Context) error {
			// An approving review can also be the approval for a proposed
			// CI fix.
			if err := r.cifix.HandleApprovalComment(ctx, ev.PRNumber); err != nil {
				return err
			}
			return r.mergeGate.HandleReviewSubmitted(ctx, ev.PRNumber)
		})

	case webhook.EventPRReviewCommentCreated:
		r.enqueue(ctx, store.PRKey(ev.PRNumber), string(ev.Type), func(ctx context.Context) error {
			return r.review.Handle(ctx, ev)
		})

	case webhook.EventCheckRunCompleted, webhook.EventCheckSuiteCompleted:
		r.routeCheck(ctx, ev)

	case webhook.EventIgnored:
		// Accepted and dropped.

	default:
		r.logger.Warn("no route for event", "type", ev.Type)
	}
}

// routeCheck fans a completed check out to every associated PR. Success
// goes to the merge gate, a failing conclusion to the CI fix loop, and
// anything else (skipped, neutral, stale) is dropped.
func (r *Router) routeCheck(ctx context.Context, ev webhook.Event) {
	for _, prNumber := range ev.PRNumbers {
		prNumber := prNumber
		switch ev.CheckConclusion {
		case "success":
			r.enqueue(ctx, store.PRKey(prNumber), string(ev.Type), func(ctx context.Context) error {
				return r.mergeGate.HandleCheckSuccess(ctx, prNumber)
			})
		case "failure", "timed_out", "cancelled", "action_required":
			r.enqueue(ctx, store.PRKey(prNumber), string(ev.Type), func(ctx context.Context) error {
				return r.cifix.HandleFailure(ctx, prNumber, ev)
			})
		}
	}
}

func (r *Router) enqueue(ctx context.Context, key, label string, fn func(ctx context.Context) error) {
	r.dispatcher.Enqueue(ctx, key, dispatch.Task{Label: label, Fn: fn})
}

// FixApprovals adapts the cifix handler to the router's surface, wiring
// in the same approval rule the issue workflow uses so both gates accept
// the same gesture.
type FixApprovals struct {
	Handler *cifix.Handler
}

func (a FixApprovals) HandleFailure(ctx context.Context, prNumber int, ev webhook.Event) error {
	return a.Handler.HandleFailure(ctx, prNumber, ev)
}

func (a FixApprovals) HandleApprovalComment(ctx context.Context, prNumber int) error {
	return a.Handler.HandleApproval(ctx, prNumber, issueflow.Approved)
}
