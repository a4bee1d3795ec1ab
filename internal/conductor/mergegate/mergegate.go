// Package mergegate decides when a conductor-authored pull request is
// ready to merge and performs the merge. Readiness is the conjunction of
// passing CI, review approval, and a clean merge state.
package mergegate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conductor-dev/conductor/internal/conductor/store"
)

// Host is the subset of the GitHub client the gate needs.
type Host interface {
	GetCheckStatus(ctx context.Context, ref string) (string, error)
	GetReviewDecision(ctx context.Context, prNumber int) (bool, error)
	HasConflicts(ctx context.Context, number int) (bool, error)
	MergePullRequest(ctx context.Context, number int, message string) error
}

// Config holds the gate dependencies.
type Config struct {
	Store  *store.Store
	Host   Host
	Logger *slog.Logger
}

// Gate evaluates merge readiness on qualifying events.
type Gate struct {
	store  *store.Store
	host   Host
	logger *slog.Logger
}

// New creates a Gate.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: cfg.Store, host: cfg.Host, logger: logger}
}

// HandleCheckSuccess processes a passing check event for one PR. One
// green run is not CI passing; only the aggregate status of the head
// commit promotes pending_ci.
func (g *Gate) HandleCheckSuccess(ctx context.Context, prNumber int) error {
	st, ok, err := g.store.GetPR(prNumber)
	if err != nil || !ok {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	st, err = g.promoteIfChecksPass(ctx, st)
	if err != nil {
		return err
	}
	return g.evaluate(ctx, st)
}

// HandleReviewSubmitted processes a submitted review for one PR. CI may
// have passed while nobody was looking, so the check status is
// re-queried before evaluating readiness.
func (g *Gate) HandleReviewSubmitted(ctx context.Context, prNumber int) error {
	st, ok, err := g.store.GetPR(prNumber)
	if err != nil || !ok {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	st, err = g.promoteIfChecksPass(ctx, st)
	if err != nil {
		return err
	}
	return g.evaluate(ctx, st)
}

// promoteIfChecksPass moves a pending_ci PR to ci_passed when every
// check run on its head commit has concluded successfully.
func (g *Gate) promoteIfChecksPass(ctx context.Context, st store.PRState) (store.PRState, error) {
	if st.Status != store.PRPendingCI || st.HeadSHA == "" {
		return st, nil
	}

	status, err := g.host.GetCheckStatus(ctx, st.HeadSHA)
	if err != nil {
		return st, fmt.Errorf("querying check status for pr %d: %w", st.Number, err)
	}
	if status != "success" {
		return st, nil
	}

	st, err = g.store.UpdatePR(st.Number, func(cur *store.PRState) error {
		cur.Status = store.PRCIPassed
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("marking pr %d ci_passed: %w", st.Number, err)
	}
	g.logActivity(st.Number, "ci_passed", string(store.PRPendingCI), string(store.PRCIPassed), "")
	return st, nil
}

// evaluate checks the readiness conjunction and merges when it holds.
// A failed merge call leaves the PR approved; the next qualifying event
// re-evaluates instead of looping here.
func (g *Gate) evaluate(ctx context.Context, st store.PRState) error {
	if st.Status != store.PRCIPassed && st.Status != store.PRApproved {
		return nil
	}

	if st.Status == store.PRCIPassed {
		reviewApproved, err := g.host.GetReviewDecision(ctx, st.Number)
		if err != nil {
			return fmt.Errorf("querying review decision for pr %d: %w", st.Number, err)
		}
		if !reviewApproved {
			return nil
		}
		conflicts, err := g.host.HasConflicts(ctx, st.Number)
		if err != nil {
			return fmt.Errorf("querying merge state for pr %d: %w", st.Number, err)
		}
		if conflicts {
			g.logger.Info("pr ready except for conflicts", "pr", st.Number)
			return nil
		}

		st, err = g.store.UpdatePR(st.Number, func(cur *store.PRState) error {
			cur.Status = store.PRApproved
			return nil
		})
		if err != nil {
			return fmt.Errorf("marking pr %d approved: %w", st.Number, err)
		}
		g.logActivity(st.Number, "merge_ready", string(store.PRCIPassed), string(store.PRApproved), "")
	}

	message := fmt.Sprintf("%s (#%d)", st.ActionName, st.IssueNumber)
	if err := g.host.MergePullRequest(ctx, st.Number, message); err != nil {
		// Stay approved; a race with a fresh push resolves on the next
		// qualifying event.
		g.logger.Warn("merge failed, staying approved", "pr", st.Number, "error", err)
		g.logActivity(st.Number, "merge_failed", string(store.PRApproved), string(store.PRApproved), err.Error())
		return nil
	}

	if _, err := g.store.UpdatePR(st.Number, func(cur *store.PRState) error {
		cur.Status = store.PRMerged
		return nil
	}); err != nil {
		return fmt.Errorf("marking pr %d merged: %w", st.Number, err)
	}
	g.logActivity(st.Number, "merged", string(store.PRApproved), string(store.PRMerged), "")
	return nil
}

func (g *Gate) logActivity(n int, event, from, to, detail string) {
	if err := g.store.LogActivity(store.PRKey(n), event, from, to, detail); err != nil {
		g.logger.Error("logging activity", "pr", n, "event", event, "error", err)
	}
}
