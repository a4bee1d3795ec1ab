// Package cifix runs the bounded auto-fix loop for failing CI on
// conductor-authored pull requests: at most three applied fixes per PR,
// then escalation to a human.
package cifix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/internal/conductor/ai"
	"github.com/conductor-dev/conductor/internal/conductor/github"
	"github.com/conductor-dev/conductor/internal/conductor/store"
	"github.com/conductor-dev/conductor/internal/conductor/strategy"
	"github.com/conductor-dev/conductor/internal/conductor/webhook"
)

// maxLogBytes caps how much of each failing check's log goes into the
// fix prompt; the tail is kept because that is where CI tools print the
// verdict.
const maxLogBytes = 4 * 1024

// Host is the subset of the GitHub client the handler needs.
type Host interface {
	CommitFiles(ctx context.Context, branch, message string, files map[string][]byte) (string, error)
	PostComment(ctx context.Context, number int, body string) (github.Comment, error)
	GetReactions(ctx context.Context, commentID int64) ([]github.Reaction, error)
	FetchCheckRuns(ctx context.Context, ref string) ([]github.CheckRun, error)
	FetchCheckRunLog(ctx context.Context, checkRunID int64) ([]byte, error)
}

// Fixer is the subset of the AI client the handler needs.
type Fixer interface {
	FixFailure(ctx context.Context, data ai.FixFailureData) (ai.Patch, error)
}

// Config holds the handler dependencies.
type Config struct {
	Store *store.Store
	Host  Host
	Fixer Fixer
	// MaxAttempts is the applied-fix budget per PR.
	MaxAttempts int
	// Maintainer is the login tagged in escalation comments.
	Maintainer string
	Logger     *slog.Logger
}

// Handler is the CI failure state machine.
type Handler struct {
	store       *store.Store
	host        Host
	fixer       Fixer
	maxAttempts int
	maintainer  string
	logger      *slog.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       cfg.Store,
		host:        cfg.Host,
		fixer:       cfg.Fixer,
		maxAttempts: maxAttempts,
		maintainer:  cfg.Maintainer,
		logger:      logger,
	}
}

// HandleFailure processes one CI-failure notification for one PR.
func (h *Handler) HandleFailure(ctx context.Context, prNumber int, ev webhook.Event) error {
	st, ok, err := h.store.GetPR(prNumber)
	if err != nil {
		return err
	}
	if !ok {
		// CI failed on a PR we did not author.
		return nil
	}
	if st.Status.Terminal() {
		h.logger.Info("dropping CI failure for terminal PR", "pr", prNumber, "status", st.Status)
		return nil
	}

	if st.FixAttempts >= h.maxAttempts {
		return h.escalate(ctx, st)
	}

	// A proposal is already out awaiting its reaction; a redelivered
	// failure event must not produce a second one.
	if st.PendingFix != "" && st.ProposalCommentID != 0 {
		h.logger.Info("fix proposal already pending", "pr", prNumber, "comment", st.ProposalCommentID)
		return nil
	}

	st, err = h.store.UpdatePR(prNumber, func(cur *store.PRState) error {
		cur.Status = store.PRCIFailed
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking pr %d ci_failed: %w", prNumber, err)
	}

	failureLog, err := h.collectFailureLog(ctx, ev.HeadSHA)
	if err != nil {
		h.logger.Warn("collecting failure logs", "pr", prNumber, "error", err)
	}

	if st.CIStrategy == strategy.CIApprovalRequired {
		return h.proposeFix(ctx, st, failureLog)
	}
	return h.applyFix(ctx, st, failureLog, nil)
}

// HandleApproval checks whether a pending proposed fix on the PR has
// collected an approval reaction and applies it.
func (h *Handler) HandleApproval(ctx context.Context, prNumber int, approved func([]github.Reaction) bool) error {
	st, ok, err := h.store.GetPR(prNumber)
	if err != nil || !ok {
		return err
	}
	if st.Status != store.PRCIFailed || st.PendingFix == "" || st.ProposalCommentID == 0 {
		return nil
	}

	reactions, err := h.host.GetReactions(ctx, st.ProposalCommentID)
	if err != nil {
		return fmt.Errorf("reading fix approval reactions for pr %d: %w", prNumber, err)
	}
	if !approved(reactions) {
		return nil
	}

	var patch ai.Patch
	if err := json.Unmarshal([]byte(st.PendingFix), &patch); err != nil {
		return fmt.Errorf("decoding pending fix for pr %d: %w", prNumber, err)
	}
	return h.applyFix(ctx, st, st.FailureLog, &patch)
}

// applyFix pushes exactly one fix commit and advances the counters. A
// nil patch means the fix is produced now from the failure log; a
// non-nil one was approved earlier and is applied as stored.
func (h *Handler) applyFix(ctx context.Context, st store.PRState, failureLog string, patch *ai.Patch) error {
	if patch == nil {
		fresh, err := h.fixer.FixFailure(ctx, ai.FixFailureData{
			FailedChecks: []ai.FailedCheck{{Name: "ci", Log: failureLog}},
			Attempt:      st.FixAttempts + 1,
		})
		if err != nil {
			return fmt.Errorf("producing fix for pr %d: %w", st.Number, err)
		}
		patch = &fresh
	}
	if len(patch.Files) == 0 {
		return fmt.Errorf("fix for pr %d carries no files", st.Number)
	}

	files := make(map[string][]byte, len(patch.Files))
	for _, f := range patch.Files {
		files[f.Path] = []byte(f.Content)
	}
	sha, err := h.host.CommitFiles(ctx, st.BranchName, patch.Message, files)
	if err != nil {
		return fmt.Errorf("pushing fix to %s: %w", st.BranchName, err)
	}

	updated, err := h.store.UpdatePR(st.Number, func(cur *store.PRState) error {
		now := time.Now().UTC()
		cur.FixAttempts++
		cur.LastFixAt = &now
		cur.Status = store.PRPendingCI
		cur.HeadSHA = sha
		cur.PendingFix = ""
		cur.ProposalCommentID = 0
		cur.FailureLog = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording fix for pr %d: %w", st.Number, err)
	}
	h.logActivity(st.Number, "fix_applied", string(store.PRCIFailed), string(store.PRPendingCI),
		fmt.Sprintf("attempt %d/%d", updated.FixAttempts, h.maxAttempts))
	return nil
}

// proposeFix posts the fix for approval without applying it. The PR
// stays ci_failed until a reaction arrives.
func (h *Handler) proposeFix(ctx context.Context, st store.PRState, failureLog string) error {
	patch, err := h.fixer.FixFailure(ctx, ai.FixFailureData{
		FailedChecks: []ai.FailedCheck{{Name: "ci", Log: failureLog}},
		Attempt:      st.FixAttempts + 1,
		ProposeOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("producing fix proposal for pr %d: %w", st.Number, err)
	}

	comment, err := h.host.PostComment(ctx, st.Number, proposalComment(patch, st.FixAttempts+1, h.maxAttempts))
	if err != nil {
		return fmt.Errorf("posting fix proposal for pr %d: %w", st.Number, err)
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encoding pending fix for pr %d: %w", st.Number, err)
	}
	if _, err := h.store.UpdatePR(st.Number, func(cur *store.PRState) error {
		cur.Status = store.PRCIFailed
		cur.PendingFix = string(raw)
		cur.ProposalCommentID = comment.ID
		cur.FailureLog = failureLog
		return nil
	}); err != nil {
		return fmt.Errorf("recording fix proposal for pr %d: %w", st.Number, err)
	}
	h.logActivity(st.Number, "fix_proposed", string(st.Status), string(store.PRCIFailed),
		fmt.Sprintf("attempt %d/%d awaiting approval", st.FixAttempts+1, h.maxAttempts))
	return nil
}

// escalate hands the PR to a human after the fix budget is exhausted.
func (h *Handler) escalate(ctx context.Context, st store.PRState) error {
	if _, err := h.host.PostComment(ctx, st.Number, h.escalationComment(st)); err != nil {
		return fmt.Errorf("posting escalation comment for pr %d: %w", st.Number, err)
	}
	if _, err := h.store.UpdatePR(st.Number, func(cur *store.PRState) error {
		cur.Status = store.PREscalated
		cur.PendingFix = ""
		cur.ProposalCommentID = 0
		return nil
	}); err != nil {
		return fmt.Errorf("marking pr %d escalated: %w", st.Number, err)
	}
	h.logActivity(st.Number, "escalated", string(st.Status), string(store.PREscalated),
		fmt.Sprintf("%d fix attempts exhausted", st.FixAttempts))
	return nil
}

// collectFailureLog pulls the logs of every failed check run on the
// head commit, truncated per check.
func (h *Handler) collectFailureLog(ctx context.Context, headSHA string) (string, error) {
	if headSHA == "" {
		return "", nil
	}
	runs, err := h.host.FetchCheckRuns(ctx, headSHA)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, run := range runs {
		if run.Conclusion != "failure" && run.Conclusion != "timed_out" {
			continue
		}
		raw, err := h.host.FetchCheckRunLog(ctx, run.ID)
		if err != nil {
			h.logger.Warn("fetching check run log", "check", run.Name, "error", err)
			continue
		}
		fmt.Fprintf(&sb, "== %s (%s)\n%s\n", run.Name, run.Conclusion, truncateLog(string(raw)))
	}
	return sb.String(), nil
}

func (h *Handler) logActivity(n int, event, from, to, detail string) {
	if err := h.store.LogActivity(store.PRKey(n), event, from, to, detail); err != nil {
		h.logger.Error("logging activity", "pr", n, "event", event, "error", err)
	}
}

// truncateLog keeps the tail of a CI log, where the verdict lives.
func truncateLog(log string) string {
	if len(log) <= maxLogBytes {
		return log
	}
	tail := log[len(log)-maxLogBytes:]
	// Drop the partial first line of the tail.
	if i := strings.IndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	return "... (log truncated)\n" + tail
}

func proposalComment(patch ai.Patch, attempt, max int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CI is failing. Proposed fix (attempt %d of %d):\n\n%s\n", attempt, max, patch.Summary)
	if len(patch.Files) > 0 {
		sb.WriteString("\nFiles touched:\n")
		for _, f := range patch.Files {
			fmt.Fprintf(&sb, "- `%s`\n", f.Path)
		}
	}
	sb.WriteString("\nReact with :+1: to apply this fix.\n")
	return sb.String()
}

func (h *Handler) escalationComment(st store.PRState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "@%s CI on this pull request is still failing after %d automated fix attempts on `%s`.\n",
		h.maintainer, st.FixAttempts, st.BranchName)
	if st.LastFixAt != nil {
		fmt.Fprintf(&sb, "Last fix was pushed at %s.\n", st.LastFixAt.Format(time.RFC3339))
	}
	sb.WriteString("No further automated fixes will be attempted; this needs a human.\n")
	return sb.String()
}
