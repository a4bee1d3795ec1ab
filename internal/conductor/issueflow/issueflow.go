// Package issueflow drives an issue from creation through analysis,
// approval wait, and per-action execution.
package issueflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/conductor-dev/conductor/internal/conductor/ai"
	"github.com/conductor-dev/conductor/internal/conductor/github"
	"github.com/conductor-dev/conductor/internal/conductor/store"
	"github.com/conductor-dev/conductor/internal/conductor/strategy"
	"github.com/conductor-dev/conductor/internal/conductor/webhook"
)

// Host is the subset of the GitHub client the workflow needs.
type Host interface {
	GetLabels(ctx context.Context, number int) ([]string, error)
	CreateBranch(ctx context.Context, name, fromBranch string) error
	CommitFiles(ctx context.Context, branch, message string, files map[string][]byte) (string, error)
	CreatePullRequest(ctx context.Context, head, base, title, body string) (github.PR, error)
	PostComment(ctx context.Context, number int, body string) (github.Comment, error)
	GetReactions(ctx context.Context, commentID int64) ([]github.Reaction, error)
}

// Planner is the subset of the AI client the workflow needs.
type Planner interface {
	Analyze(ctx context.Context, data ai.AnalyzeData) (ai.Analysis, error)
	Implement(ctx context.Context, data ai.ImplementData) (ai.Patch, error)
}

// ContextBuilder assembles the repository snapshot for prompts.
type ContextBuilder interface {
	Build(ctx context.Context, branch string) (string, error)
}

// Config holds the workflow dependencies.
type Config struct {
	Store      *store.Store
	Host       Host
	Planner    Planner
	Contexts   ContextBuilder
	Owner      string
	Repo       string
	BaseBranch string
	Logger     *slog.Logger
}

// Workflow is the issue state machine.
type Workflow struct {
	store      *store.Store
	host       Host
	planner    Planner
	contexts   ContextBuilder
	owner      string
	repo       string
	baseBranch string
	logger     *slog.Logger
}

// New creates a Workflow.
func New(cfg Config) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		store:      cfg.Store,
		host:       cfg.Host,
		planner:    cfg.Planner,
		contexts:   cfg.Contexts,
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		baseBranch: cfg.BaseBranch,
		logger:     logger,
	}
}

// HandleOpened runs analysis for a newly opened issue: resolve the
// strategy from the issue's current labels, produce the analysis
// document and action list, and park the issue awaiting approval.
func (w *Workflow) HandleOpened(ctx context.Context, ev webhook.Event) error {
	n := ev.IssueNumber

	if _, ok, err := w.store.GetIssue(n); err != nil {
		return err
	} else if ok {
		// Redelivered opened event for an issue already under way.
		w.logger.Info("issue already tracked, dropping opened event", "issue", n)
		return nil
	}

	// The opened payload may miss labels added in the same breath, so
	// resolution always works from a fresh fetch.
	labels, err := w.host.GetLabels(ctx, n)
	if err != nil {
		return fmt.Errorf("fetching labels for issue %d: %w", n, err)
	}
	strat := strategy.Resolve(labels)
	if strat.Skip {
		w.logger.Info("issue labeled bot:skip, ignoring", "issue", n)
		return nil
	}

	st := store.IssueState{
		Number:         n,
		Owner:          w.owner,
		Repo:           w.repo,
		Title:          ev.Title,
		CIStrategy:     strat.CI,
		BranchStrategy: strat.Branch,
		Status:         store.IssueAnalyzing,
	}
	if err := w.store.PutIssue(st); err != nil {
		return fmt.Errorf("persisting issue %d: %w", n, err)
	}
	w.logActivity(n, "analysis_started", "", string(store.IssueAnalyzing),
		fmt.Sprintf("ci=%s branch=%s", strat.CI, strat.Branch))

	if err := w.analyze(ctx, st, ev); err != nil {
		w.fail(ctx, n, err)
		return err
	}
	return nil
}

func (w *Workflow) analyze(ctx context.Context, st store.IssueState, ev webhook.Event) error {
	repoCtx, err := w.contexts.Build(ctx, w.baseBranch)
	if err != nil {
		return fmt.Errorf("building repository context: %w", err)
	}

	analysis, err := w.planner.Analyze(ctx, ai.AnalyzeData{
		Title:       ev.Title,
		Body:        ev.Body,
		Labels:      ev.Labels,
		RepoContext: repoCtx,
	})
	if err != nil {
		return fmt.Errorf("analyzing issue %d: %w", st.Number, err)
	}

	analysisBranch := strategy.AnalysisBranch(st.BranchStrategy, st.Number, st.Title)
	if analysisBranch != "" {
		if err := w.host.CreateBranch(ctx, analysisBranch, w.baseBranch); err != nil {
			return fmt.Errorf("creating analysis branch: %w", err)
		}
		if _, err := w.host.CommitFiles(ctx, analysisBranch,
			fmt.Sprintf("Add analysis for issue #%d", st.Number),
			map[string][]byte{"ANALYSIS.md": []byte(analysis.Document)},
		); err != nil {
			return fmt.Errorf("committing analysis document: %w", err)
		}
	}

	comment, err := w.host.PostComment(ctx, st.Number, summaryComment(analysis))
	if err != nil {
		return fmt.Errorf("posting analysis summary: %w", err)
	}

	_, err = w.store.UpdateIssue(st.Number, func(cur *store.IssueState) error {
		cur.AnalysisBranch = analysisBranch
		cur.Actions = toActions(analysis.Actions)
		cur.SummaryCommentID = comment.ID
		cur.Status = store.IssueAwaitingApproval
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording analysis for issue %d: %w", st.Number, err)
	}
	w.logActivity(st.Number, "analysis_completed", string(store.IssueAnalyzing),
		string(store.IssueAwaitingApproval), fmt.Sprintf("%d actions", len(analysis.Actions)))
	return nil
}

// HandleCommented checks whether a tracked issue's summary comment has
// collected an approval reaction and, if so, starts execution. Comment
// events are the trigger to look; the reaction itself is the signal.
func (w *Workflow) HandleCommented(ctx context.Context, ev webhook.Event) error {
	st, ok, err := w.store.GetIssue(ev.IssueNumber)
	if err != nil {
		return err
	}
	if !ok || st.Status != store.IssueAwaitingApproval || st.SummaryCommentID == 0 {
		return nil
	}

	reactions, err := w.host.GetReactions(ctx, st.SummaryCommentID)
	if err != nil {
		return fmt.Errorf("reading approval reactions for issue %d: %w", st.Number, err)
	}
	if !Approved(reactions) {
		return nil
	}

	if err := w.execute(ctx, st.Number); err != nil {
		w.fail(ctx, st.Number, err)
		return err
	}
	return nil
}

// HandleLabeled records label edits on tracked issues. The strategy was
// fixed at analysis time and never changes retroactively.
func (w *Workflow) HandleLabeled(ctx context.Context, ev webhook.Event) error {
	st, ok, err := w.store.GetIssue(ev.IssueNumber)
	if err != nil || !ok {
		return err
	}
	w.logger.Info("labels changed after analysis, strategy unchanged",
		"issue", st.Number, "labels", ev.Labels)
	w.logActivity(st.Number, "labels_changed", "", "", strings.Join(ev.Labels, ","))
	return nil
}

// execute walks the action list from the persisted cursor, opening one
// branch and one pull request per action, strictly in order.
func (w *Workflow) execute(ctx context.Context, n int) error {
	st, err := w.store.UpdateIssue(n, func(cur *store.IssueState) error {
		cur.Status = store.IssueExecuting
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking issue %d executing: %w", n, err)
	}
	w.logActivity(n, "execution_started", string(store.IssueAwaitingApproval),
		string(store.IssueExecuting), "")

	repoCtx, err := w.contexts.Build(ctx, w.baseBranch)
	if err != nil {
		return fmt.Errorf("building repository context: %w", err)
	}

	// Hierarchical action branches grow off the analysis branch so each
	// PR carries the analysis document; flat branches come off base.
	fromBranch := w.baseBranch
	if st.AnalysisBranch != "" {
		fromBranch = st.AnalysisBranch
	}

	for i := st.CurrentActionIndex; i < len(st.Actions); i++ {
		action := st.Actions[i]
		if err := w.executeAction(ctx, st, i, action, fromBranch, repoCtx); err != nil {
			return fmt.Errorf("executing action %q: %w", action.Name, err)
		}

		st, err = w.store.UpdateIssue(n, func(cur *store.IssueState) error {
			cur.CurrentActionIndex = i + 1
			return nil
		})
		if err != nil {
			return fmt.Errorf("advancing action cursor for issue %d: %w", n, err)
		}
	}

	if _, err := w.store.UpdateIssue(n, func(cur *store.IssueState) error {
		cur.Status = store.IssueComplete
		return nil
	}); err != nil {
		return fmt.Errorf("marking issue %d complete: %w", n, err)
	}
	w.logActivity(n, "execution_completed", string(store.IssueExecuting),
		string(store.IssueComplete), fmt.Sprintf("%d pull requests opened", len(st.Actions)))
	return nil
}

func (w *Workflow) executeAction(ctx context.Context, st store.IssueState, index int, action store.Action, fromBranch, repoCtx string) error {
	patch, err := w.planner.Implement(ctx, ai.ImplementData{
		ActionName:        action.Name,
		ActionDescription: action.Description,
		RepoContext:       repoCtx,
	})
	if err != nil {
		return err
	}

	branch := strategy.ActionBranch(st.BranchStrategy, st.Number, index, action.Name)
	if err := w.host.CreateBranch(ctx, branch, fromBranch); err != nil {
		return err
	}

	files := make(map[string][]byte, len(patch.Files))
	for _, f := range patch.Files {
		files[f.Path] = []byte(f.Content)
	}
	if _, err := w.host.CommitFiles(ctx, branch, patch.Message, files); err != nil {
		return err
	}

	pr, err := w.host.CreatePullRequest(ctx, branch, w.baseBranch,
		fmt.Sprintf("%s (#%d)", action.Name, st.Number), patch.Summary)
	if err != nil {
		return err
	}

	if err := w.store.PutPR(store.PRState{
		Number:      pr.Number,
		IssueNumber: st.Number,
		ActionIndex: index,
		ActionName:  action.Name,
		BranchName:  branch,
		CIStrategy:  st.CIStrategy,
		Status:      store.PRPendingCI,
		HeadSHA:     pr.HeadSHA,
	}); err != nil {
		return err
	}

	if _, err := w.host.PostComment(ctx, st.Number,
		fmt.Sprintf("Opened %s for action `%s`.", pr.HTMLURL, action.Name)); err != nil {
		return err
	}
	w.logActivity(st.Number, "pr_opened", "", "", fmt.Sprintf("pr=%d action=%s", pr.Number, action.Name))
	return nil
}

// fail moves the issue to its terminal failed status and surfaces the
// error as an issue comment.
func (w *Workflow) fail(ctx context.Context, n int, cause error) {
	prev, err := w.store.UpdateIssue(n, func(cur *store.IssueState) error {
		if cur.Status.Terminal() {
			return fmt.Errorf("issue %d already %s", n, cur.Status)
		}
		cur.Status = store.IssueFailed
		return nil
	})
	if err != nil {
		w.logger.Error("marking issue failed", "issue", n, "error", err)
		return
	}
	w.logActivity(n, "workflow_failed", "", string(store.IssueFailed), cause.Error())

	if _, err := w.host.PostComment(ctx, n,
		fmt.Sprintf("I could not finish working on this issue: %v\n\nA human needs to take over from here.", cause)); err != nil {
		w.logger.Error("posting failure comment", "issue", prev.Number, "error", err)
	}
}

func (w *Workflow) logActivity(n int, event, from, to, detail string) {
	if err := w.store.LogActivity(store.IssueKey(n), event, from, to, detail); err != nil {
		w.logger.Error("logging activity", "issue", n, "event", event, "error", err)
	}
}

// Approved reports whether the reaction set carries an approval: a +1
// or rocket from any non-bot user.
func Approved(reactions []github.Reaction) bool {
	for _, r := range reactions {
		if strings.HasSuffix(r.User, "[bot]") {
			continue
		}
		if r.Content == "+1" || r.Content == "rocket" {
			return true
		}
	}
	return false
}

func summaryComment(analysis ai.Analysis) string {
	var sb strings.Builder
	sb.WriteString(analysis.Document)
	sb.WriteString("\n\n## Planned actions\n\n")
	for i, a := range analysis.Actions {
		fmt.Fprintf(&sb, "%d. `%s`: %s\n", i+1, a.Name, a.Description)
	}
	sb.WriteString("\nReact with :+1: to approve this plan and start execution.\n")
	return sb.String()
}

func toActions(plans []ai.ActionPlan) []store.Action {
	actions := make([]store.Action, len(plans))
	for i, p := range plans {
		actions[i] = store.Action{Name: p.Name, Description: p.Description}
	}
	return actions
}
