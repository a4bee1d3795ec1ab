// Package review answers reviewer comments on conductor-authored pull
// requests, posting a reply and pushing a fix commit when the reviewer
// asked for a change. It never touches the CI fix budget or the PR
// status.
package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conductor-dev/conductor/internal/conductor/ai"
	"github.com/conductor-dev/conductor/internal/conductor/github"
	"github.com/conductor-dev/conductor/internal/conductor/store"
	"github.com/conductor-dev/conductor/internal/conductor/webhook"
)

// Host is the subset of the GitHub client the handler needs.
type Host interface {
	PostReviewReply(ctx context.Context, prNumber int, commentID int64, body string) (github.Comment, error)
	CommitFiles(ctx context.Context, branch, message string, files map[string][]byte) (string, error)
}

// Responder is the subset of the AI client the handler needs.
type Responder interface {
	RespondToReview(ctx context.Context, data ai.RespondData) (ai.Reply, error)
}

// Config holds the handler dependencies.
type Config struct {
	Store     *store.Store
	Host      Host
	Responder Responder
	Logger    *slog.Logger
}

// Handler answers review comments.
type Handler struct {
	store     *store.Store
	host      Host
	responder Responder
	logger    *slog.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: cfg.Store, host: cfg.Host, responder: cfg.Responder, logger: logger}
}

// Handle processes one review-comment event.
func (h *Handler) Handle(ctx context.Context, ev webhook.Event) error {
	st, ok, err := h.store.GetPR(ev.PRNumber)
	if err != nil || !ok {
		return err
	}
	if st.Status.Terminal() {
		return nil
	}

	reply, err := h.responder.RespondToReview(ctx, ai.RespondData{
		CommentBody: ev.CommentBody,
		CommentPath: ev.CommentPath,
		PRTitle:     st.ActionName,
	})
	if err != nil {
		return fmt.Errorf("producing review response for pr %d: %w", st.Number, err)
	}

	if len(reply.Files) > 0 {
		files := make(map[string][]byte, len(reply.Files))
		for _, f := range reply.Files {
			files[f.Path] = []byte(f.Content)
		}
		if _, err := h.host.CommitFiles(ctx, st.BranchName, reply.Message, files); err != nil {
			return fmt.Errorf("pushing review fix to %s: %w", st.BranchName, err)
		}
	}

	if _, err := h.host.PostReviewReply(ctx, st.Number, ev.CommentID, reply.Body); err != nil {
		return fmt.Errorf("replying to review comment on pr %d: %w", st.Number, err)
	}

	if err := h.store.LogActivity(store.PRKey(st.Number), "review_answered", "", "",
		fmt.Sprintf("comment %d, %d files changed", ev.CommentID, len(reply.Files))); err != nil {
		h.logger.Error("logging activity", "pr", st.Number, "error", err)
	}
	return nil
}
