// Package github is the typed client for the code-hosting collaborator,
// wrapping go-github with retry and fault classification. It is the only
// package that talks to the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gh "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
	"github.com/conductor-dev/conductor/internal/conductor/retry"
)

// PR represents a pull request.
type PR struct {
	Number       int
	HTMLURL      string
	Title        string
	State        string
	HeadSHA      string
	Merged       bool
	HasConflicts bool
}

// CheckRun represents a single CI check run.
type CheckRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
	HTMLURL    string
}

// Comment represents an issue or review comment.
type Comment struct {
	ID        int64
	Body      string
	Path      string
	User      string
	InReplyTo int64
}

// Reaction represents one reaction on a comment.
type Reaction struct {
	Content string
	User    string
	UserID  int64
}

// Config holds client construction parameters.
type Config struct {
	Owner string
	Repo  string
	// Tokens supplies installation credentials. Nil means an
	// unauthenticated client (mock servers in tests).
	Tokens oauth2.TokenSource
	// BaseURL overrides the API endpoint (mock servers in tests).
	BaseURL string
	// RetryBackoff overrides the default retry delays.
	RetryBackoff []time.Duration
}

// Client is a typed GitHub API client bound to one repository.
type Client struct {
	gh           *gh.Client
	owner        string
	repo         string
	retryBackoff []time.Duration
}

// New creates a Client for the configured repository.
func New(cfg Config) (*Client, error) {
	var httpClient *http.Client
	if cfg.Tokens != nil {
		httpClient = oauth2.NewClient(context.Background(), cfg.Tokens)
	}

	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring API endpoint: %w", err)
		}
	}

	return &Client{
		gh:           client,
		owner:        cfg.Owner,
		repo:         cfg.Repo,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

// CreateBranch creates branch name pointing at the head of fromBranch.
// Recreating an existing branch is a no-op.
func (c *Client) CreateBranch(ctx context.Context, name, fromBranch string) error {
	return retry.Do(ctx, func() error {
		base, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "refs/heads/"+fromBranch)
		if err != nil {
			return classifyErr(fmt.Errorf("resolving base branch %s: %w", fromBranch, err))
		}
		_, resp, err := c.gh.Git.CreateRef(ctx, c.owner, c.repo, &gh.Reference{
			Ref:    gh.Ptr("refs/heads/" + name),
			Object: &gh.GitObject{SHA: base.Object.SHA},
		})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
				// Reference already exists: idempotent under redelivery.
				return nil
			}
			return classifyErr(fmt.Errorf("creating branch %s: %w", name, err))
		}
		return nil
	}, c.retryOpts()...)
}

// CommitFiles writes the given files to the branch as a single commit
// using the git data API, and returns the new commit SHA.
func (c *Client) CommitFiles(ctx context.Context, branch, message string, files map[string][]byte) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		ref, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "refs/heads/"+branch)
		if err != nil {
			return "", classifyErr(fmt.Errorf("resolving branch %s: %w", branch, err))
		}
		headSHA := ref.Object.GetSHA()

		entries := make([]*gh.TreeEntry, 0, len(files))
		for path, content := range files {
			entries = append(entries, &gh.TreeEntry{
				Path:    gh.Ptr(path),
				Mode:    gh.Ptr("100644"),
				Type:    gh.Ptr("blob"),
				Content: gh.Ptr(string(content)),
			})
		}
		tree, _, err := c.gh.Git.CreateTree(ctx, c.owner, c.repo, headSHA, entries)
		if err != nil {
			return "", classifyErr(fmt.Errorf("creating tree on %s: %w", branch, err))
		}

		commit, _, err := c.gh.Git.CreateCommit(ctx, c.owner, c.repo, &gh.Commit{
			Message: gh.Ptr(message),
			Tree:    tree,
			Parents: []*gh.Commit{{SHA: gh.Ptr(headSHA)}},
		}, nil)
		if err != nil {
			return "", classifyErr(fmt.Errorf("creating commit on %s: %w", branch, err))
		}

		_, _, err = c.gh.Git.UpdateRef(ctx, c.owner, c.repo, &gh.Reference{
			Ref:    gh.Ptr("refs/heads/" + branch),
			Object: &gh.GitObject{SHA: commit.SHA},
		}, false)
		if err != nil {
			return "", classifyErr(fmt.Errorf("advancing branch %s: %w", branch, err))
		}
		return commit.GetSHA(), nil
	}, c.retryOpts()...)
}

// CreatePullRequest opens a PR from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, head, base, title, body string) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("creating pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FetchPR fetches a single pull request by number.
func (c *Client) FetchPR(ctx context.Context, number int) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("fetching pull request %d: %w", number, err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// HasConflicts reports whether the PR cannot be merged cleanly. An
// unknown mergeability (GitHub still computing) is treated as
// conflicting so the merge gate waits for the next event.
func (c *Client) HasConflicts(ctx context.Context, number int) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
		if err != nil {
			return false, classifyErr(fmt.Errorf("fetching pull request %d: %w", number, err))
		}
		if pr.Mergeable == nil {
			return true, nil
		}
		return !pr.GetMergeable(), nil
	}, c.retryOpts()...)
}

// MergePullRequest merges the PR with a squash merge.
func (c *Client) MergePullRequest(ctx context.Context, number int, message string) error {
	return retry.Do(ctx, func() error {
		result, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, message, &gh.PullRequestOptions{
			MergeMethod: "squash",
		})
		if err != nil {
			return classifyErr(fmt.Errorf("merging pull request %d: %w", number, err))
		}
		if !result.GetMerged() {
			return faults.Transient(fmt.Errorf("merging pull request %d: %s", number, result.GetMessage()))
		}
		return nil
	}, c.retryOpts()...)
}

// PostComment posts an issue comment (also used on PRs).
func (c *Client) PostComment(ctx context.Context, number int, body string) (Comment, error) {
	return retry.DoVal(ctx, func() (Comment, error) {
		ic, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return Comment{}, classifyErr(fmt.Errorf("posting comment on #%d: %w", number, err))
		}
		return Comment{ID: ic.GetID(), Body: ic.GetBody(), User: ic.GetUser().GetLogin()}, nil
	}, c.retryOpts()...)
}

// PostReviewReply replies to a review comment on the given PR.
func (c *Client) PostReviewReply(ctx context.Context, prNumber int, commentID int64, body string) (Comment, error) {
	return retry.DoVal(ctx, func() (Comment, error) {
		cm, _, err := c.gh.PullRequests.CreateCommentInReplyTo(ctx, c.owner, c.repo, prNumber, body, commentID)
		if err != nil {
			return Comment{}, classifyErr(fmt.Errorf("posting review reply: %w", err))
		}
		return Comment{
			ID:        cm.GetID(),
			Body:      cm.GetBody(),
			Path:      cm.GetPath(),
			User:      cm.GetUser().GetLogin(),
			InReplyTo: cm.GetInReplyTo(),
		}, nil
	}, c.retryOpts()...)
}

// AddLabel adds a label to an issue.
func (c *Client) AddLabel(ctx context.Context, number int, label string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, []string{label})
		if err != nil {
			return classifyErr(fmt.Errorf("adding label %q to #%d: %w", label, number, err))
		}
		return nil
	}, c.retryOpts()...)
}

// GetLabels returns the current label names on an issue. Strategy
// resolution reads labels here rather than trusting the event payload,
// which may be stale for labels added moments after open.
func (c *Client) GetLabels(ctx context.Context, number int) ([]string, error) {
	return retry.DoVal(ctx, func() ([]string, error) {
		var all []string
		opts := &gh.ListOptions{PerPage: 100}
		for {
			labels, resp, err := c.gh.Issues.ListLabelsByIssue(ctx, c.owner, c.repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching labels for #%d: %w", number, err))
			}
			for _, l := range labels {
				all = append(all, l.GetName())
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// GetReactions returns the reactions on an issue comment.
func (c *Client) GetReactions(ctx context.Context, commentID int64) ([]Reaction, error) {
	return retry.DoVal(ctx, func() ([]Reaction, error) {
		var all []Reaction
		opts := &gh.ListOptions{PerPage: 100}
		for {
			reactions, resp, err := c.gh.Reactions.ListIssueCommentReactions(ctx, c.owner, c.repo, commentID, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching reactions for comment %d: %w", commentID, err))
			}
			for _, r := range reactions {
				all = append(all, Reaction{
					Content: r.GetContent(),
					User:    r.GetUser().GetLogin(),
					UserID:  r.GetUser().GetID(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// GetReviewDecision reports whether the PR is review-approved: at least
// one APPROVED review and no user whose latest review requests changes.
func (c *Client) GetReviewDecision(ctx context.Context, prNumber int) (bool, error) {
	return retry.DoVal(ctx, func() (bool, error) {
		latest := map[int64]string{}
		opts := &gh.ListOptions{PerPage: 100}
		for {
			reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, prNumber, opts)
			if err != nil {
				return false, classifyErr(fmt.Errorf("fetching reviews for #%d: %w", prNumber, err))
			}
			for _, r := range reviews {
				switch r.GetState() {
				case "APPROVED", "CHANGES_REQUESTED":
					latest[r.GetUser().GetID()] = r.GetState()
				}
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}

		approved := false
		for _, state := range latest {
			if state == "CHANGES_REQUESTED" {
				return false, nil
			}
			if state == "APPROVED" {
				approved = true
			}
		}
		return approved, nil
	}, c.retryOpts()...)
}

// GetCheckStatus summarizes the check runs for a ref: "failure" if any
// completed run failed, "pending" if any run is still in flight,
// "success" otherwise.
func (c *Client) GetCheckStatus(ctx context.Context, ref string) (string, error) {
	runs, err := c.FetchCheckRuns(ctx, ref)
	if err != nil {
		return "", err
	}
	status := "success"
	for _, cr := range runs {
		if cr.Status != "completed" {
			status = "pending"
			continue
		}
		switch cr.Conclusion {
		case "failure", "timed_out", "cancelled":
			return "failure", nil
		}
	}
	return status, nil
}

// FetchCheckRuns returns all check runs for the given git ref.
func (c *Client) FetchCheckRuns(ctx context.Context, ref string) ([]CheckRun, error) {
	return retry.DoVal(ctx, func() ([]CheckRun, error) {
		var all []CheckRun
		opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, ref, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching check runs: %w", err))
			}
			for _, cr := range result.CheckRuns {
				all = append(all, CheckRun{
					ID:         cr.GetID(),
					Name:       cr.GetName(),
					Status:     cr.GetStatus(),
					Conclusion: cr.GetConclusion(),
					HTMLURL:    cr.GetHTMLURL(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchCheckRunLog downloads the log for a check run. The API redirects
// to a download URL. Returns empty bytes with no error when logs are
// unavailable.
func (c *Client) FetchCheckRunLog(ctx context.Context, checkRunID int64) ([]byte, error) {
	return retry.DoVal(ctx, func() ([]byte, error) {
		u := fmt.Sprintf("repos/%v/%v/actions/jobs/%v/logs", c.owner, c.repo, checkRunID)
		req, err := c.gh.NewRequest("GET", u, nil)
		if err != nil {
			return nil, classifyErr(fmt.Errorf("creating check run log request: %w", err))
		}

		resp, err := c.gh.BareDo(ctx, req)
		if err != nil {
			// BareDo treats redirects as errors. Follow the redirect.
			if resp != nil && (resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusMovedPermanently) {
				loc := resp.Header.Get("Location")
				resp.Body.Close()
				if loc != "" {
					return c.downloadURL(ctx, loc)
				}
			}
			if resp != nil {
				resp.Body.Close()
			}
			var ghErr *gh.ErrorResponse
			if errors.As(err, &ghErr) && ghErr.Response != nil &&
				ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
				return nil, nil
			}
			return nil, classifyErr(fmt.Errorf("fetching check run log: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading check run log body: %w", err)
		}
		return body, nil
	}, c.retryOpts()...)
}

// downloadURL fetches the content at the given URL.
func (c *Client) downloadURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading log: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading download body: %w", err)
	}
	return body, nil
}

// ListTree returns the paths of all blobs reachable from the given
// branch, used to assemble analysis context.
func (c *Client) ListTree(ctx context.Context, branch string) ([]string, error) {
	return retry.DoVal(ctx, func() ([]string, error) {
		tree, _, err := c.gh.Git.GetTree(ctx, c.owner, c.repo, branch, true)
		if err != nil {
			return nil, classifyErr(fmt.Errorf("listing tree for %s: %w", branch, err))
		}
		var paths []string
		for _, entry := range tree.Entries {
			if entry.GetType() == "blob" {
				paths = append(paths, entry.GetPath())
			}
		}
		return paths, nil
	}, c.retryOpts()...)
}

// GetFileContent returns the decoded content of one file on a branch.
func (c *Client) GetFileContent(ctx context.Context, branch, path string) ([]byte, error) {
	return retry.DoVal(ctx, func() ([]byte, error) {
		file, _, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path, &gh.RepositoryContentGetOptions{Ref: branch})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("fetching %s@%s: %w", path, branch, err))
		}
		if file == nil {
			return nil, faults.Terminal(fmt.Errorf("fetching %s@%s: path is a directory", path, branch))
		}
		content, err := file.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return []byte(content), nil
	}, c.retryOpts()...)
}

func prFromGH(pr *gh.PullRequest) PR {
	p := PR{
		Number:  pr.GetNumber(),
		HTMLURL: pr.GetHTMLURL(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		Merged:  pr.GetMerged(),
	}
	if pr.Head != nil {
		p.HeadSHA = pr.Head.GetSHA()
	}
	if pr.Mergeable != nil {
		p.HasConflicts = !pr.GetMergeable()
	}
	return p
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{
			retry.WithBackoff(c.retryBackoff...),
			retry.WithRateLimitBackoff(c.retryBackoff...),
		}
	}
	return nil
}

// classifyErr maps go-github errors onto the fault taxonomy: rate limits
// are retried on the slow schedule, auth failures are never retried,
// other client errors are permanent, server and network errors are
// transient.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return faults.RateLimit(err)
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch {
		case ghErr.Response.StatusCode == http.StatusUnauthorized:
			return faults.Auth(err)
		case ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500:
			return faults.Terminal(err)
		}
	}
	return faults.Transient(err)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ghErr *gh.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}
