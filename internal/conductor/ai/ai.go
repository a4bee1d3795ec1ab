// Package ai is the client for the AI completion collaborator. Prompts
// are rendered from embedded templates, handed to an opaque invoker, and
// the structured JSON result is decoded. The collaborator's internals are
// not part of the contract, only latency and the error taxonomy are.
package ai

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
	"github.com/conductor-dev/conductor/internal/conductor/retry"
)

//go:embed templates/*.md
var templateFS embed.FS

// Invoker invokes the AI model with a rendered prompt and returns its
// raw response.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// --- Result types ---

// ActionPlan is one unit of implementation work proposed by analysis.
type ActionPlan struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Analysis is the result of analyzing an issue.
type Analysis struct {
	Document string       `json:"document"`
	Actions  []ActionPlan `json:"actions"`
}

// FileChange is one file produced by an implementation or fix.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Patch is a proposed code change: a commit message plus file contents.
type Patch struct {
	Message string       `json:"message"`
	Summary string       `json:"summary"`
	Files   []FileChange `json:"files"`
}

// Reply is a response to a review comment, optionally with a fix.
type Reply struct {
	Body  string       `json:"body"`
	Files []FileChange `json:"files"`
	// Message is the commit message when Files is non-empty.
	Message string `json:"message"`
}

// --- Prompt data ---

// AnalyzeData holds the context for the analyze prompt.
type AnalyzeData struct {
	Title       string
	Body        string
	Labels      []string
	RepoContext string
}

// ImplementData holds the context for the implement prompt.
type ImplementData struct {
	ActionName        string
	ActionDescription string
	AnalysisDocument  string
	RepoContext       string
}

// FixFailureData holds the context for the fix prompt.
type FixFailureData struct {
	FailedChecks []FailedCheck
	Attempt      int
	ProposeOnly  bool
}

// FailedCheck is one failed CI run with its truncated log.
type FailedCheck struct {
	Name string
	Log  string
}

// RespondData holds the context for the review-response prompt.
type RespondData struct {
	CommentBody string
	CommentPath string
	PRTitle     string
}

// Client renders prompts and decodes collaborator responses.
type Client struct {
	invoker Invoker
	// overrideDir, when set, lets on-disk templates shadow the embedded
	// ones.
	overrideDir string
}

// New creates a Client around the given invoker.
func New(invoker Invoker, overrideDir string) *Client {
	return &Client{invoker: invoker, overrideDir: overrideDir}
}

// Analyze asks the collaborator for an analysis document and an ordered
// action list.
func (c *Client) Analyze(ctx context.Context, data AnalyzeData) (Analysis, error) {
	var out Analysis
	if err := c.call(ctx, "templates/analyze.md", data, &out); err != nil {
		return Analysis{}, err
	}
	if len(out.Actions) == 0 {
		return Analysis{}, faults.Terminal(fmt.Errorf("analysis produced no actions"))
	}
	return out, nil
}

// Implement asks the collaborator to produce the code change for one
// action.
func (c *Client) Implement(ctx context.Context, data ImplementData) (Patch, error) {
	var out Patch
	if err := c.call(ctx, "templates/implement.md", data, &out); err != nil {
		return Patch{}, err
	}
	if len(out.Files) == 0 {
		return Patch{}, faults.Terminal(fmt.Errorf("implementation for %q produced no files", data.ActionName))
	}
	return out, nil
}

// FixFailure asks the collaborator for a fix to a CI failure. With
// ProposeOnly set the result carries a description but its files are
// not applied until approval.
func (c *Client) FixFailure(ctx context.Context, data FixFailureData) (Patch, error) {
	var out Patch
	if err := c.call(ctx, "templates/fix_failure.md", data, &out); err != nil {
		return Patch{}, err
	}
	return out, nil
}

// RespondToReview asks the collaborator for a reply (and optional fix)
// to a review comment thread.
func (c *Client) RespondToReview(ctx context.Context, data RespondData) (Reply, error) {
	var out Reply
	if err := c.call(ctx, "templates/respond_review.md", data, &out); err != nil {
		return Reply{}, err
	}
	if out.Body == "" {
		return Reply{}, faults.Terminal(fmt.Errorf("review response was empty"))
	}
	return out, nil
}

// call renders the named template, invokes the collaborator with a
// bounded retry for transient failures, and decodes the JSON result.
func (c *Client) call(ctx context.Context, name string, data, dst any) error {
	prompt, err := c.render(name, data)
	if err != nil {
		return err
	}

	raw, err := retry.DoVal(ctx, func() (string, error) {
		return c.invoker.Invoke(ctx, prompt)
	}, retry.WithMaxAttempts(2))
	if err != nil {
		return fmt.Errorf("invoking AI: %w", err)
	}

	if err := json.Unmarshal([]byte(stripFences(raw)), dst); err != nil {
		return faults.Terminal(fmt.Errorf("decoding AI response for %s: %w", filepath.Base(name), err))
	}
	return nil
}

func (c *Client) render(name string, data any) (string, error) {
	content, err := c.readTemplate(name)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}
	return buf.String(), nil
}

// readTemplate returns the template content, preferring an override file
// on disk and falling back to the embedded version.
func (c *Client) readTemplate(name string) ([]byte, error) {
	if c.overrideDir != "" {
		overridePath := filepath.Join(c.overrideDir, filepath.Base(name))
		if content, err := os.ReadFile(overridePath); err == nil {
			return content, nil
		}
	}
	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}
	return content, nil
}

// stripFences removes a surrounding markdown code fence, which some
// models wrap around JSON output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
