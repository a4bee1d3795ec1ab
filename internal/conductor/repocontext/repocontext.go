// Package repocontext assembles a bounded snapshot of the target
// repository for AI prompts: the file listing plus the contents of the
// files matching the configured globs, capped in count and size.
package repocontext

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// DefaultMaxFiles bounds how many file bodies go into one pack.
	DefaultMaxFiles = 40
	// maxFileBytes truncates any single file body.
	maxFileBytes = 16 * 1024
	// maxTotalBytes bounds the whole pack.
	maxTotalBytes = 256 * 1024
)

var defaultExcludes = []string{
	"vendor/**",
	"node_modules/**",
	"**/*.lock",
	"**/*.sum",
	"**/testdata/**",
}

// Repo is the subset of the GitHub client the builder needs.
type Repo interface {
	ListTree(ctx context.Context, branch string) ([]string, error)
	GetFileContent(ctx context.Context, branch, path string) ([]byte, error)
}

// Builder selects and fetches repository files into a prompt snippet.
type Builder struct {
	repo     Repo
	include  []string
	exclude  []string
	maxFiles int
	logger   *slog.Logger
}

// New creates a Builder. Empty include means every file is a candidate;
// exclude patterns are added on top of a built-in ignore list.
func New(repo Repo, include, exclude []string, maxFiles int, logger *slog.Logger) *Builder {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Builder{
		repo:     repo,
		include:  include,
		exclude:  append(append([]string{}, defaultExcludes...), exclude...),
		maxFiles: maxFiles,
		logger:   logger,
	}
}

// Build fetches the tree of the given branch and returns the context
// pack. The full file listing always appears; bodies are fetched only
// for matching files, most shallow paths first, until a cap is hit.
func (b *Builder) Build(ctx context.Context, branch string) (string, error) {
	paths, err := b.repo.ListTree(ctx, branch)
	if err != nil {
		return "", fmt.Errorf("listing repository tree: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("## File listing\n\n")
	for _, p := range paths {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}

	selected := b.selectPaths(paths)
	if len(selected) == 0 {
		return sb.String(), nil
	}

	sb.WriteString("\n## File contents\n")
	total := 0
	for _, p := range selected {
		content, err := b.repo.GetFileContent(ctx, branch, p)
		if err != nil {
			// A single unreadable file should not sink the whole pack.
			b.logger.Warn("skipping unreadable file", "path", p, "error", err)
			continue
		}
		if bytes.IndexByte(content, 0) >= 0 {
			continue
		}
		if len(content) > maxFileBytes {
			content = append(content[:maxFileBytes], []byte("\n... (truncated)\n")...)
		}
		if total += len(content); total > maxTotalBytes {
			break
		}
		fmt.Fprintf(&sb, "\n### %s\n\n```\n%s\n```\n", p, bytes.TrimRight(content, "\n"))
	}
	return sb.String(), nil
}

// selectPaths applies include/exclude globs and the file cap. Shallow
// paths come first so top-level docs and manifests survive the cut.
func (b *Builder) selectPaths(paths []string) []string {
	var selected []string
	for depth := 0; depth <= maxDepth(paths); depth++ {
		for _, p := range paths {
			if strings.Count(p, "/") != depth {
				continue
			}
			if !b.matches(p) {
				continue
			}
			selected = append(selected, p)
			if len(selected) >= b.maxFiles {
				return selected
			}
		}
	}
	return selected
}

func (b *Builder) matches(path string) bool {
	for _, pat := range b.exclude {
		if ok, _ := doublestar.Match(pat, path); ok {
			return false
		}
	}
	if len(b.include) == 0 {
		return true
	}
	for _, pat := range b.include {
		if ok, _ := doublestar.Match(pat, path); ok {
			return true
		}
	}
	return false
}

func maxDepth(paths []string) int {
	max := 0
	for _, p := range paths {
		if d := strings.Count(p, "/"); d > max {
			max = d
		}
	}
	return max
}
