// Package strategy resolves an issue's declarative bot labels into its
// execution strategy and derives branch names from it. Resolution happens
// exactly once, at analysis time; later label edits never change a
// strategy that has already been persisted.
package strategy

import (
	"fmt"
	"strings"
)

// Recognized label vocabulary. Comparison is case-insensitive; unknown
// labels are ignored.
const (
	TagSimple       = "bot:simple"
	TagComplex      = "bot:complex"
	TagFlat         = "bot:flat"
	TagHierarchical = "bot:hierarchical"
	TagSkip         = "bot:skip"
)

// CIStrategy controls whether auto-fix commits need human approval.
type CIStrategy string

const (
	CIImmediate        CIStrategy = "immediate"
	CIApprovalRequired CIStrategy = "approval_required"
)

// BranchStrategy controls how branches are laid out per issue.
type BranchStrategy string

const (
	BranchFlat         BranchStrategy = "flat"
	BranchHierarchical BranchStrategy = "hierarchical"
)

// Strategy is the resolved {ci, branch, skip} tuple for one issue.
type Strategy struct {
	CI     CIStrategy
	Branch BranchStrategy
	Skip   bool
}

// Resolve maps a label set to a Strategy. Each rule answers a disjoint
// sub-question, so evaluation order only matters for the documented
// flat-over-hierarchical precedence: when both branch tags are present,
// flat wins because it is checked first.
func Resolve(labels []string) Strategy {
	s := Strategy{CI: CIImmediate, Branch: BranchHierarchical}

	for _, l := range labels {
		if strings.EqualFold(l, TagSkip) {
			s.Skip = true
		}
		if strings.EqualFold(l, TagComplex) {
			s.CI = CIApprovalRequired
		}
	}

	// Flat is checked before hierarchical: a label set carrying both
	// resolves to flat.
	for _, l := range labels {
		if strings.EqualFold(l, TagFlat) {
			s.Branch = BranchFlat
			return s
		}
	}
	for _, l := range labels {
		if strings.EqualFold(l, TagHierarchical) {
			s.Branch = BranchHierarchical
			return s
		}
	}
	return s
}

// AnalysisBranch returns the branch that carries the analysis document,
// or "" when the strategy has no distinct analysis branch (flat). A
// title with no sluggable characters drops the slug entirely.
func AnalysisBranch(b BranchStrategy, issue int, title string) string {
	if b == BranchFlat {
		return ""
	}
	if slug := Slug(title); slug != "" {
		return fmt.Sprintf("analysis/%d-%s", issue, slug)
	}
	return fmt.Sprintf("analysis/%d", issue)
}

// ActionBranch returns the branch name for the action at index. Action
// names with no sluggable characters fall back to the positional
// "action-{index+1}" so two such actions never collide on one branch.
func ActionBranch(b BranchStrategy, issue, index int, action string) string {
	slug := Slug(action)
	if slug == "" {
		slug = fmt.Sprintf("action-%d", index+1)
	}
	if b == BranchFlat {
		return fmt.Sprintf("bot/%d-%s", issue, slug)
	}
	return fmt.Sprintf("action/%d-%s", issue, slug)
}

// Slug lowercases s and collapses every non-alphanumeric run into a
// single hyphen.
func Slug(s string) string {
	var sb strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				sb.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
