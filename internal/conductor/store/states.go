package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
	"github.com/conductor-dev/conductor/internal/conductor/strategy"
)

// IssueStatus is the lifecycle state of a tracked issue.
type IssueStatus string

const (
	IssueAnalyzing        IssueStatus = "analyzing"
	IssueAwaitingApproval IssueStatus = "awaiting_approval"
	IssueExecuting        IssueStatus = "executing"
	IssueComplete         IssueStatus = "complete"
	IssueFailed           IssueStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s IssueStatus) Terminal() bool {
	return s == IssueComplete || s == IssueFailed
}

// PRStatus is the lifecycle state of a tracked pull request.
type PRStatus string

const (
	PRPendingCI PRStatus = "pending_ci"
	PRCIPassed  PRStatus = "ci_passed"
	PRCIFailed  PRStatus = "ci_failed"
	PRApproved  PRStatus = "approved"
	PRMerged    PRStatus = "merged"
	// PREscalated is the terminal condition after the automated fix budget
	// is exhausted and a maintainer has been tagged.
	PREscalated PRStatus = "escalated"
)

// Terminal reports whether the status admits no further auto-fix work.
func (s PRStatus) Terminal() bool {
	return s == PRMerged || s == PREscalated
}

// Action is one discrete unit of implementation work derived from
// analysis. The action list is append-only and never reordered.
type Action struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// IssueState is the durable record for one originating issue. CIStrategy
// and BranchStrategy are fixed at analysis time and never recomputed from
// later label edits.
type IssueState struct {
	Number         int                     `json:"number"`
	Owner          string                  `json:"owner"`
	Repo           string                  `json:"repo"`
	Title          string                  `json:"title"`
	CIStrategy     strategy.CIStrategy     `json:"ci_strategy"`
	BranchStrategy strategy.BranchStrategy `json:"branch_strategy"`
	AnalysisBranch string                  `json:"analysis_branch,omitempty"`
	Actions        []Action                `json:"actions"`
	// CurrentActionIndex is a 0-based cursor into Actions; always
	// <= len(Actions).
	CurrentActionIndex int         `json:"current_action_index"`
	Status             IssueStatus `json:"status"`
	// SummaryCommentID is the comment whose reactions signal approval.
	SummaryCommentID int64     `json:"summary_comment_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PRState is the durable record for one created pull request, tied 1:1 to
// an (issue number, action index) pair. CIStrategy is copied from the
// parent issue at creation time and immutable thereafter.
type PRState struct {
	Number      int                 `json:"number"`
	IssueNumber int                 `json:"issue_number"`
	ActionIndex int                 `json:"action_index"`
	ActionName  string              `json:"action_name"`
	BranchName  string              `json:"branch_name"`
	CIStrategy  strategy.CIStrategy `json:"ci_strategy"`
	Status      PRStatus            `json:"status"`
	FixAttempts int                 `json:"fix_attempts"`
	HeadSHA     string              `json:"head_sha,omitempty"`
	// ProposalCommentID is the comment carrying a proposed fix awaiting
	// approval; its reactions gate the apply step.
	ProposalCommentID int64 `json:"proposal_comment_id,omitempty"`
	// PendingFix is the proposed fix description awaiting approval.
	PendingFix string `json:"pending_fix,omitempty"`
	// FailureLog is a truncated excerpt of the latest CI failure, kept so
	// an approval-gated fix can be applied from the approval event.
	FailureLog string     `json:"failure_log,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastFixAt  *time.Time `json:"last_fix_at,omitempty"`
}

// IssueKey returns the storage key for an issue number.
func IssueKey(n int) string { return fmt.Sprintf("issue-%d", n) }

// PRKey returns the storage key for a PR number.
func PRKey(n int) string { return fmt.Sprintf("pr-%d", n) }

// GetIssue loads an IssueState. The second return is false when the key
// is untracked.
func (s *Store) GetIssue(n int) (IssueState, bool, error) {
	var st IssueState
	ok, err := s.getJSON(IssueKey(n), &st)
	return st, ok, err
}

// PutIssue creates or replaces an IssueState.
func (s *Store) PutIssue(st IssueState) error {
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if now.After(st.UpdatedAt) {
		st.UpdatedAt = now
	}
	return s.putJSON(IssueKey(st.Number), st)
}

// UpdateIssue applies fn to the stored IssueState inside a transaction.
// On a state conflict the read-modify-write is reapplied from a fresh
// read. Returns the updated state.
func (s *Store) UpdateIssue(n int, fn func(*IssueState) error) (IssueState, error) {
	var out IssueState
	err := s.updateJSON(IssueKey(n), func(raw []byte) ([]byte, error) {
		var st IssueState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decoding issue state: %w", err)
		}
		if err := fn(&st); err != nil {
			return nil, err
		}
		if now := time.Now().UTC(); now.After(st.UpdatedAt) {
			st.UpdatedAt = now
		}
		out = st
		return json.Marshal(st)
	})
	return out, err
}

// GetPR loads a PRState. The second return is false when the key is
// untracked.
func (s *Store) GetPR(n int) (PRState, bool, error) {
	var st PRState
	ok, err := s.getJSON(PRKey(n), &st)
	return st, ok, err
}

// PutPR creates or replaces a PRState.
func (s *Store) PutPR(st PRState) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	return s.putJSON(PRKey(st.Number), st)
}

// UpdatePR applies fn to the stored PRState inside a transaction.
func (s *Store) UpdatePR(n int, fn func(*PRState) error) (PRState, error) {
	var out PRState
	err := s.updateJSON(PRKey(n), func(raw []byte) ([]byte, error) {
		var st PRState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decoding pr state: %w", err)
		}
		if err := fn(&st); err != nil {
			return nil, err
		}
		out = st
		return json.Marshal(st)
	})
	return out, err
}

// ListIssues returns all tracked issue states.
func (s *Store) ListIssues() ([]IssueState, error) {
	rows, err := s.conn.Query(`SELECT value FROM states WHERE key LIKE 'issue-%' ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	defer rows.Close()

	var issues []IssueState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning issue state: %w", err)
		}
		var st IssueState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decoding issue state: %w", err)
		}
		issues = append(issues, st)
	}
	return issues, rows.Err()
}

// ListPRs returns all tracked PR states.
func (s *Store) ListPRs() ([]PRState, error) {
	rows, err := s.conn.Query(`SELECT value FROM states WHERE key LIKE 'pr-%' ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing prs: %w", err)
	}
	defer rows.Close()

	var prs []PRState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning pr state: %w", err)
		}
		var st PRState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("decoding pr state: %w", err)
		}
		prs = append(prs, st)
	}
	return prs, rows.Err()
}

// ErrNotFound is returned by Update* when the key is untracked.
var ErrNotFound = sql.ErrNoRows

func (s *Store) getJSON(key string, dst any) (bool, error) {
	var raw string
	err := s.conn.QueryRow(`SELECT value FROM states WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO states (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(raw), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return classifyDBErr(fmt.Errorf("writing %s: %w", key, err))
	}
	return nil
}

// updateJSON performs the atomic read-modify-write for one key. State
// conflicts are retried from a fresh read a bounded number of times.
func (s *Store) updateJSON(key string, fn func(raw []byte) ([]byte, error)) error {
	const maxConflictRetries = 3

	var lastErr error
	for range maxConflictRetries {
		lastErr = s.tx(func(tx *sql.Tx) error {
			var raw string
			err := tx.QueryRow(`SELECT value FROM states WHERE key = ?`, key).Scan(&raw)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", key, err)
			}

			updated, err := fn([]byte(raw))
			if err != nil {
				return err
			}

			if _, err := tx.Exec(`UPDATE states SET value = ?, updated_at = ? WHERE key = ?`,
				string(updated), time.Now().UTC().Format(time.RFC3339), key); err != nil {
				return fmt.Errorf("writing %s: %w", key, err)
			}
			return nil
		})
		if lastErr == nil {
			return nil
		}
		if faults.KindOf(lastErr) != faults.KindStateConflict {
			return lastErr
		}
	}
	return lastErr
}
