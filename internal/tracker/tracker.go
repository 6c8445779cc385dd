// Package tracker defines the abstract interface to the external
// Git-hosted issue/PR tracker (spec.md §2 "Tracker (external)"). loomd
// specifies only the interface; the behavior of a concrete tracker (GitHub,
// GitLab, ...) is out of scope per spec.md §1.
package tracker

import (
	"context"
	"time"
)

// Issue is the tracker's view of one work item.
type Issue struct {
	Number    int
	Title     string
	Body      string
	Labels    []string
	State     string // "open" | "closed"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ReviewState enumerates a PR review's decision.
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
)

// Review is one review event on a PR.
type Review struct {
	Author      string
	State       ReviewState
	SubmittedAt time.Time
}

// CIStatus enumerates the terminal/non-terminal states of a PR's checks
// (spec.md §4.5 "Doctor post-conditions").
type CIStatus string

const (
	CIPassed   CIStatus = "PASSED"
	CIFailed   CIStatus = "FAILED"
	CIPending  CIStatus = "PENDING"
	CINoChecks CIStatus = "NO_CHECKS"
)

// IsTerminal reports whether status requires no further polling.
func (s CIStatus) IsTerminal() bool {
	return s == CIPassed || s == CIFailed || s == CINoChecks
}

// PullRequest is the tracker's view of one pull request.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	HeadRef   string
	State     string // "open" | "closed" | "merged"
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLabel reports whether the PR carries the given label.
func (p *PullRequest) HasLabel(label string) bool {
	for _, l := range p.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// CreatePROptions describes a new PR to open.
type CreatePROptions struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// Tracker is the abstract surface the snapshot builder, phase validators,
// and orphan recovery drive (spec.md §2, §4.3, §4.4, §4.6).
type Tracker interface {
	// IssuesByLabel lists open issues carrying label.
	IssuesByLabel(ctx context.Context, label string) ([]*Issue, error)
	// AllOpenIssues lists every open issue (used for the uncurated set).
	AllOpenIssues(ctx context.Context) ([]*Issue, error)
	// GetIssue fetches a single issue by number.
	GetIssue(ctx context.Context, number int) (*Issue, error)
	// ReopenIssue reopens a closed issue.
	ReopenIssue(ctx context.Context, number int) error
	// AddIssueComment posts a markdown comment to an issue.
	AddIssueComment(ctx context.Context, number int, body string) error

	// PRsByLabel lists open PRs carrying label.
	PRsByLabel(ctx context.Context, label string) ([]*PullRequest, error)
	// GetPR fetches a single PR by number.
	GetPR(ctx context.Context, number int) (*PullRequest, error)
	// FindPRForBranch returns the PR whose head ref matches branch, if any.
	FindPRForBranch(ctx context.Context, branch string) (*PullRequest, error)
	// FindPRReferencingIssue returns a PR whose body closes issueNumber, if any.
	FindPRReferencingIssue(ctx context.Context, issueNumber int) (*PullRequest, error)
	// CreatePR opens a new pull request.
	CreatePR(ctx context.Context, opts CreatePROptions) (*PullRequest, error)
	// UpdatePRBody replaces a PR's body.
	UpdatePRBody(ctx context.Context, number int, body string) error
	// GetPRReviews lists a PR's reviews in submission order.
	GetPRReviews(ctx context.Context, number int) ([]*Review, error)
	// GetPRCIStatus reports the PR's aggregate check status.
	GetPRCIStatus(ctx context.Context, number int) (CIStatus, error)

	// AddLabel / RemoveLabel / GetLabels operate on either an issue or PR
	// entity, addressed by its number — the label namespace is shared.
	AddLabel(ctx context.Context, entity int, label, actor string) error
	RemoveLabel(ctx context.Context, entity int, label, actor string) error
	GetLabels(ctx context.Context, entity int) ([]string, error)
}
