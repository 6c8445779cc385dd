// Package loomtest holds shared in-memory fakes for the external interfaces
// (tracker.Tracker, sessionhost.SessionHost, vcs.VCS), grounded on
// steveyegge-vc/internal/watchdog/mock_storage_test.go's plain struct-backed
// mock pattern but stateful, since the orchestration packages need their
// fakes to actually remember labels, sessions and commits across calls.
package loomtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loomd/internal/tracker"
)

// Tracker is an in-memory tracker.Tracker fake.
type Tracker struct {
	mu       sync.Mutex
	issues   map[int]*tracker.Issue
	prs      map[int]*tracker.PullRequest
	reviews  map[int][]*tracker.Review
	ci       map[int]tracker.CIStatus
	nextPR   int
	Comments map[int][]string
}

// NewTracker returns an empty fake tracker.
func NewTracker() *Tracker {
	return &Tracker{
		issues:   make(map[int]*tracker.Issue),
		prs:      make(map[int]*tracker.PullRequest),
		reviews:  make(map[int][]*tracker.Review),
		ci:       make(map[int]tracker.CIStatus),
		nextPR:   1000,
		Comments: make(map[int][]string),
	}
}

// AddIssue seeds an issue into the fake.
func (t *Tracker) AddIssue(issue *tracker.Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues[issue.Number] = issue
}

// SetCIStatus seeds a PR's check status.
func (t *Tracker) SetCIStatus(prNumber int, status tracker.CIStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ci[prNumber] = status
}

// AddReview appends a review to a PR.
func (t *Tracker) AddReview(prNumber int, review *tracker.Review) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reviews[prNumber] = append(t.reviews[prNumber], review)
}

func (t *Tracker) IssuesByLabel(ctx context.Context, label string) ([]*tracker.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*tracker.Issue
	for _, i := range t.issues {
		if i.State == "open" && i.HasLabel(label) {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Number < out[b].Number })
	return out, nil
}

func (t *Tracker) AllOpenIssues(ctx context.Context) ([]*tracker.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*tracker.Issue
	for _, i := range t.issues {
		if i.State == "open" {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Number < out[b].Number })
	return out, nil
}

func (t *Tracker) GetIssue(ctx context.Context, number int) (*tracker.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", number)
	}
	return i, nil
}

func (t *Tracker) ReopenIssue(ctx context.Context, number int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.issues[number]
	if !ok {
		return fmt.Errorf("issue %d not found", number)
	}
	i.State = "open"
	return nil
}

func (t *Tracker) AddIssueComment(ctx context.Context, number int, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Comments[number] = append(t.Comments[number], body)
	return nil
}

func (t *Tracker) PRsByLabel(ctx context.Context, label string) ([]*tracker.PullRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*tracker.PullRequest
	for _, p := range t.prs {
		if p.State == "open" && p.HasLabel(label) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Number < out[b].Number })
	return out, nil
}

func (t *Tracker) GetPR(ctx context.Context, number int) (*tracker.PullRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.prs[number]
	if !ok {
		return nil, fmt.Errorf("pr %d not found", number)
	}
	return p, nil
}

func (t *Tracker) FindPRForBranch(ctx context.Context, branch string) (*tracker.PullRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.prs {
		if p.HeadRef == branch {
			return p, nil
		}
	}
	return nil, nil
}

func (t *Tracker) FindPRReferencingIssue(ctx context.Context, issueNumber int) (*tracker.PullRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	want := fmt.Sprintf("#%d", issueNumber)
	for _, p := range t.prs {
		if contains(p.Body, want) {
			return p, nil
		}
	}
	return nil, nil
}

func contains(body, substr string) bool {
	for i := 0; i+len(substr) <= len(body); i++ {
		if body[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (t *Tracker) CreatePR(ctx context.Context, opts tracker.CreatePROptions) (*tracker.PullRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPR++
	pr := &tracker.PullRequest{
		Number:  t.nextPR,
		Title:   opts.Title,
		Body:    opts.Body,
		HeadRef: opts.Head,
		State:   "open",
	}
	t.prs[pr.Number] = pr
	return pr, nil
}

func (t *Tracker) UpdatePRBody(ctx context.Context, number int, body string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.prs[number]
	if !ok {
		return fmt.Errorf("pr %d not found", number)
	}
	p.Body = body
	return nil
}

func (t *Tracker) GetPRReviews(ctx context.Context, number int) ([]*tracker.Review, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reviews[number], nil
}

func (t *Tracker) GetPRCIStatus(ctx context.Context, number int) (tracker.CIStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.ci[number]
	if !ok {
		return tracker.CINoChecks, nil
	}
	return status, nil
}

func (t *Tracker) AddLabel(ctx context.Context, entity int, label, actor string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.issues[entity]; ok {
		if !i.HasLabel(label) {
			i.Labels = append(i.Labels, label)
		}
		return nil
	}
	if p, ok := t.prs[entity]; ok {
		if !p.HasLabel(label) {
			p.Labels = append(p.Labels, label)
		}
		return nil
	}
	return fmt.Errorf("entity %d not found", entity)
}

func (t *Tracker) RemoveLabel(ctx context.Context, entity int, label, actor string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.issues[entity]; ok {
		i.Labels = removeLabel(i.Labels, label)
		return nil
	}
	if p, ok := t.prs[entity]; ok {
		p.Labels = removeLabel(p.Labels, label)
		return nil
	}
	return fmt.Errorf("entity %d not found", entity)
}

func removeLabel(labels []string, label string) []string {
	out := labels[:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}

func (t *Tracker) GetLabels(ctx context.Context, entity int) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.issues[entity]; ok {
		return i.Labels, nil
	}
	if p, ok := t.prs[entity]; ok {
		return p.Labels, nil
	}
	return nil, fmt.Errorf("entity %d not found", entity)
}

var _ tracker.Tracker = (*Tracker)(nil)
