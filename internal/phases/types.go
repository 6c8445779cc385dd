// Package phases implements the four phase-contract validators (spec.md
// §4.4 "Phase Validators"): Curator, Builder, Judge, Doctor. Each validator
// shares the signature spec.md §9 calls out — "(issue, ctx, opts) -> Result"
// — grounded on steveyegge-vc/internal/gates's GateProvider.RunAll pattern
// of a fixed ordered sequence of named checks producing a typed Result,
// generalized here from "pass/fail" to the three-way
// Satisfied/Recovered/Failed verdict the label-state contract needs.
package phases

import (
	"context"
	"time"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
	"github.com/loomhq/loomd/internal/vcs"
)

// Status is a validator's three-way verdict (spec.md §4.4).
type Status string

const (
	Satisfied Status = "satisfied"
	Recovered Status = "recovered"
	Failed    Status = "failed"
)

// RecoveryAction tags what a Recovered/Failed result did or recommends.
type RecoveryAction string

const (
	RecoveryNone              RecoveryAction = ""
	RecoveryAppliedLabel      RecoveryAction = "applied_label"
	RecoveryMechanical        RecoveryAction = "mechanical_recovery"
	RecoveryLabelSwap         RecoveryAction = "label_swap"
	RecoveryReopenedIssue     RecoveryAction = "reopened_issue"
)

// Result is one validator invocation's outcome (spec.md §4.4).
type Result struct {
	Status         Status
	Message        string
	RecoveryAction RecoveryAction
	Data           map[string]interface{}
}

// Options controls a validator run (spec.md §4.4 "check_only" / "quiet").
type Options struct {
	// CheckOnly suppresses all side effects: no label writes, no comments,
	// no PR creation, no commits.
	CheckOnly bool
	// Quiet allows a validator to attempt recovery but forbids posting
	// diagnostic comments or changing labels on failure.
	Quiet bool
}

// Context bundles the external collaborators and local state every
// validator needs (spec.md §9 "Global state isolation": passed through a
// context value, not a hidden singleton).
type Context struct {
	Tracker tracker.Tracker
	VCS     vcs.VCS
	Store   *statestore.Store
	Clock   clock.Clock
}

// Now is a small convenience over Context.Clock.
func (c *Context) Now() time.Time { return c.Clock.Now() }

// Validator is the shared signature every phase implements (spec.md §9).
type Validator func(ctx context.Context, pc *Context, issue *tracker.Issue, opts Options) (Result, error)
