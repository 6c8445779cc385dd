package phases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/loomtest"
	"github.com/loomhq/loomd/internal/statestore"
	"github.com/loomhq/loomd/internal/tracker"
)

func newPhaseContext(t *testing.T) (*Context, *loomtest.Tracker) {
	t.Helper()
	tr := loomtest.NewTracker()
	return &Context{
		Tracker: tr,
		VCS:     loomtest.NewVCS(),
		Store:   statestore.New(t.TempDir()),
		Clock:   clock.Frozen{T: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)},
	}, tr
}

func TestCuratorAppliesLabelWhenMissing(t *testing.T) {
	pc, tr := newPhaseContext(t)
	issue := &tracker.Issue{Number: 1, State: "open"}
	tr.AddIssue(issue)

	result, err := Curator(context.Background(), pc, issue, Options{})
	require.NoError(t, err)
	assert.Equal(t, Recovered, result.Status)
	assert.Equal(t, RecoveryAppliedLabel, result.RecoveryAction)
	assert.True(t, issue.HasLabel("curated"))
}

func TestCuratorSatisfiedWhenAlreadyCurated(t *testing.T) {
	pc, tr := newPhaseContext(t)
	issue := &tracker.Issue{Number: 2, State: "open", Labels: []string{"curated"}}
	tr.AddIssue(issue)

	result, err := Curator(context.Background(), pc, issue, Options{})
	require.NoError(t, err)
	assert.Equal(t, Satisfied, result.Status)
}

func TestCuratorCheckOnlyDoesNotApplyLabel(t *testing.T) {
	pc, tr := newPhaseContext(t)
	issue := &tracker.Issue{Number: 3, State: "open"}
	tr.AddIssue(issue)

	result, err := Curator(context.Background(), pc, issue, Options{CheckOnly: true})
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Status)
	assert.False(t, issue.HasLabel("curated"))
}

func TestJudgeApprovedIsSatisfied(t *testing.T) {
	pc, tr := newPhaseContext(t)
	pr, err := tr.CreatePR(context.Background(), tracker.CreatePROptions{Title: "x", Body: "y"})
	require.NoError(t, err)
	require.NoError(t, tr.AddLabel(context.Background(), pr.Number, "pr", "reviewer"))

	result, err := Judge(context.Background(), pc, &tracker.Issue{Number: 1}, Options{}, pr.Number)
	require.NoError(t, err)
	assert.Equal(t, Satisfied, result.Status)
}

func TestJudgeChangesRequestedIsSatisfied(t *testing.T) {
	pc, tr := newPhaseContext(t)
	pr, err := tr.CreatePR(context.Background(), tracker.CreatePROptions{Title: "x", Body: "y"})
	require.NoError(t, err)
	require.NoError(t, tr.AddLabel(context.Background(), pr.Number, "changes-requested", "reviewer"))

	result, err := Judge(context.Background(), pc, &tracker.Issue{Number: 1}, Options{}, pr.Number)
	require.NoError(t, err)
	assert.Equal(t, Satisfied, result.Status)
}

func TestJudgeReviewRequestedIsIntermediateFailure(t *testing.T) {
	pc, tr := newPhaseContext(t)
	pr, err := tr.CreatePR(context.Background(), tracker.CreatePROptions{Title: "x", Body: "y"})
	require.NoError(t, err)
	require.NoError(t, tr.AddLabel(context.Background(), pr.Number, "review-requested", "loomd"))

	result, err := Judge(context.Background(), pc, &tracker.Issue{Number: 1}, Options{}, pr.Number)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Status)
	assert.Equal(t, true, result.Data["intermediate"])
}

func TestJudgeNoRecognizedLabelFails(t *testing.T) {
	pc, tr := newPhaseContext(t)
	pr, err := tr.CreatePR(context.Background(), tracker.CreatePROptions{Title: "x", Body: "y"})
	require.NoError(t, err)

	result, err := Judge(context.Background(), pc, &tracker.Issue{Number: 1}, Options{}, pr.Number)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Status)
}

func TestDoctorSatisfiedWhenResubmitted(t *testing.T) {
	pc, tr := newPhaseContext(t)
	pr, err := tr.CreatePR(context.Background(), tracker.CreatePROptions{Title: "x", Body: "y"})
	require.NoError(t, err)
	require.NoError(t, tr.AddLabel(context.Background(), pr.Number, "review-requested", "loomd"))

	result, err := Doctor(context.Background(), pc, &tracker.Issue{Number: 1}, Options{}, pr.Number)
	require.NoError(t, err)
	assert.Equal(t, Satisfied, result.Status)
}

func TestDoctorFailsWithoutResubmission(t *testing.T) {
	pc, tr := newPhaseContext(t)
	pr, err := tr.CreatePR(context.Background(), tracker.CreatePROptions{Title: "x", Body: "y"})
	require.NoError(t, err)
	require.NoError(t, tr.AddLabel(context.Background(), pr.Number, "changes-requested", "reviewer"))

	result, err := Doctor(context.Background(), pc, &tracker.Issue{Number: 1}, Options{}, pr.Number)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Status)
}

func TestLabelRecoverySwapsLabels(t *testing.T) {
	pc, tr := newPhaseContext(t)
	pr, err := tr.CreatePR(context.Background(), tracker.CreatePROptions{Title: "x", Body: "y"})
	require.NoError(t, err)
	require.NoError(t, tr.AddLabel(context.Background(), pr.Number, "changes-requested", "reviewer"))

	require.NoError(t, LabelRecovery(context.Background(), pc, pr.Number))

	updated, err := tr.GetPR(context.Background(), pr.Number)
	require.NoError(t, err)
	assert.False(t, updated.HasLabel("changes-requested"))
	assert.True(t, updated.HasLabel("review-requested"))
}
