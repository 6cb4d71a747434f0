package certification

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/stretchr/testify/require"
)

func TestPlanAssignmentsResolvesScopeTargets(t *testing.T) {
	fixture := seedElection(t, newTestDB(t), elections.PeriodStatusClosed,
		positionSpec{title: "Warden", seats: 1, candidates: []string{"alice", "bob"}},
		positionSpec{title: "Synod delegate", seats: 1, scope: elections.ScopeDiocese, candidates: []string{"frank"}})
	fixture.vote(t, "voter-1", "Warden", "bob")
	fixture.vote(t, "voter-1", "Synod delegate", "frank")
	service := newTestService(t, fixture.db)
	ctx := context.Background()

	_, err := service.PlanAssignments(ctx, fixture.electionID, fixture.periodID)
	require.ErrorIs(t, err, ErrRunNotFound)

	_, err = service.RunTally(ctx, fixture.electionID, fixture.periodID, officer, RunOptions{})
	require.NoError(t, err)

	plan, err := service.PlanAssignments(ctx, fixture.electionID, fixture.periodID)
	require.NoError(t, err)
	require.Len(t, plan, 2)

	warden := plan[0]
	require.Equal(t, "person-bob", warden.VoterID)
	require.Equal(t, elections.ScopeChurch, warden.Scope)
	require.Equal(t, int64(41), warden.ScopeTargetID)
	require.NotNil(t, warden.TermStart)
	require.NotNil(t, warden.TermEnd)
	require.Equal(t, int64(1), warden.VoteCount)
	require.Equal(t, 1, warden.Rank)

	delegate := plan[1]
	require.Equal(t, elections.ScopeDiocese, delegate.Scope)
	require.Equal(t, int64(3), delegate.ScopeTargetID)
}

func TestPlanAssignmentsRejectsMissingScopeReference(t *testing.T) {
	fixture := seedElection(t, newTestDB(t), elections.PeriodStatusClosed,
		positionSpec{title: "Archdeaconry rep", seats: 1, scope: elections.ScopeArchdeaconry, candidates: []string{"gina"}})
	fixture.vote(t, "voter-1", "Archdeaconry rep", "gina")
	service := newTestService(t, fixture.db)
	ctx := context.Background()

	_, err := service.RunTally(ctx, fixture.electionID, fixture.periodID, officer, RunOptions{})
	require.NoError(t, err)

	_, err = service.PlanAssignments(ctx, fixture.electionID, fixture.periodID)
	require.ErrorIs(t, err, ErrMissingScopeReference)
}

func TestPlanAssignmentsRequiresCompletedRun(t *testing.T) {
	fixture := seedElection(t, newTestDB(t), elections.PeriodStatusClosed,
		positionSpec{title: "Warden", seats: 1, candidates: []string{"alice"}})
	service := newTestService(t, fixture.db)
	ctx := context.Background()

	_, err := service.RunTally(ctx, fixture.electionID, fixture.periodID, officer, RunOptions{})
	require.NoError(t, err)
	_, err = service.Rollback(ctx, fixture.electionID, fixture.periodID, officer, "")
	require.NoError(t, err)

	_, err = service.PlanAssignments(ctx, fixture.electionID, fixture.periodID)
	require.ErrorIs(t, err, ErrRunNotCompleted)
}
