package ballots

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var fixtureNow = time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ballots.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(elections.Models()...))
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

// ballotFixture seeds one open election with a single-seat warden race, a
// two-seat council race, an unassigned treasurer position and a foreign
// election used for mismatch checks.
type ballotFixture struct {
	db              *gorm.DB
	electionID      int64
	periodID        int64
	wardenID        int64
	councilID       int64
	treasurerID     int64
	wardenA         int64
	wardenB         int64
	councilC        int64
	councilD        int64
	councilE        int64
	foreignPeriodID int64
	foreignPosition int64
	foreignCand     int64
}

func seedBallotFixture(t *testing.T, db *gorm.DB) ballotFixture {
	t.Helper()
	create := func(value any) {
		require.NoError(t, db.Create(value).Error)
	}

	election := elections.Election{Name: "Parish council"}
	create(&election)
	period := elections.VotingPeriod{
		ElectionID: election.ID,
		Name:       "Main vote",
		Status:     elections.PeriodStatusOpen,
		StartsAt:   fixtureNow.Add(-time.Hour),
		EndsAt:     fixtureNow.Add(time.Hour),
	}
	create(&period)

	two := 2
	warden := elections.Position{ElectionID: election.ID, Title: "Warden", Scope: elections.ScopeChurch}
	create(&warden)
	council := elections.Position{ElectionID: election.ID, Title: "Council", Seats: &two, Scope: elections.ScopeChurch}
	create(&council)
	treasurer := elections.Position{ElectionID: election.ID, Title: "Treasurer", Scope: elections.ScopeChurch}
	create(&treasurer)
	create(&elections.VotingPeriodPosition{VotingPeriodID: period.ID, PositionID: warden.ID})
	create(&elections.VotingPeriodPosition{VotingPeriodID: period.ID, PositionID: council.ID})

	candidate := func(positionID int64, voterID string) int64 {
		row := elections.Candidate{ElectionID: election.ID, PositionID: positionID, VoterID: voterID, DisplayName: voterID}
		create(&row)
		return row.ID
	}
	fixture := ballotFixture{
		db:          db,
		electionID:  election.ID,
		periodID:    period.ID,
		wardenID:    warden.ID,
		councilID:   council.ID,
		treasurerID: treasurer.ID,
	}
	fixture.wardenA = candidate(warden.ID, "cand-a")
	fixture.wardenB = candidate(warden.ID, "cand-b")
	fixture.councilC = candidate(council.ID, "cand-c")
	fixture.councilD = candidate(council.ID, "cand-d")
	fixture.councilE = candidate(council.ID, "cand-e")

	foreign := elections.Election{Name: "Deanery synod"}
	create(&foreign)
	foreignPeriod := elections.VotingPeriod{
		ElectionID: foreign.ID,
		Name:       "Synod vote",
		Status:     elections.PeriodStatusOpen,
		StartsAt:   fixtureNow.Add(-time.Hour),
		EndsAt:     fixtureNow.Add(time.Hour),
	}
	create(&foreignPeriod)
	foreignPosition := elections.Position{ElectionID: foreign.ID, Title: "Delegate", Scope: elections.ScopeDiocese}
	create(&foreignPosition)
	foreignCandidate := elections.Candidate{ElectionID: foreign.ID, PositionID: foreignPosition.ID, VoterID: "cand-x", DisplayName: "X"}
	create(&foreignCandidate)
	fixture.foreignPeriodID = foreignPeriod.ID
	fixture.foreignPosition = foreignPosition.ID
	fixture.foreignCand = foreignCandidate.ID

	for _, voterID := range []string{"voter-1", "voter-2", "voter-3", "voter-4"} {
		create(&elections.VoterRollEntry{ElectionID: election.ID, VoterID: voterID, Status: elections.RollStatusActive})
	}
	create(&elections.VoterRollEntry{ElectionID: election.ID, VoterID: "voter-suspended", Status: elections.RollStatusSuspended})
	return fixture
}

type stubOracle struct {
	verdict elections.Verdict
	err     error
}

func (o stubOracle) CheckEligibility(context.Context, elections.ElectionID, elections.VotingPeriodID, elections.VoterID) (elections.Verdict, error) {
	return o.verdict, o.err
}

func newTestService(t *testing.T, fixture ballotFixture, clock func() time.Time) *Service {
	t.Helper()
	oracle, err := elections.NewRollOracle(fixture.db)
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{
		Database:   fixture.db,
		Oracle:     oracle,
		Clock:      clock,
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return service
}

func fixedClock(instant time.Time) func() time.Time {
	return func() time.Time { return instant }
}

func ballot(voterID string, fixture ballotFixture, items ...SubmissionItem) SubmissionRequest {
	return SubmissionRequest{
		VoterID:        voterID,
		ElectionID:     fixture.electionID,
		VotingPeriodID: fixture.periodID,
		Items:          items,
	}
}

func item(positionID int64, candidateIDs ...int64) SubmissionItem {
	return SubmissionItem{PositionID: positionID, CandidateIDs: candidateIDs}
}
