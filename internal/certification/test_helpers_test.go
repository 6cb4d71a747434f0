package certification

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/ballots"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var fixtureNow = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "certification.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	migrate(t, db)
	return db
}

func migrate(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.AutoMigrate(elections.Models()...))
	require.NoError(t, db.AutoMigrate(ballots.Models()...))
	require.NoError(t, db.AutoMigrate(Models()...))
}

type certificationFixture struct {
	db         *gorm.DB
	electionID int64
	periodID   int64
	positions  map[string]int64
	candidates map[string]int64
}

type positionSpec struct {
	title      string
	seats      int
	scope      elections.ScopeKind
	candidates []string
}

// seedElection creates an election referencing church 41 and diocese 3, one
// voting period in the given status and the listed positions, all on the ballot.
func seedElection(t *testing.T, db *gorm.DB, status elections.PeriodStatus, specs ...positionSpec) certificationFixture {
	t.Helper()
	create := func(value any) {
		require.NoError(t, db.Create(value).Error)
	}

	churchID, dioceseID := int64(41), int64(3)
	termStart := fixtureNow.AddDate(0, 1, 0)
	termEnd := termStart.AddDate(3, 0, 0)
	election := elections.Election{
		Name:      "Annual meeting",
		ChurchID:  &churchID,
		DioceseID: &dioceseID,
		TermStart: &termStart,
		TermEnd:   &termEnd,
	}
	create(&election)
	period := elections.VotingPeriod{
		ElectionID: election.ID,
		Name:       "Ballot",
		Status:     status,
		StartsAt:   fixtureNow.Add(-48 * time.Hour),
		EndsAt:     fixtureNow.Add(-time.Hour),
	}
	create(&period)

	fixture := certificationFixture{
		db:         db,
		electionID: election.ID,
		periodID:   period.ID,
		positions:  map[string]int64{},
		candidates: map[string]int64{},
	}
	for _, spec := range specs {
		seats := spec.seats
		scope := spec.scope
		if scope == "" {
			scope = elections.ScopeChurch
		}
		position := elections.Position{ElectionID: election.ID, Title: spec.title, Seats: &seats, Scope: scope}
		create(&position)
		create(&elections.VotingPeriodPosition{VotingPeriodID: period.ID, PositionID: position.ID})
		fixture.positions[spec.title] = position.ID
		for _, name := range spec.candidates {
			candidate := elections.Candidate{ElectionID: election.ID, PositionID: position.ID, VoterID: "person-" + name, DisplayName: name}
			create(&candidate)
			fixture.candidates[name] = candidate.ID
		}
	}
	return fixture
}

func (f certificationFixture) vote(t *testing.T, voterID, position string, candidates ...string) {
	t.Helper()
	selections := make([]ballots.VoteSelection, 0, len(candidates))
	for index, name := range candidates {
		selections = append(selections, ballots.VoteSelection{CandidateID: f.candidates[name], Ordinal: index + 1})
	}
	record := ballots.VoteRecord{
		ElectionID:     f.electionID,
		VotingPeriodID: f.periodID,
		VoterID:        voterID,
		PositionID:     f.positions[position],
		SubmissionID:   "submission-" + voterID,
		ReceiptID:      "BLT-20260601-" + voterID,
		SubmittedAt:    fixtureNow.Add(-2 * time.Hour),
		Selections:     selections,
	}
	require.NoError(t, f.db.Create(&record).Error)
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return fixtureNow },
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return service
}

func (f certificationFixture) candidateResults(t *testing.T, position string) []CertifiedCandidateResult {
	t.Helper()
	var result CertifiedPositionResult
	require.NoError(t, f.db.Preload("Candidates", func(db *gorm.DB) *gorm.DB {
		return db.Order("rank ASC")
	}).Where("position_id = ?", f.positions[position]).Order("id DESC").Take(&result).Error)
	return result.Candidates
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(model).Count(&count).Error)
	return count
}
