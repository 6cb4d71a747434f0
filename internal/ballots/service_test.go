package ballots

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/faults"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var receiptPattern = regexp.MustCompile(`^BLT-20260503-[A-Z0-9]{10}$`)

func TestNewServiceRequiresDependencies(t *testing.T) {
	db := newTestDB(t)

	_, err := NewService(ServiceConfig{})
	require.ErrorIs(t, err, errMissingDatabase)

	_, err = NewService(ServiceConfig{Database: db})
	require.ErrorIs(t, err, errMissingOracle)

	_, err = NewService(ServiceConfig{Database: db, Oracle: stubOracle{}})
	require.ErrorIs(t, err, errMissingIDProvider)
	var serviceErr *faults.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "ballots.service.new.missing_id_provider", serviceErr.Code())
}

func TestSubmitVotesRecordsEveryPosition(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	result, err := service.SubmitVotes(context.Background(), ballot("voter-1", fixture,
		item(fixture.wardenID, fixture.wardenA),
		item(fixture.councilID, fixture.councilD, fixture.councilC),
	))
	require.NoError(t, err)
	require.Regexp(t, receiptPattern, result.ReceiptID)
	require.NotEmpty(t, result.SubmissionID)
	require.True(t, result.SubmittedAt.Equal(fixtureNow))
	require.Len(t, result.Recorded, 2)
	require.Equal(t, []elections.CandidateID{elections.CandidateID(fixture.councilD), elections.CandidateID(fixture.councilC)}, result.Recorded[1].CandidateIDs)

	var records []VoteRecord
	require.NoError(t, fixture.db.Preload("Selections").Order("position_id asc").Find(&records).Error)
	require.Len(t, records, 2)
	for _, record := range records {
		require.Equal(t, result.SubmissionID, record.SubmissionID)
		require.Equal(t, result.ReceiptID, record.ReceiptID)
		require.Equal(t, "voter-1", record.VoterID)
	}
	require.Len(t, records[1].Selections, 2)
	ordinals := map[int64]int{}
	for _, selection := range records[1].Selections {
		ordinals[selection.CandidateID] = selection.Ordinal
	}
	require.Equal(t, 1, ordinals[fixture.councilD])
	require.Equal(t, 2, ordinals[fixture.councilC])
}

func TestSubmitVotesRejectsMalformedBallots(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	testCases := []struct {
		name    string
		request SubmissionRequest
	}{
		{name: "missing voter", request: ballot("  ", fixture, item(fixture.wardenID, fixture.wardenA))},
		{name: "no items", request: ballot("voter-1", fixture)},
		{name: "no candidates", request: ballot("voter-1", fixture, item(fixture.wardenID))},
		{name: "zero candidate", request: ballot("voter-1", fixture, item(fixture.wardenID, 0))},
		{name: "repeated candidate", request: ballot("voter-1", fixture, item(fixture.councilID, fixture.councilC, fixture.councilC))},
		{name: "repeated position", request: ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA), item(fixture.wardenID, fixture.wardenB))},
		{name: "missing election", request: SubmissionRequest{VoterID: "voter-1", VotingPeriodID: fixture.periodID, Items: []SubmissionItem{item(fixture.wardenID, fixture.wardenA)}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.SubmitVotes(context.Background(), testCase.request)
			require.ErrorIs(t, err, ErrInvalidBallot)
		})
	}

	var count int64
	require.NoError(t, fixture.db.Model(&VoteRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestSubmitVotesChecksVotingPeriod(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))

	t.Run("unknown election", func(t *testing.T) {
		service := newTestService(t, fixture, fixedClock(fixtureNow))
		request := ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA))
		request.ElectionID = 9999
		_, err := service.SubmitVotes(context.Background(), request)
		require.ErrorIs(t, err, ErrElectionNotFound)
	})

	t.Run("unknown period", func(t *testing.T) {
		service := newTestService(t, fixture, fixedClock(fixtureNow))
		request := ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA))
		request.VotingPeriodID = 9999
		_, err := service.SubmitVotes(context.Background(), request)
		require.ErrorIs(t, err, ErrVotingPeriodNotFound)
	})

	t.Run("period of another election", func(t *testing.T) {
		service := newTestService(t, fixture, fixedClock(fixtureNow))
		request := ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA))
		request.VotingPeriodID = fixture.foreignPeriodID
		_, err := service.SubmitVotes(context.Background(), request)
		require.ErrorIs(t, err, ErrVotingPeriodMismatch)
	})

	t.Run("window end is exclusive", func(t *testing.T) {
		service := newTestService(t, fixture, fixedClock(fixtureNow.Add(time.Hour)))
		_, err := service.SubmitVotes(context.Background(), ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA)))
		require.ErrorIs(t, err, ErrVotingClosed)
	})

	t.Run("window start is inclusive", func(t *testing.T) {
		service := newTestService(t, fixture, fixedClock(fixtureNow.Add(-time.Hour)))
		_, err := service.SubmitVotes(context.Background(), ballot("voter-4", fixture, item(fixture.wardenID, fixture.wardenA)))
		require.NoError(t, err)
	})

	t.Run("closed status", func(t *testing.T) {
		require.NoError(t, fixture.db.Model(&elections.VotingPeriod{}).Where("id = ?", fixture.periodID).
			Update("status", elections.PeriodStatusClosed).Error)
		t.Cleanup(func() {
			require.NoError(t, fixture.db.Model(&elections.VotingPeriod{}).Where("id = ?", fixture.periodID).
				Update("status", elections.PeriodStatusOpen).Error)
		})
		service := newTestService(t, fixture, fixedClock(fixtureNow))
		_, err := service.SubmitVotes(context.Background(), ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA)))
		require.ErrorIs(t, err, ErrVotingClosed)
	})
}

func TestSubmitVotesConsultsEligibilityBeforePositions(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	_, err := service.SubmitVotes(context.Background(), ballot("stranger", fixture, item(fixture.treasurerID, fixture.wardenA)))
	require.ErrorIs(t, err, ErrNotEligible)
	validation, ok := faults.AsValidation(err)
	require.True(t, ok)
	require.Contains(t, validation.Reason(), elections.ReasonNotRegistered)

	_, err = service.SubmitVotes(context.Background(), ballot("voter-suspended", fixture, item(fixture.wardenID, fixture.wardenA)))
	require.ErrorIs(t, err, ErrNotEligible)
	validation, ok = faults.AsValidation(err)
	require.True(t, ok)
	require.Contains(t, validation.Reason(), elections.ReasonSuspended)
}

func TestSubmitVotesSurfacesOracleFailure(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service, err := NewService(ServiceConfig{
		Database:   fixture.db,
		Oracle:     stubOracle{err: errors.New("roll service unavailable")},
		Clock:      fixedClock(fixtureNow),
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	_, err = service.SubmitVotes(context.Background(), ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA)))
	var serviceErr *faults.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "ballots.submit_votes.eligibility_check_failed", serviceErr.Code())
}

func TestSubmitVotesChecksPositionsAndCandidates(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	testCases := []struct {
		name string
		item SubmissionItem
		want error
	}{
		{name: "position not on ballot", item: item(fixture.treasurerID, fixture.wardenA), want: ErrPositionNotOnBallot},
		{name: "position of another election", item: item(fixture.foreignPosition, fixture.foreignCand), want: ErrPositionNotOnBallot},
		{name: "unknown candidate", item: item(fixture.wardenID, 9999), want: ErrCandidateMismatch},
		{name: "candidate of another election", item: item(fixture.wardenID, fixture.foreignCand), want: ErrCandidateMismatch},
		{name: "candidate of another position", item: item(fixture.wardenID, fixture.councilC), want: ErrCandidateMismatch},
		{name: "more selections than seats", item: item(fixture.wardenID, fixture.wardenA, fixture.wardenB), want: ErrTooManySelections},
		{name: "council over limit", item: item(fixture.councilID, fixture.councilC, fixture.councilD, fixture.councilE), want: ErrTooManySelections},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.SubmitVotes(context.Background(), ballot("voter-1", fixture, testCase.item))
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func TestSubmitVotesRejectsPositionAssignedAcrossElections(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	require.NoError(t, fixture.db.Create(&elections.VotingPeriodPosition{
		VotingPeriodID: fixture.periodID,
		PositionID:     fixture.foreignPosition,
	}).Error)
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	_, err := service.SubmitVotes(context.Background(), ballot("voter-1", fixture, item(fixture.foreignPosition, fixture.foreignCand)))
	require.ErrorIs(t, err, ErrPositionMismatch)
}

func TestSubmitVotesIsAllOrNothing(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	_, err := service.SubmitVotes(context.Background(), ballot("voter-1", fixture, item(fixture.wardenID, fixture.wardenA)))
	require.NoError(t, err)

	_, err = service.SubmitVotes(context.Background(), ballot("voter-1", fixture,
		item(fixture.councilID, fixture.councilC),
		item(fixture.wardenID, fixture.wardenB),
	))
	require.ErrorIs(t, err, ErrDuplicateVote)

	var councilVotes int64
	require.NoError(t, fixture.db.Model(&VoteRecord{}).Where("position_id = ?", fixture.councilID).Count(&councilVotes).Error)
	require.Zero(t, councilVotes)

	_, err = service.SubmitVotes(context.Background(), ballot("voter-1", fixture, item(fixture.councilID, fixture.councilC)))
	require.NoError(t, err)
}

func TestSubmitVotesUniqueIndexBackstopsDuplicates(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	duplicate := VoteRecord{
		ElectionID:     fixture.electionID,
		VotingPeriodID: fixture.periodID,
		VoterID:        "voter-2",
		PositionID:     fixture.wardenID,
		SubmissionID:   "first",
		ReceiptID:      "BLT-20260503-AAAAAAAAAA",
		SubmittedAt:    fixtureNow,
	}
	require.NoError(t, fixture.db.Create(&duplicate).Error)
	duplicate.ID = 0
	duplicate.SubmissionID = "second"
	err := fixture.db.Create(&duplicate).Error
	require.Error(t, err)
	require.True(t, faults.IsUniqueViolation(err))
}

func TestSubmitVotesRejectsDuplicateWrittenAfterPriorVoteCheck(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	var interleaved atomic.Bool
	err := fixture.db.Callback().Create().Before("gorm:create").Register("ballots_test:interleave_vote", func(db *gorm.DB) {
		if db.Statement.Table != "vote_records" || !interleaved.CompareAndSwap(false, true) {
			return
		}
		rival := VoteRecord{
			ElectionID:     fixture.electionID,
			VotingPeriodID: fixture.periodID,
			VoterID:        "voter-4",
			PositionID:     fixture.councilID,
			SubmissionID:   "rival",
			ReceiptID:      "BLT-20260503-RIVAL00000",
			SubmittedAt:    fixtureNow,
		}
		if err := db.Session(&gorm.Session{NewDB: true}).Create(&rival).Error; err != nil {
			_ = db.AddError(err)
		}
	})
	require.NoError(t, err)

	_, err = service.SubmitVotes(context.Background(), ballot("voter-4", fixture,
		item(fixture.wardenID, fixture.wardenA),
		item(fixture.councilID, fixture.councilC),
	))
	require.True(t, interleaved.Load())
	require.ErrorIs(t, err, ErrDuplicateVote)

	var records, selections int64
	require.NoError(t, fixture.db.Model(&VoteRecord{}).Where("voter_id = ?", "voter-4").Count(&records).Error)
	require.Zero(t, records)
	require.NoError(t, fixture.db.Model(&VoteSelection{}).Count(&selections).Error)
	require.Zero(t, selections)
}

func TestSubmitVotesConcurrentDuplicatesRecordOnce(t *testing.T) {
	fixture := seedBallotFixture(t, newTestDB(t))
	service := newTestService(t, fixture, fixedClock(fixtureNow))

	const attempts = 8
	results := make([]error, attempts)
	var group errgroup.Group
	for index := 0; index < attempts; index++ {
		index := index
		group.Go(func() error {
			_, err := service.SubmitVotes(context.Background(), ballot("voter-3", fixture, item(fixture.wardenID, fixture.wardenB)))
			results[index] = err
			return nil
		})
	}
	require.NoError(t, group.Wait())

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, ErrDuplicateVote)
	}
	require.Equal(t, 1, accepted)

	var count int64
	require.NoError(t, fixture.db.Model(&VoteRecord{}).Where("voter_id = ?", "voter-3").Count(&count).Error)
	require.Equal(t, int64(1), count)
}
