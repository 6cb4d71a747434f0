package ballots

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opTallyReport = "ballots.tally_report"

	tableSelectionsJoined = "vote_selections AS s"
	joinSelectionRecord   = "JOIN vote_records AS r ON r.id = s.vote_record_id"
	queryScopePosition    = "r.election_id = ? AND r.voting_period_id = ? AND r.position_id = ?"
	queryRecordPosition   = "election_id = ? AND voting_period_id = ? AND position_id = ?"
	queryRecordPeriod     = "election_id = ? AND voting_period_id = ?"
)

var errMissingTallyDatabase = errors.New("ballots: tally database handle is required")

// Tally aggregates the vote ledger. Every method is a read.
type Tally struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewTally constructs a Tally over the vote ledger.
func NewTally(db *gorm.DB, logger *zap.Logger) (*Tally, error) {
	if db == nil {
		return nil, errMissingTallyDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tally{db: db, clock: time.Now, logger: logger}, nil
}

// Using returns a Tally that reads through the provided transaction.
func (t *Tally) Using(tx *gorm.DB) *Tally {
	return &Tally{db: tx, clock: t.clock, logger: t.logger}
}

type candidateVotesRow struct {
	CandidateID int64 `gorm:"column:candidate_id"`
	Votes       int64 `gorm:"column:votes"`
}

// CountVotesByCandidate returns the number of selections per candidate for a
// position. Candidates without votes are absent.
func (t *Tally) CountVotesByCandidate(ctx context.Context, electionID elections.ElectionID, periodID elections.VotingPeriodID, positionID elections.PositionID) (map[elections.CandidateID]int64, error) {
	var rows []candidateVotesRow
	if err := t.db.WithContext(ctx).
		Table(tableSelectionsJoined).
		Select("s.candidate_id AS candidate_id, COUNT(*) AS votes").
		Joins(joinSelectionRecord).
		Where(queryScopePosition, electionID.Int64(), periodID.Int64(), positionID.Int64()).
		Group("s.candidate_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[elections.CandidateID]int64, len(rows))
	for _, row := range rows {
		counts[elections.CandidateID(row.CandidateID)] = row.Votes
	}
	return counts, nil
}

// CountVotesForPosition returns the number of selections recorded for a position.
func (t *Tally) CountVotesForPosition(ctx context.Context, electionID elections.ElectionID, periodID elections.VotingPeriodID, positionID elections.PositionID) (int64, error) {
	var total int64
	err := t.db.WithContext(ctx).
		Table(tableSelectionsJoined).
		Joins(joinSelectionRecord).
		Where(queryScopePosition, electionID.Int64(), periodID.Int64(), positionID.Int64()).
		Count(&total).Error
	return total, err
}

// CountBallotsForPosition returns the number of vote records for a position.
func (t *Tally) CountBallotsForPosition(ctx context.Context, electionID elections.ElectionID, periodID elections.VotingPeriodID, positionID elections.PositionID) (int64, error) {
	var total int64
	err := t.db.WithContext(ctx).
		Model(&VoteRecord{}).
		Where(queryRecordPosition, electionID.Int64(), periodID.Int64(), positionID.Int64()).
		Count(&total).Error
	return total, err
}

// CountTurnoutForPosition returns the number of distinct voters for a position.
func (t *Tally) CountTurnoutForPosition(ctx context.Context, electionID elections.ElectionID, periodID elections.VotingPeriodID, positionID elections.PositionID) (int64, error) {
	var total int64
	err := t.db.WithContext(ctx).
		Model(&VoteRecord{}).
		Where(queryRecordPosition, electionID.Int64(), periodID.Int64(), positionID.Int64()).
		Distinct("voter_id").
		Count(&total).Error
	return total, err
}

// CountElectionTurnout returns the number of distinct voters across the period.
func (t *Tally) CountElectionTurnout(ctx context.Context, electionID elections.ElectionID, periodID elections.VotingPeriodID) (int64, error) {
	var total int64
	err := t.db.WithContext(ctx).
		Model(&VoteRecord{}).
		Where(queryRecordPeriod, electionID.Int64(), periodID.Int64()).
		Distinct("voter_id").
		Count(&total).Error
	return total, err
}

// CandidateCount is one candidate line of a report.
type CandidateCount struct {
	CandidateID elections.CandidateID
	DisplayName string
	Votes       int64
}

// PositionReport summarizes one position of a voting period.
type PositionReport struct {
	PositionID   elections.PositionID
	Title        string
	Seats        int
	Candidates   []CandidateCount
	TotalVotes   int64
	TotalBallots int64
	Turnout      int64
}

// Report is a live, uncertified view of a voting period.
type Report struct {
	ElectionID      elections.ElectionID
	VotingPeriodID  elections.VotingPeriodID
	Positions       []PositionReport
	ElectionTurnout int64
	GeneratedAt     time.Time
}

// Report reads every position on the period's ballot inside one read
// transaction so that all counts come from the same snapshot.
func (t *Tally) Report(ctx context.Context, electionID elections.ElectionID, periodID elections.VotingPeriodID) (Report, error) {
	report := Report{ElectionID: electionID, VotingPeriodID: periodID}
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		catalog, err := elections.NewCatalog(tx)
		if err != nil {
			return err
		}
		period, err := catalog.VotingPeriod(ctx, periodID)
		if err != nil {
			return err
		}
		if period.ElectionID != electionID.Int64() {
			return faults.Reject(ErrVotingPeriodMismatch, "voting period %d does not belong to election %d", periodID, electionID)
		}
		positionIDs, err := catalog.PeriodPositionIDs(ctx, periodID)
		if err != nil {
			return err
		}
		positions, err := catalog.PositionsByID(ctx, positionIDs)
		if err != nil {
			return err
		}
		reader := t.Using(tx)
		for _, positionID := range positionIDs {
			position, ok := positions[positionID]
			if !ok {
				continue
			}
			positionReport, err := reader.positionReport(ctx, catalog, electionID, periodID, position)
			if err != nil {
				return err
			}
			report.Positions = append(report.Positions, positionReport)
		}
		report.ElectionTurnout, err = reader.CountElectionTurnout(ctx, electionID, periodID)
		return err
	}, snapshotOptions(t.db)...)
	if err != nil {
		if _, ok := faults.AsValidation(err); ok || errors.Is(err, elections.ErrVotingPeriodNotFound) {
			return Report{}, err
		}
		t.logger.Error("tally report failed",
			zap.String("operation", opTallyReport),
			zap.Int64("election_id", electionID.Int64()),
			zap.Int64("voting_period_id", periodID.Int64()),
			zap.Error(err))
		return Report{}, faults.NewServiceError(opTallyReport, "query_failed", err)
	}
	report.GeneratedAt = t.clock().UTC()
	return report, nil
}

func (t *Tally) positionReport(ctx context.Context, catalog *elections.Catalog, electionID elections.ElectionID, periodID elections.VotingPeriodID, position elections.Position) (PositionReport, error) {
	positionID := elections.PositionID(position.ID)
	counts, err := t.CountVotesByCandidate(ctx, electionID, periodID, positionID)
	if err != nil {
		return PositionReport{}, err
	}
	ballots, err := t.CountBallotsForPosition(ctx, electionID, periodID, positionID)
	if err != nil {
		return PositionReport{}, err
	}
	turnout, err := t.CountTurnoutForPosition(ctx, electionID, periodID, positionID)
	if err != nil {
		return PositionReport{}, err
	}
	candidates, err := catalog.CandidatesForPosition(ctx, positionID)
	if err != nil {
		return PositionReport{}, err
	}

	lines := make([]CandidateCount, 0, len(candidates))
	var totalVotes int64
	for _, candidate := range candidates {
		votes := counts[elections.CandidateID(candidate.ID)]
		totalVotes += votes
		lines = append(lines, CandidateCount{
			CandidateID: elections.CandidateID(candidate.ID),
			DisplayName: candidate.DisplayName,
			Votes:       votes,
		})
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Votes != lines[j].Votes {
			return lines[i].Votes > lines[j].Votes
		}
		return lines[i].CandidateID < lines[j].CandidateID
	})

	return PositionReport{
		PositionID:   positionID,
		Title:        position.Title,
		Seats:        position.SeatCount(),
		Candidates:   lines,
		TotalVotes:   totalVotes,
		TotalBallots: ballots,
		Turnout:      turnout,
	}, nil
}

// snapshotOptions asks postgres for a repeatable-read snapshot. SQLite
// transactions already see a single snapshot.
func snapshotOptions(db *gorm.DB) []*sql.TxOptions {
	if db.Dialector != nil && db.Dialector.Name() == "postgres" {
		return []*sql.TxOptions{{Isolation: sql.LevelRepeatableRead, ReadOnly: true}}
	}
	return nil
}
