package certification

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opPlanAssignments = "certification.plan_assignments"

// LeadershipAssignment is what a downstream consumer needs to promote one
// winner into a leadership record.
type LeadershipAssignment struct {
	VoterID       string
	PositionID    elections.PositionID
	CandidateID   elections.CandidateID
	Scope         elections.ScopeKind
	ScopeTargetID int64
	TermStart     *time.Time
	TermEnd       *time.Time
	VoteCount     int64
	Rank          int
}

// PlanAssignments resolves the winners of the completed run into leadership
// assignments. A position whose scope has no matching reference on the
// election is an error, never skipped.
func (s *Service) PlanAssignments(ctx context.Context, electionID, periodID int64) ([]LeadershipAssignment, error) {
	if s == nil || s.db == nil {
		return nil, faults.NewServiceError(opPlanAssignments, "missing_database", errMissingDatabase)
	}
	sc, err := newScope(electionID, periodID)
	if err != nil {
		return nil, err
	}

	var run ElectionTallyRun
	err = s.db.WithContext(ctx).Where(queryRunScope, sc.electionID.Int64(), sc.periodID.Int64()).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Reject(ErrRunNotFound, "no tally run exists for election %d voting period %d", sc.electionID, sc.periodID)
	}
	if err != nil {
		s.logError(opPlanAssignments, "run_lookup_failed", err, sc.fields()...)
		return nil, faults.NewServiceError(opPlanAssignments, "run_lookup_failed", err)
	}
	if run.Status != RunStatusCompleted {
		return nil, faults.Reject(ErrRunNotCompleted, "tally run %d is %s", run.ID, run.Status)
	}

	election, err := s.catalog.Election(ctx, sc.electionID)
	if err != nil {
		if errors.Is(err, elections.ErrElectionNotFound) {
			return nil, faults.Reject(ErrElectionNotFound, "election %d does not exist", sc.electionID)
		}
		s.logError(opPlanAssignments, "election_lookup_failed", err, sc.fields()...)
		return nil, faults.NewServiceError(opPlanAssignments, "election_lookup_failed", err)
	}

	var winners []ElectionWinnerAssignment
	if err := s.db.WithContext(ctx).
		Where(queryTallyRunID, run.ID).
		Order("position_id ASC").
		Order("rank ASC").
		Find(&winners).Error; err != nil {
		s.logError(opPlanAssignments, "winner_lookup_failed", err, sc.fields()...)
		return nil, faults.NewServiceError(opPlanAssignments, "winner_lookup_failed", err)
	}

	positionIDs := make([]elections.PositionID, 0, len(winners))
	for _, winner := range winners {
		positionIDs = append(positionIDs, elections.PositionID(winner.PositionID))
	}
	positions, err := s.catalog.PositionsByID(ctx, positionIDs)
	if err != nil {
		s.logError(opPlanAssignments, "position_lookup_failed", err, sc.fields()...)
		return nil, faults.NewServiceError(opPlanAssignments, "position_lookup_failed", err)
	}

	plan := make([]LeadershipAssignment, 0, len(winners))
	for _, winner := range winners {
		position, ok := positions[elections.PositionID(winner.PositionID)]
		if !ok {
			return nil, faults.NewServiceError(opPlanAssignments, "position_missing", errors.New("winner references an unknown position"))
		}
		targetID, err := resolveScopeTarget(election, position)
		if err != nil {
			return nil, err
		}
		plan = append(plan, LeadershipAssignment{
			VoterID:       winner.VoterID,
			PositionID:    elections.PositionID(winner.PositionID),
			CandidateID:   elections.CandidateID(winner.CandidateID),
			Scope:         position.Scope,
			ScopeTargetID: targetID,
			TermStart:     election.TermStart,
			TermEnd:       election.TermEnd,
			VoteCount:     winner.VoteCount,
			Rank:          winner.Rank,
		})
	}
	s.loggerOrDefault().Debug("leadership assignments planned", append(sc.fields(), zap.Int("assignments", len(plan)))...)
	return plan, nil
}

func resolveScopeTarget(election elections.Election, position elections.Position) (int64, error) {
	var target *int64
	switch position.Scope {
	case elections.ScopeDiocese:
		target = election.DioceseID
	case elections.ScopeArchdeaconry:
		target = election.ArchdeaconryID
	case elections.ScopeChurch:
		target = election.ChurchID
	default:
		return 0, faults.Reject(ErrMissingScopeReference, "position %d has unsupported scope %q", position.ID, position.Scope)
	}
	if target == nil || *target <= 0 {
		return 0, faults.Reject(ErrMissingScopeReference, "election %d has no %s reference required by position %d",
			election.ID, position.Scope, position.ID)
	}
	return *target, nil
}
