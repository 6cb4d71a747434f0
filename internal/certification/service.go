package certification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/ballots"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errRunStateChanged = errors.New("tally run changed state concurrently")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "certification.service.new"
	opRunTally   = "certification.run_tally"
	opGetStatus  = "certification.get_status"
	opRollback   = "certification.rollback"

	fieldElectionID     = "election_id"
	fieldVotingPeriodID = "voting_period_id"
	fieldRunID          = "tally_run_id"

	queryRunScope    = "election_id = ? AND voting_period_id = ?"
	queryTallyRunID  = "tally_run_id = ?"
	queryRunIDStatus = "id = ? AND status = ?"

	markFailedTimeout = 10 * time.Second
)

// ServiceConfig describes the dependencies of the certification engine.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service certifies tally runs and applies their winners.
type Service struct {
	db      *gorm.DB
	catalog *elections.Catalog
	tally   *ballots.Tally
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService builds the certification engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	catalog, err := elections.NewCatalog(cfg.Database)
	if err != nil {
		return nil, faults.NewServiceError(opServiceNew, "missing_database", err)
	}
	tally, err := ballots.NewTally(cfg.Database, logger)
	if err != nil {
		return nil, faults.NewServiceError(opServiceNew, "missing_database", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:      cfg.Database,
		catalog: catalog,
		tally:   tally,
		clock:   clock,
		logger:  logger,
	}, nil
}

// RunOptions tunes a tally run.
type RunOptions struct {
	Remarks string
	Force   bool
}

// RunSummary describes the outcome of RunTally.
type RunSummary struct {
	RunID              int64
	ElectionID         elections.ElectionID
	VotingPeriodID     elections.VotingPeriodID
	Status             RunStatus
	PositionsCertified int64
	WinnersApplied     int64
	TiesDetected       int
	Idempotent         bool
	StartedBy          string
	StartedAt          time.Time
	CompletedAt        *time.Time
}

// RunStatusReport is returned by GetStatus.
type RunStatusReport struct {
	Exists             bool
	RunID              int64
	Status             RunStatus
	Forced             bool
	Remarks            string
	StartedBy          string
	StartedAt          *time.Time
	CompletedBy        string
	CompletedAt        *time.Time
	FailedAt           *time.Time
	RolledBackBy       string
	RolledBackAt       *time.Time
	RollbackReason     string
	TiesDetected       int
	PositionsCertified int64
	WinnersApplied     int64
}

// RollbackResult is returned by Rollback.
type RollbackResult struct {
	RunID          int64
	WinnersRemoved int64
	RolledBackBy   string
	RolledBackAt   time.Time
}

type scope struct {
	electionID elections.ElectionID
	periodID   elections.VotingPeriodID
}

func (sc scope) fields() []zap.Field {
	return []zap.Field{
		zap.Int64(fieldElectionID, sc.electionID.Int64()),
		zap.Int64(fieldVotingPeriodID, sc.periodID.Int64()),
	}
}

func newScope(electionID, periodID int64) (scope, error) {
	election, err := elections.NewElectionID(electionID)
	if err != nil {
		return scope{}, faults.Reject(ErrInvalidRequest, "election id must be positive")
	}
	period, err := elections.NewVotingPeriodID(periodID)
	if err != nil {
		return scope{}, faults.Reject(ErrInvalidRequest, "voting period id must be positive")
	}
	return scope{electionID: election, periodID: period}, nil
}

func normalizeActor(actor string) (string, error) {
	trimmed := strings.TrimSpace(actor)
	if trimmed == "" {
		return "", faults.Reject(ErrInvalidRequest, "actor is required")
	}
	return trimmed, nil
}

// RunTally certifies one (election, voting period). A completed run is
// returned unchanged and flagged idempotent; rolled back and failed runs are
// replaced by a fresh run.
func (s *Service) RunTally(ctx context.Context, electionID, periodID int64, actor string, options RunOptions) (RunSummary, error) {
	if s == nil || s.db == nil {
		return RunSummary{}, faults.NewServiceError(opRunTally, "missing_database", errMissingDatabase)
	}
	sc, err := newScope(electionID, periodID)
	if err != nil {
		return RunSummary{}, err
	}
	actor, err = normalizeActor(actor)
	if err != nil {
		return RunSummary{}, err
	}

	var (
		run      ElectionTallyRun
		existing *RunSummary
	)
	claimErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkPeriod(ctx, tx, sc, options.Force); err != nil {
			return err
		}
		current, found, err := lockRun(ctx, tx, sc)
		if err != nil {
			s.logError(opRunTally, "run_lookup_failed", err, sc.fields()...)
			return faults.NewServiceError(opRunTally, "run_lookup_failed", err)
		}
		if found {
			switch current.Status {
			case RunStatusCompleted:
				summary, err := summarize(ctx, tx, current)
				if err != nil {
					s.logError(opRunTally, "summary_failed", err, sc.fields()...)
					return faults.NewServiceError(opRunTally, "summary_failed", err)
				}
				summary.Idempotent = true
				existing = &summary
				return nil
			case RunStatusPending:
				return faults.Reject(ErrRunInProgress, "tally run %d started by %s is still in progress", current.ID, current.StartedBy)
			default:
				if err := tx.Delete(&ElectionTallyRun{}, current.ID).Error; err != nil {
					s.logError(opRunTally, "run_delete_failed", err, append(sc.fields(), zap.Int64(fieldRunID, current.ID))...)
					return faults.NewServiceError(opRunTally, "run_delete_failed", err)
				}
				s.loggerOrDefault().Info("superseded tally run removed",
					append(sc.fields(), zap.Int64(fieldRunID, current.ID), zap.String("status", string(current.Status)))...)
			}
		}

		run = ElectionTallyRun{
			ElectionID:     sc.electionID.Int64(),
			VotingPeriodID: sc.periodID.Int64(),
			Status:         RunStatusPending,
			Forced:         options.Force,
			Remarks:        strings.TrimSpace(options.Remarks),
			StartedBy:      actor,
			StartedAt:      s.clock().UTC(),
		}
		if err := tx.Create(&run).Error; err != nil {
			if faults.IsUniqueViolation(err) {
				return faults.Reject(ErrRunInProgress, "another tally run was started concurrently")
			}
			s.logError(opRunTally, "run_insert_failed", err, sc.fields()...)
			return faults.NewServiceError(opRunTally, "run_insert_failed", err)
		}
		return nil
	})
	if claimErr != nil {
		return RunSummary{}, claimErr
	}
	if existing != nil {
		s.loggerOrDefault().Info("tally run already completed", append(sc.fields(), zap.Int64(fieldRunID, existing.RunID))...)
		return *existing, nil
	}

	s.loggerOrDefault().Info("tally run started", append(sc.fields(), zap.Int64(fieldRunID, run.ID), zap.String("actor", actor))...)

	var summary RunSummary
	processErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		summary, err = s.process(ctx, tx, sc, run, actor)
		return err
	})
	if processErr != nil {
		s.markFailed(ctx, sc, run, processErr)
		return RunSummary{}, faults.NewServiceError(opRunTally, "run_failed", processErr)
	}

	s.loggerOrDefault().Info("tally run completed",
		append(sc.fields(),
			zap.Int64(fieldRunID, run.ID),
			zap.Int64("positions_certified", summary.PositionsCertified),
			zap.Int64("winners_applied", summary.WinnersApplied),
			zap.Int("ties_detected", summary.TiesDetected))...)
	return summary, nil
}

func (s *Service) checkPeriod(ctx context.Context, tx *gorm.DB, sc scope, force bool) error {
	catalog := s.catalog.Using(tx)
	if _, err := catalog.Election(ctx, sc.electionID); err != nil {
		if errors.Is(err, elections.ErrElectionNotFound) {
			return faults.Reject(ErrElectionNotFound, "election %d does not exist", sc.electionID)
		}
		return faults.NewServiceError(opRunTally, "election_lookup_failed", err)
	}
	period, err := catalog.LockVotingPeriod(ctx, sc.periodID)
	if err != nil {
		if errors.Is(err, elections.ErrVotingPeriodNotFound) {
			return faults.Reject(ErrVotingPeriodNotFound, "voting period %d does not exist", sc.periodID)
		}
		return faults.NewServiceError(opRunTally, "period_lookup_failed", err)
	}
	if period.ElectionID != sc.electionID.Int64() {
		return faults.Reject(ErrVotingPeriodMismatch, "voting period %d does not belong to election %d", sc.periodID, sc.electionID)
	}
	if !force && period.Status != elections.PeriodStatusClosed {
		return faults.Reject(ErrVotingPeriodNotClosed, "voting period %d is %s; close it or force the run", sc.periodID, period.Status)
	}
	return nil
}

func lockRun(ctx context.Context, tx *gorm.DB, sc scope) (ElectionTallyRun, bool, error) {
	var run ElectionTallyRun
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryRunScope, sc.electionID.Int64(), sc.periodID.Int64()).
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ElectionTallyRun{}, false, nil
	}
	if err != nil {
		return ElectionTallyRun{}, false, err
	}
	return run, true, nil
}

// process computes and persists every position of the election, then marks
// the run completed. It runs inside one transaction.
func (s *Service) process(ctx context.Context, tx *gorm.DB, sc scope, run ElectionTallyRun, actor string) (RunSummary, error) {
	catalog := s.catalog.Using(tx)
	tally := s.tally.Using(tx)

	positions, err := catalog.PositionsForElection(ctx, sc.electionID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("load positions: %w", err)
	}

	computedAt := s.clock().UTC()
	var (
		ties    int
		winners int64
	)
	for _, position := range positions {
		positionID := elections.PositionID(position.ID)
		counts, err := tally.CountVotesByCandidate(ctx, sc.electionID, sc.periodID, positionID)
		if err != nil {
			return RunSummary{}, fmt.Errorf("count votes for position %d: %w", position.ID, err)
		}
		totalBallots, err := tally.CountBallotsForPosition(ctx, sc.electionID, sc.periodID, positionID)
		if err != nil {
			return RunSummary{}, fmt.Errorf("count ballots for position %d: %w", position.ID, err)
		}
		turnout, err := tally.CountTurnoutForPosition(ctx, sc.electionID, sc.periodID, positionID)
		if err != nil {
			return RunSummary{}, fmt.Errorf("count turnout for position %d: %w", position.ID, err)
		}

		candidates, err := catalog.CandidatesForPosition(ctx, positionID)
		if err != nil {
			return RunSummary{}, fmt.Errorf("load candidates for position %d: %w", position.ID, err)
		}
		tallies := make([]CandidateTally, 0, len(candidates))
		for _, candidate := range candidates {
			tallies = append(tallies, CandidateTally{Candidate: candidate, Votes: counts[elections.CandidateID(candidate.ID)]})
		}
		outcome := RankPosition(tallies, position.SeatCount(), totalBallots)
		if outcome.TieDetected {
			ties++
		}

		positionResult := CertifiedPositionResult{
			TallyRunID:     run.ID,
			ElectionID:     sc.electionID.Int64(),
			VotingPeriodID: sc.periodID.Int64(),
			PositionID:     position.ID,
			TotalBallots:   totalBallots,
			Turnout:        turnout,
			Status:         PositionResultStatusCertified,
			TieDetected:    outcome.TieDetected,
			Notes:          outcome.Note,
			ComputedBy:     actor,
			ComputedAt:     computedAt,
		}
		if err := tx.Create(&positionResult).Error; err != nil {
			return RunSummary{}, fmt.Errorf("insert result for position %d: %w", position.ID, err)
		}

		if len(outcome.Ranked) > 0 {
			candidateRows := make([]CertifiedCandidateResult, 0, len(outcome.Ranked))
			for _, ranked := range outcome.Ranked {
				candidateRows = append(candidateRows, CertifiedCandidateResult{
					PositionResultID: positionResult.ID,
					CandidateID:      ranked.CandidateID.Int64(),
					VoteCount:        ranked.Votes,
					VoteShare:        ranked.Share,
					Rank:             ranked.Rank,
					IsWinner:         ranked.IsWinner,
				})
			}
			if err := tx.Create(&candidateRows).Error; err != nil {
				return RunSummary{}, fmt.Errorf("insert candidate results for position %d: %w", position.ID, err)
			}
		}

		if len(outcome.Winners) > 0 {
			assignments := make([]ElectionWinnerAssignment, 0, len(outcome.Winners))
			for _, winner := range outcome.Winners {
				assignments = append(assignments, ElectionWinnerAssignment{
					TallyRunID:     run.ID,
					ElectionID:     sc.electionID.Int64(),
					VotingPeriodID: sc.periodID.Int64(),
					PositionID:     position.ID,
					CandidateID:    winner.CandidateID.Int64(),
					VoterID:        winner.VoterID,
					VoteCount:      winner.Votes,
					Rank:           winner.Rank,
					CreatedAt:      computedAt,
				})
			}
			if err := tx.Create(&assignments).Error; err != nil {
				return RunSummary{}, fmt.Errorf("insert winners for position %d: %w", position.ID, err)
			}
			winners += int64(len(assignments))
		}
	}

	completedAt := s.clock().UTC()
	update := tx.Model(&ElectionTallyRun{}).
		Where(queryRunIDStatus, run.ID, RunStatusPending).
		Updates(map[string]any{
			"status":        RunStatusCompleted,
			"completed_by":  actor,
			"completed_at":  completedAt,
			"ties_detected": ties,
		})
	if update.Error != nil {
		return RunSummary{}, fmt.Errorf("complete run: %w", update.Error)
	}
	if update.RowsAffected != 1 {
		return RunSummary{}, errRunStateChanged
	}

	return RunSummary{
		RunID:              run.ID,
		ElectionID:         sc.electionID,
		VotingPeriodID:     sc.periodID,
		Status:             RunStatusCompleted,
		PositionsCertified: int64(len(positions)),
		WinnersApplied:     winners,
		TiesDetected:       ties,
		StartedBy:          run.StartedBy,
		StartedAt:          run.StartedAt,
		CompletedAt:        &completedAt,
	}, nil
}

func (s *Service) markFailed(ctx context.Context, sc scope, run ElectionTallyRun, cause error) {
	remarks := "failed: " + cause.Error()
	if run.Remarks != "" {
		remarks = run.Remarks + "; " + remarks
	}
	failedAt := s.clock().UTC()
	// The caller's context may already be cancelled; the run must still leave PENDING.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markFailedTimeout)
	defer cancel()
	err := s.db.WithContext(writeCtx).Model(&ElectionTallyRun{}).
		Where(queryRunIDStatus, run.ID, RunStatusPending).
		Updates(map[string]any{
			"status":    RunStatusFailed,
			"remarks":   remarks,
			"failed_at": failedAt,
		}).Error
	fields := append(sc.fields(), zap.Int64(fieldRunID, run.ID))
	if err != nil {
		s.logError(opRunTally, "mark_failed_failed", err, fields...)
	}
	s.logError(opRunTally, "run_failed", cause, fields...)
}

func summarize(ctx context.Context, tx *gorm.DB, run ElectionTallyRun) (RunSummary, error) {
	positions, winners, err := countChildren(ctx, tx, run.ID)
	if err != nil {
		return RunSummary{}, err
	}
	return RunSummary{
		RunID:              run.ID,
		ElectionID:         elections.ElectionID(run.ElectionID),
		VotingPeriodID:     elections.VotingPeriodID(run.VotingPeriodID),
		Status:             run.Status,
		PositionsCertified: positions,
		WinnersApplied:     winners,
		TiesDetected:       run.TiesDetected,
		StartedBy:          run.StartedBy,
		StartedAt:          run.StartedAt,
		CompletedAt:        run.CompletedAt,
	}, nil
}

func countChildren(ctx context.Context, db *gorm.DB, runID int64) (int64, int64, error) {
	var positions, winners int64
	if err := db.WithContext(ctx).Model(&CertifiedPositionResult{}).Where(queryTallyRunID, runID).Count(&positions).Error; err != nil {
		return 0, 0, err
	}
	if err := db.WithContext(ctx).Model(&ElectionWinnerAssignment{}).Where(queryTallyRunID, runID).Count(&winners).Error; err != nil {
		return 0, 0, err
	}
	return positions, winners, nil
}

// GetStatus reports the current run for a scope. Child counts are included
// only for completed runs.
func (s *Service) GetStatus(ctx context.Context, electionID, periodID int64) (RunStatusReport, error) {
	if s == nil || s.db == nil {
		return RunStatusReport{}, faults.NewServiceError(opGetStatus, "missing_database", errMissingDatabase)
	}
	sc, err := newScope(electionID, periodID)
	if err != nil {
		return RunStatusReport{}, err
	}

	var run ElectionTallyRun
	err = s.db.WithContext(ctx).Where(queryRunScope, sc.electionID.Int64(), sc.periodID.Int64()).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunStatusReport{Exists: false}, nil
	}
	if err != nil {
		s.logError(opGetStatus, "run_lookup_failed", err, sc.fields()...)
		return RunStatusReport{}, faults.NewServiceError(opGetStatus, "run_lookup_failed", err)
	}

	startedAt := run.StartedAt
	report := RunStatusReport{
		Exists:         true,
		RunID:          run.ID,
		Status:         run.Status,
		Forced:         run.Forced,
		Remarks:        run.Remarks,
		StartedBy:      run.StartedBy,
		StartedAt:      &startedAt,
		CompletedBy:    run.CompletedBy,
		CompletedAt:    run.CompletedAt,
		FailedAt:       run.FailedAt,
		RolledBackBy:   run.RolledBackBy,
		RolledBackAt:   run.RolledBackAt,
		RollbackReason: run.RollbackReason,
		TiesDetected:   run.TiesDetected,
	}
	if run.Status == RunStatusCompleted {
		report.PositionsCertified, report.WinnersApplied, err = countChildren(ctx, s.db, run.ID)
		if err != nil {
			s.logError(opGetStatus, "count_failed", err, append(sc.fields(), zap.Int64(fieldRunID, run.ID))...)
			return RunStatusReport{}, faults.NewServiceError(opGetStatus, "count_failed", err)
		}
	}
	return report, nil
}

// Rollback undoes the winner assignments of a completed run. Certified
// position and candidate results are kept as a historical record.
func (s *Service) Rollback(ctx context.Context, electionID, periodID int64, actor, reason string) (RollbackResult, error) {
	if s == nil || s.db == nil {
		return RollbackResult{}, faults.NewServiceError(opRollback, "missing_database", errMissingDatabase)
	}
	sc, err := newScope(electionID, periodID)
	if err != nil {
		return RollbackResult{}, err
	}
	actor, err = normalizeActor(actor)
	if err != nil {
		return RollbackResult{}, err
	}

	var result RollbackResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, found, err := lockRun(ctx, tx, sc)
		if err != nil {
			s.logError(opRollback, "run_lookup_failed", err, sc.fields()...)
			return faults.NewServiceError(opRollback, "run_lookup_failed", err)
		}
		if !found {
			return faults.Reject(ErrRunNotFound, "no tally run exists for election %d voting period %d", sc.electionID, sc.periodID)
		}
		if run.Status != RunStatusCompleted {
			return faults.Reject(ErrRunNotCompleted, "tally run %d is %s; only completed runs can be rolled back", run.ID, run.Status)
		}

		deleted := tx.Where(queryTallyRunID, run.ID).Delete(&ElectionWinnerAssignment{})
		if deleted.Error != nil {
			s.logError(opRollback, "winner_delete_failed", deleted.Error, append(sc.fields(), zap.Int64(fieldRunID, run.ID))...)
			return faults.NewServiceError(opRollback, "winner_delete_failed", deleted.Error)
		}

		rolledBackAt := s.clock().UTC()
		update := tx.Model(&ElectionTallyRun{}).
			Where(queryRunIDStatus, run.ID, RunStatusCompleted).
			Updates(map[string]any{
				"status":          RunStatusRolledBack,
				"rolled_back_by":  actor,
				"rolled_back_at":  rolledBackAt,
				"rollback_reason": strings.TrimSpace(reason),
			})
		if update.Error != nil {
			s.logError(opRollback, "run_update_failed", update.Error, append(sc.fields(), zap.Int64(fieldRunID, run.ID))...)
			return faults.NewServiceError(opRollback, "run_update_failed", update.Error)
		}
		if update.RowsAffected != 1 {
			return faults.NewServiceError(opRollback, "run_update_failed", errRunStateChanged)
		}

		result = RollbackResult{
			RunID:          run.ID,
			WinnersRemoved: deleted.RowsAffected,
			RolledBackBy:   actor,
			RolledBackAt:   rolledBackAt,
		}
		return nil
	})
	if txErr != nil {
		return RollbackResult{}, txErr
	}

	s.loggerOrDefault().Info("tally run rolled back",
		append(sc.fields(),
			zap.Int64(fieldRunID, result.RunID),
			zap.Int64("winners_removed", result.WinnersRemoved),
			zap.String("actor", actor))...)
	return result, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("certification service error", attrs...)
}
