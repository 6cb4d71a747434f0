package ballots

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingOracle     = errors.New("eligibility oracle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew  = "ballots.service.new"
	opSubmitVotes = "ballots.submit_votes"

	fieldVoterID        = "voter_id"
	fieldElectionID     = "election_id"
	fieldVotingPeriodID = "voting_period_id"

	queryPriorVotes = "election_id = ? AND voting_period_id = ? AND voter_id = ? AND position_id IN ?"
)

// ServiceConfig describes the dependencies of the submission coordinator.
type ServiceConfig struct {
	Database   *gorm.DB
	Oracle     elections.EligibilityOracle
	Clock      func() time.Time
	IDProvider IDProvider
	Receipts   ReceiptGenerator
	Logger     *zap.Logger
}

// Service accepts ballots into the vote ledger.
type Service struct {
	db         *gorm.DB
	catalog    *elections.Catalog
	oracle     elections.EligibilityOracle
	clock      func() time.Time
	idProvider IDProvider
	receipts   ReceiptGenerator
	logger     *zap.Logger
}

// NewService validates the configuration and builds the coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Oracle == nil {
		return nil, faults.NewServiceError(opServiceNew, "missing_oracle", errMissingOracle)
	}
	if cfg.IDProvider == nil {
		return nil, faults.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	catalog, err := elections.NewCatalog(cfg.Database)
	if err != nil {
		return nil, faults.NewServiceError(opServiceNew, "missing_database", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	receipts := cfg.Receipts
	if receipts == nil {
		receipts = NewReceiptGenerator(DefaultReceiptPrefix)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		catalog:    catalog,
		oracle:     cfg.Oracle,
		clock:      clock,
		idProvider: cfg.IDProvider,
		receipts:   receipts,
		logger:     logger,
	}, nil
}

// validatedItem is a submission item after structural checks.
type validatedItem struct {
	positionID   elections.PositionID
	candidateIDs []elections.CandidateID
}

type validatedRequest struct {
	voterID    elections.VoterID
	electionID elections.ElectionID
	periodID   elections.VotingPeriodID
	items      []validatedItem
}

// SubmitVotes validates and records a voter's ballot across every submitted
// position as one unit. Either all VoteRecords are written or none are.
func (s *Service) SubmitVotes(ctx context.Context, request SubmissionRequest) (SubmissionResult, error) {
	if s == nil || s.db == nil {
		return SubmissionResult{}, faults.NewServiceError(opSubmitVotes, "missing_database", errMissingDatabase)
	}

	validated, err := validateStructure(request)
	if err != nil {
		return SubmissionResult{}, err
	}

	now := s.clock().UTC()
	if err := s.checkVotingPeriod(ctx, validated, now); err != nil {
		return SubmissionResult{}, err
	}
	if err := s.checkEligibility(ctx, validated); err != nil {
		return SubmissionResult{}, err
	}
	if err := s.checkPositions(ctx, validated); err != nil {
		return SubmissionResult{}, err
	}

	submissionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitVotes, "id_generation_failed", err, validated.fields()...)
		return SubmissionResult{}, faults.NewServiceError(opSubmitVotes, "id_generation_failed", err)
	}
	receiptID, err := s.receipts.NewReceipt(now)
	if err != nil {
		s.logError(opSubmitVotes, "receipt_generation_failed", err, validated.fields()...)
		return SubmissionResult{}, faults.NewServiceError(opSubmitVotes, "receipt_generation_failed", err)
	}

	records := make([]VoteRecord, 0, len(validated.items))
	positionIDs := make([]int64, 0, len(validated.items))
	for _, item := range validated.items {
		selections := make([]VoteSelection, 0, len(item.candidateIDs))
		for ordinal, candidateID := range item.candidateIDs {
			selections = append(selections, VoteSelection{CandidateID: candidateID.Int64(), Ordinal: ordinal + 1})
		}
		records = append(records, VoteRecord{
			ElectionID:     validated.electionID.Int64(),
			VotingPeriodID: validated.periodID.Int64(),
			VoterID:        validated.voterID.String(),
			PositionID:     item.positionID.Int64(),
			SubmissionID:   submissionID,
			ReceiptID:      receiptID,
			SubmittedAt:    now,
			Selections:     selections,
		})
		positionIDs = append(positionIDs, item.positionID.Int64())
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior int64
		if err := tx.Model(&VoteRecord{}).
			Where(queryPriorVotes, validated.electionID.Int64(), validated.periodID.Int64(), validated.voterID.String(), positionIDs).
			Count(&prior).Error; err != nil {
			s.logError(opSubmitVotes, "prior_vote_lookup_failed", err, validated.fields()...)
			return faults.NewServiceError(opSubmitVotes, "prior_vote_lookup_failed", err)
		}
		if prior > 0 {
			return faults.Reject(ErrDuplicateVote, "voter has already voted for %d of the submitted positions", prior)
		}
		if err := tx.Create(&records).Error; err != nil {
			if faults.IsUniqueViolation(err) {
				return faults.Reject(ErrDuplicateVote, "voter has already voted for a submitted position")
			}
			s.logError(opSubmitVotes, "vote_insert_failed", err, validated.fields()...)
			return faults.NewServiceError(opSubmitVotes, "vote_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrDuplicateVote) {
			s.loggerOrDefault().Info("duplicate ballot rejected", validated.fields()...)
		}
		return SubmissionResult{}, txErr
	}

	result := SubmissionResult{
		ReceiptID:    receiptID,
		SubmissionID: submissionID,
		SubmittedAt:  now,
		Recorded:     make([]RecordedSelection, 0, len(validated.items)),
	}
	for _, item := range validated.items {
		result.Recorded = append(result.Recorded, RecordedSelection{
			PositionID:   item.positionID,
			CandidateIDs: append([]elections.CandidateID(nil), item.candidateIDs...),
		})
	}
	s.loggerOrDefault().Info("ballot recorded",
		append(validated.fields(), zap.String("submission_id", submissionID), zap.Int("positions", len(records)))...)
	return result, nil
}

func validateStructure(request SubmissionRequest) (validatedRequest, error) {
	voterID, err := elections.NewVoterID(request.VoterID)
	if err != nil {
		return validatedRequest{}, faults.Reject(ErrInvalidBallot, "voter identity is required")
	}
	electionID, err := elections.NewElectionID(request.ElectionID)
	if err != nil {
		return validatedRequest{}, faults.Reject(ErrInvalidBallot, "election id must be positive")
	}
	periodID, err := elections.NewVotingPeriodID(request.VotingPeriodID)
	if err != nil {
		return validatedRequest{}, faults.Reject(ErrInvalidBallot, "voting period id must be positive")
	}
	if len(request.Items) == 0 {
		return validatedRequest{}, faults.Reject(ErrInvalidBallot, "ballot has no selections")
	}

	validated := validatedRequest{
		voterID:    voterID,
		electionID: electionID,
		periodID:   periodID,
		items:      make([]validatedItem, 0, len(request.Items)),
	}
	seenPositions := make(map[elections.PositionID]struct{}, len(request.Items))
	for index, item := range request.Items {
		positionID, err := elections.NewPositionID(item.PositionID)
		if err != nil {
			return validatedRequest{}, faults.Reject(ErrInvalidBallot, "item %d has no position", index+1)
		}
		if _, duplicate := seenPositions[positionID]; duplicate {
			return validatedRequest{}, faults.Reject(ErrInvalidBallot, "position %d appears more than once", positionID)
		}
		seenPositions[positionID] = struct{}{}
		if len(item.CandidateIDs) == 0 {
			return validatedRequest{}, faults.Reject(ErrInvalidBallot, "position %d has no candidates selected", positionID)
		}
		seenCandidates := make(map[elections.CandidateID]struct{}, len(item.CandidateIDs))
		candidateIDs := make([]elections.CandidateID, 0, len(item.CandidateIDs))
		for _, rawCandidateID := range item.CandidateIDs {
			candidateID, err := elections.NewCandidateID(rawCandidateID)
			if err != nil {
				return validatedRequest{}, faults.Reject(ErrInvalidBallot, "position %d has an invalid candidate id", positionID)
			}
			if _, duplicate := seenCandidates[candidateID]; duplicate {
				return validatedRequest{}, faults.Reject(ErrInvalidBallot, "candidate %d selected more than once for position %d", candidateID, positionID)
			}
			seenCandidates[candidateID] = struct{}{}
			candidateIDs = append(candidateIDs, candidateID)
		}
		validated.items = append(validated.items, validatedItem{positionID: positionID, candidateIDs: candidateIDs})
	}
	return validated, nil
}

func (s *Service) checkVotingPeriod(ctx context.Context, request validatedRequest, now time.Time) error {
	if _, err := s.catalog.Election(ctx, request.electionID); err != nil {
		if errors.Is(err, elections.ErrElectionNotFound) {
			return faults.Reject(ErrElectionNotFound, "election %d does not exist", request.electionID)
		}
		s.logError(opSubmitVotes, "election_lookup_failed", err, request.fields()...)
		return faults.NewServiceError(opSubmitVotes, "election_lookup_failed", err)
	}
	period, err := s.catalog.VotingPeriod(ctx, request.periodID)
	if err != nil {
		if errors.Is(err, elections.ErrVotingPeriodNotFound) {
			return faults.Reject(ErrVotingPeriodNotFound, "voting period %d does not exist", request.periodID)
		}
		s.logError(opSubmitVotes, "period_lookup_failed", err, request.fields()...)
		return faults.NewServiceError(opSubmitVotes, "period_lookup_failed", err)
	}
	if period.ElectionID != request.electionID.Int64() {
		return faults.Reject(ErrVotingPeriodMismatch, "voting period %d does not belong to election %d", request.periodID, request.electionID)
	}
	if period.Status != elections.PeriodStatusOpen {
		return faults.Reject(ErrVotingClosed, "voting period %d is %s", request.periodID, period.Status)
	}
	if !period.AcceptsBallotsAt(now) {
		return faults.Reject(ErrVotingClosed, "voting period %d accepts ballots between %s and %s",
			request.periodID, period.StartsAt.UTC().Format(time.RFC3339), period.EndsAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Service) checkEligibility(ctx context.Context, request validatedRequest) error {
	verdict, err := s.oracle.CheckEligibility(ctx, request.electionID, request.periodID, request.voterID)
	if err != nil {
		s.logError(opSubmitVotes, "eligibility_check_failed", err, request.fields()...)
		return faults.NewServiceError(opSubmitVotes, "eligibility_check_failed", err)
	}
	if verdict.Eligible {
		return nil
	}
	reason := verdict.Reason
	if reason == "" {
		reason = verdict.ReasonCode
	}
	return faults.Reject(ErrNotEligible, "%s (%s)", reason, verdict.ReasonCode)
}

// checkPositions covers ballot scoping, election consistency, candidate
// validity and selection limits, in that order.
func (s *Service) checkPositions(ctx context.Context, request validatedRequest) error {
	periodPositionIDs, err := s.catalog.PeriodPositionIDs(ctx, request.periodID)
	if err != nil {
		s.logError(opSubmitVotes, "period_positions_lookup_failed", err, request.fields()...)
		return faults.NewServiceError(opSubmitVotes, "period_positions_lookup_failed", err)
	}
	onBallot := make(map[elections.PositionID]struct{}, len(periodPositionIDs))
	for _, positionID := range periodPositionIDs {
		onBallot[positionID] = struct{}{}
	}
	positionIDs := make([]elections.PositionID, 0, len(request.items))
	candidateIDs := make([]elections.CandidateID, 0, len(request.items))
	for _, item := range request.items {
		if _, ok := onBallot[item.positionID]; !ok {
			return faults.Reject(ErrPositionNotOnBallot, "position %d is not on the ballot of voting period %d", item.positionID, request.periodID)
		}
		positionIDs = append(positionIDs, item.positionID)
		candidateIDs = append(candidateIDs, item.candidateIDs...)
	}

	positions, err := s.catalog.PositionsByID(ctx, positionIDs)
	if err != nil {
		s.logError(opSubmitVotes, "position_lookup_failed", err, request.fields()...)
		return faults.NewServiceError(opSubmitVotes, "position_lookup_failed", err)
	}
	for _, positionID := range positionIDs {
		position, ok := positions[positionID]
		if !ok || position.ElectionID != request.electionID.Int64() {
			return faults.Reject(ErrPositionMismatch, "position %d does not belong to election %d", positionID, request.electionID)
		}
	}

	candidates, err := s.catalog.CandidatesByID(ctx, candidateIDs)
	if err != nil {
		s.logError(opSubmitVotes, "candidate_lookup_failed", err, request.fields()...)
		return faults.NewServiceError(opSubmitVotes, "candidate_lookup_failed", err)
	}
	for _, item := range request.items {
		for _, candidateID := range item.candidateIDs {
			candidate, ok := candidates[candidateID]
			if !ok {
				return faults.Reject(ErrCandidateMismatch, "candidate %d does not exist", candidateID)
			}
			if candidate.ElectionID != request.electionID.Int64() {
				return faults.Reject(ErrCandidateMismatch, "candidate %d does not belong to election %d", candidateID, request.electionID)
			}
			if candidate.PositionID != item.positionID.Int64() {
				return faults.Reject(ErrCandidateMismatch, "candidate %d does not stand for position %d", candidateID, item.positionID)
			}
		}
	}

	for _, item := range request.items {
		seats := positions[item.positionID].SeatCount()
		if len(item.candidateIDs) > seats {
			return faults.Reject(ErrTooManySelections, "position %d allows %d selection(s), got %d", item.positionID, seats, len(item.candidateIDs))
		}
	}
	return nil
}

func (r validatedRequest) fields() []zap.Field {
	return []zap.Field{
		zap.String(fieldVoterID, r.voterID.String()),
		zap.Int64(fieldElectionID, r.electionID.Int64()),
		zap.Int64(fieldVotingPeriodID, r.periodID.Int64()),
	}
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
	s.loggerOrDefault().Error("ballots service error", attrs...)
}
