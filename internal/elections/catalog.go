package elections

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrMissingDatabase      = errors.New("elections: database handle is required")
	ErrElectionNotFound     = errors.New("elections: election not found")
	ErrVotingPeriodNotFound = errors.New("elections: voting period not found")
)

const (
	queryID            = "id = ?"
	queryIDIn          = "id IN ?"
	queryElectionID    = "election_id = ?"
	queryPositionID    = "position_id = ?"
	queryPeriodID      = "voting_period_id = ?"
	orderIDAsc         = "id ASC"
	orderPositionIDAsc = "position_id ASC"
)

// Catalog reads election reference data. It never writes.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog constructs a Catalog over the provided database handle.
func NewCatalog(db *gorm.DB) (*Catalog, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Catalog{db: db}, nil
}

// Using returns a Catalog bound to the provided transaction.
func (c *Catalog) Using(tx *gorm.DB) *Catalog {
	return &Catalog{db: tx}
}

// Election loads an election by id.
func (c *Catalog) Election(ctx context.Context, electionID ElectionID) (Election, error) {
	var election Election
	err := c.db.WithContext(ctx).Where(queryID, electionID.Int64()).Take(&election).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Election{}, fmt.Errorf("%w: %d", ErrElectionNotFound, electionID)
	}
	if err != nil {
		return Election{}, err
	}
	return election, nil
}

// VotingPeriod loads a voting period by id.
func (c *Catalog) VotingPeriod(ctx context.Context, periodID VotingPeriodID) (VotingPeriod, error) {
	return c.takePeriod(c.db.WithContext(ctx), periodID)
}

// LockVotingPeriod loads a voting period under a row lock. It must be called
// inside a transaction; the lock is held until that transaction ends.
func (c *Catalog) LockVotingPeriod(ctx context.Context, periodID VotingPeriodID) (VotingPeriod, error) {
	return c.takePeriod(c.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), periodID)
}

func (c *Catalog) takePeriod(query *gorm.DB, periodID VotingPeriodID) (VotingPeriod, error) {
	var period VotingPeriod
	err := query.Where(queryID, periodID.Int64()).Take(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VotingPeriod{}, fmt.Errorf("%w: %d", ErrVotingPeriodNotFound, periodID)
	}
	if err != nil {
		return VotingPeriod{}, err
	}
	return period, nil
}

// PositionsForElection returns every position of an election ordered by id ascending.
func (c *Catalog) PositionsForElection(ctx context.Context, electionID ElectionID) ([]Position, error) {
	var positions []Position
	if err := c.db.WithContext(ctx).
		Where(queryElectionID, electionID.Int64()).
		Order(orderIDAsc).
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// PositionsByID loads the positions with the given identifiers, keyed by id.
func (c *Catalog) PositionsByID(ctx context.Context, positionIDs []PositionID) (map[PositionID]Position, error) {
	result := make(map[PositionID]Position, len(positionIDs))
	if len(positionIDs) == 0 {
		return result, nil
	}
	raw := make([]int64, 0, len(positionIDs))
	for _, id := range positionIDs {
		raw = append(raw, id.Int64())
	}
	var positions []Position
	if err := c.db.WithContext(ctx).Where(queryIDIn, raw).Find(&positions).Error; err != nil {
		return nil, err
	}
	for _, position := range positions {
		result[PositionID(position.ID)] = position
	}
	return result, nil
}

// PeriodPositionIDs returns the positions assigned to a voting period ordered by id ascending.
func (c *Catalog) PeriodPositionIDs(ctx context.Context, periodID VotingPeriodID) ([]PositionID, error) {
	var rows []VotingPeriodPosition
	if err := c.db.WithContext(ctx).
		Where(queryPeriodID, periodID.Int64()).
		Order(orderPositionIDAsc).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]PositionID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, PositionID(row.PositionID))
	}
	return ids, nil
}

// CandidatesByID loads the candidates with the given identifiers, keyed by id.
func (c *Catalog) CandidatesByID(ctx context.Context, candidateIDs []CandidateID) (map[CandidateID]Candidate, error) {
	result := make(map[CandidateID]Candidate, len(candidateIDs))
	if len(candidateIDs) == 0 {
		return result, nil
	}
	raw := make([]int64, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		raw = append(raw, id.Int64())
	}
	var candidates []Candidate
	if err := c.db.WithContext(ctx).Where(queryIDIn, raw).Find(&candidates).Error; err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		result[CandidateID(candidate.ID)] = candidate
	}
	return result, nil
}

// CandidatesForPosition returns the candidates of a position ordered by id ascending.
func (c *Catalog) CandidatesForPosition(ctx context.Context, positionID PositionID) ([]Candidate, error) {
	var candidates []Candidate
	if err := c.db.WithContext(ctx).
		Where(queryPositionID, positionID.Int64()).
		Order(orderIDAsc).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}
