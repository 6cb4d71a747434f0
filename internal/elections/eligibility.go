package elections

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Eligibility reason codes.
const (
	ReasonEligible      = "ELIGIBLE"
	ReasonNotRegistered = "NOT_REGISTERED"
	ReasonSuspended     = "SUSPENDED"
)

// Verdict is the answer of an EligibilityOracle.
type Verdict struct {
	Eligible   bool
	ReasonCode string
	Reason     string
}

// EligibilityOracle decides whether a voter may cast a ballot in a voting period.
type EligibilityOracle interface {
	CheckEligibility(ctx context.Context, electionID ElectionID, periodID VotingPeriodID, voterID VoterID) (Verdict, error)
}

// RollOracle answers eligibility questions from the election voter roll.
type RollOracle struct {
	db *gorm.DB
}

// NewRollOracle constructs a voter-roll backed oracle.
func NewRollOracle(db *gorm.DB) (*RollOracle, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &RollOracle{db: db}, nil
}

// CheckEligibility looks up the voter roll entry for the election. The voting
// period does not narrow the roll.
func (o *RollOracle) CheckEligibility(ctx context.Context, electionID ElectionID, _ VotingPeriodID, voterID VoterID) (Verdict, error) {
	var entry VoterRollEntry
	err := o.db.WithContext(ctx).
		Where("election_id = ? AND voter_id = ?", electionID.Int64(), voterID.String()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Verdict{ReasonCode: ReasonNotRegistered, Reason: "voter is not on the roll for this election"}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	if entry.Status == RollStatusSuspended {
		return Verdict{ReasonCode: ReasonSuspended, Reason: "voter roll entry is suspended"}, nil
	}
	return Verdict{Eligible: true, ReasonCode: ReasonEligible}, nil
}

var _ EligibilityOracle = (*RollOracle)(nil)
