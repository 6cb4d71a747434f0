package certification

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus enumerates tally run states.
type RunStatus string

const (
	RunStatusPending    RunStatus = "PENDING"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusRolledBack RunStatus = "ROLLED_BACK"
)

// PositionResultStatusCertified marks a certified position snapshot.
const PositionResultStatusCertified = "CERTIFIED"

// ElectionTallyRun is the state record of one certification attempt. The
// unique index allows a single run per (election, voting period).
type ElectionTallyRun struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ElectionID     int64      `gorm:"column:election_id;not null;uniqueIndex:idx_tally_runs_scope,priority:1"`
	VotingPeriodID int64      `gorm:"column:voting_period_id;not null;uniqueIndex:idx_tally_runs_scope,priority:2"`
	Status         RunStatus  `gorm:"column:status;size:16;not null"`
	Forced         bool       `gorm:"column:forced;not null;default:false"`
	Remarks        string     `gorm:"column:remarks;type:text;not null;default:''"`
	TiesDetected   int        `gorm:"column:ties_detected;not null;default:0"`
	StartedBy      string     `gorm:"column:started_by;size:190;not null"`
	StartedAt      time.Time  `gorm:"column:started_at;not null"`
	CompletedBy    string     `gorm:"column:completed_by;size:190;not null;default:''"`
	CompletedAt    *time.Time `gorm:"column:completed_at"`
	FailedAt       *time.Time `gorm:"column:failed_at"`
	RolledBackBy   string     `gorm:"column:rolled_back_by;size:190;not null;default:''"`
	RolledBackAt   *time.Time `gorm:"column:rolled_back_at"`
	RollbackReason string     `gorm:"column:rollback_reason;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ElectionTallyRun) TableName() string {
	return "election_tally_runs"
}

// CertifiedPositionResult is the certified snapshot of one position. Rows
// outlive a rollback of their run.
type CertifiedPositionResult struct {
	ID             int64                      `gorm:"column:id;primaryKey;autoIncrement"`
	TallyRunID     int64                      `gorm:"column:tally_run_id;not null;index"`
	ElectionID     int64                      `gorm:"column:election_id;not null;index:idx_position_results_scope,priority:1"`
	VotingPeriodID int64                      `gorm:"column:voting_period_id;not null;index:idx_position_results_scope,priority:2"`
	PositionID     int64                      `gorm:"column:position_id;not null;index:idx_position_results_scope,priority:3"`
	TotalBallots   int64                      `gorm:"column:total_ballots;not null"`
	Turnout        int64                      `gorm:"column:turnout;not null"`
	Status         string                     `gorm:"column:status;size:16;not null"`
	TieDetected    bool                       `gorm:"column:tie_detected;not null;default:false"`
	Notes          string                     `gorm:"column:notes;type:text;not null;default:''"`
	ComputedBy     string                     `gorm:"column:computed_by;size:190;not null"`
	ComputedAt     time.Time                  `gorm:"column:computed_at;not null"`
	Candidates     []CertifiedCandidateResult `gorm:"foreignKey:PositionResultID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (CertifiedPositionResult) TableName() string {
	return "certified_position_results"
}

// CertifiedCandidateResult is one candidate line of a certified position.
type CertifiedCandidateResult struct {
	ID               int64               `gorm:"column:id;primaryKey;autoIncrement"`
	PositionResultID int64               `gorm:"column:position_result_id;not null;index"`
	CandidateID      int64               `gorm:"column:candidate_id;not null"`
	VoteCount        int64               `gorm:"column:vote_count;not null"`
	VoteShare        decimal.NullDecimal `gorm:"column:vote_share;type:numeric(7,4)"`
	Rank             int                 `gorm:"column:rank;not null"`
	IsWinner         bool                `gorm:"column:is_winner;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CertifiedCandidateResult) TableName() string {
	return "certified_candidate_results"
}

// ElectionWinnerAssignment records one declared winner of a run.
type ElectionWinnerAssignment struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TallyRunID     int64     `gorm:"column:tally_run_id;not null;index"`
	ElectionID     int64     `gorm:"column:election_id;not null"`
	VotingPeriodID int64     `gorm:"column:voting_period_id;not null"`
	PositionID     int64     `gorm:"column:position_id;not null"`
	CandidateID    int64     `gorm:"column:candidate_id;not null"`
	VoterID        string    `gorm:"column:voter_id;size:190;not null"`
	VoteCount      int64     `gorm:"column:vote_count;not null"`
	Rank           int       `gorm:"column:rank;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ElectionWinnerAssignment) TableName() string {
	return "election_winner_assignments"
}

// Models lists the certification models for schema migration.
func Models() []any {
	return []any{
		&ElectionTallyRun{},
		&CertifiedPositionResult{},
		&CertifiedCandidateResult{},
		&ElectionWinnerAssignment{},
	}
}
