package ballots

import (
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
)

// VoteRecord is one ballot cast by one voter for one position. Rows are
// append-only; the unique index is the backstop against double voting.
type VoteRecord struct {
	ID             int64           `gorm:"column:id;primaryKey;autoIncrement"`
	ElectionID     int64           `gorm:"column:election_id;not null;uniqueIndex:idx_vote_records_once,priority:1;index:idx_vote_records_scope,priority:1"`
	VotingPeriodID int64           `gorm:"column:voting_period_id;not null;uniqueIndex:idx_vote_records_once,priority:2;index:idx_vote_records_scope,priority:2"`
	VoterID        string          `gorm:"column:voter_id;size:190;not null;uniqueIndex:idx_vote_records_once,priority:3"`
	PositionID     int64           `gorm:"column:position_id;not null;uniqueIndex:idx_vote_records_once,priority:4;index:idx_vote_records_scope,priority:3"`
	SubmissionID   string          `gorm:"column:submission_id;size:64;not null;index"`
	ReceiptID      string          `gorm:"column:receipt_id;size:64;not null;index"`
	SubmittedAt    time.Time       `gorm:"column:submitted_at;not null"`
	Selections     []VoteSelection `gorm:"foreignKey:VoteRecordID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (VoteRecord) TableName() string {
	return "vote_records"
}

// VoteSelection is one chosen candidate of a VoteRecord.
type VoteSelection struct {
	ID           int64 `gorm:"column:id;primaryKey;autoIncrement"`
	VoteRecordID int64 `gorm:"column:vote_record_id;not null;uniqueIndex:idx_vote_selections_once,priority:1"`
	CandidateID  int64 `gorm:"column:candidate_id;not null;uniqueIndex:idx_vote_selections_once,priority:2;index"`
	Ordinal      int   `gorm:"column:ordinal;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoteSelection) TableName() string {
	return "vote_selections"
}

// Models lists the vote ledger models for schema migration.
func Models() []any {
	return []any{&VoteRecord{}, &VoteSelection{}}
}

// SubmissionItem carries the raw selections for one position.
type SubmissionItem struct {
	PositionID   int64
	CandidateIDs []int64
}

// SubmissionRequest is a voter's multi-position ballot.
type SubmissionRequest struct {
	VoterID        string
	ElectionID     int64
	VotingPeriodID int64
	Items          []SubmissionItem
}

// RecordedSelection echoes what was stored for one position.
type RecordedSelection struct {
	PositionID   elections.PositionID
	CandidateIDs []elections.CandidateID
}

// SubmissionResult is returned for an accepted ballot.
type SubmissionResult struct {
	ReceiptID    string
	SubmissionID string
	SubmittedAt  time.Time
	Recorded     []RecordedSelection
}
