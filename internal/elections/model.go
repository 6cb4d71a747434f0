package elections

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidElectionID indicates that an election identifier is not positive.
	ErrInvalidElectionID = errors.New("elections: invalid election id")
	// ErrInvalidVotingPeriodID indicates that a voting period identifier is not positive.
	ErrInvalidVotingPeriodID = errors.New("elections: invalid voting period id")
	// ErrInvalidPositionID indicates that a position identifier is not positive.
	ErrInvalidPositionID = errors.New("elections: invalid position id")
	// ErrInvalidCandidateID indicates that a candidate identifier is not positive.
	ErrInvalidCandidateID = errors.New("elections: invalid candidate id")
	// ErrInvalidVoterID indicates that a voter identifier is empty or exceeds storage bounds.
	ErrInvalidVoterID = errors.New("elections: invalid voter id")
)

// ElectionID identifies an election.
type ElectionID int64

// NewElectionID validates raw input and returns an ElectionID.
func NewElectionID(value int64) (ElectionID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidElectionID, value)
	}
	return ElectionID(value), nil
}

// Int64 exposes the raw identifier.
func (id ElectionID) Int64() int64 {
	return int64(id)
}

// VotingPeriodID identifies a voting period.
type VotingPeriodID int64

// NewVotingPeriodID validates raw input and returns a VotingPeriodID.
func NewVotingPeriodID(value int64) (VotingPeriodID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVotingPeriodID, value)
	}
	return VotingPeriodID(value), nil
}

// Int64 exposes the raw identifier.
func (id VotingPeriodID) Int64() int64 {
	return int64(id)
}

// PositionID identifies an electable position.
type PositionID int64

// NewPositionID validates raw input and returns a PositionID.
func NewPositionID(value int64) (PositionID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPositionID, value)
	}
	return PositionID(value), nil
}

// Int64 exposes the raw identifier.
func (id PositionID) Int64() int64 {
	return int64(id)
}

// CandidateID identifies a candidate standing for a position.
type CandidateID int64

// NewCandidateID validates raw input and returns a CandidateID.
func NewCandidateID(value int64) (CandidateID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCandidateID, value)
	}
	return CandidateID(value), nil
}

// Int64 exposes the raw identifier.
func (id CandidateID) Int64() int64 {
	return int64(id)
}

// VoterID represents a validated voter identity.
type VoterID string

// NewVoterID validates raw input and returns a VoterID.
func NewVoterID(rawInput string) (VoterID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVoterID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVoterID, maxIdentifierLength)
	}
	return VoterID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VoterID) String() string {
	return string(id)
}

// PeriodStatus enumerates voting period lifecycle states.
type PeriodStatus string

const (
	PeriodStatusDraft  PeriodStatus = "DRAFT"
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
)

// ElectionStatus enumerates election lifecycle states. It is informational;
// ballot acceptance is governed by the voting period.
type ElectionStatus string

const (
	ElectionStatusDraft    ElectionStatus = "DRAFT"
	ElectionStatusActive   ElectionStatus = "ACTIVE"
	ElectionStatusArchived ElectionStatus = "ARCHIVED"
)

// ScopeKind names the organizational level a position governs.
type ScopeKind string

const (
	ScopeDiocese      ScopeKind = "DIOCESE"
	ScopeArchdeaconry ScopeKind = "ARCHDEACONRY"
	ScopeChurch       ScopeKind = "CHURCH"
)

// RollStatus enumerates voter roll entry states.
type RollStatus string

const (
	RollStatusActive    RollStatus = "ACTIVE"
	RollStatusSuspended RollStatus = "SUSPENDED"
)

// Election is the top-level contest. Scope references point into the
// organizational hierarchy, which is managed elsewhere.
type Election struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Name           string         `gorm:"column:name;size:190;not null"`
	Status         ElectionStatus `gorm:"column:status;size:16;not null;default:ACTIVE"`
	TermStart      *time.Time     `gorm:"column:term_start"`
	TermEnd        *time.Time     `gorm:"column:term_end"`
	DioceseID      *int64         `gorm:"column:diocese_id"`
	ArchdeaconryID *int64         `gorm:"column:archdeaconry_id"`
	ChurchID       *int64         `gorm:"column:church_id"`
}

// TableName provides the explicit table binding for GORM.
func (Election) TableName() string {
	return "elections"
}

// VotingPeriod is a window of an election during which ballots are accepted.
type VotingPeriod struct {
	ID         int64        `gorm:"column:id;primaryKey;autoIncrement"`
	ElectionID int64        `gorm:"column:election_id;not null;index"`
	Name       string       `gorm:"column:name;size:190;not null"`
	Status     PeriodStatus `gorm:"column:status;size:16;not null"`
	StartsAt   time.Time    `gorm:"column:starts_at;not null"`
	EndsAt     time.Time    `gorm:"column:ends_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VotingPeriod) TableName() string {
	return "voting_periods"
}

// AcceptsBallotsAt reports whether the window [StartsAt, EndsAt) contains the instant.
func (p VotingPeriod) AcceptsBallotsAt(instant time.Time) bool {
	return !instant.Before(p.StartsAt) && instant.Before(p.EndsAt)
}

// Position is an electable office.
type Position struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ElectionID int64     `gorm:"column:election_id;not null;index"`
	Title      string    `gorm:"column:title;size:190;not null"`
	Seats      *int      `gorm:"column:seats"`
	Scope      ScopeKind `gorm:"column:scope;size:16;not null;default:'CHURCH'"`
}

// TableName provides the explicit table binding for GORM.
func (Position) TableName() string {
	return "positions"
}

// SeatCount returns the number of winners, falling back to one when unset.
func (p Position) SeatCount() int {
	if p.Seats == nil || *p.Seats <= 0 {
		return 1
	}
	return *p.Seats
}

// Candidate stands for exactly one position of one election.
type Candidate struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ElectionID  int64  `gorm:"column:election_id;not null;index"`
	PositionID  int64  `gorm:"column:position_id;not null;index"`
	VoterID     string `gorm:"column:voter_id;size:190;not null"`
	DisplayName string `gorm:"column:display_name;size:320;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Candidate) TableName() string {
	return "candidates"
}

// VotingPeriodPosition assigns a position to the ballot of a voting period.
type VotingPeriodPosition struct {
	VotingPeriodID int64 `gorm:"column:voting_period_id;primaryKey"`
	PositionID     int64 `gorm:"column:position_id;primaryKey"`
}

// TableName provides the explicit table binding for GORM.
func (VotingPeriodPosition) TableName() string {
	return "voting_period_positions"
}

// VoterRollEntry registers a voter for an election.
type VoterRollEntry struct {
	ElectionID int64      `gorm:"column:election_id;primaryKey"`
	VoterID    string     `gorm:"column:voter_id;primaryKey;size:190"`
	Status     RollStatus `gorm:"column:status;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoterRollEntry) TableName() string {
	return "voter_roll_entries"
}

// Models lists every reference-data model for schema migration.
func Models() []any {
	return []any{
		&Election{},
		&VotingPeriod{},
		&Position{},
		&Candidate{},
		&VotingPeriodPosition{},
		&VoterRollEntry{},
	}
}
