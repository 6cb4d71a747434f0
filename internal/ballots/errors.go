package ballots

import "errors"

var (
	// ErrInvalidBallot indicates a structurally malformed submission.
	ErrInvalidBallot = errors.New("ballots: invalid ballot")
	// ErrElectionNotFound indicates the referenced election does not exist.
	ErrElectionNotFound = errors.New("ballots: election not found")
	// ErrVotingPeriodNotFound indicates the referenced voting period does not exist.
	ErrVotingPeriodNotFound = errors.New("ballots: voting period not found")
	// ErrVotingPeriodMismatch indicates the voting period belongs to another election.
	ErrVotingPeriodMismatch = errors.New("ballots: voting period does not belong to election")
	// ErrVotingClosed indicates the voting period is not open or outside its window.
	ErrVotingClosed = errors.New("ballots: voting period is not accepting ballots")
	// ErrNotEligible indicates the eligibility oracle rejected the voter.
	ErrNotEligible = errors.New("ballots: voter is not eligible")
	// ErrPositionNotOnBallot indicates the position is not assigned to the voting period.
	ErrPositionNotOnBallot = errors.New("ballots: position is not on this ballot")
	// ErrPositionMismatch indicates the position is unknown or belongs to another election.
	ErrPositionMismatch = errors.New("ballots: position does not belong to election")
	// ErrCandidateMismatch indicates a candidate is unknown or stands elsewhere.
	ErrCandidateMismatch = errors.New("ballots: candidate is not valid for position")
	// ErrTooManySelections indicates more candidates than seats were selected.
	ErrTooManySelections = errors.New("ballots: selection limit exceeded")
	// ErrDuplicateVote indicates the voter already voted for a submitted position.
	ErrDuplicateVote = errors.New("ballots: vote already recorded")
)
