package certification

import "errors"

var (
	ErrInvalidRequest        = errors.New("certification: invalid request")
	ErrElectionNotFound      = errors.New("certification: election not found")
	ErrVotingPeriodNotFound  = errors.New("certification: voting period not found")
	ErrVotingPeriodMismatch  = errors.New("certification: voting period does not belong to election")
	ErrVotingPeriodNotClosed = errors.New("certification: voting period is not closed")
	ErrRunInProgress         = errors.New("certification: tally run already in progress")
	ErrRunNotFound           = errors.New("certification: tally run not found")
	ErrRunNotCompleted       = errors.New("certification: tally run is not completed")
	ErrMissingScopeReference = errors.New("certification: election is missing a scope reference")
)
