package certification

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/shopspring/decimal"
)

const voteSharePlaces = 4

var hundred = decimal.NewFromInt(100)

// CandidateTally pairs a candidate with its vote count.
type CandidateTally struct {
	Candidate elections.Candidate
	Votes     int64
}

// RankedCandidate is a candidate after ordering.
type RankedCandidate struct {
	CandidateID elections.CandidateID
	VoterID     string
	Votes       int64
	Share       decimal.NullDecimal
	Rank        int
	IsWinner    bool
}

// PositionOutcome is the deterministic result for one position.
type PositionOutcome struct {
	Ranked      []RankedCandidate
	Winners     []RankedCandidate
	TieDetected bool
	Note        string
}

// RankPosition orders candidates by votes descending, then candidate id
// ascending, and takes the first seats candidates as winners. A tie is flagged
// when the last winner and the first loser share a non-zero vote count.
func RankPosition(tallies []CandidateTally, seats int, totalBallots int64) PositionOutcome {
	if seats <= 0 {
		seats = 1
	}
	ordered := append([]CandidateTally(nil), tallies...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Votes != ordered[j].Votes {
			return ordered[i].Votes > ordered[j].Votes
		}
		return ordered[i].Candidate.ID < ordered[j].Candidate.ID
	})

	outcome := PositionOutcome{Ranked: make([]RankedCandidate, 0, len(ordered))}
	for index, tally := range ordered {
		ranked := RankedCandidate{
			CandidateID: elections.CandidateID(tally.Candidate.ID),
			VoterID:     tally.Candidate.VoterID,
			Votes:       tally.Votes,
			Share:       VoteShare(tally.Votes, totalBallots),
			Rank:        index + 1,
			IsWinner:    index < seats,
		}
		outcome.Ranked = append(outcome.Ranked, ranked)
		if ranked.IsWinner {
			outcome.Winners = append(outcome.Winners, ranked)
		}
	}

	if seats < len(ordered) {
		lastWinner := ordered[seats-1]
		firstLoser := ordered[seats]
		if lastWinner.Votes == firstLoser.Votes && lastWinner.Votes > 0 {
			outcome.TieDetected = true
			outcome.Note = fmt.Sprintf("tie at seat %d: candidates %d and %d both have %d vote(s); resolved by lower candidate id",
				seats, lastWinner.Candidate.ID, firstLoser.Candidate.ID, lastWinner.Votes)
		}
	}
	return outcome
}

// VoteShare returns votes*100/total rounded to four places, or an invalid
// value when total is zero.
func VoteShare(votes, total int64) decimal.NullDecimal {
	if total <= 0 {
		return decimal.NullDecimal{}
	}
	share := decimal.NewFromInt(votes).Mul(hundred).Div(decimal.NewFromInt(total)).Round(voteSharePlaces)
	return decimal.NullDecimal{Decimal: share, Valid: true}
}
