package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/ballots"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/certification"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/faults"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type rejection struct {
	status int
	code   string
}

var rejections = []struct {
	kind error
	rejection
}{
	{ballots.ErrInvalidBallot, rejection{http.StatusBadRequest, "invalid_ballot"}},
	{ballots.ErrPositionNotOnBallot, rejection{http.StatusBadRequest, "position_not_on_ballot"}},
	{ballots.ErrPositionMismatch, rejection{http.StatusBadRequest, "position_mismatch"}},
	{ballots.ErrCandidateMismatch, rejection{http.StatusBadRequest, "candidate_mismatch"}},
	{ballots.ErrTooManySelections, rejection{http.StatusBadRequest, "too_many_selections"}},
	{ballots.ErrVotingPeriodMismatch, rejection{http.StatusBadRequest, "voting_period_mismatch"}},
	{ballots.ErrNotEligible, rejection{http.StatusForbidden, "not_eligible"}},
	{ballots.ErrElectionNotFound, rejection{http.StatusNotFound, "election_not_found"}},
	{ballots.ErrVotingPeriodNotFound, rejection{http.StatusNotFound, "voting_period_not_found"}},
	{ballots.ErrVotingClosed, rejection{http.StatusConflict, "voting_closed"}},
	{ballots.ErrDuplicateVote, rejection{http.StatusConflict, "duplicate_vote"}},
	{certification.ErrInvalidRequest, rejection{http.StatusBadRequest, "invalid_request"}},
	{certification.ErrVotingPeriodMismatch, rejection{http.StatusBadRequest, "voting_period_mismatch"}},
	{certification.ErrElectionNotFound, rejection{http.StatusNotFound, "election_not_found"}},
	{certification.ErrVotingPeriodNotFound, rejection{http.StatusNotFound, "voting_period_not_found"}},
	{certification.ErrRunNotFound, rejection{http.StatusNotFound, "tally_run_not_found"}},
	{certification.ErrVotingPeriodNotClosed, rejection{http.StatusConflict, "voting_period_not_closed"}},
	{certification.ErrRunInProgress, rejection{http.StatusConflict, "tally_run_in_progress"}},
	{certification.ErrRunNotCompleted, rejection{http.StatusConflict, "tally_run_not_completed"}},
	{certification.ErrMissingScopeReference, rejection{http.StatusConflict, "missing_scope_reference"}},
	{elections.ErrElectionNotFound, rejection{http.StatusNotFound, "election_not_found"}},
	{elections.ErrVotingPeriodNotFound, rejection{http.StatusNotFound, "voting_period_not_found"}},
}

func classify(err error) (rejection, bool) {
	for _, candidate := range rejections {
		if errors.Is(err, candidate.kind) {
			return candidate.rejection, true
		}
	}
	return rejection{}, false
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	if known, ok := classify(err); ok {
		reason := err.Error()
		if validation, isValidation := faults.AsValidation(err); isValidation {
			reason = validation.Reason()
		}
		c.JSON(known.status, gin.H{"error": known.code, "reason": reason})
		return
	}
	fields := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	var serviceErr *faults.ServiceError
	code := errorInternal
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
		fields = append(fields, zap.String("code", code))
	}
	h.logger.Error("request failed", fields...)
	c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal, "code": code})
}

type submitBallotRequest struct {
	Items []submitBallotItem `json:"items"`
}

type submitBallotItem struct {
	PositionID   int64   `json:"position_id"`
	CandidateIDs []int64 `json:"candidate_ids"`
}

type recordedSelectionResponse struct {
	PositionID   int64   `json:"position_id"`
	CandidateIDs []int64 `json:"candidate_ids"`
}

type submitBallotResponse struct {
	ReceiptID    string                      `json:"receipt_id"`
	SubmissionID string                      `json:"submission_id"`
	SubmittedAt  time.Time                   `json:"submitted_at"`
	Recorded     []recordedSelectionResponse `json:"recorded"`
}

func (h *httpHandler) handleSubmitBallot(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	var payload submitBallotRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidBody})
		return
	}

	request := ballots.SubmissionRequest{
		VoterID:        actor.ID,
		ElectionID:     scope.electionID,
		VotingPeriodID: scope.periodID,
		Items:          make([]ballots.SubmissionItem, 0, len(payload.Items)),
	}
	for _, item := range payload.Items {
		request.Items = append(request.Items, ballots.SubmissionItem{
			PositionID:   item.PositionID,
			CandidateIDs: item.CandidateIDs,
		})
	}

	result, err := h.ballots.SubmitVotes(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, "submit_ballot", err)
		return
	}

	response := submitBallotResponse{
		ReceiptID:    result.ReceiptID,
		SubmissionID: result.SubmissionID,
		SubmittedAt:  result.SubmittedAt,
		Recorded:     make([]recordedSelectionResponse, 0, len(result.Recorded)),
	}
	for _, recorded := range result.Recorded {
		candidateIDs := make([]int64, 0, len(recorded.CandidateIDs))
		for _, candidateID := range recorded.CandidateIDs {
			candidateIDs = append(candidateIDs, candidateID.Int64())
		}
		response.Recorded = append(response.Recorded, recordedSelectionResponse{
			PositionID:   recorded.PositionID.Int64(),
			CandidateIDs: candidateIDs,
		})
	}
	c.JSON(http.StatusCreated, response)
}

type candidateCountResponse struct {
	CandidateID int64  `json:"candidate_id"`
	DisplayName string `json:"display_name"`
	Votes       int64  `json:"votes"`
}

type positionReportResponse struct {
	PositionID   int64                    `json:"position_id"`
	Title        string                   `json:"title"`
	Seats        int                      `json:"seats"`
	Candidates   []candidateCountResponse `json:"candidates"`
	TotalVotes   int64                    `json:"total_votes"`
	TotalBallots int64                    `json:"total_ballots"`
	Turnout      int64                    `json:"turnout"`
}

type resultsResponse struct {
	ElectionID      int64                    `json:"election_id"`
	VotingPeriodID  int64                    `json:"voting_period_id"`
	Positions       []positionReportResponse `json:"positions"`
	ElectionTurnout int64                    `json:"election_turnout"`
	GeneratedAt     time.Time                `json:"generated_at"`
}

func (h *httpHandler) handleResults(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	report, err := h.reports.Report(c.Request.Context(), elections.ElectionID(scope.electionID), elections.VotingPeriodID(scope.periodID))
	if err != nil {
		h.respondError(c, "results", err)
		return
	}

	response := resultsResponse{
		ElectionID:      report.ElectionID.Int64(),
		VotingPeriodID:  report.VotingPeriodID.Int64(),
		Positions:       make([]positionReportResponse, 0, len(report.Positions)),
		ElectionTurnout: report.ElectionTurnout,
		GeneratedAt:     report.GeneratedAt,
	}
	for _, position := range report.Positions {
		entry := positionReportResponse{
			PositionID:   position.PositionID.Int64(),
			Title:        position.Title,
			Seats:        position.Seats,
			Candidates:   make([]candidateCountResponse, 0, len(position.Candidates)),
			TotalVotes:   position.TotalVotes,
			TotalBallots: position.TotalBallots,
			Turnout:      position.Turnout,
		}
		for _, candidate := range position.Candidates {
			entry.Candidates = append(entry.Candidates, candidateCountResponse{
				CandidateID: candidate.CandidateID.Int64(),
				DisplayName: candidate.DisplayName,
				Votes:       candidate.Votes,
			})
		}
		response.Positions = append(response.Positions, entry)
	}
	c.JSON(http.StatusOK, response)
}

type runTallyRequest struct {
	Remarks string `json:"remarks"`
	Force   bool   `json:"force"`
}

type runSummaryResponse struct {
	RunID              int64      `json:"run_id"`
	ElectionID         int64      `json:"election_id"`
	VotingPeriodID     int64      `json:"voting_period_id"`
	Status             string     `json:"status"`
	PositionsCertified int64      `json:"positions_certified"`
	WinnersApplied     int64      `json:"winners_applied"`
	TiesDetected       int        `json:"ties_detected"`
	Idempotent         bool       `json:"idempotent"`
	StartedBy          string     `json:"started_by"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

func (h *httpHandler) handleRunTally(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	actor, _ := actorFromContext(c)

	var payload runTallyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidBody})
			return
		}
	}

	summary, err := h.certification.RunTally(c.Request.Context(), scope.electionID, scope.periodID, actor.ID, certification.RunOptions{
		Remarks: payload.Remarks,
		Force:   payload.Force,
	})
	if err != nil {
		h.respondError(c, "run_tally", err)
		return
	}

	status := http.StatusCreated
	if summary.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, runSummaryResponse{
		RunID:              summary.RunID,
		ElectionID:         summary.ElectionID.Int64(),
		VotingPeriodID:     summary.VotingPeriodID.Int64(),
		Status:             string(summary.Status),
		PositionsCertified: summary.PositionsCertified,
		WinnersApplied:     summary.WinnersApplied,
		TiesDetected:       summary.TiesDetected,
		Idempotent:         summary.Idempotent,
		StartedBy:          summary.StartedBy,
		StartedAt:          summary.StartedAt,
		CompletedAt:        summary.CompletedAt,
	})
}

type runStatusResponse struct {
	Exists             bool       `json:"exists"`
	RunID              int64      `json:"run_id,omitempty"`
	Status             string     `json:"status,omitempty"`
	Forced             bool       `json:"forced"`
	Remarks            string     `json:"remarks,omitempty"`
	StartedBy          string     `json:"started_by,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedBy        string     `json:"completed_by,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	FailedAt           *time.Time `json:"failed_at,omitempty"`
	RolledBackBy       string     `json:"rolled_back_by,omitempty"`
	RolledBackAt       *time.Time `json:"rolled_back_at,omitempty"`
	RollbackReason     string     `json:"rollback_reason,omitempty"`
	TiesDetected       int        `json:"ties_detected"`
	PositionsCertified int64      `json:"positions_certified"`
	WinnersApplied     int64      `json:"winners_applied"`
}

func (h *httpHandler) handleTallyStatus(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	report, err := h.certification.GetStatus(c.Request.Context(), scope.electionID, scope.periodID)
	if err != nil {
		h.respondError(c, "tally_status", err)
		return
	}
	c.JSON(http.StatusOK, runStatusResponse{
		Exists:             report.Exists,
		RunID:              report.RunID,
		Status:             string(report.Status),
		Forced:             report.Forced,
		Remarks:            report.Remarks,
		StartedBy:          report.StartedBy,
		StartedAt:          report.StartedAt,
		CompletedBy:        report.CompletedBy,
		CompletedAt:        report.CompletedAt,
		FailedAt:           report.FailedAt,
		RolledBackBy:       report.RolledBackBy,
		RolledBackAt:       report.RolledBackAt,
		RollbackReason:     report.RollbackReason,
		TiesDetected:       report.TiesDetected,
		PositionsCertified: report.PositionsCertified,
		WinnersApplied:     report.WinnersApplied,
	})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

type rollbackResponse struct {
	RunID          int64     `json:"run_id"`
	WinnersRemoved int64     `json:"winners_removed"`
	RolledBackBy   string    `json:"rolled_back_by"`
	RolledBackAt   time.Time `json:"rolled_back_at"`
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	actor, _ := actorFromContext(c)

	var payload rollbackRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidBody})
			return
		}
	}

	result, err := h.certification.Rollback(c.Request.Context(), scope.electionID, scope.periodID, actor.ID, payload.Reason)
	if err != nil {
		h.respondError(c, "rollback_tally", err)
		return
	}
	c.JSON(http.StatusOK, rollbackResponse{
		RunID:          result.RunID,
		WinnersRemoved: result.WinnersRemoved,
		RolledBackBy:   result.RolledBackBy,
		RolledBackAt:   result.RolledBackAt,
	})
}

type assignmentResponse struct {
	VoterID       string     `json:"voter_id"`
	PositionID    int64      `json:"position_id"`
	CandidateID   int64      `json:"candidate_id"`
	Scope         string     `json:"scope"`
	ScopeTargetID int64      `json:"scope_target_id"`
	TermStart     *time.Time `json:"term_start,omitempty"`
	TermEnd       *time.Time `json:"term_end,omitempty"`
	VoteCount     int64      `json:"vote_count"`
	Rank          int        `json:"rank"`
}

func (h *httpHandler) handleAssignments(c *gin.Context) {
	scope, ok := parseScope(c)
	if !ok {
		return
	}
	assignments, err := h.certification.PlanAssignments(c.Request.Context(), scope.electionID, scope.periodID)
	if err != nil {
		h.respondError(c, "plan_assignments", err)
		return
	}
	response := make([]assignmentResponse, 0, len(assignments))
	for _, assignment := range assignments {
		response = append(response, assignmentResponse{
			VoterID:       assignment.VoterID,
			PositionID:    assignment.PositionID.Int64(),
			CandidateID:   assignment.CandidateID.Int64(),
			Scope:         string(assignment.Scope),
			ScopeTargetID: assignment.ScopeTargetID,
			TermStart:     assignment.TermStart,
			TermEnd:       assignment.TermEnd,
			VoteCount:     assignment.VoteCount,
			Rank:          assignment.Rank,
		})
	}
	c.JSON(http.StatusOK, gin.H{"assignments": response})
}
