package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/ballots"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/certification"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey     = "ballotbox_actor"
	paramElectionID     = "electionID"
	paramPeriodID       = "periodID"
	scopeRoute          = "/elections/:" + paramElectionID + "/periods/:" + paramPeriodID
	errorInvalidPath    = "invalid_path"
	errorInvalidBody    = "invalid_request"
	errorUnauthorized   = "unauthorized"
	errorForbidden      = "forbidden"
	errorInternal       = "internal_error"
	defaultAdminRole    = "election_admin"
	headerTenant        = "X-TAuth-Tenant"
	headerAuthorization = "Authorization"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingBallotService    = errors.New("ballot service dependency required")
	errMissingReportService    = errors.New("report service dependency required")
	errMissingCertification    = errors.New("certification service dependency required")
)

// SessionValidator authenticates a request and yields its claims.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// BallotService accepts ballots.
type BallotService interface {
	SubmitVotes(ctx context.Context, request ballots.SubmissionRequest) (ballots.SubmissionResult, error)
}

// ReportService produces live tally reports.
type ReportService interface {
	Report(ctx context.Context, electionID elections.ElectionID, periodID elections.VotingPeriodID) (ballots.Report, error)
}

// CertificationService certifies and reverts tally runs.
type CertificationService interface {
	RunTally(ctx context.Context, electionID, periodID int64, actor string, options certification.RunOptions) (certification.RunSummary, error)
	GetStatus(ctx context.Context, electionID, periodID int64) (certification.RunStatusReport, error)
	Rollback(ctx context.Context, electionID, periodID int64, actor, reason string) (certification.RollbackResult, error)
	PlanAssignments(ctx context.Context, electionID, periodID int64) ([]certification.LeadershipAssignment, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	AdminRole        string
	BallotService    BallotService
	ReportService    ReportService
	Certification    CertificationService
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the election core.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.BallotService == nil {
		return nil, errMissingBallotService
	}
	if deps.ReportService == nil {
		return nil, errMissingReportService
	}
	if deps.Certification == nil {
		return nil, errMissingCertification
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adminRole := deps.AdminRole
	if adminRole == "" {
		adminRole = defaultAdminRole
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		adminRole:     adminRole,
		ballots:       deps.BallotService,
		reports:       deps.ReportService,
		certification: deps.Certification,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group(scopeRoute)
	protected.Use(handler.authorizeRequest)
	protected.POST("/ballots", handler.handleSubmitBallot)
	protected.GET("/results", handler.handleResults)
	protected.GET("/tally", handler.handleTallyStatus)

	admin := protected.Group("/tally")
	admin.Use(handler.requireAdmin)
	admin.POST("", handler.handleRunTally)
	admin.POST("/rollback", handler.handleRollback)
	admin.GET("/assignments", handler.handleAssignments)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{headerAuthorization, "Content-Type", headerTenant},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions      SessionValidator
	adminRole     string
	ballots       BallotService
	reports       ReportService
	certification CertificationService
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	actor := claims.Actor()
	if actor.ID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok || !actor.HasRole(h.adminRole) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorForbidden})
		return
	}
	c.Next()
}

func actorFromContext(c *gin.Context) (auth.Actor, bool) {
	value, exists := c.Get(actorContextKey)
	if !exists {
		return auth.Actor{}, false
	}
	actor, ok := value.(auth.Actor)
	return actor, ok && actor.ID != ""
}

type scopeParams struct {
	electionID int64
	periodID   int64
}

func parseScope(c *gin.Context) (scopeParams, bool) {
	electionID, err := strconv.ParseInt(c.Param(paramElectionID), 10, 64)
	if err != nil || electionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPath})
		return scopeParams{}, false
	}
	periodID, err := strconv.ParseInt(c.Param(paramPeriodID), 10, 64)
	if err != nil || periodID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPath})
		return scopeParams{}, false
	}
	return scopeParams{electionID: electionID, periodID: periodID}, true
}
