// Package api exposes the voting service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ledger-voting/models"
	"ledger-voting/period"
	"ledger-voting/service"
)

// Voting is the service surface the handlers call.
type Voting interface {
	CastVote(ctx context.Context, caller models.Caller, candidate string) (*models.VoteReceipt, error)
	AddCandidate(ctx context.Context, caller models.Caller, name string) (string, error)
	StartPeriod(ctx context.Context, caller models.Caller, start, end time.Time) (string, error)
	ResetAll(ctx context.Context, caller models.Caller) (*service.ResetResult, error)
	GetTally(ctx context.Context, name string) (models.Candidate, error)
	GetAllCandidatesWithTallies(ctx context.Context) ([]models.Candidate, error)
	GetPeriodStatus(ctx context.Context) (period.Snapshot, error)
	Metrics() service.MetricsResponse
	ResetMetrics()
	Reconciliations() []service.ReconciliationItem
}

type Options struct {
	ListenAddr    string
	VoteRateLimit float64
	VoteRateBurst int
}

type Server struct {
	voting     Voting
	engine     *gin.Engine
	limiter    *RateLimiter
	httpServer *http.Server
	log        *zap.Logger
}

func NewServer(voting Voting, opts Options, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		voting:  voting,
		engine:  gin.New(),
		limiter: NewRateLimiter(opts.VoteRateLimit, opts.VoteRateBurst),
		log:     log,
	}
	s.engine.Use(requestID(), requestLogger(log), gin.Recovery(), identify())
	s.routes()

	s.httpServer = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	voting := s.engine.Group("/api/voting")
	voting.GET("/getTotalVotesFor", s.handleGetTotalVotesFor)
	voting.GET("/status", s.handleStatus)
	voting.GET("/GetCandidatesVotes", s.handleCandidatesVotes)
	voting.POST("/vote", requireCaller(), s.limitVotes(), s.handleVote)
	voting.POST("/addCandidate", requireCaller(), s.handleAddCandidate)
	voting.POST("/startVoting", requireCaller(), s.handleStartVoting)
	voting.DELETE("/ResetVoting", requireCaller(), s.handleResetVoting)

	admin := s.engine.Group("/api", requireCaller(), requireAdmin())
	admin.GET("/metrics", s.handleMetrics)
	admin.DELETE("/metrics", s.handleResetMetrics)
	admin.GET("/admin/reconciliation", s.handleReconciliation)

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
	})
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks until the server stops. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info("starting voting API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
