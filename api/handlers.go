package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ledger-voting/apperror"
)

type voteRequest struct {
	Candidate string `json:"candidate"`
}

type addCandidateRequest struct {
	CandidateName string `json:"candidateName"`
}

// startVotingRequest carries Unix seconds, as the contract expects.
type startVotingRequest struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
}

type txResponse struct {
	Message string `json:"message"`
	TxID    string `json:"tx_id"`
}

func (s *Server) handleGetTotalVotesFor(c *gin.Context) {
	name := c.Query("candidateName")
	if name == "" {
		writeError(c, apperror.New(apperror.KindValidation, "candidate name is required"))
		return
	}

	candidate, err := s.voting.GetTally(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidate": candidate.Name, "totalVotes": candidate.Votes})
}

func (s *Server) handleStatus(c *gin.Context) {
	snapshot, err := s.voting.GetPeriodStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleCandidatesVotes(c *gin.Context) {
	candidates, err := s.voting.GetAllCandidatesWithTallies(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidates)
}

func (s *Server) handleVote(c *gin.Context) {
	var req voteRequest
	if !bindJSON(c, &req) {
		return
	}

	receipt, err := s.voting.CastVote(c.Request.Context(), callerFrom(c), req.Candidate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Vote successfully recorded.", "receipt": receipt})
}

func (s *Server) handleAddCandidate(c *gin.Context) {
	var req addCandidateRequest
	if !bindJSON(c, &req) {
		return
	}

	txID, err := s.voting.AddCandidate(c.Request.Context(), callerFrom(c), req.CandidateName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txResponse{Message: "Candidate successfully added!", TxID: txID})
}

func (s *Server) handleStartVoting(c *gin.Context) {
	var req startVotingRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.StartTime <= 0 || req.EndTime <= 0 {
		writeError(c, apperror.New(apperror.KindValidation, "startTime and endTime must be positive Unix seconds"))
		return
	}

	txID, err := s.voting.StartPeriod(c.Request.Context(), callerFrom(c),
		time.Unix(req.StartTime, 0).UTC(), time.Unix(req.EndTime, 0).UTC())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txResponse{Message: "voting successfully started.", TxID: txID})
}

func (s *Server) handleResetVoting(c *gin.Context) {
	result, err := s.voting.ResetAll(c.Request.Context(), callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "The vote has been reset.",
		"tx_id":   result.TxID,
		"cleared": result.Cleared,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.voting.Metrics())
}

func (s *Server) handleResetMetrics(c *gin.Context) {
	s.voting.ResetMetrics()
	c.JSON(http.StatusOK, gin.H{"message": "metrics reset"})
}

func (s *Server) handleReconciliation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.voting.Reconciliations()})
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, apperror.Wrap(apperror.KindValidation, err, "invalid request body"))
		return false
	}
	return true
}
