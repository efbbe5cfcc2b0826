package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ledger-voting/apperror"
)

type errorResponse struct {
	Kind      apperror.Kind `json:"kind"`
	Message   string        `json:"message"`
	Reason    string        `json:"reason,omitempty"`
	TxID      string        `json:"tx_id,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

var statusByKind = map[apperror.Kind]int{
	apperror.KindValidation:             http.StatusBadRequest,
	apperror.KindUnauthorized:           http.StatusForbidden,
	apperror.KindAlreadyVoted:           http.StatusConflict,
	apperror.KindVotingNotActive:        http.StatusConflict,
	apperror.KindVotingNotInSetupPhase:  http.StatusConflict,
	apperror.KindCandidateNotFound:      http.StatusNotFound,
	apperror.KindCandidateAlreadyExists: http.StatusConflict,
	apperror.KindContractRevert:         http.StatusUnprocessableEntity,
	apperror.KindLedgerUnavailable:      http.StatusServiceUnavailable,
	apperror.KindEncoding:               http.StatusBadGateway,
	apperror.KindInconsistentReset:      http.StatusInternalServerError,
	apperror.KindInternal:               http.StatusInternalServerError,
}

func httpStatus(kind apperror.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError renders err without its wrapped cause.
func writeError(c *gin.Context, err error) {
	resp := errorResponse{
		Kind:      apperror.KindInternal,
		Message:   "internal error",
		RequestID: c.GetString(requestIDKey),
	}
	if appErr, ok := apperror.As(err); ok {
		resp.Kind = appErr.Kind
		resp.Message = appErr.Message()
		resp.Reason = appErr.Reason
		resp.TxID = appErr.TxID
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(httpStatus(resp.Kind), resp)
}

func abortWith(c *gin.Context, status int, kind apperror.Kind, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Kind:      kind,
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	})
}
