package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledger-voting/apperror"
	"ledger-voting/models"
)

const (
	HeaderRequestID = "X-Request-ID"
	// HeaderIdentity and HeaderRole are set by the authenticating proxy in
	// front of the service and trusted as is.
	HeaderIdentity = "X-Identity"
	HeaderRole     = "X-Role"

	requestIDKey = "request_id"
	callerKey    = "caller"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		log.Info("request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("error", c.Errors.ByType(gin.ErrorTypePrivate).String()),
		)
	}
}

// identify reads the trusted caller headers. Routes that need a caller are
// wrapped in requireCaller.
func identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(callerKey, models.Caller{
			ID:   strings.TrimSpace(c.GetHeader(HeaderIdentity)),
			Role: strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderRole))),
		})
		c.Next()
	}
}

func requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if callerFrom(c).ID == "" {
			abortWith(c, http.StatusUnauthorized, apperror.KindUnauthorized, "caller identity is required")
			return
		}
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !callerFrom(c).IsAdmin() {
			abortWith(c, http.StatusForbidden, apperror.KindUnauthorized, "administrative privilege required")
			return
		}
		c.Next()
	}
}

func (s *Server) limitVotes() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(callerFrom(c).ID) {
			abortWith(c, http.StatusTooManyRequests, apperror.KindValidation, "too many vote requests, slow down")
			return
		}
		c.Next()
	}
}

func callerFrom(c *gin.Context) models.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(models.Caller); ok {
			return caller
		}
	}
	return models.Caller{}
}
