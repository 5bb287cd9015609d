// services/lockplane/internal/api/middleware.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/lockplane/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	principalKey = "principal"
	partnerKey   = "partner"
)

// WindowCounter counts requests per key in fixed windows.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// HTTPObserver records request latency.
type HTTPObserver interface {
	ObserveHTTP(route, method string, status int, elapsed time.Duration)
}

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP Request")
	}
}

// Metrics observes request latency by matched route.
func Metrics(observer HTTPObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observer.ObserveHTTP(route, c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}

// PrincipalAuthentication verifies the bearer token issued by the upstream auth layer.
func PrincipalAuthentication(auth *core.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			c.Abort()
			return
		}

		principal, err := auth.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole admits principals holding any of roles.
func RequireRole(roles ...core.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no principal found"})
			c.Abort()
			return
		}

		if !principal.HasRole(roles...) {
			c.JSON(http.StatusForbidden, gin.H{"error": core.ErrInsufficientRole.Message, "code": core.ErrInsufficientRole.Code})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireElevation demands a live elevated token for the same subject in X-Elevated-Token.
func RequireElevation(auth *core.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no principal found"})
			c.Abort()
			return
		}

		if err := auth.VerifyElevated(c.GetHeader("X-Elevated-Token"), principal); err != nil {
			var be core.BusinessError
			errors.As(err, &be)
			c.JSON(http.StatusForbidden, gin.H{"error": be.Message, "code": be.Code})
			c.Abort()
			return
		}

		c.Next()
	}
}

// PartnerAuthentication resolves the partner from X-API-Key and X-API-Secret.
func PartnerAuthentication(partners *core.PartnerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		partner, err := partners.Authenticate(c.Request.Context(), c.Param("partnerId"),
			c.GetHeader("X-API-Key"), c.GetHeader("X-API-Secret"))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(partnerKey, partner)
		c.Next()
	}
}

// ErrorHandler renders errors attached with c.Error by business kind.
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var insufficient *core.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":     core.ErrInsufficientBalance.Message,
				"code":      core.ErrInsufficientBalance.Code,
				"required":  insufficient.Required.StringFixed(2),
				"available": insufficient.Available.StringFixed(2),
			})
			return
		}

		var be core.BusinessError
		if errors.As(err, &be) {
			c.JSON(statusForKind(be.Kind), gin.H{
				"error": be.Message,
				"code":  be.Code,
			})
			return
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindInvalidState:
		return http.StatusUnprocessableEntity
	case core.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case core.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// CORS enables cross-origin requests
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Elevated-Token, X-API-Key, X-API-Secret, X-Webhook-Timestamp, X-Webhook-Signature")
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter limits requests per client IP per minute. With a shared counter
// the limit holds across replicas; without one, or when it errors, a local
// window is used.
func RateLimiter(counter WindowCounter, requestsPerMinute int, logger *logrus.Logger) gin.HandlerFunc {
	local := newLocalLimiter()

	return func(c *gin.Context) {
		if requestsPerMinute <= 0 {
			c.Next()
			return
		}

		now := time.Now()
		clientIP := c.ClientIP()

		var count int64
		if counter != nil {
			window := now.Truncate(time.Minute).Unix()
			n, err := counter.IncrWindow(c.Request.Context(), fmt.Sprintf("ratelimit:%s:%d", clientIP, window), time.Minute)
			if err != nil {
				logger.WithError(err).Warn("Shared rate limiter unavailable; using local window")
				count = local.incr(clientIP, now)
			} else {
				count = n
			}
		} else {
			count = local.incr(clientIP, now)
		}

		if count > int64(requestsPerMinute) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60 - now.Second(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type rateLimitClient struct {
	lastReset time.Time
	requests  int64
}

type localLimiter struct {
	mu        sync.Mutex
	clients   map[string]*rateLimitClient
	lastSweep time.Time
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{clients: make(map[string]*rateLimitClient)}
}

func (l *localLimiter) incr(key string, now time.Time) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Expired windows are dropped at most once a minute.
	if now.Sub(l.lastSweep) > time.Minute {
		for k, client := range l.clients {
			if now.Sub(client.lastReset) > time.Minute {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	client, ok := l.clients[key]
	if !ok || now.Sub(client.lastReset) > time.Minute {
		l.clients[key] = &rateLimitClient{lastReset: now, requests: 1}
		return 1
	}
	client.requests++
	return client.requests
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func principalFrom(c *gin.Context) (*core.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*core.Principal)
	return p, ok
}

func partnerFrom(c *gin.Context) (*core.LoanPartner, bool) {
	v, ok := c.Get(partnerKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*core.LoanPartner)
	return p, ok
}
