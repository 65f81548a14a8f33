package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	logx "contractwatch/pkg/logx"
)

const (
	RequestIDHeader = "X-Request-ID"
	ctxRequestID    = "request_id"
	ctxSubject      = "subject"
)

// requestID reuses the caller's X-Request-ID or generates one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set(ctxRequestID, id)
		c.Next()
	}
}

func getRequestID(c *gin.Context) string {
	return c.GetString(ctxRequestID)
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.Int("status", status),
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Duration("latency", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
			logx.String("request_id", getRequestID(c)),
		}
		if sub := c.GetString(ctxSubject); sub != "" {
			fields = append(fields, logx.String("subject", sub))
		}
		switch {
		case status >= 500:
			log.Error("request completed", fields...)
		case status >= 400:
			log.Warn("request completed", fields...)
		default:
			log.Debug("request completed", fields...)
		}
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					logx.Any("panic", r),
					logx.String("request_id", getRequestID(c)),
					logx.String("path", c.Request.URL.Path),
					logx.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "internal server error",
					"request_id": getRequestID(c),
				})
			}
		}()
		c.Next()
	}
}

// Claims is the JWT payload accepted by the API. Either Roles or Role may
// carry the caller's roles.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	Role  string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) hasAny(allowed []string) bool {
	roles := c.Roles
	if c.Role != "" {
		roles = append(slices.Clone(roles), c.Role)
	}
	for _, r := range roles {
		if slices.Contains(allowed, r) {
			return true
		}
	}
	return false
}

var errNoAuth = errors.New("authentication not configured")

// auth accepts the static trigger token or an HS256 JWT whose roles
// intersect allowed.
func auth(secret, triggerToken string, allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" && triggerToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errNoAuth.Error()})
			return
		}
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			return
		}

		if triggerToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(triggerToken)) == 1 {
			c.Set(ctxSubject, "trigger-token")
			c.Next()
			return
		}
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		if !claims.hasAny(allowed) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Set(ctxSubject, claims.Subject)
		c.Next()
	}
}
