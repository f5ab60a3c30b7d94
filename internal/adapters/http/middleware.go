package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/Call/internal/auth"
	"github.com/dkeye/Call/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	ctxUserKey     = "user"
	sessionUserID  = "uid"
	sessionUsrName = "name"
)

// AuthMiddleware resolves the caller from a bearer token, a ?token= query
// parameter (browsers cannot set headers on websocket upgrades) or the session
// cookie written by an earlier authenticated request.
func AuthMiddleware(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)

		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		if raw != "" {
			user, err := tokens.Validate(raw)
			if err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("token rejected")
				abortWithError(c, domain.ErrUnauthorized)
				return
			}
			session.Set(sessionUserID, string(user.ID))
			session.Set(sessionUsrName, user.Username)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
			c.Set(ctxUserKey, user)
			c.Next()
			return
		}

		uid, _ := session.Get(sessionUserID).(string)
		if uid == "" {
			abortWithError(c, domain.ErrUnauthorized)
			return
		}
		name, _ := session.Get(sessionUsrName).(string)
		c.Set(ctxUserKey, &domain.User{ID: domain.UserID(uid), Username: name})
		c.Next()
	}
}

func bearerToken(header string) string {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(raw)
}

func currentUser(c *gin.Context) *domain.User {
	v, ok := c.Get(ctxUserKey)
	if !ok {
		return nil
	}
	u, _ := v.(*domain.User)
	return u
}

// RateLimit rejects signal bursts per authenticated user.
func RateLimit(allow func(domain.UserID) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user != nil && !allow(user.ID) {
			abortWithError(c, domain.ErrRateLimited)
			return
		}
		c.Next()
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
