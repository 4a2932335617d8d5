package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the authenticated *Claims.
const ClaimsKey = "auth_claims"

// GinAuth rejects requests without valid credentials.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.Authenticate(c.Request)
		if err != nil {
			if errors.Is(err, ErrNoCredentials) {
				c.Header("WWW-Authenticate", `Basic realm="appvisor"`)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// GinRequire rejects authenticated requests whose role does not allow action.
// It must run after GinAuth.
func GinRequire(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok || claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrNoCredentials.Error()})
			return
		}
		if !Allowed(claims.Role, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + claims.Role + " may not " + action})
			return
		}
		c.Next()
	}
}

// FromContext returns the claims GinAuth stored on c.
func FromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
