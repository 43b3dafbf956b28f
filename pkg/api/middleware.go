package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/metacogna/sentinel/pkg/auth"
)

const principalKey = "sentinel_principal"

// authMiddleware authenticates the bearer token and stores the principal on
// the request context. Authorization against the endpoint's required level
// happens in the core, not here.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		principal, err := s.keys.Authenticate(token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principalFrom(c *gin.Context) auth.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Principal{}
}
