package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/donorrecon/internal/authorization"
	obscontext "github.com/smallbiznis/donorrecon/internal/observability/context"
)

const contextOperatorKey = "operator"

// OperatorRequired authenticates the bearer token and stores the operator on the
// gin and request contexts.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, authorization.ErrUnauthenticated)
			return
		}

		op, err := s.authzSvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, authorization.ErrUnauthenticated)
			return
		}

		c.Set(contextOperatorKey, op)
		c.Request = c.Request.WithContext(obscontext.WithOperator(c.Request.Context(), op.Name, op.Role))
		c.Next()
	}
}

func (s *Server) authorize(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := operatorFromContext(c)
		if !ok {
			AbortWithError(c, authorization.ErrUnauthenticated)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), op, object, action); err != nil {
			AbortWithError(c, authorization.ErrForbidden)
			return
		}
		c.Next()
	}
}

func operatorFromContext(c *gin.Context) (authorization.Operator, bool) {
	value, ok := c.Get(contextOperatorKey)
	if !ok {
		return authorization.Operator{}, false
	}
	op, ok := value.(authorization.Operator)
	return op, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
