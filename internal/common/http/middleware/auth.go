package middleware

import (
	"context"

	"autojudge/internal/common/auth"
	pkgerrors "autojudge/pkg/errors"
	"autojudge/pkg/utils/contextkey"
	"autojudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const userIDContextKey = "user_id"

// UserAuthMiddleware requires a user access token and stores the subject as
// the request user id.
func UserAuthMiddleware(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authService == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}
		info, err := authService.AuthenticateUser(auth.BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(userIDContextKey, info.Subject)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, info.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// UserID returns the authenticated user of the request.
func UserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
