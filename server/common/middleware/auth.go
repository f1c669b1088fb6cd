package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	commonauth "ops_chat/server/common/auth"
	"ops_chat/server/common/transport/httpresp"
)

const identityKey = "auth_identity"

type tokenAuth interface {
	ParseIdentity(token string) (commonauth.Identity, error)
}

func AuthRequired(auth tokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c, false)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		id, err := auth.ParseIdentity(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// OptionalAuth attaches an identity when a valid token is present and lets
// anonymous requests through. Used for the websocket upgrade, where browsers
// cannot set headers and pass the token as a query parameter instead.
func OptionalAuth(auth tokenAuth, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c, true)
		if !ok {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
				return
			}
			c.Next()
			return
		}
		id, err := auth.ParseIdentity(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func IdentityFromContext(c *gin.Context) (commonauth.Identity, bool) {
	raw, ok := c.Get(identityKey)
	if !ok {
		return commonauth.Identity{}, false
	}
	id, ok := raw.(commonauth.Identity)
	return id, ok
}

func BearerToken(c *gin.Context, allowQuery bool) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	if !allowQuery {
		return "", false
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}
