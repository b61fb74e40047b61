package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
)

const (
	adminRole         = "admin"
	adminClockSkew    = 2 * time.Minute
	contextAdminIDKey = "admin_id"
	actorTypeAdmin    = "admin"
)

type adminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type adminAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

func newAdminAuthenticator(secret string) *adminAuthenticator {
	return &adminAuthenticator{
		secret: []byte(strings.TrimSpace(secret)),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(adminClockSkew),
			jwt.WithExpirationRequired(),
		),
	}
}

// authenticate returns the admin subject of a bearer token.
func (a *adminAuthenticator) authenticate(header string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrUnauthorized
	}
	token := bearerToken(header)
	if token == "" {
		return "", ErrUnauthorized
	}

	claims := &adminClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", errors.Join(ErrUnauthorized, err)
	}
	if claims.Role != adminRole {
		return "", ErrForbidden
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrUnauthorized
	}
	return subject, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// AdminAuthRequired guards operator routes with an HS256 token carrying role=admin.
func (s *Server) AdminAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, err := s.adminAuth.authenticate(c.GetHeader("Authorization"))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAdminIDKey, adminID)
		ctx := obscontext.WithActor(c.Request.Context(), actorTypeAdmin, adminID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func creatorIDParam(c *gin.Context) (string, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return "", newValidationError("creator_id", "invalid_creator", "creator id is required")
	}
	ctx := obscontext.WithCreatorID(c.Request.Context(), id)
	c.Request = c.Request.WithContext(ctx)
	return id, nil
}
