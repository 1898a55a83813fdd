package httpapi

import (
	"errors"

	"github.com/gin-gonic/gin"
)

// ErrNoAuthHeader is returned by IdentityProvider implementations when the
// request carries no identity at all.
var ErrNoAuthHeader = errors.New("no authenticated user on request")

// IdentityProvider supplies the authenticated user identifier for a
// request. This engine never issues sessions or verifies credentials; it
// only consumes whatever identifier the real auth layer has already
// attached to the request.
type IdentityProvider interface {
	UserID(c *gin.Context) (string, error)
}

// HeaderIdentityProvider reads the user id a reverse proxy or upstream
// auth middleware is expected to have already verified and attached as a
// header. It exists so this engine is runnable standalone (e.g. behind a
// test harness or a simple gateway) without pulling in a real identity
// stack.
type HeaderIdentityProvider struct {
	HeaderName string
}

// NewHeaderIdentityProvider builds a HeaderIdentityProvider reading the
// given header, defaulting to X-User-Id.
func NewHeaderIdentityProvider(headerName string) *HeaderIdentityProvider {
	if headerName == "" {
		headerName = "X-User-Id"
	}
	return &HeaderIdentityProvider{HeaderName: headerName}
}

func (p *HeaderIdentityProvider) UserID(c *gin.Context) (string, error) {
	userID := c.GetHeader(p.HeaderName)
	if userID == "" {
		return "", ErrNoAuthHeader
	}
	return userID, nil
}
