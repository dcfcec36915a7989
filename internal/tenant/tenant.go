// Package tenant carries the caller's tenant scope through every device
// operation.
//
// Tokens are verified by the gateway in front of this service; here they
// are only decoded to recover the tenant (the "service" claim) and the
// calling user.
package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingTenant is returned when no tenant can be determined.
	ErrMissingTenant = errors.New("tenant: missing tenant")

	// ErrInvalidToken is returned when a bearer token cannot be decoded.
	ErrInvalidToken = errors.New("tenant: invalid token")
)

// Context identifies who is calling and which tenant's devices they act on.
type Context struct {
	Tenant   string
	Username string
}

// New builds a Context and validates it.
func New(tenantID, username string) (Context, error) {
	c := Context{Tenant: tenantID, Username: username}
	return c, c.Validate()
}

// Validate checks that the tenant is present and usable in topic names.
func (c Context) Validate() error {
	if c.Tenant == "" {
		return ErrMissingTenant
	}
	if strings.ContainsAny(c.Tenant, "/#+.* ") {
		return fmt.Errorf("%w: tenant %q contains reserved characters", ErrInvalidToken, c.Tenant)
	}
	return nil
}

// Claims are the token fields this service reads.
type Claims struct {
	jwt.RegisteredClaims
	Service  string `json:"service"`
	Username string `json:"username"`
}

// FromToken decodes a bearer token ("Bearer <jwt>" or the bare jwt).
func FromToken(raw string) (Context, error) {
	raw = strings.TrimSpace(raw)
	if after, ok := strings.CutPrefix(raw, "Bearer "); ok {
		raw = strings.TrimSpace(after)
	}
	if raw == "" {
		return Context{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Context{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	c := Context{Tenant: claims.Service, Username: claims.Username}
	if err := c.Validate(); err != nil {
		return Context{}, err
	}
	return c, nil
}
