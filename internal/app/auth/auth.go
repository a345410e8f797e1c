// Package auth defines the claims contract the TEC expects from its
// upstream authentication provider. The provider itself (issuer, user
// store, MFA, session management) is an out-of-scope collaborator; this
// package only models the bearer-token claims it hands us; token validation
// lives in httpapi.BearerJWTValidator.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the set of claims the TEC consumes from an authentication
// provider's bearer token: a tenant scope, a role for RBAC, and the caller's
// identity. Entitlements (asset classes, instruments, venues, limits) are
// resolved separately by the control plane's EntitlementStore rather than
// trusted from the token, since they change more often than a token's TTL.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
}
