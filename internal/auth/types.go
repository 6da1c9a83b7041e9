package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Token Types
// =============================================================================

// UploadClaims are the signed claims of an upload token. The token carries
// no artifact data; it only names an entry in the upload URL store.
type UploadClaims struct {
	jwt.RegisteredClaims
}

// Expiry returns the signed expiry, or the zero time when absent.
func (c *UploadClaims) Expiry() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// =============================================================================
// Request Context Types
// =============================================================================

// AuthType identifies how a request was authenticated.
type AuthType string

const (
	// AuthTypeAnonymous is used when admin authentication is disabled.
	AuthTypeAnonymous AuthType = "anonymous"

	// AuthTypeBasic is used for admin basic authentication.
	AuthTypeBasic AuthType = "basic"
)

// AuthContext describes the authenticated caller of a request.
type AuthContext struct {
	// Username is the authenticated admin user, empty for anonymous callers.
	Username string

	// AuthType is the authentication method used.
	AuthType AuthType
}
