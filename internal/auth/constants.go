// Package auth provides upload token signing and admin authentication for the artifact store.
package auth

import "time"

// =============================================================================
// Token Constants
// =============================================================================

const (
	// UploadTokenKeyInfo binds keys derived from the upload secret to upload tokens.
	UploadTokenKeyInfo = "artifact-store/upload-token/v1"

	// DefaultTokenTTL is the lifetime of an upload token when none is configured.
	DefaultTokenTTL = 5 * time.Minute

	// TokenQueryParam is the query parameter carrying the upload token.
	TokenQueryParam = "token"
)

// =============================================================================
// Authorization Header Constants
// =============================================================================

const (
	// AuthorizationHeader is the HTTP header for authorization.
	AuthorizationHeader = "Authorization"

	// WWWAuthenticateHeader is the challenge header sent with 401 responses.
	WWWAuthenticateHeader = "WWW-Authenticate"

	// BasicRealm is the realm announced for admin basic authentication.
	BasicRealm = "artifact-store"
)

// contextKey is the type of context keys defined in this package.
type contextKey string

// AuthContextKey is the context key storing the *AuthContext of a request.
const AuthContextKey contextKey = "auth"
