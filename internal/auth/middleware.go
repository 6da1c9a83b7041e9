package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Config contains configuration for the admin auth middleware.
type Config struct {
	// Username is the admin user name. Empty disables authentication.
	Username string

	// PasswordHash is the bcrypt hash of the admin password.
	PasswordHash string

	// SkipPaths are paths that skip authentication.
	SkipPaths []string
}

// DefaultConfig returns the default auth configuration.
func DefaultConfig() Config {
	return Config{
		SkipPaths: []string{"/health", "/metrics"},
	}
}

// Enabled reports whether admin credentials are configured.
func (c Config) Enabled() bool {
	return c.Username != ""
}

// ValidatePasswordHash checks that hash is a bcrypt hash.
func ValidatePasswordHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return ErrInvalidPasswordHash
	}
	return nil
}

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// BasicAuth creates a middleware requiring the configured admin credentials.
// When no admin user is configured every request passes as anonymous.
func BasicAuth(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled() {
				next.ServeHTTP(w, withAuthContext(r, &AuthContext{AuthType: AuthTypeAnonymous}))
				return
			}

			for _, path := range config.SkipPaths {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}

			username, err := checkBasicAuth(r, config)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Basic authentication failed")
				writeAuthError(w, err)
				return
			}

			next.ServeHTTP(w, withAuthContext(r, &AuthContext{
				Username: username,
				AuthType: AuthTypeBasic,
			}))
		})
	}
}

// checkBasicAuth verifies the basic credentials of r.
func checkBasicAuth(r *http.Request, config Config) (string, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", ErrMissingCredentials
	}

	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(config.Username)) == 1
	// Always run bcrypt so a wrong username costs the same as a wrong password.
	passErr := bcrypt.CompareHashAndPassword([]byte(config.PasswordHash), []byte(password))
	if !userMatch || passErr != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

func withAuthContext(r *http.Request, authCtx *AuthContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), AuthContextKey, authCtx))
}

// writeAuthError writes a JSON error response with a basic auth challenge.
func writeAuthError(w http.ResponseWriter, err error) {
	authErr := NewAuthError(err)

	w.Header().Set(WWWAuthenticateHeader, `Basic realm="`+BasicRealm+`", charset="UTF-8"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.HTTPStatus)

	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": authErr.Message,
		"code":  string(authErr.Code),
	})
}

// GetAuthContext retrieves the AuthContext from a request context.
func GetAuthContext(ctx context.Context) *AuthContext {
	if authCtx, ok := ctx.Value(AuthContextKey).(*AuthContext); ok {
		return authCtx
	}
	return nil
}
