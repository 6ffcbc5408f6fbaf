// Package auth validates the identity tokens presented at connect time.
// Tokens are issued elsewhere (the platform's identity provider); this
// package only consumes them, via the provider's JWKS endpoint.
package auth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/genialo555/ecotrack-tracking/internal/track"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Role   string
}

// TokenValidator is the capability the gateway consumes. The JWKS-backed
// implementation below is the production one; tests inject a static stub.
type TokenValidator interface {
	ValidateToken(token string) (Identity, error)
}

// RealmAccess is the nested roles structure in identity-provider tokens.
type RealmAccess struct {
	Roles []string `json:"roles"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	RealmAccessField  RealmAccess `json:"realm_access"`
}

// JWKSValidator validates tokens against a JWKS endpoint with background
// key refresh.
type JWKSValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

var _ TokenValidator = (*JWKSValidator)(nil)

// NewJWKSValidator fetches the JWKS with retries (the identity provider may
// still be starting) and keeps it refreshed. If issuer is non-empty it is
// enforced on every token.
func NewJWKSValidator(jwksURL, issuer string) (*JWKSValidator, error) {
	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}

	slog.Info("JWKS loaded", "jwks_url", jwksURL)
	return &JWKSValidator{jwks: jwks, issuer: issuer}, nil
}

// ValidateToken parses and verifies a token and extracts the identity.
// The userId is the subject claim, falling back to preferred_username.
func (v *JWKSValidator) ValidateToken(tokenString string) (Identity, error) {
	claims := &tokenClaims{}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", track.ErrUnauthenticated, err)
	}
	if !token.Valid {
		return Identity{}, track.ErrUnauthenticated
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.PreferredUsername
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token carries no subject", track.ErrUnauthenticated)
	}

	return Identity{UserID: userID, Role: roleFrom(claims.RealmAccessField.Roles)}, nil
}

// Close stops the JWKS background refresh goroutine.
func (v *JWKSValidator) Close() {
	v.jwks.EndBackground()
}

func roleFrom(roles []string) string {
	for _, r := range roles {
		if r == "admin" {
			return "admin"
		}
	}
	return "user"
}
