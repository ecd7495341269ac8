// Package auth verifies bearer tokens on API routes and decides which
// restaurants (tenants) a caller may manage.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role represents caller authorization levels.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ValidRoles contains all valid role values.
var ValidRoles = map[Role]bool{
	RoleAdmin:    true,
	RoleOperator: true,
	RoleViewer:   true,
}

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims holds the JWT payload for access tokens. Subject is the actor
// recorded in the audit trail.
type Claims struct {
	jwt.RegisteredClaims
	Role        Role     `json:"role"`
	Restaurants []string `json:"restaurants,omitempty"`
}

// CanAccess reports whether the token grants access to tenantID. Admins
// reach every tenant; everyone else only the listed restaurants.
func (c *Claims) CanAccess(tenantID string) bool {
	if c.Role == RoleAdmin {
		return true
	}
	return slices.Contains(c.Restaurants, tenantID)
}

// ReadOnly reports whether the token may only read.
func (c *Claims) ReadOnly() bool {
	return c.Role == RoleViewer
}

// TokenService signs and verifies HS256 access tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given signing secret,
// issuer and access token lifetime.
func NewTokenService(secret []byte, issuer string, ttl time.Duration) *TokenService {
	return &TokenService{secret: secret, issuer: issuer, ttl: ttl}
}

// IssueAccessToken generates a signed access token. It is used by
// operator tooling and tests; production tokens usually come from the
// identity provider that shares the secret.
func (s *TokenService) IssueAccessToken(subject string, role Role, restaurants []string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("issue access token: empty subject")
	}
	if !ValidRoles[role] {
		return "", fmt.Errorf("issue access token: unknown role %q", role)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    s.issuer,
		},
		Role:        role,
		Restaurants: restaurants,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and validates an access token, returning the
// claims. Tokens must carry an expiry, a subject and a known role.
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || !ValidRoles[claims.Role] {
		return nil, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	return claims, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.ttl
}
