// Package access issues and verifies the bearer tokens that gate the audit
// trail API. Tokens are HS256 JWTs carrying a role and, for auditors, the
// single tenant whose history they may read.
package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is what a token holder may do.
type Role string

const (
	// RoleAuditor reads one tenant's trail.
	RoleAuditor Role = "auditor"
	// RoleAdmin reads every tenant and runs global verification.
	RoleAdmin Role = "admin"
	// RoleService records events on behalf of application components.
	RoleService Role = "service"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAuditor, RoleAdmin, RoleService:
		return true
	}
	return false
}

// AuditorClaims are the JWT claims of an access token.
type AuditorClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Role     Role   `json:"role"`
}

// ErrMissingTenant is returned when an auditor token is requested without a tenant.
var ErrMissingTenant = errors.New("auditor tokens require a tenant")

// Issuer issues and verifies access tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer.
//
//	secret: HMAC key; at least 32 bytes.
//	issuer: the "iss" claim value.
//	ttl: token lifetime (default: 24 hours).
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue creates a signed token for subject.
func (i *Issuer) Issue(subject string, role Role, tenantID string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if role == RoleAuditor && tenantID == "" {
		return "", ErrMissingTenant
	}
	now := i.now().UTC()
	claims := AuditorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Role:     role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (i *Issuer) Verify(tokenStr string) (*AuditorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&AuditorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	claims, ok := token.Claims.(*AuditorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	if claims.Role == RoleAuditor && claims.TenantID == "" {
		return nil, ErrMissingTenant
	}
	return claims, nil
}

// CanReadTenant reports whether the holder may read tenantID's records.
// An empty tenantID means "all tenants".
func (c *AuditorClaims) CanReadTenant(tenantID string) bool {
	switch c.Role {
	case RoleAdmin:
		return true
	case RoleAuditor:
		return tenantID != "" && tenantID == c.TenantID
	}
	return false
}
