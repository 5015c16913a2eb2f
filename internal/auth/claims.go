package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CustomClaims extends JWT standard claims with relay-specific fields.
type CustomClaims struct {
	jwt.RegisteredClaims
	Role      Role     `json:"role"`
	SessionID string   `json:"sid"`
	Devices   []string `json:"devices,omitempty"`
}

// Identity returns the caller described by the claims.
func (c *CustomClaims) Identity() *Identity {
	devices := make([]string, len(c.Devices))
	copy(devices, c.Devices)
	return &Identity{UserID: c.Subject, Role: c.Role, Devices: devices}
}

// GenerateAccessToken creates a signed JWT access token for id.
// Issuance is normally an external concern; the relay uses this for
// operator tooling and tests.
func GenerateAccessToken(id *Identity, secret string, ttlMinutes int) (string, error) {
	if ttlMinutes <= 0 {
		ttlMinutes = 15 //nolint:mnd // default 15-minute access token TTL
	}

	now := time.Now()
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			ID:        uuid.NewString(),
		},
		Role:      id.Role,
		SessionID: uuid.NewString(),
		Devices:   id.Devices,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken validates and parses a JWT access token, returning the custom claims.
// It checks the signature, expiry, and required fields.
func ParseToken(tokenString, secret string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	if !IsValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}

	return claims, nil
}

// Verifier validates tokens against a fixed secret.
type Verifier struct {
	secret string
}

// NewVerifier creates a Verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses token and returns the identity it carries.
func (v *Verifier) Verify(token string) (*Identity, error) {
	claims, err := ParseToken(token, v.secret)
	if err != nil {
		return nil, err
	}
	return claims.Identity(), nil
}
