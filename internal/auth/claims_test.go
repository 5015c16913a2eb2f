package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing!!"

func TestGenerateAndParseAccessToken(t *testing.T) {
	id := &Identity{
		UserID:  "usr-001",
		Role:    RoleOperator,
		Devices: []string{"SN-1", "SN-2"},
	}

	token, err := GenerateAccessToken(id, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	if claims.Subject != "usr-001" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "usr-001")
	}
	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", claims.Role, RoleOperator)
	}
	if claims.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}

	got := claims.Identity()
	if got.UserID != "usr-001" || len(got.Devices) != 2 || got.Devices[1] != "SN-2" {
		t.Errorf("Identity() = %+v", got)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := GenerateAccessToken(&Identity{UserID: "usr-001", Role: RoleViewer}, "correct-secret", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	_, err = ParseToken(token, "wrong-secret")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
	}
}

func signClaims(t *testing.T, claims CustomClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func TestParseToken_Rejects(t *testing.T) {
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"garbage", func(*testing.T) string { return "not-a-valid-jwt" }},
		{"empty", func(*testing.T) string { return "" }},
		{"malformed segments", func(*testing.T) string { return "abc.def" }},
		{"expired", func(t *testing.T) string {
			return signClaims(t, CustomClaims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "usr-1", ExpiresAt: past},
				Role:             RoleViewer,
			})
		}},
		{"no expiry", func(t *testing.T) string {
			return signClaims(t, CustomClaims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "usr-1"},
				Role:             RoleViewer,
			})
		}},
		{"missing subject", func(t *testing.T) string {
			return signClaims(t, CustomClaims{
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future},
				Role:             RoleViewer,
			})
		}},
		{"unknown role", func(t *testing.T) string {
			return signClaims(t, CustomClaims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "usr-1", ExpiresAt: future},
				Role:             "owner",
			})
		}},
		{"wrong algorithm", func(t *testing.T) string {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, CustomClaims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "usr-1", ExpiresAt: future},
				Role:             RoleViewer,
			}).SignedString([]byte(testSecret))
			if err != nil {
				t.Fatalf("signing: %v", err)
			}
			return signed
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token(t), testSecret)
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	// TTL of 0 should default to 15 minutes
	token, err := GenerateAccessToken(&Identity{UserID: "usr-001", Role: RoleViewer}, testSecret, 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	expectedExpiry := time.Now().Add(15 * time.Minute)
	diff := claims.ExpiresAt.Time.Sub(expectedExpiry)
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL should be ~15 minutes, got expiry diff of %v", diff)
	}
}

func TestVerifier(t *testing.T) {
	token, err := GenerateAccessToken(&Identity{UserID: "usr-9", Role: RoleAdmin}, testSecret, 5)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	v := NewVerifier(testSecret)
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "usr-9" || id.Role != RoleAdmin {
		t.Errorf("Verify() = %+v", id)
	}

	if _, err := NewVerifier("other-secret").Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() with wrong secret error = %v, want ErrTokenInvalid", err)
	}
}
