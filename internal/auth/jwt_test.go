package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndVerifyAccessToken(t *testing.T) {
	mgr := NewManager("secret", 15*time.Minute)

	token, err := mgr.GenerateAccessToken("admin", "admin")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	claims, err := mgr.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}

	if claims.Subject != "admin" {
		t.Fatalf("subject = %q, want admin", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Fatalf("role = %q, want admin", claims.Role)
	}
	if claims.TokenType != "access" {
		t.Fatalf("typ = %q, want access", claims.TokenType)
	}
	if claims.JTI == "" {
		t.Fatal("jti should be set")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 14*time.Minute || ttl > 15*time.Minute {
		t.Fatalf("expiry %v not within the configured TTL", ttl)
	}
}

func TestVerifyAccessToken_WrongSecret(t *testing.T) {
	token, err := NewManager("secret-a", time.Minute).GenerateAccessToken("admin", "admin")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := NewManager("secret-b", time.Minute).VerifyAccessToken(token); err == nil {
		t.Fatal("token signed with another secret should not verify")
	}
}

func TestVerifyAccessToken_Expired(t *testing.T) {
	mgr := NewManager("secret", -time.Minute)

	token, err := mgr.GenerateAccessToken("admin", "admin")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	if _, err := mgr.VerifyAccessToken(token); err == nil {
		t.Fatal("expired token should not verify")
	}
}

func TestVerifyAccessToken_RejectsOtherTokenTypes(t *testing.T) {
	mgr := NewManager("secret", time.Minute)

	claims := Claims{
		Role:      "admin",
		TokenType: "refresh",
		JTI:       "1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Subject:   "admin",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Signature is fine, so ParseAndValidate accepts it...
	if _, err := mgr.ParseAndValidate(token); err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}

	// ...but the access-token check must still refuse it.
	if _, err := mgr.VerifyAccessToken(token); err == nil {
		t.Fatal("non-access token should not pass VerifyAccessToken")
	}
}

func TestParseAndValidate_RejectsUnsignedTokens(t *testing.T) {
	mgr := NewManager("secret", time.Minute)

	claims := Claims{
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Subject:   "admin",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := mgr.ParseAndValidate(token); err == nil {
		t.Fatal("alg=none token should not parse")
	}
}
