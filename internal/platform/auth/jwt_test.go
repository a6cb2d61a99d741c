package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestManager_SignAndParse(t *testing.T) {
	m := NewManager("secret", time.Hour)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }

	tok, err := m.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	claims, err := m.Parse(tok)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if claims.Subject != "u1" || claims.Name != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestManager_ParseExpired(t *testing.T) {
	m := NewManager("secret", time.Second)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	tok, err := m.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	m.Now = func() time.Time { return now.Add(2 * time.Second) }
	_, err = m.Parse(tok)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestManager_ParseRejectsForeignTokens(t *testing.T) {
	m := NewManager("secret", time.Hour)
	other := NewManager("other", time.Hour)
	tok, err := other.Sign("u1", "")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	if _, err := m.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := m.Parse(none); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg none, got %v", err)
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Parse(noSubject); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken without subject, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("unexpected token: %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
