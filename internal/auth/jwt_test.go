package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret")

	token, err := svc.Sign(Identity{Subject: "1844674407370955", IsOpenID: true}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	id, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Subject != "1844674407370955" {
		t.Errorf("subject = %q", id.Subject)
	}
	if !id.IsOpenID {
		t.Error("is_open_id flag lost")
	}
}

func TestValidateUsernameFallback(t *testing.T) {
	svc := NewJWTService("test-secret")

	token, err := svc.Sign(Identity{Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	id, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Subject != "alice" {
		t.Errorf("subject = %q, want username fallback", id.Subject)
	}
}

func TestValidateRejectsBadTokens(t *testing.T) {
	svc := NewJWTService("test-secret")

	if _, err := svc.Validate(""); err != ErrMissingToken {
		t.Errorf("empty token: err = %v, want ErrMissingToken", err)
	}
	if _, err := svc.Validate("not-a-jwt"); err != ErrInvalidToken {
		t.Errorf("garbage token: err = %v, want ErrInvalidToken", err)
	}

	other := NewJWTService("other-secret")
	token, _ := other.Sign(Identity{Subject: "100"}, time.Hour)
	if _, err := svc.Validate(token); err != ErrInvalidToken {
		t.Errorf("wrong key: err = %v, want ErrInvalidToken", err)
	}

	expired, _ := svc.Sign(Identity{Subject: "100"}, -time.Minute)
	if _, err := svc.Validate(expired); err != ErrInvalidToken {
		t.Errorf("expired: err = %v, want ErrInvalidToken", err)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	if got := ExtractToken(r); got != "from-query" {
		t.Errorf("query should win, got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	if got := ExtractToken(r); got != "from-header" {
		t.Errorf("header token = %q", got)
	}
}

func TestExtractTokenCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Cookie", "token=from-cookie")
	if got := ExtractToken(r); got != "from-cookie" {
		t.Errorf("cookie token = %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if got := ExtractToken(r); got != "" {
		t.Errorf("no credential should yield empty, got %q", got)
	}
}
