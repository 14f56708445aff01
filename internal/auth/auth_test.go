package auth

import (
	"strings"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier(secret, "parley")

	tok, err := v.Issue("u1", "ada", "Ada", "avatars/ada.png", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", claims.UserID)
	}
	if claims.Username != "ada" {
		t.Errorf("Username = %q, want ada", claims.Username)
	}
	if claims.Avatar != "avatars/ada.png" {
		t.Errorf("Avatar = %q, want avatars/ada.png", claims.Avatar)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewVerifier(secret, "parley")
	tok, err := issuer.Issue("u1", "ada", "", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	other := NewVerifier("ffffffffffffffffffffffffffffffff", "parley")
	if _, err := other.Verify(tok); err == nil {
		t.Error("token signed with a different secret should fail")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier(secret, "parley")
	tok, err := v.Issue("u1", "ada", "", "", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(tok); err == nil {
		t.Error("expired token should fail")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	foreign := NewVerifier(secret, "someone-else")
	tok, err := foreign.Issue("u1", "ada", "", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(secret, "parley")
	if _, err := v.Verify(tok); err == nil {
		t.Error("token from a foreign issuer should fail")
	}
}

func TestVerifyRejectsMissingUserID(t *testing.T) {
	v := NewVerifier(secret, "parley")
	tok, err := v.Issue("", "ada", "", "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.Verify(tok)
	if err == nil || !strings.Contains(err.Error(), "user_id") {
		t.Errorf("Verify = %v, want missing user_id error", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewVerifier(secret, "parley")
	if _, err := v.Verify("not.a.token"); err == nil {
		t.Error("garbage token should fail")
	}
}
