package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	token, err := Issue("inv-1", "invigilator", "proctor", "secret", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(token, "secret", "proctor")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "inv-1" {
		t.Errorf("subject = %s, want inv-1", claims.Subject)
	}
	if claims.Role != "invigilator" {
		t.Errorf("role = %s, want invigilator", claims.Role)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	token, err := Issue("inv-1", "invigilator", "proctor", "secret", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Parse(token, "other-key", "proctor"); err == nil {
		t.Error("expected signature verification failure")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	token, err := Issue("inv-1", "invigilator", "someone-else", "secret", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Parse(token, "secret", "proctor"); err == nil {
		t.Error("expected issuer mismatch")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := Issue("inv-1", "invigilator", "proctor", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Parse(token, "secret", "proctor"); err == nil {
		t.Error("expected expiry rejection")
	}
}
