package auth

import (
	"strings"
	"testing"
	"time"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "argon2id$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}

	ok, err := VerifyPassword("s3cret", hash)
	if err != nil || !ok {
		t.Fatalf("verify should pass: ok=%v err=%v", ok, err)
	}
	ok, err = VerifyPassword("wrong", hash)
	if err != nil || ok {
		t.Fatalf("wrong password must fail: ok=%v err=%v", ok, err)
	}
}

func TestPasswordHashIsSalted(t *testing.T) {
	a, _ := HashPassword("same")
	b, _ := HashPassword("same")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	sm, err := NewSessionManager("test-secret", time.Hour, "flow2api")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, expiresAt, err := sm.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatal("expiry must be in the future")
	}

	subject, err := sm.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "admin" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestSessionRejectsForeignSecret(t *testing.T) {
	sm1, _ := NewSessionManager("secret-one", time.Hour, "flow2api")
	sm2, _ := NewSessionManager("secret-two", time.Hour, "flow2api")

	token, _, err := sm1.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := sm2.Verify(token); err == nil {
		t.Fatal("token signed with another secret must fail")
	}
	if _, err := sm1.Verify("garbage"); err == nil {
		t.Fatal("garbage token must fail")
	}
}

func TestSessionRejectsExpired(t *testing.T) {
	sm, _ := NewSessionManager("test-secret", time.Nanosecond, "flow2api")
	// ttl <= 0 falls back to default, so use the smallest positive value
	token, _, err := sm.Issue("admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := sm.Verify(token); err == nil {
		t.Fatal("expired token must fail")
	}
}

func TestCheckAPIKey(t *testing.T) {
	if !CheckAPIKey("anything", "") {
		t.Fatal("empty configured key disables auth")
	}
	if !CheckAPIKey("key-1", "key-1") {
		t.Fatal("matching key must pass")
	}
	if CheckAPIKey("key-2", "key-1") {
		t.Fatal("mismatched key must fail")
	}
}
