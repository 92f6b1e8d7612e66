package auth

import (
	"context"
	"testing"
)

func TestStaticVerifier(t *testing.T) {
	v, err := NewStaticVerifier("alice:s3cret, bob:hunter2")
	if err != nil {
		t.Fatalf("NewStaticVerifier: %v", err)
	}

	user, err := v.Verify(context.Background(), "s3cret")
	if err != nil || user != "alice" {
		t.Errorf("Verify(s3cret) = %q, %v", user, err)
	}
	user, err = v.Verify(context.Background(), "hunter2")
	if err != nil || user != "bob" {
		t.Errorf("Verify(hunter2) = %q, %v", user, err)
	}
	if _, err := v.Verify(context.Background(), "wrong"); err == nil {
		t.Error("unknown token should fail")
	}
	if _, err := v.Verify(context.Background(), ""); err == nil {
		t.Error("empty token should fail")
	}
}

func TestNewStaticVerifier_Malformed(t *testing.T) {
	for _, pairs := range []string{"alice", ":token", "alice:"} {
		if _, err := NewStaticVerifier(pairs); err == nil {
			t.Errorf("NewStaticVerifier(%q) should fail", pairs)
		}
	}
}
