package auth

import "testing"

func TestMultiAuth_ValidatesAllowedUser(t *testing.T) {
	a := New()
	a.AddClient("alice", "hunter2", true)

	if !a.Valid("alice", "hunter2", "127.0.0.1") {
		t.Fatal("expected a correctly credentialed, allowed user to validate")
	}
	if a.Valid("alice", "wrong", "127.0.0.1") {
		t.Fatal("expected an incorrect password to be rejected")
	}
	if a.Valid("bob", "hunter2", "127.0.0.1") {
		t.Fatal("expected an unknown user to be rejected")
	}
}

func TestMultiAuth_RejectsDisallowedUser(t *testing.T) {
	a := New()
	a.AddClient("alice", "hunter2", false)

	if a.Valid("alice", "hunter2", "127.0.0.1") {
		t.Fatal("expected a disallowed user to be rejected even with correct credentials")
	}
}
