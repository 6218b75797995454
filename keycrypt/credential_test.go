package keycrypt

import (
	"bytes"
	"strings"
	"testing"
)

func TestNormalizeCredential(t *testing.T) {
	tests := []struct {
		name string
		kind CredentialKind
		raw  string
		want string
	}{
		{"password verbatim", CredentialPassword, "S3cret pass ", "S3cret pass "},
		{"password unicode", CredentialPassword, "pässwörd", "pässwörd"},
		{"recovery uppercased", CredentialRecoveryCode, "ab12-cd34", "AB12CD34"},
		{"recovery spaces stripped", CredentialRecoveryCode, " ab12 cd34 ", "AB12CD34"},
		{"recovery mixed separators", CredentialRecoveryCode, "7xk4-q2mh 9TW3", "7XK4Q2MH9TW3"},
		{"email lowercased", CredentialEmail, "User@Example.COM", "user@example.com"},
		{"email trimmed", CredentialEmail, "  user@example.com\t", "user@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCredential(tt.kind, tt.raw)
			if err != nil {
				t.Fatalf("NormalizeCredential failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeCredential_Invalid(t *testing.T) {
	if _, err := NormalizeCredential(CredentialPassword, string([]byte{0xff, 0xfe})); !IsDerivationFailure(err) {
		t.Errorf("Malformed UTF-8 not rejected: %v", err)
	}
	if _, err := NormalizeCredential(CredentialPassword, ""); !IsDerivationFailure(err) {
		t.Errorf("Empty credential not rejected: %v", err)
	}
	if _, err := NormalizeCredential(CredentialRecoveryCode, "- - -"); !IsDerivationFailure(err) {
		t.Errorf("Separator-only recovery code not rejected: %v", err)
	}
	if _, err := NormalizeCredential(CredentialKind("pin"), "1234"); !IsDerivationFailure(err) {
		t.Errorf("Unknown kind not rejected: %v", err)
	}
}

func TestPasswordSalt(t *testing.T) {
	a := PasswordSalt("alice", "alice@example.com")
	b := PasswordSalt("alice", "alice@example.com")
	if !bytes.Equal(a, b) {
		t.Error("Password salt is not deterministic")
	}
	if len(a) != 32 {
		t.Errorf("Expected 32-byte salt, got %d bytes", len(a))
	}

	// Case and whitespace variants of the identity collapse to one salt.
	c := PasswordSalt(" Alice ", "ALICE@Example.com")
	if !bytes.Equal(a, c) {
		t.Error("Salt differs across case/whitespace variants of the same identity")
	}

	d := PasswordSalt("bob", "alice@example.com")
	if bytes.Equal(a, d) {
		t.Error("Different usernames produced the same salt")
	}
}

func TestNewRandomSalt(t *testing.T) {
	a, err := NewRandomSalt()
	if err != nil {
		t.Fatalf("NewRandomSalt failed: %v", err)
	}
	b, err := NewRandomSalt()
	if err != nil {
		t.Fatalf("NewRandomSalt failed: %v", err)
	}
	if len(a) != SaltSize {
		t.Errorf("Expected %d-byte salt, got %d bytes", SaltSize, len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("Two random salts are identical")
	}
}

func TestNewRecoveryCode(t *testing.T) {
	code, err := NewRecoveryCode()
	if err != nil {
		t.Fatalf("NewRecoveryCode failed: %v", err)
	}

	groups := strings.Split(code, "-")
	if len(groups) != 5 {
		t.Fatalf("Expected 5 groups, got %d in %q", len(groups), code)
	}
	for _, g := range groups {
		if len(g) != 4 {
			t.Errorf("Group %q is not 4 characters", g)
		}
	}

	// Normalization of the formatted code matches the stripped form.
	normalized, err := NormalizeCredential(CredentialRecoveryCode, code)
	if err != nil {
		t.Fatalf("NormalizeCredential failed: %v", err)
	}
	if string(normalized) != strings.ReplaceAll(code, "-", "") {
		t.Errorf("Normalized code %q does not match %q without separators", normalized, code)
	}
}
