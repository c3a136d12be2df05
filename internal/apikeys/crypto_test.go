package apikeys

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(filepath.Join(t.TempDir(), "credential.key"))
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := s.Seal("erp-password")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "" || sealed == "erp-password" {
		t.Fatalf("sealed value %q looks wrong", sealed)
	}
	if got := s.Open(sealed); got != "erp-password" {
		t.Errorf("round trip = %q", got)
	}
}

func TestSealEmptyString(t *testing.T) {
	s, err := NewSealer(filepath.Join(t.TempDir(), "credential.key"))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := s.Seal("")
	if err != nil {
		t.Fatal(err)
	}
	if sealed != "" {
		t.Errorf("empty plaintext sealed to %q", sealed)
	}
	if s.Open("") != "" {
		t.Error("empty ciphertext opened to non-empty plaintext")
	}
}

// Ciphertext from one host must be unreadable with another host's key,
// and unreadable means empty credentials, not an error.
func TestOpenWithForeignKeyYieldsEmpty(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewSealer(filepath.Join(dir, "host1.key"))
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewSealer(filepath.Join(dir, "host2.key"))
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := s1.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.Open(sealed); got != "" {
		t.Errorf("foreign key decrypted to %q, want empty", got)
	}
}

func TestOpenGarbageYieldsEmpty(t *testing.T) {
	s, err := NewSealer(filepath.Join(t.TempDir(), "credential.key"))
	if err != nil {
		t.Fatal(err)
	}
	for _, junk := range []string{"not base64!!", "YWJj", "AAAA"} {
		if got := s.Open(junk); got != "" {
			t.Errorf("Open(%q) = %q, want empty", junk, got)
		}
	}
}

func TestSealerReusesKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.key")
	s1, err := NewSealer(path)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := s1.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}

	s2, err := NewSealer(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.Open(sealed); got != "secret" {
		t.Errorf("second sealer on same key file decrypted to %q", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}
