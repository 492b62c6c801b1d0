package credential

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	c, err := Load("", filepath.Join(t.TempDir(), "key"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	plaintext := []byte("4xT9...examplePrivateKeyBytes")
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(sealed) == string(plaintext) {
		t.Fatal("sealed output must not equal plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestLoad_PersistsGeneratedKeyAcrossInstances(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")

	c1, err := Load("", keyFile)
	if err != nil {
		t.Fatalf("load first: %v", err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		t.Fatalf("expected key file to be created: %v", err)
	}

	c2, err := Load("", keyFile)
	if err != nil {
		t.Fatalf("load second: %v", err)
	}

	sealed, err := c1.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := c2.Open(sealed)
	if err != nil {
		t.Fatalf("a second Custodian loaded from the same key file must decrypt the first's output: %v", err)
	}
	if string(opened) != "data" {
		t.Fatalf("got %q want %q", opened, "data")
	}
}

func TestOpen_RejectsTamperedCiphertext(t *testing.T) {
	c, err := Load("", filepath.Join(t.TempDir(), "key"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sealed, err := c.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := c.Open(sealed); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}
