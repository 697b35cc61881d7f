package memory

import (
	"bytes"
	"testing"

	"github.com/synergos-io/synergos/internal/config"
)

func TestSecretsRoundTrip(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{})

	sec := &Secret{
		Name:  "GEMINI_API_KEY",
		Value: []byte("ciphertext"),
		Nonce: []byte("nonce-bytes!"),
	}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetSecret("GEMINI_API_KEY")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("secret not found")
	}
	if !bytes.Equal(got.Value, sec.Value) || !bytes.Equal(got.Nonce, sec.Nonce) {
		t.Error("stored bytes do not match")
	}

	// Upsert replaces the ciphertext.
	sec.Value = []byte("rotated")
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = s.GetSecret("GEMINI_API_KEY")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if !bytes.Equal(got.Value, []byte("rotated")) {
		t.Errorf("value after upsert = %q", got.Value)
	}

	list, err := s.ListSecrets()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "GEMINI_API_KEY" {
		t.Errorf("list = %+v", list)
	}
	if len(list[0].Value) != 0 {
		t.Error("listing leaked ciphertext")
	}

	if err := s.DeleteSecret("GEMINI_API_KEY"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.GetSecret("GEMINI_API_KEY")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Error("secret still present after delete")
	}
}

func TestGetSecretMissing(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{})
	got, err := s.GetSecret("ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v for a missing secret", got)
	}
}
