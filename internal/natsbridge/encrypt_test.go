package natsbridge

import "testing"

func TestSignerSealOpenRoundTrip(t *testing.T) {
	alice := NewSigner(nil)
	bob := NewSigner(alice.PubKey())
	alice.peer = bob.PubKey()

	plain := []byte("bid response payload")
	sealed, err := alice.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if string(sealed) == string(plain) {
		t.Fatal("sealed output should not equal plaintext")
	}

	opened, err := bob.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(plain) {
		t.Errorf("got %q, want %q", opened, plain)
	}
}

func TestSignerSealWithoutPeerFails(t *testing.T) {
	s := NewSigner(nil)
	if _, err := s.Seal([]byte("data")); err == nil {
		t.Fatal("expected error sealing without a configured peer key")
	}
}
