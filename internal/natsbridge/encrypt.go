package natsbridge

import (
	"fmt"

	"github.com/awgh/bencrypt/ecc"
)

// Signer wraps an ECC keypair to give bridge envelopes authenticity: NaCl
// box encryption (what bencrypt's ECC keypair implements) only decrypts
// correctly when the sender held the matching private key for the
// claimed public key, so a sealed frame is implicitly origin-authenticated
// the way a detached signature would be. Optional — a nil *Signer means
// the bridge ships plaintext JSON frames, which is fine for a loopback
// dev broker.
type Signer struct {
	local *ecc.KeyPair
	peer  []byte
}

// NewSigner generates a fresh local keypair for signing outbound frames
// and verifying inbound ones against peerPubKey.
func NewSigner(peerPubKey []byte) *Signer {
	kp := new(ecc.KeyPair)
	kp.GenerateKey()
	return &Signer{local: kp, peer: peerPubKey}
}

// PubKey returns this signer's public key, to hand to the remote peer
// out of band so it can validate frames back.
func (s *Signer) PubKey() []byte {
	return s.local.GetPubKey()
}

// Seal encrypts data for the configured peer.
func (s *Signer) Seal(data []byte) ([]byte, error) {
	if len(s.peer) == 0 {
		return nil, fmt.Errorf("no peer public key configured")
	}
	sealed, err := s.local.Encrypt(data, s.peer)
	if err != nil {
		return nil, fmt.Errorf("sealing frame: %w", err)
	}
	return sealed, nil
}

// Open decrypts and authenticates a sealed frame from the peer.
func (s *Signer) Open(data []byte) ([]byte, error) {
	plain, err := s.local.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("opening frame: %w", err)
	}
	return plain, nil
}
