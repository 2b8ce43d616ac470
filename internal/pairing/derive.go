package pairing

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoCredential = "kinmesh/pairing/credential/v1"

	// CredentialSize is the fixed length of a derived device credential.
	CredentialSize = 32
)

// DeriveCredential deterministically derives the per-device credential
// from the pairing exchange. HKDF-SHA256 keyed on challenge and
// signature, salted with the signer's public key: same inputs, fixed
// output length, hard to invert.
func DeriveCredential(challenge, signature, publicKey []byte) ([]byte, error) {
	if len(challenge) == 0 || len(signature) == 0 || len(publicKey) == 0 {
		return nil, errors.New("credential derivation requires challenge, signature and public key")
	}
	secret := make([]byte, 0, len(challenge)+len(signature))
	secret = append(secret, challenge...)
	secret = append(secret, signature...)

	reader := hkdf.New(sha256.New, secret, publicKey, []byte(hkdfInfoCredential))
	out := make([]byte, CredentialSize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
