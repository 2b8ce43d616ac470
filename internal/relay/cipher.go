package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrDecryptFailed = errors.New("payload decryption failed")

const hkdfInfoPayload = "kinmesh/relay/payload/v1"

// PayloadCipher is the encryption collaborator the router passes
// non-empty payloads through. Opaque to routing logic.
type PayloadCipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// CredentialCipher encrypts payloads with a key derived from the
// device's pairing credential. Sealed layout: 24-byte nonce, then
// ciphertext.
type CredentialCipher struct {
	key []byte
}

// NewCredentialCipher derives the payload key from a pairing credential.
func NewCredentialCipher(credential []byte) (*CredentialCipher, error) {
	if len(credential) == 0 {
		return nil, errors.New("credential is required")
	}
	reader := hkdf.New(sha256.New, credential, nil, []byte(hkdfInfoPayload))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return &CredentialCipher{key: key}, nil
}

func (c *CredentialCipher) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func (c *CredentialCipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrDecryptFailed
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}
