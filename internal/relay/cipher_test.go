package relay

import (
	"bytes"
	"errors"
	"testing"
)

func testCredential() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestCredentialCipherRoundTrip(t *testing.T) {
	sender, err := NewCredentialCipher(testCredential())
	if err != nil {
		t.Fatalf("new sender cipher: %v", err)
	}
	receiver, err := NewCredentialCipher(testCredential())
	if err != nil {
		t.Fatalf("new receiver cipher: %v", err)
	}

	plaintext := []byte(`{"method":"device.info"}`)
	sealed, err := sender.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed output leaks the plaintext")
	}

	opened, err := receiver.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestCredentialCipherSealsAreUnique(t *testing.T) {
	cipher, err := NewCredentialCipher(testCredential())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	a, err := cipher.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("seal a: %v", err)
	}
	b, err := cipher.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("seal b: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext produced identical output")
	}
}

func TestCredentialCipherRejectsTampered(t *testing.T) {
	cipher, err := NewCredentialCipher(testCredential())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := cipher.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := cipher.Open(sealed); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("open tampered: got %v, want ErrDecryptFailed", err)
	}
}

func TestCredentialCipherRejectsWrongCredential(t *testing.T) {
	cipher, err := NewCredentialCipher(testCredential())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	other, err := NewCredentialCipher(bytes.Repeat([]byte{0x43}, 32))
	if err != nil {
		t.Fatalf("new other cipher: %v", err)
	}
	sealed, err := cipher.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := other.Open(sealed); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("open with wrong credential: got %v, want ErrDecryptFailed", err)
	}
}

func TestCredentialCipherRejectsShortInput(t *testing.T) {
	cipher, err := NewCredentialCipher(testCredential())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := cipher.Open([]byte("too short")); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("open short input: got %v, want ErrDecryptFailed", err)
	}
}
