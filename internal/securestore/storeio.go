package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadDecryptedJSON reads, decrypts and unmarshals an encrypted state file.
func ReadDecryptedJSON(path, passphrase string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plain, err := Decrypt(passphrase, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, v)
}

// WriteEncryptedJSON marshals, encrypts and writes a state snapshot.
// Key material files are owner-only.
func WriteEncryptedJSON(path, passphrase string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(passphrase, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}
