package ca

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrKeyGeneration        = errors.New("network key generation failed")
	ErrSigning              = errors.New("certificate signing failed")
	ErrConfigurationMissing = errors.New("no network identity configured")
	ErrCertificateInvalid   = errors.New("certificate is invalid")
	ErrMnemonicInvalid      = errors.New("invalid recovery mnemonic")
)

const (
	hkdfInfoRootSigning = "kinmesh/ca/root-signing/v1"

	// Revocation is replacement of the whole network identity, so root
	// and device certificates get a long fixed validity.
	certValidity = 10 * 365 * 24 * time.Hour
)

// RootCertificate is the self-signed trust anchor for one mesh network.
// It is the only part of the network identity that ever leaves the hub.
type RootCertificate struct {
	NetworkID string    `json:"network_id"`
	PublicKey []byte    `json:"public_key"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	Signature []byte    `json:"signature"`
}

// NetworkIdentity holds the root key pair for one mesh network. The
// private key never leaves the hub device.
type NetworkIdentity struct {
	NetworkID string
	Root      RootCertificate

	mnemonic string
	rootPriv ed25519.PrivateKey
}

// CreateNetwork generates fresh root key material. The root key is
// derived from a BIP-39 mnemonic so the hub owner can back up the
// network identity offline.
func CreateNetwork(now time.Time) (*NetworkIdentity, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return ImportNetwork(mnemonic, now)
}

// ImportNetwork deterministically rebuilds a network identity from its
// recovery mnemonic.
func ImportNetwork(mnemonic string, now time.Time) (*NetworkIdentity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrMnemonicInvalid
	}
	seed := bip39.NewSeed(mnemonic, "")
	signingSeed, err := hkdfExpand(seed, hkdfInfoRootSigning, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	pub := priv.Public().(ed25519.PublicKey)

	id := BuildNetworkID(pub)
	root := RootCertificate{
		NetworkID: id,
		PublicKey: append([]byte(nil), pub...),
		NotBefore: now.UTC(),
		NotAfter:  now.UTC().Add(certValidity),
	}
	root.Signature = ed25519.Sign(priv, rootCertSigningBytes(root))

	return &NetworkIdentity{
		NetworkID: id,
		Root:      root,
		mnemonic:  mnemonic,
		rootPriv:  priv,
	}, nil
}

// FromRootCertificate builds the spoke-side view of a network identity:
// the trust anchor without any private root material.
func FromRootCertificate(root RootCertificate) *NetworkIdentity {
	return &NetworkIdentity{NetworkID: root.NetworkID, Root: root}
}

// HasRootKey reports whether this device holds the network's private
// root key, i.e. whether it is the hub.
func (n *NetworkIdentity) HasRootKey() bool {
	return n != nil && len(n.rootPriv) == ed25519.PrivateKeySize
}

// Mnemonic exports the recovery phrase for offline backup.
func (n *NetworkIdentity) Mnemonic() (string, error) {
	if n == nil || n.mnemonic == "" {
		return "", ErrConfigurationMissing
	}
	return n.mnemonic, nil
}

// Sign signs data with the network root key; only the hub can do this.
func (n *NetworkIdentity) Sign(data []byte) ([]byte, error) {
	if !n.HasRootKey() {
		return nil, fmt.Errorf("%w: root key not held by this device", ErrSigning)
	}
	return ed25519.Sign(n.rootPriv, data), nil
}

// RootPublicKey returns the network's root verification key.
func (n *NetworkIdentity) RootPublicKey() ed25519.PublicKey {
	if n == nil {
		return nil
	}
	return ed25519.PublicKey(n.Root.PublicKey)
}

// BuildNetworkID derives the stable network identifier from the root
// public key.
func BuildNetworkID(rootPublicKey []byte) string {
	h := blake2b.Sum256(rootPublicKey)
	return "mesh1" + base58.Encode(h[:20])
}

// EncodeRootCertificate renders the root certificate for transport
// inside a pairing token.
func EncodeRootCertificate(root RootCertificate) (string, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRootCertificate parses and verifies a transported root
// certificate: the self-signature and the network id binding.
func DecodeRootCertificate(encoded string) (RootCertificate, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return RootCertificate{}, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	var root RootCertificate
	if err := json.Unmarshal(raw, &root); err != nil {
		return RootCertificate{}, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	if len(root.PublicKey) != ed25519.PublicKeySize || len(root.Signature) != ed25519.SignatureSize {
		return RootCertificate{}, ErrCertificateInvalid
	}
	if BuildNetworkID(root.PublicKey) != root.NetworkID {
		return RootCertificate{}, fmt.Errorf("%w: network id does not match root key", ErrCertificateInvalid)
	}
	if !ed25519.Verify(root.PublicKey, rootCertSigningBytes(root), root.Signature) {
		return RootCertificate{}, fmt.Errorf("%w: self-signature verification failed", ErrCertificateInvalid)
	}
	return root, nil
}

func rootCertSigningBytes(root RootCertificate) []byte {
	b := make([]byte, 0, len(root.NetworkID)+len(root.PublicKey)+2+2*len(time.RFC3339))
	b = append(b, []byte(root.NetworkID)...)
	b = append(b, 0)
	b = append(b, root.PublicKey...)
	b = append(b, 0)
	b = append(b, []byte(root.NotBefore.UTC().Format(time.RFC3339))...)
	b = append(b, 0)
	b = append(b, []byte(root.NotAfter.UTC().Format(time.RFC3339))...)
	return b
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
