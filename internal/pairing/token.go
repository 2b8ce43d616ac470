package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kinmesh/go-backend/internal/ca"
)

var (
	ErrTokenMalformed   = errors.New("pairing token is malformed")
	ErrUnknownVersion   = errors.New("pairing token version is not supported")
	ErrTokenExpired     = errors.New("pairing token is expired, scan a fresh code")
	ErrInvalidSignature = errors.New("pairing token signature is invalid")
	ErrNotAuthorized    = errors.New("only the hub device can issue pairing tokens")
)

const (
	TokenVersion = "1.0"

	// FreshnessWindow bounds how long a displayed QR code stays valid.
	// There is no consumption ledger; freshness is the only replay bound.
	FreshnessWindow = 5 * time.Minute

	challengeSize = 32
)

// Token is the QR-conveyed bootstrap payload letting a new device join
// without a pre-shared secret. Single-use by convention.
type Token struct {
	Version    string
	NetworkID  string
	RootCert   string
	HubAddress string
	HubPort    int
	Challenge  []byte
	Signature  []byte
	PublicKey  ed25519.PublicKey
	IssuedAt   time.Time
}

// qrPayload is the external JSON shape displayed as a QR code.
type qrPayload struct {
	Version        string `json:"version"`
	NetworkID      string `json:"networkId"`
	CACert         string `json:"caCert"`
	LighthouseIP   string `json:"lighthouseIP"`
	LighthousePort int    `json:"lighthousePort"`
	AuthChallenge  string `json:"authChallenge"`
	AuthSignature  string `json:"authSignature"`
	AuthPublicKey  string `json:"authPublicKey"`
	Timestamp      int64  `json:"timestamp"`
}

// CreateToken builds and signs a fresh pairing token. Only the device
// holding the network's root key may issue one.
func CreateToken(identity *ca.NetworkIdentity, hubAddress string, hubPort int, now time.Time) (Token, error) {
	if identity == nil || !identity.HasRootKey() {
		return Token{}, ErrNotAuthorized
	}
	hubAddress = strings.TrimSpace(hubAddress)
	if hubAddress == "" || hubPort <= 0 || hubPort > 65535 {
		return Token{}, fmt.Errorf("%w: invalid hub endpoint %q:%d", ErrTokenMalformed, hubAddress, hubPort)
	}

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return Token{}, err
	}
	signature, err := identity.Sign(challenge)
	if err != nil {
		return Token{}, err
	}
	rootCert, err := ca.EncodeRootCertificate(identity.Root)
	if err != nil {
		return Token{}, err
	}

	return Token{
		Version:    TokenVersion,
		NetworkID:  identity.NetworkID,
		RootCert:   rootCert,
		HubAddress: hubAddress,
		HubPort:    hubPort,
		Challenge:  challenge,
		Signature:  signature,
		PublicKey:  identity.RootPublicKey(),
		IssuedAt:   now.UTC(),
	}, nil
}

// EncodeForQR renders the token as the base64-wrapped JSON payload a
// scannable code carries.
func EncodeForQR(token Token) (string, error) {
	payload := qrPayload{
		Version:        token.Version,
		NetworkID:      token.NetworkID,
		CACert:         token.RootCert,
		LighthouseIP:   token.HubAddress,
		LighthousePort: token.HubPort,
		AuthChallenge:  hex.EncodeToString(token.Challenge),
		AuthSignature:  hex.EncodeToString(token.Signature),
		AuthPublicKey:  hex.EncodeToString(token.PublicKey),
		Timestamp:      token.IssuedAt.UnixMilli(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeQR parses a scanned QR string back into a token. Signature and
// freshness are checked by Consume, not here.
func DecodeQR(scanned string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(scanned))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	var payload qrPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	challenge, err := hex.DecodeString(payload.AuthChallenge)
	if err != nil {
		return Token{}, fmt.Errorf("%w: bad challenge encoding", ErrTokenMalformed)
	}
	signature, err := hex.DecodeString(payload.AuthSignature)
	if err != nil {
		return Token{}, fmt.Errorf("%w: bad signature encoding", ErrTokenMalformed)
	}
	publicKey, err := hex.DecodeString(payload.AuthPublicKey)
	if err != nil {
		return Token{}, fmt.Errorf("%w: bad public key encoding", ErrTokenMalformed)
	}
	return Token{
		Version:    payload.Version,
		NetworkID:  payload.NetworkID,
		RootCert:   payload.CACert,
		HubAddress: payload.LighthouseIP,
		HubPort:    payload.LighthousePort,
		Challenge:  challenge,
		Signature:  signature,
		PublicKey:  publicKey,
		IssuedAt:   time.UnixMilli(payload.Timestamp).UTC(),
	}, nil
}

// Result is what a joining device gets out of a consumed token.
type Result struct {
	Root       ca.RootCertificate
	RootCert   string
	HubAddress string
	HubPort    int
	Credential []byte
}

// Consume validates a token at now and derives the joining device's
// credential. Propagates every failure to the caller; pairing is
// security-relevant and never silently recovered.
func Consume(token Token, now time.Time) (Result, error) {
	if token.Version != TokenVersion {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownVersion, token.Version)
	}
	if now.UTC().Sub(token.IssuedAt) > FreshnessWindow {
		return Result{}, ErrTokenExpired
	}
	if len(token.PublicKey) != ed25519.PublicKeySize ||
		len(token.Signature) != ed25519.SignatureSize ||
		len(token.Challenge) == 0 {
		return Result{}, ErrInvalidSignature
	}
	if !ed25519.Verify(token.PublicKey, token.Challenge, token.Signature) {
		return Result{}, ErrInvalidSignature
	}

	root, err := ca.DecodeRootCertificate(token.RootCert)
	if err != nil {
		return Result{}, err
	}
	if root.NetworkID != token.NetworkID {
		return Result{}, fmt.Errorf("%w: token network id does not match root certificate", ErrTokenMalformed)
	}

	credential, err := DeriveCredential(token.Challenge, token.Signature, token.PublicKey)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Root:       root,
		RootCert:   token.RootCert,
		HubAddress: token.HubAddress,
		HubPort:    token.HubPort,
		Credential: credential,
	}, nil
}
