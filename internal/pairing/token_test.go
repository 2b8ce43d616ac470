package pairing

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"kinmesh/go-backend/internal/ca"
)

func newHubIdentity(t *testing.T, now time.Time) *ca.NetworkIdentity {
	t.Helper()
	identity, err := ca.CreateNetwork(now)
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	return identity
}

func TestCreateTokenRequiresRootKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := newHubIdentity(t, now)
	encoded, err := ca.EncodeRootCertificate(identity.Root)
	if err != nil {
		t.Fatalf("encode root: %v", err)
	}
	root, err := ca.DecodeRootCertificate(encoded)
	if err != nil {
		t.Fatalf("decode root: %v", err)
	}
	spokeView := ca.FromRootCertificate(root)
	if _, err := CreateToken(spokeView, "203.0.113.7", 4242, now); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestTokenQRRoundtripAndConsume(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := newHubIdentity(t, now)
	token, err := CreateToken(identity, "203.0.113.7", 4242, now)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	qr, err := EncodeForQR(token)
	if err != nil {
		t.Fatalf("encode qr: %v", err)
	}
	scanned, err := DecodeQR(qr)
	if err != nil {
		t.Fatalf("decode qr: %v", err)
	}

	result, err := Consume(scanned, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Root.NetworkID != identity.NetworkID {
		t.Fatalf("root certificate network mismatch: %q", result.Root.NetworkID)
	}
	if result.HubAddress != "203.0.113.7" || result.HubPort != 4242 {
		t.Fatalf("unexpected hub endpoint %s:%d", result.HubAddress, result.HubPort)
	}
	if len(result.Credential) != CredentialSize {
		t.Fatalf("unexpected credential size %d", len(result.Credential))
	}
}

func TestConsumeRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := newHubIdentity(t, now)
	token, err := CreateToken(identity, "203.0.113.7", 4242, now)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	_, err = Consume(token, now.Add(FreshnessWindow+time.Second))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestConsumeWithinWindowSucceedsAtBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := newHubIdentity(t, now)
	token, err := CreateToken(identity, "203.0.113.7", 4242, now)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := Consume(token, now.Add(FreshnessWindow)); err != nil {
		t.Fatalf("consume at window edge: %v", err)
	}
}

func TestConsumeRejectsUnknownVersion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := newHubIdentity(t, now)
	token, err := CreateToken(identity, "203.0.113.7", 4242, now)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	token.Version = "2.0"
	if _, err := Consume(token, now); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestConsumeRejectsTamperedChallenge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := newHubIdentity(t, now)
	token, err := CreateToken(identity, "203.0.113.7", 4242, now)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	token.Challenge[0] ^= 0xFF
	if _, err := Consume(token, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestDecodeQRRejectsGarbage(t *testing.T) {
	if _, err := DecodeQR("%%% not base64 %%%"); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}

func TestDeriveCredentialDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	identity := newHubIdentity(t, now)
	token, err := CreateToken(identity, "203.0.113.7", 4242, now)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	a, err := DeriveCredential(token.Challenge, token.Signature, token.PublicKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveCredential(token.Challenge, token.Signature, token.PublicKey)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("credential derivation must be deterministic")
	}

	other, err := CreateToken(identity, "203.0.113.7", 4242, now)
	if err != nil {
		t.Fatalf("create second token: %v", err)
	}
	c, err := DeriveCredential(other.Challenge, other.Signature, other.PublicKey)
	if err != nil {
		t.Fatalf("derive other: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatal("different challenges must derive different credentials")
	}
}
