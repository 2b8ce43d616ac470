package ca

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"strings"
	"time"

	"kinmesh/go-backend/pkg/models"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// BuildDeviceID derives the stable device identifier from the device's
// signing public key.
func BuildDeviceID(devicePublicKey []byte) string {
	h := blake2b.Sum256(devicePublicKey)
	return "dev1" + base58.Encode(h[:16])
}

// IssueDeviceCertificate signs a certificate binding deviceID to meshIP
// under the network's root key. meshIP must fall inside meshCIDR.
func (n *NetworkIdentity) IssueDeviceCertificate(deviceID, meshIP, meshCIDR string, devicePublicKey []byte, now time.Time) (models.DeviceCertificate, error) {
	if n == nil {
		return models.DeviceCertificate{}, fmt.Errorf("%w: identity absent", ErrSigning)
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return models.DeviceCertificate{}, fmt.Errorf("%w: device id is required", ErrSigning)
	}
	if len(devicePublicKey) != ed25519.PublicKeySize {
		return models.DeviceCertificate{}, fmt.Errorf("%w: invalid device public key size %d", ErrSigning, len(devicePublicKey))
	}
	if err := checkCIDR(meshIP, meshCIDR); err != nil {
		return models.DeviceCertificate{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	cert := models.DeviceCertificate{
		NetworkID: n.NetworkID,
		DeviceID:  deviceID,
		MeshIP:    meshIP,
		PublicKey: append([]byte(nil), devicePublicKey...),
		NotBefore: now.UTC(),
		NotAfter:  now.UTC().Add(certValidity),
	}
	sig, err := n.Sign(deviceCertSigningBytes(cert))
	if err != nil {
		return models.DeviceCertificate{}, err
	}
	cert.Signature = sig
	return cert, nil
}

// VerifyDeviceCertificate checks a device certificate against the
// network's root certificate.
func VerifyDeviceCertificate(cert models.DeviceCertificate, root RootCertificate, now time.Time) error {
	if cert.NetworkID != root.NetworkID {
		return fmt.Errorf("%w: certificate issued for a different network", ErrCertificateInvalid)
	}
	if len(root.PublicKey) != ed25519.PublicKeySize || len(cert.Signature) != ed25519.SignatureSize {
		return ErrCertificateInvalid
	}
	now = now.UTC()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: outside validity window", ErrCertificateInvalid)
	}
	if !ed25519.Verify(ed25519.PublicKey(root.PublicKey), deviceCertSigningBytes(cert), cert.Signature) {
		return fmt.Errorf("%w: signature verification failed", ErrCertificateInvalid)
	}
	return nil
}

func deviceCertSigningBytes(cert models.DeviceCertificate) []byte {
	b := make([]byte, 0, 160)
	b = append(b, []byte(cert.NetworkID)...)
	b = append(b, 0)
	b = append(b, []byte(cert.DeviceID)...)
	b = append(b, 0)
	b = append(b, []byte(cert.MeshIP)...)
	b = append(b, 0)
	b = append(b, cert.PublicKey...)
	b = append(b, 0)
	b = append(b, []byte(cert.NotBefore.UTC().Format(time.RFC3339))...)
	b = append(b, 0)
	b = append(b, []byte(cert.NotAfter.UTC().Format(time.RFC3339))...)
	return b
}

func checkCIDR(meshIP, meshCIDR string) error {
	ip := net.ParseIP(strings.TrimSpace(meshIP))
	if ip == nil {
		return fmt.Errorf("invalid mesh ip %q", meshIP)
	}
	_, block, err := net.ParseCIDR(strings.TrimSpace(meshCIDR))
	if err != nil {
		return fmt.Errorf("invalid mesh cidr %q", meshCIDR)
	}
	if !block.Contains(ip) {
		return fmt.Errorf("mesh ip %s outside configured block %s", meshIP, meshCIDR)
	}
	return nil
}
