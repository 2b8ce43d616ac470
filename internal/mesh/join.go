package mesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kinmesh/go-backend/internal/ca"
	"kinmesh/go-backend/internal/meshconfig"
	"kinmesh/go-backend/internal/pairing"
	"kinmesh/go-backend/internal/registry"
	"kinmesh/go-backend/internal/relay"
	"kinmesh/go-backend/internal/rpc"
	"kinmesh/go-backend/pkg/models"
)

var ErrJoinRejected = errors.New("hub rejected the join request")

type joinRequest struct {
	DeviceID  string `json:"device_id"`
	PublicKey []byte `json:"public_key"`
	Platform  string `json:"platform,omitempty"`
}

type joinResponse struct {
	MeshIP   string                   `json:"mesh_ip"`
	MeshCIDR string                   `json:"mesh_cidr"`
	Cert     models.DeviceCertificate `json:"cert"`
}

// JoinNetwork consumes a scanned pairing token and enrolls this device
// as a spoke: it connects to the hub with the derived credential, asks
// for a mesh IP and certificate, and persists the membership.
func (m *Manager) JoinNetwork(ctx context.Context, scanned string) error {
	if _, err := m.store.Load(); err == nil {
		return ErrAlreadyJoined
	}

	token, err := pairing.DecodeQR(scanned)
	if err != nil {
		return err
	}
	result, err := pairing.Consume(token, m.now())
	if err != nil {
		return err
	}

	seed, pub, err := newDeviceKey()
	if err != nil {
		return err
	}
	deviceID := ca.BuildDeviceID(pub)

	resp, err := m.enroll(ctx, result, token.Challenge, joinRequest{
		DeviceID:  deviceID,
		PublicKey: pub,
		Platform:  m.cfg.Platform,
	})
	if err != nil {
		return err
	}

	// The cert the hub hands back must verify against the root the
	// token carried, and must be ours.
	if err := ca.VerifyDeviceCertificate(resp.Cert, result.Root, m.now()); err != nil {
		return err
	}
	if resp.Cert.DeviceID != deviceID || resp.Cert.MeshIP != resp.MeshIP {
		return fmt.Errorf("%w: certificate does not match the enrollment", ErrJoinRejected)
	}

	state := ca.State{
		NetworkID:  result.Root.NetworkID,
		RootCert:   result.RootCert,
		MeshCIDR:   resp.MeshCIDR,
		DeviceSeed: seed,
		DeviceCert: resp.Cert,
		HubAddress: result.HubAddress,
		HubPort:    result.HubPort,
		Challenge:  token.Challenge,
		Credential: result.Credential,
	}
	if err := m.store.Save(state); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = state
	m.identity = ca.FromRootCertificate(result.Root)
	m.mu.Unlock()

	if err := m.writeEngineFiles(state, false); err != nil {
		return err
	}
	m.log.Info("joined network", "network_id", state.NetworkID, "mesh_ip", resp.MeshIP)
	return nil
}

// enroll runs the join rpc over a short-lived relay link established
// with only the pairing credential; the device has no mesh IP yet.
func (m *Manager) enroll(ctx context.Context, result pairing.Result, challenge []byte, req joinRequest) (joinResponse, error) {
	cipher, err := relay.NewCredentialCipher(result.Credential)
	if err != nil {
		return joinResponse{}, err
	}
	reg := registry.New(registry.Config{}, nil, m.log)
	router, err := relay.New(relay.Config{
		DeviceID:   req.DeviceID,
		MeshIP:     "0.0.0.0",
		HubMeshIP:  "0.0.0.0",
		Role:       relay.RoleSpoke,
		Platform:   req.Platform,
		HubAddress: result.HubAddress,
		HubPort:    result.HubPort,
		Cipher:     cipher,
		Challenge:  challenge,
		Now:        m.now,
	}, reg, m.log)
	if err != nil {
		return joinResponse{}, err
	}
	endpoint, err := rpc.New(req.DeviceID, router, m.log)
	if err != nil {
		return joinResponse{}, err
	}
	if err := router.Start(); err != nil {
		return joinResponse{}, err
	}
	defer router.Stop()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	// The hub link comes up asynchronously; retry until it is there.
	for {
		raw, err := endpoint.Call(ctx, models.HubAlias, methodJoin, req)
		if errors.Is(err, relay.ErrNotConnected) {
			select {
			case <-ctx.Done():
				return joinResponse{}, ctx.Err()
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}
		if err != nil {
			return joinResponse{}, err
		}
		var resp joinResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return joinResponse{}, fmt.Errorf("%w: %v", ErrJoinRejected, err)
		}
		return resp, nil
	}
}

// handleJoin is the hub-side enrollment: allocate the next mesh IP,
// issue the certificate and persist the allocation before answering.
func (m *Manager) handleJoin(from string, params json.RawMessage) (any, error) {
	var req joinRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJoinRejected, err)
	}
	if req.DeviceID != ca.BuildDeviceID(req.PublicKey) {
		return nil, fmt.Errorf("%w: device id does not match the public key", ErrJoinRejected)
	}

	meshIP, meshCIDR, cert, err := m.allocateEnrollment(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg != nil {
		reg.Observe(req.DeviceID, meshIP, req.Platform)
	}
	m.log.Info("device enrolled", "device_id", req.DeviceID, "mesh_ip", meshIP)
	return joinResponse{MeshIP: meshIP, MeshCIDR: meshCIDR, Cert: cert}, nil
}

// allocateEnrollment hands out the next free mesh ip and the matching
// certificate. Join handlers run concurrently, one per spoke link, so
// the whole read-allocate-save sequence holds the enrollment lock.
func (m *Manager) allocateEnrollment(req joinRequest) (string, string, models.DeviceCertificate, error) {
	m.enrollMu.Lock()
	defer m.enrollMu.Unlock()

	m.mu.Lock()
	identity := m.identity
	state := m.state
	m.mu.Unlock()

	meshIP, err := ca.AllocateNextIP(state.MeshCIDR, state.Allocations)
	if err != nil {
		return "", "", models.DeviceCertificate{}, err
	}
	cert, err := identity.IssueDeviceCertificate(req.DeviceID, meshIP, state.MeshCIDR, req.PublicKey, m.now())
	if err != nil {
		return "", "", models.DeviceCertificate{}, err
	}

	state.Allocations = append(state.Allocations, meshIP)
	if err := m.store.Save(state); err != nil {
		return "", "", models.DeviceCertificate{}, err
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return meshIP, state.MeshCIDR, cert, nil
}

// writeEngineFiles keeps the VPN engine's pki material and YAML config
// consistent with the persisted mesh state.
func (m *Manager) writeEngineFiles(state ca.State, isHub bool) error {
	pkiDir := filepath.Join(m.cfg.DataDir, "pki")
	if err := os.MkdirAll(pkiDir, 0o700); err != nil {
		return err
	}

	caPath := filepath.Join(pkiDir, "ca.crt")
	certPath := filepath.Join(pkiDir, "host.crt")
	keyPath := filepath.Join(pkiDir, "host.key")

	if err := os.WriteFile(caPath, []byte(state.RootCert+"\n"), 0o600); err != nil {
		return err
	}
	hostCert, err := json.Marshal(state.DeviceCert)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, append(hostCert, '\n'), 0o600); err != nil {
		return err
	}
	hostKey := base64.StdEncoding.EncodeToString(state.DeviceSeed)
	if err := os.WriteFile(keyPath, []byte(hostKey+"\n"), 0o600); err != nil {
		return err
	}

	hubIP, err := ca.HubIP(state.MeshCIDR)
	if err != nil {
		return err
	}
	return meshconfig.WriteEngineConfig(filepath.Join(m.cfg.DataDir, "engine", "config.yml"), meshconfig.EngineSettings{
		CACertPath: caPath,
		CertPath:   certPath,
		KeyPath:    keyPath,
		IsHub:      isHub,
		HubMeshIP:  hubIP,
		HubAddress: state.HubAddress,
		HubPort:    m.cfg.EnginePort,
		ListenPort: m.cfg.EnginePort,
	})
}
