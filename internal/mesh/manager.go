// Package mesh wires the certificate authority, pairing, registry,
// relay and rpc layers into one lifecycle the daemon drives.
package mesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"kinmesh/go-backend/internal/ca"
	"kinmesh/go-backend/internal/meshconfig"
	"kinmesh/go-backend/internal/pairing"
	"kinmesh/go-backend/internal/registry"
	"kinmesh/go-backend/internal/relay"
	"kinmesh/go-backend/internal/rpc"
	"kinmesh/go-backend/internal/status"
	"kinmesh/go-backend/pkg/models"
)

var (
	ErrAlreadyJoined = errors.New("this device already belongs to a network")
	ErrNotRunning    = errors.New("mesh is not running")
)

const (
	methodJoin       = "mesh.join"
	methodPing       = "mesh.ping"
	methodDeviceInfo = "device.info"
)

// Manager owns the mesh lifecycle on one device: network creation or
// joining, the relay transport, rpc and the status surface.
type Manager struct {
	cfg   meshconfig.Config
	log   *slog.Logger
	store *ca.Store
	pub   *status.Publisher
	now   func() time.Time

	// enrollMu serializes hub-side enrollments so no two joins ever
	// read the same allocation list.
	enrollMu sync.Mutex

	mu       sync.Mutex
	state    ca.State
	identity *ca.NetworkIdentity
	reg      *registry.Registry
	router   *relay.Router
	endpoint *rpc.Endpoint
	running  bool
	stopCh   chan struct{}
}

func NewManager(cfg meshconfig.Config, passphrase string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := ca.NewStore(cfg.DataDir, passphrase)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:   cfg,
		log:   logger,
		store: store,
		pub:   status.NewPublisher(logger),
		now:   time.Now,
	}, nil
}

// Status exposes the surface external collaborators observe.
func (m *Manager) Status() *status.Publisher { return m.pub }

// CreateNetwork stands this device up as the hub of a brand new mesh
// and returns the recovery mnemonic for offline backup.
func (m *Manager) CreateNetwork(hubAddress string) (string, error) {
	identity, err := ca.CreateNetwork(m.now())
	if err != nil {
		return "", err
	}
	mnemonic, err := identity.Mnemonic()
	if err != nil {
		return "", err
	}
	if err := m.bootstrapHub(identity, hubAddress); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// RecoverNetwork rebuilds the hub identity from its recovery mnemonic,
// for example after the hub device was replaced. Devices paired under
// the old hub keep working because the root key is the same.
func (m *Manager) RecoverNetwork(mnemonic, hubAddress string) error {
	identity, err := ca.ImportNetwork(mnemonic, m.now())
	if err != nil {
		return err
	}
	return m.bootstrapHub(identity, hubAddress)
}

func (m *Manager) bootstrapHub(identity *ca.NetworkIdentity, hubAddress string) error {
	if _, err := m.store.Load(); err == nil {
		return ErrAlreadyJoined
	}

	now := m.now()
	hubIP, err := ca.HubIP(m.cfg.MeshCIDR)
	if err != nil {
		return err
	}
	seed, pub, err := newDeviceKey()
	if err != nil {
		return err
	}
	deviceID := ca.BuildDeviceID(pub)
	cert, err := identity.IssueDeviceCertificate(deviceID, hubIP, m.cfg.MeshCIDR, pub, now)
	if err != nil {
		return err
	}
	rootCert, err := ca.EncodeRootCertificate(identity.Root)
	if err != nil {
		return err
	}
	mnemonic, err := identity.Mnemonic()
	if err != nil {
		return err
	}

	state := ca.State{
		NetworkID:   identity.NetworkID,
		Mnemonic:    mnemonic,
		RootCert:    rootCert,
		MeshCIDR:    m.cfg.MeshCIDR,
		DeviceSeed:  seed,
		DeviceCert:  cert,
		HubAddress:  hubAddress,
		HubPort:     m.cfg.RelayPort,
		Allocations: []string{hubIP},
	}
	if err := m.store.Save(state); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = state
	m.identity = identity
	m.mu.Unlock()

	if err := m.writeEngineFiles(state, true); err != nil {
		return err
	}
	m.log.Info("network created", "network_id", identity.NetworkID, "mesh_ip", hubIP)
	return nil
}

// CreatePairingToken issues a fresh QR payload for one new device.
func (m *Manager) CreatePairingToken() (string, error) {
	if err := m.ensureLoaded(); err != nil {
		return "", err
	}
	m.mu.Lock()
	identity := m.identity
	hubAddress := m.state.HubAddress
	hubPort := m.state.HubPort
	m.mu.Unlock()

	token, err := pairing.CreateToken(identity, hubAddress, hubPort, m.now())
	if err != nil {
		return "", err
	}
	return pairing.EncodeForQR(token)
}

// Start brings the mesh up from persisted state. It fails with
// ca.ErrConfigurationMissing when the device was never set up.
func (m *Manager) Start() error {
	if err := m.ensureLoaded(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	state := m.state
	identity := m.identity
	m.mu.Unlock()

	m.pub.SetConnecting()

	hubIP, err := ca.HubIP(state.MeshCIDR)
	if err != nil {
		m.pub.SetError(err.Error())
		return err
	}
	isHub := identity.HasRootKey()

	reg := registry.New(registry.Config{
		StaleTimeout:  m.cfg.StaleTimeout,
		SweepInterval: m.cfg.SweepInterval,
	}, m.onPeerEvent, m.log)

	routerCfg := relay.Config{
		DeviceID:  state.DeviceCert.DeviceID,
		MeshIP:    state.DeviceCert.MeshIP,
		HubMeshIP: hubIP,
		Platform:  m.cfg.Platform,
		RateRPS:   m.cfg.RateRPS,
		RateBurst: m.cfg.RateBurst,
		Now:       m.now,
	}
	if isHub {
		routerCfg.ListenPort = state.HubPort
		routerCfg.HubCipher = m.spokeCipher
		routerCfg.VerifyCert = func(cert models.DeviceCertificate) error {
			return ca.VerifyDeviceCertificate(cert, identity.Root, m.now())
		}
	} else {
		cipher, err := relay.NewCredentialCipher(state.Credential)
		if err != nil {
			m.pub.SetError(err.Error())
			return err
		}
		routerCfg.HubAddress = state.HubAddress
		routerCfg.HubPort = state.HubPort
		routerCfg.Cipher = cipher
		routerCfg.Challenge = state.Challenge
		cert := state.DeviceCert
		routerCfg.Cert = &cert
	}

	router, err := relay.New(routerCfg, reg, m.log)
	if err != nil {
		m.pub.SetError(err.Error())
		return err
	}
	endpoint, err := rpc.New(state.DeviceCert.DeviceID, router, m.log)
	if err != nil {
		m.pub.SetError(err.Error())
		return err
	}
	m.registerMethods(endpoint, isHub)

	reg.Start()
	if err := router.Start(); err != nil {
		reg.Stop()
		m.pub.SetError(err.Error())
		return err
	}

	stopCh := make(chan struct{})
	m.mu.Lock()
	m.reg = reg
	m.router = router
	m.endpoint = endpoint
	m.running = true
	m.stopCh = stopCh
	m.mu.Unlock()

	if isHub {
		m.pub.SetConnected(state.DeviceCert.MeshIP, peerIDs(reg.List()))
	} else {
		go m.probeHub(stopCh)
	}
	m.log.Info("mesh started", "role", string(router.Role()), "network_id", state.NetworkID)
	return nil
}

// Stop takes the mesh down and publishes the disconnected status.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	router := m.router
	reg := m.reg
	stopCh := m.stopCh
	m.router = nil
	m.reg = nil
	m.endpoint = nil
	m.mu.Unlock()

	close(stopCh)
	router.Stop()
	reg.Stop()
	m.pub.SetDisconnected()
	m.log.Info("mesh stopped")
}

// Reset wipes the persisted network state. Revocation is replacement:
// a device that left can only come back through a fresh pairing.
func (m *Manager) Reset() error {
	m.Stop()
	m.mu.Lock()
	m.state = ca.State{}
	m.identity = nil
	m.mu.Unlock()
	return m.store.Wipe()
}

// Call invokes a method on a peer over the running mesh.
func (m *Manager) Call(ctx context.Context, to, method string, params any) ([]byte, error) {
	endpoint, err := m.runningEndpoint()
	if err != nil {
		return nil, err
	}
	raw, err := endpoint.Call(ctx, to, method, params)
	return raw, err
}

// Peers returns the registry's full records for the running mesh. The
// status surface carries only the peer ids.
func (m *Manager) Peers() []models.PeerRecord {
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.List()
}

// Send routes one raw message over the running mesh.
func (m *Manager) Send(msg models.RelayMessage) error {
	m.mu.Lock()
	router := m.router
	m.mu.Unlock()
	if router == nil {
		return ErrNotRunning
	}
	return router.Send(msg)
}

// OnMessage registers a handler for app-level message types such as
// notify and voice_frame.
func (m *Manager) OnMessage(t models.MessageType, h relay.Handler) error {
	m.mu.Lock()
	router := m.router
	m.mu.Unlock()
	if router == nil {
		return ErrNotRunning
	}
	router.OnMessage(t, h)
	return nil
}

func (m *Manager) runningEndpoint() (*rpc.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint == nil {
		return nil, ErrNotRunning
	}
	return m.endpoint, nil
}

// ensureLoaded loads the persisted state once and rebuilds the network
// identity from it.
func (m *Manager) ensureLoaded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity != nil {
		return nil
	}

	state, err := m.store.Load()
	if err != nil {
		return err
	}
	var identity *ca.NetworkIdentity
	if state.Mnemonic != "" {
		identity, err = ca.ImportNetwork(state.Mnemonic, m.now())
		if err != nil {
			return err
		}
	} else {
		root, err := ca.DecodeRootCertificate(state.RootCert)
		if err != nil {
			return err
		}
		identity = ca.FromRootCertificate(root)
	}
	m.state = state
	m.identity = identity
	return nil
}

// spokeCipher re-derives a spoke's pairing credential from its announce
// challenge. Root signatures are deterministic, so the hub never needs
// to store per-spoke credentials.
func (m *Manager) spokeCipher(challenge []byte) (relay.PayloadCipher, error) {
	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()

	signature, err := identity.Sign(challenge)
	if err != nil {
		return nil, err
	}
	credential, err := pairing.DeriveCredential(challenge, signature, identity.RootPublicKey())
	if err != nil {
		return nil, err
	}
	return relay.NewCredentialCipher(credential)
}

// onPeerEvent keeps the status surface in sync with registry
// membership and refreshes the engine config values.
func (m *Manager) onPeerEvent(ev registry.Event) {
	m.mu.Lock()
	reg := m.reg
	running := m.running
	state := m.state
	isHub := m.identity != nil && m.identity.HasRootKey()
	m.mu.Unlock()
	if !running || reg == nil {
		return
	}

	peers := reg.List()
	if isHub || len(peers) > 0 {
		m.pub.SetConnected(state.DeviceCert.MeshIP, peerIDs(peers))
	} else {
		m.pub.SetConnecting()
	}

	if err := m.writeEngineFiles(state, isHub); err != nil {
		m.log.Warn("engine config refresh failed", "err", err)
	}
}

// probeHub pings the hub until it answers so the spoke reaches the
// connected state quickly after start or re-pairing.
func (m *Manager) probeHub(stopCh chan struct{}) {
	for {
		endpoint, err := m.runningEndpoint()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = endpoint.Call(ctx, models.HubAlias, methodPing, nil)
		cancel()
		if err == nil {
			return
		}
		select {
		case <-stopCh:
			return
		case <-time.After(time.Second):
		}
	}
}

func (m *Manager) registerMethods(endpoint *rpc.Endpoint, isHub bool) {
	endpoint.RegisterMethod(methodPing, func(string, json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	})
	endpoint.RegisterMethod(methodDeviceInfo, func(string, json.RawMessage) (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return models.AnnouncePayload{
			PeerID:   m.state.DeviceCert.DeviceID,
			MeshIP:   m.state.DeviceCert.MeshIP,
			Platform: m.cfg.Platform,
		}, nil
	})
	if isHub {
		endpoint.RegisterMethod(methodJoin, m.handleJoin)
	}
}

func peerIDs(records []models.PeerRecord) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.PeerID)
	}
	return ids
}

func newDeviceKey() (seed []byte, pub ed25519.PublicKey, err error) {
	seed = make([]byte, ed25519.SeedSize)
	if _, err = rand.Read(seed); err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return seed, priv.Public().(ed25519.PublicKey), nil
}
