package ca

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kinmesh/go-backend/internal/securestore"
	"kinmesh/go-backend/pkg/models"
)

// State is everything a device persists about its mesh membership.
// Mnemonic is only present on the hub; spokes hold the root certificate
// but never the root private key.
type State struct {
	NetworkID  string                   `json:"network_id"`
	Mnemonic   string                   `json:"mnemonic,omitempty"`
	RootCert   string                   `json:"root_cert"`
	MeshCIDR   string                   `json:"mesh_cidr"`
	DeviceSeed []byte                   `json:"device_seed"`
	DeviceCert models.DeviceCertificate `json:"device_cert"`

	HubAddress string `json:"hub_address"`
	HubPort    int    `json:"hub_port"`

	// Spoke only: pairing challenge and derived relay credential.
	Challenge  []byte `json:"challenge,omitempty"`
	Credential []byte `json:"credential,omitempty"`

	// Hub only: every mesh IP handed out so far, own address included.
	Allocations []string `json:"allocations,omitempty"`
}

// Store keeps the network state encrypted at rest in the device's data
// directory.
type Store struct {
	path       string
	passphrase string
}

func NewStore(dataDir, passphrase string) (*Store, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("store passphrase is required")
	}
	return &Store{
		path:       filepath.Join(dataDir, "network.enc"),
		passphrase: passphrase,
	}, nil
}

func (s *Store) Save(state State) error {
	return securestore.WriteEncryptedJSON(s.path, s.passphrase, state)
}

func (s *Store) Load() (State, error) {
	var state State
	err := securestore.ReadDecryptedJSON(s.path, s.passphrase, &state)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, ErrConfigurationMissing
		}
		return State{}, err
	}
	if strings.TrimSpace(state.NetworkID) == "" || strings.TrimSpace(state.RootCert) == "" {
		return State{}, fmt.Errorf("%w: persisted state incomplete", ErrConfigurationMissing)
	}
	return state, nil
}

func (s *Store) Wipe() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
