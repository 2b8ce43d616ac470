package meshconfig

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineSettings holds everything the external VPN engine needs to
// know about this node. The engine owns the file format; this package
// only keeps the values consistent with the mesh state.
type EngineSettings struct {
	CACertPath string
	CertPath   string
	KeyPath    string

	IsHub      bool
	HubMeshIP  string
	HubAddress string
	HubPort    int

	ListenPort int
}

type engineConfig struct {
	PKI           enginePKI           `yaml:"pki"`
	StaticHostMap map[string][]string `yaml:"static_host_map,omitempty"`
	Lighthouse    engineLighthouse    `yaml:"lighthouse"`
	Listen        engineListen        `yaml:"listen"`
	Punchy        enginePunchy        `yaml:"punchy"`
	Tun           engineTun           `yaml:"tun"`
	Firewall      engineFirewall      `yaml:"firewall"`
}

type enginePKI struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type engineLighthouse struct {
	AmLighthouse bool     `yaml:"am_lighthouse"`
	Interval     int      `yaml:"interval"`
	Hosts        []string `yaml:"hosts,omitempty"`
}

type engineListen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type enginePunchy struct {
	Punch bool `yaml:"punch"`
}

type engineTun struct {
	Dev string `yaml:"dev"`
}

type engineFirewall struct {
	Outbound []engineRule `yaml:"outbound"`
	Inbound  []engineRule `yaml:"inbound"`
}

type engineRule struct {
	Port  string `yaml:"port"`
	Proto string `yaml:"proto"`
	Host  string `yaml:"host"`
}

// WriteEngineConfig renders the engine YAML to path, creating parent
// directories as needed. Spokes get a static host map and lighthouse
// entry pointing at the hub; the hub declares itself the lighthouse.
func WriteEngineConfig(path string, s EngineSettings) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("engine config path is required")
	}
	if s.CACertPath == "" || s.CertPath == "" || s.KeyPath == "" {
		return errors.New("pki paths are required")
	}
	if !s.IsHub && (s.HubMeshIP == "" || s.HubAddress == "" || s.HubPort == 0) {
		return errors.New("spoke engine config needs the hub endpoint")
	}

	cfg := engineConfig{
		PKI: enginePKI{
			CA:   s.CACertPath,
			Cert: s.CertPath,
			Key:  s.KeyPath,
		},
		Lighthouse: engineLighthouse{
			AmLighthouse: s.IsHub,
			Interval:     60,
		},
		Listen: engineListen{Host: "0.0.0.0", Port: s.ListenPort},
		Punchy: enginePunchy{Punch: true},
		Tun:    engineTun{Dev: "kinmesh0"},
		Firewall: engineFirewall{
			Outbound: []engineRule{{Port: "any", Proto: "any", Host: "any"}},
			Inbound:  []engineRule{{Port: "any", Proto: "any", Host: "any"}},
		},
	}
	if !s.IsHub {
		cfg.StaticHostMap = map[string][]string{
			s.HubMeshIP: {net.JoinHostPort(s.HubAddress, fmt.Sprintf("%d", s.HubPort))},
		}
		cfg.Lighthouse.Hosts = []string{s.HubMeshIP}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render engine config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
