package meshconfig

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func testPKI(dir string) EngineSettings {
	return EngineSettings{
		CACertPath: filepath.Join(dir, "ca.crt"),
		CertPath:   filepath.Join(dir, "host.crt"),
		KeyPath:    filepath.Join(dir, "host.key"),
	}
}

func readEngineConfig(t *testing.T, path string) engineConfig {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read engine config: %v", err)
	}
	var cfg engineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse engine config: %v", err)
	}
	return cfg
}

func TestWriteEngineConfigHub(t *testing.T) {
	dir := t.TempDir()
	s := testPKI(dir)
	s.IsHub = true
	s.ListenPort = 4242

	path := filepath.Join(dir, "engine", "config.yml")
	if err := WriteEngineConfig(path, s); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := readEngineConfig(t, path)
	if !cfg.Lighthouse.AmLighthouse {
		t.Fatal("hub must declare itself the lighthouse")
	}
	if len(cfg.StaticHostMap) != 0 {
		t.Fatalf("hub static host map should be empty, got %v", cfg.StaticHostMap)
	}
	if cfg.Listen.Port != 4242 {
		t.Fatalf("listen port: got %d", cfg.Listen.Port)
	}
	if cfg.PKI.CA != s.CACertPath {
		t.Fatalf("pki ca path: got %q", cfg.PKI.CA)
	}
	if len(cfg.Firewall.Inbound) == 0 || len(cfg.Firewall.Outbound) == 0 {
		t.Fatal("firewall rule lists must be present")
	}
}

func TestWriteEngineConfigSpoke(t *testing.T) {
	dir := t.TempDir()
	s := testPKI(dir)
	s.HubMeshIP = "10.42.0.1"
	s.HubAddress = "203.0.113.7"
	s.HubPort = 4242

	path := filepath.Join(dir, "config.yml")
	if err := WriteEngineConfig(path, s); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := readEngineConfig(t, path)
	if cfg.Lighthouse.AmLighthouse {
		t.Fatal("spoke must not declare itself the lighthouse")
	}
	endpoints := cfg.StaticHostMap["10.42.0.1"]
	if len(endpoints) != 1 || endpoints[0] != "203.0.113.7:4242" {
		t.Fatalf("static host map: got %v", cfg.StaticHostMap)
	}
	if len(cfg.Lighthouse.Hosts) != 1 || cfg.Lighthouse.Hosts[0] != "10.42.0.1" {
		t.Fatalf("lighthouse hosts: got %v", cfg.Lighthouse.Hosts)
	}
}

func TestWriteEngineConfigSpokeNeedsHubEndpoint(t *testing.T) {
	dir := t.TempDir()
	s := testPKI(dir)

	if err := WriteEngineConfig(filepath.Join(dir, "config.yml"), s); err == nil {
		t.Fatal("expected an error without a hub endpoint")
	}
}
