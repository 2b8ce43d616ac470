// Package meshconfig loads the daemon configuration and renders the
// VPN engine config file for the local node.
package meshconfig

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective daemon configuration after defaults, file
// values and environment overrides are merged.
type Config struct {
	DataDir       string
	MeshCIDR      string
	RelayPort     int
	EnginePort    int
	Platform      string
	StaleTimeout  time.Duration
	SweepInterval time.Duration
	RateRPS       float64
	RateBurst     int
	LogLevel      string
}

func DefaultConfig() Config {
	return Config{
		DataDir:       defaultDataDir(),
		MeshCIDR:      "10.42.0.0/24",
		RelayPort:     4780,
		EnginePort:    4242,
		Platform:      runtime.GOOS,
		StaleTimeout:  60 * time.Second,
		SweepInterval: 30 * time.Second,
		RateRPS:       50,
		RateBurst:     100,
		LogLevel:      "info",
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".kinmesh")
	}
	return ".kinmesh"
}

type DaemonConfig struct {
	Mesh DaemonMeshConfig `yaml:"mesh"`
}

type DaemonMeshConfig struct {
	DataDir       string        `yaml:"dataDir"`
	MeshCIDR      string        `yaml:"meshCIDR"`
	RelayPort     int           `yaml:"relayPort"`
	EnginePort    int           `yaml:"enginePort"`
	Platform      string        `yaml:"platform"`
	StaleTimeout  time.Duration `yaml:"staleTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	RateRPS       float64       `yaml:"rateRPS"`
	RateBurst     int           `yaml:"rateBurst"`
	LogLevel      string        `yaml:"logLevel"`
}

// LoadFromPath merges the defaults with the first readable config file
// and any environment overrides. An unreadable or malformed file falls
// back to the defaults rather than failing the daemon.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			filepath.Join(defaultDataDir(), "config.yaml"),
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed DaemonConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed.Mesh)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src DaemonMeshConfig) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.MeshCIDR != "" {
		dst.MeshCIDR = src.MeshCIDR
	}
	if src.RelayPort != 0 {
		dst.RelayPort = src.RelayPort
	}
	if src.EnginePort != 0 {
		dst.EnginePort = src.EnginePort
	}
	if src.Platform != "" {
		dst.Platform = src.Platform
	}
	if src.StaleTimeout != 0 {
		dst.StaleTimeout = src.StaleTimeout
	}
	if src.SweepInterval != 0 {
		dst.SweepInterval = src.SweepInterval
	}
	if src.RateRPS != 0 {
		dst.RateRPS = src.RateRPS
	}
	if src.RateBurst != 0 {
		dst.RateBurst = src.RateBurst
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("KINMESH_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if cidr := strings.TrimSpace(os.Getenv("KINMESH_MESH_CIDR")); cidr != "" {
		cfg.MeshCIDR = cidr
	}
	if level := strings.TrimSpace(os.Getenv("KINMESH_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}

	raw := strings.TrimSpace(os.Getenv("KINMESH_RELAY_PORT"))
	if raw == "" {
		return
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port < 0 || port > 65535 {
		return
	}
	cfg.RelayPort = port
}
