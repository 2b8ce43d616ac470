// pairing-localgen stands up a throwaway hub identity and emits the
// artifacts a local development setup needs: the encrypted network
// state, the engine YAML, a pairing token and the recovery mnemonic.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"kinmesh/go-backend/internal/mesh"
	"kinmesh/go-backend/internal/meshconfig"
)

func main() {
	var (
		outDir     = flag.String("out-dir", "", "output directory")
		hubAddress = flag.String("hub-address", "127.0.0.1", "hub address embedded in the pairing token")
		relayPort  = flag.Int("relay-port", 4780, "hub relay port")
		meshCIDR   = flag.String("mesh-cidr", "10.42.0.0/24", "mesh address block")
		passphrase = flag.String("passphrase", "localgen-dev", "store passphrase")
	)
	flag.Parse()

	if strings.TrimSpace(*outDir) == "" {
		fail("out-dir is required")
	}

	cfg := meshconfig.DefaultConfig()
	cfg.DataDir = *outDir
	cfg.MeshCIDR = *meshCIDR
	cfg.RelayPort = *relayPort

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := mesh.NewManager(cfg, *passphrase, logger)
	if err != nil {
		failf("initialize: %v", err)
	}

	mnemonic, err := manager.CreateNetwork(*hubAddress)
	if err != nil {
		failf("create network: %v", err)
	}
	token, err := manager.CreatePairingToken()
	if err != nil {
		failf("create pairing token: %v", err)
	}

	if err := writeArtifact(*outDir, "mnemonic.txt", mnemonic); err != nil {
		failf("write mnemonic: %v", err)
	}
	if err := writeArtifact(*outDir, "pairing-token.txt", token); err != nil {
		failf("write pairing token: %v", err)
	}

	fmt.Printf("wrote %s\n", filepath.Join(*outDir, "network.enc"))
	fmt.Printf("wrote %s\n", filepath.Join(*outDir, "engine", "config.yml"))
	fmt.Printf("wrote %s\n", filepath.Join(*outDir, "mnemonic.txt"))
	fmt.Printf("wrote %s\n", filepath.Join(*outDir, "pairing-token.txt"))
	fmt.Println("note: the pairing token expires 5 minutes after generation")
}

func writeArtifact(dir, name, content string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0o600)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "pairing-localgen:", msg)
	os.Exit(1)
}

func failf(format string, args ...any) {
	fail(fmt.Sprintf(format, args...))
}
