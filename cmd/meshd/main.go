package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kinmesh/go-backend/internal/mesh"
	"kinmesh/go-backend/internal/meshconfig"
	"kinmesh/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	passphrase := flag.String("passphrase", "", "Store passphrase (or KINMESH_PASSPHRASE)")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9780", "Prometheus metrics listen address, empty to disable")

	createNetwork := flag.Bool("create-network", false, "Create a new mesh network and exit")
	recoverMnemonic := flag.String("recover", "", "Recover a hub from its mnemonic and exit")
	hubAddress := flag.String("hub-address", "", "Externally reachable hub address (with -create-network/-recover)")
	joinToken := flag.String("join", "", "Join a network from a scanned pairing token and exit")
	pairingToken := flag.Bool("pairing-token", false, "Print a fresh pairing token and exit")
	reset := flag.Bool("reset", false, "Wipe the persisted network state and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	if *dataDir != "" {
		_ = os.Setenv("KINMESH_DATA_DIR", *dataDir)
	}
	cfg := meshconfig.LoadFromPath(*configPath)

	pass := strings.TrimSpace(*passphrase)
	if pass == "" {
		pass = strings.TrimSpace(os.Getenv("KINMESH_PASSPHRASE"))
	}
	if pass == "" {
		log.Fatal("meshd: a store passphrase is required (-passphrase or KINMESH_PASSPHRASE)")
	}

	logger := newLogger(cfg.LogLevel)
	manager, err := mesh.NewManager(cfg, pass, logger)
	if err != nil {
		log.Fatalf("meshd failed to initialize: %v", err)
	}

	switch {
	case *createNetwork:
		if *hubAddress == "" {
			log.Fatal("meshd: -create-network requires -hub-address")
		}
		mnemonic, err := manager.CreateNetwork(*hubAddress)
		if err != nil {
			log.Fatalf("create network: %v", err)
		}
		fmt.Println("network created; recovery mnemonic (store offline, it IS the network):")
		fmt.Println(mnemonic)
		return
	case *recoverMnemonic != "":
		if *hubAddress == "" {
			log.Fatal("meshd: -recover requires -hub-address")
		}
		if err := manager.RecoverNetwork(*recoverMnemonic, *hubAddress); err != nil {
			log.Fatalf("recover network: %v", err)
		}
		fmt.Println("network identity recovered")
		return
	case *joinToken != "":
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := manager.JoinNetwork(ctx, *joinToken); err != nil {
			log.Fatalf("join network: %v", err)
		}
		fmt.Println("joined network")
		return
	case *pairingToken:
		token, err := manager.CreatePairingToken()
		if err != nil {
			log.Fatalf("create pairing token: %v", err)
		}
		fmt.Println(token)
		return
	case *reset:
		if err := manager.Reset(); err != nil {
			log.Fatalf("reset: %v", err)
		}
		fmt.Println("network state wiped")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	if err := manager.Start(); err != nil {
		log.Fatalf("meshd failed to start: %v", err)
	}

	statusCh, cancelStatus := manager.Status().Subscribe()
	defer cancelStatus()
	log.Println("meshd running")

	for {
		select {
		case <-ctx.Done():
			manager.Stop()
			log.Println("meshd stopped")
			return
		case s := <-statusCh:
			logger.Info("mesh status", "status", s.Status, "peers", len(s.Peers))
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return slog.New(privacylog.WrapHandler(handler))
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics listener failed", "err", err)
	}
}
