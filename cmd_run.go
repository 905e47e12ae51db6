package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultsync/config"
	"vaultsync/crypto"
	"vaultsync/logging"
	"vaultsync/network"
	"vaultsync/node"
)

var (
	runPeers       []string
	runMetricsAddr string
	runNoDiscovery bool
)

func init() {
	runCmd.Flags().StringSliceVar(&runPeers, "peer", nil, "address of a node to keep every folder connected to, repeatable")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	runCmd.Flags().BoolVar(&runNoDiscovery, "no-discovery", false, "disable LAN discovery")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "synchronize every configured folder until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logging.Sync() }()
		logger := logging.L()

		privateKey, err := crypto.EnsureNodeKey(cfg.NodeKeyPath)
		if err != nil {
			return fmt.Errorf("prepare node key: %w", err)
		}
		publicKey := privateKey.Public().(ed25519.PublicKey)

		listenAddress := ":0"
		if cfg.PortMode == config.PortModeFixed {
			listenAddress = fmt.Sprintf(":%d", cfg.ListeningPort)
		}
		metricsAddr := cfg.MetricsAddr
		if runMetricsAddr != "" {
			metricsAddr = runMetricsAddr
		}

		n, err := node.New(node.Options{
			NodeID: cfg.NodeID,
			Local: network.LocalNode{
				PrivateKey: privateKey,
				ClientName: cfg.NodeName,
				UserAgent:  fmt.Sprintf("vaultsync/%d", network.ProtocolVersion),
			},
			ListenAddress: listenAddress,
			DataDir:       resolvedDataDir(cfgPath),
			Tunables:      cfg.Tunables,
			Discovery:     cfg.DiscoveryEnabled && !runNoDiscovery,
			MetricsAddr:   metricsAddr,
			PortMapper:    node.StaticPortMapper(cfg.ExternalPort),
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		for _, folderCfg := range cfg.Folders {
			secret, err := crypto.ParseSecret(folderCfg.Secret)
			if err != nil {
				n.Close()
				return fmt.Errorf("folder %q: %w", folderCfg.Name, err)
			}
			group, err := n.AddFolder(secret)
			if err != nil {
				n.Close()
				return fmt.Errorf("folder %q: %w", folderCfg.Name, err)
			}
			fmt.Printf("Folder:          %s (%s)\n", folderCfg.Name, group.Identity().IDHex()[:16])
		}

		if err := n.Listen(); err != nil {
			n.Close()
			return err
		}

		fmt.Printf("Node ID:         %s\n", cfg.NodeID)
		fmt.Printf("Node Name:       %s\n", cfg.NodeName)
		fmt.Printf("Listening:       %s\n", n.Addr())
		fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.NodeDigest(publicKey)))
		fmt.Printf("Data Directory:  %s\n", resolvedDataDir(cfgPath))

		for _, address := range runPeers {
			for _, id := range n.FolderIDs() {
				folderID, _ := hex.DecodeString(id)
				if err := n.AddPeer(folderID, address); err != nil {
					logger.Warn("add peer failed", zap.String("address", address), zap.String("folder", id[:16]), zap.Error(err))
				}
			}
		}
		for _, endpoint := range n.Endpoints() {
			fmt.Printf("Peer:            %s\n", endpoint)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Println("Status:          running (press Ctrl+C to stop)")
		err = n.Run(ctx)
		fmt.Println("Status:          stopped")
		return err
	},
}
