package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"syncmesh/pkg/adminapi"
	"syncmesh/pkg/config"
	"syncmesh/pkg/metrics"
	"syncmesh/pkg/node"
	"syncmesh/pkg/types"
)

func runCmd() *cobra.Command {
	var (
		watchPath      string
		storePath      string
		controlAddr    string
		blobAddr       string
		adminListen    string
		networkKey     string
		pollInterval   string
		archive        bool
		noMetrics      bool
		bootstrapPeers []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a syncmesh node in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadRunConfig(configFile)
			if err != nil {
				return err
			}
			if err := applyFlagOverrides(cfg, watchPath, storePath, controlAddr, blobAddr, adminListen, networkKey, pollInterval, archive, bootstrapPeers); err != nil {
				return err
			}

			sd, err := config.LoadSaveData(cfg.SaveDataPath)
			if err != nil {
				return fmt.Errorf("failed to load save data: %w", err)
			}
			kp, err := config.ResolveIdentity(sd)
			if err != nil {
				return fmt.Errorf("failed to resolve identity: %w", err)
			}

			var reg *metrics.Registry
			if !noMetrics {
				reg = metrics.New()
			}

			n := node.New(node.Options{
				Identity:     kp,
				WatchPath:    cfg.WatchPath,
				StorePath:    cfg.StorePath,
				ControlAddr:  cfg.ControlAddr,
				BlobAddr:     cfg.BlobAddr,
				Logger:       logger,
				PollInterval: cfg.PollInterval,
				Metrics:      reg,
			})
			if err := n.Open(); err != nil {
				return fmt.Errorf("failed to open node: %w", err)
			}
			defer n.Close()

			joinKey := types.NetworkKey(cfg.NetworkKey)
			if sd.NetworkKey != "" {
				joinKey = sd.NetworkKey
			}
			if err := n.Join(joinKey); err != nil {
				return fmt.Errorf("failed to join network: %w", err)
			}
			if cfg.Archive {
				n.ActivateArchive()
			}

			for _, peer := range cfg.BootstrapPeers {
				if err := n.ConnectToPeer(context.Background(), peer.Addr); err != nil {
					logger.Warn("failed to connect to bootstrap peer", zap.String("addr", peer.Addr), zap.Error(err))
				}
			}

			n.Bus().Listen(node.EventSaveDataUpdate, func(any) {
				if err := config.SaveSaveData(cfg.SaveDataPath, n.SaveData()); err != nil {
					logger.Warn("failed to persist save data", zap.Error(err))
				}
			})

			admin := adminapi.New(n, reg, logger)
			adminSrv, err := startAdminServer(cfg.AdminAddr, admin)
			if err != nil {
				return fmt.Errorf("failed to start admin api: %w", err)
			}
			defer adminSrv.Close()

			logger.Info("syncmesh node running",
				zap.String("peer_id", string(n.PeerID())),
				zap.String("control_addr", n.ControlAddr()),
				zap.String("blob_addr", n.BlobAddr()),
				zap.String("admin_addr", cfg.AdminAddr),
				zap.String("network_key", string(joinKey)))

			if err := config.SaveSaveData(cfg.SaveDataPath, n.SaveData()); err != nil {
				logger.Warn("failed to persist initial save data", zap.Error(err))
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&watchPath, "watch-path", "", "directory to watch and share")
	cmd.Flags().StringVar(&storePath, "store-path", "", "directory for the log store and blobs")
	cmd.Flags().StringVar(&controlAddr, "control-addr", "", "address to accept peer control connections on")
	cmd.Flags().StringVar(&blobAddr, "blob-addr", "", "address to accept peer blob-transfer connections on")
	cmd.Flags().StringVar(&adminListen, "admin-listen", "", "address the admin API listens on")
	cmd.Flags().StringVar(&networkKey, "network-key", "", "discovery topic key; a fresh one is minted if empty")
	cmd.Flags().StringVar(&pollInterval, "poll-interval", "", "poll interval, e.g. 5s")
	cmd.Flags().BoolVar(&archive, "archive", false, "activate archive mode on start")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "disable the /metrics endpoint")
	cmd.Flags().StringSliceVar(&bootstrapPeers, "bootstrap-peer", nil, "peer_id@host:port, repeatable")

	return cmd
}

func loadRunConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromEnv(), nil
	}
	return config.Load(path)
}

func applyFlagOverrides(cfg *config.Config, watchPath, storePath, controlAddr, blobAddr, adminListen, networkKey, pollInterval string, archive bool, bootstrapPeers []string) error {
	if watchPath != "" {
		cfg.WatchPath = watchPath
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if controlAddr != "" {
		cfg.ControlAddr = controlAddr
	}
	if blobAddr != "" {
		cfg.BlobAddr = blobAddr
	}
	if adminListen != "" {
		cfg.AdminAddr = adminListen
	}
	if networkKey != "" {
		cfg.NetworkKey = networkKey
	}
	if pollInterval != "" {
		d, err := time.ParseDuration(pollInterval)
		if err != nil {
			return fmt.Errorf("invalid --poll-interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if archive {
		cfg.Archive = true
	}
	for _, p := range bootstrapPeers {
		peer, ok := splitPeer(p)
		if !ok {
			return fmt.Errorf("invalid --bootstrap-peer %q, expected peer_id@host:port", p)
		}
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, peer)
	}
	return nil
}

func splitPeer(s string) (config.PeerConfig, bool) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 {
		return config.PeerConfig{}, false
	}
	return config.PeerConfig{PeerID: parts[0], Addr: parts[1]}, true
}
