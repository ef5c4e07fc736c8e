// Package config loads a syncmesh node's boot configuration: the launch
// parameters a process needs before it can call node.Open, as opposed to
// the runtime save-data a running node persists as it goes (see
// LoadSaveData/SaveSaveData).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// PeerConfig is one bootstrap peer's address, seeded externally since
// pkg/discovery.Swarm does no discovery of its own.
type PeerConfig struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
}

// Config is the boot configuration for one syncmesh process.
type Config struct {
	WatchPath      string        `json:"watch_path"`
	StorePath      string        `json:"store_path"`
	ControlAddr    string        `json:"control_addr"`
	BlobAddr       string        `json:"blob_addr"`
	AdminAddr      string        `json:"admin_addr"`
	NetworkKey     string        `json:"network_key,omitempty"`
	SaveDataPath   string        `json:"save_data_path"`
	PollInterval   time.Duration `json:"poll_interval"`
	Archive        bool          `json:"archive"`
	BootstrapPeers []PeerConfig  `json:"bootstrap_peers"`
}

// Load reads a JSON config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv builds a Config from SYNCMESH_* environment variables,
// falling back to sensible single-node defaults.
func LoadFromEnv() *Config {
	cfg := &Config{
		WatchPath:    getEnv("SYNCMESH_WATCH_PATH", "./watch"),
		StorePath:    getEnv("SYNCMESH_STORE_PATH", "./data"),
		ControlAddr:  getEnv("SYNCMESH_CONTROL_ADDR", ":7331"),
		BlobAddr:     getEnv("SYNCMESH_BLOB_ADDR", ":7332"),
		AdminAddr:    getEnv("SYNCMESH_ADMIN_ADDR", ":7333"),
		NetworkKey:   getEnv("SYNCMESH_NETWORK_KEY", ""),
		SaveDataPath: getEnv("SYNCMESH_SAVE_DATA_PATH", "./data/save.json"),
		PollInterval: getEnvDuration("SYNCMESH_POLL_INTERVAL", 5*time.Second),
		Archive:      getEnvBool("SYNCMESH_ARCHIVE", false),
	}

	if peers := os.Getenv("SYNCMESH_BOOTSTRAP_PEERS"); peers != "" {
		for _, p := range strings.Split(peers, ",") {
			// id@host:port
			parts := strings.SplitN(p, "@", 2)
			if len(parts) != 2 {
				continue
			}
			cfg.BootstrapPeers = append(cfg.BootstrapPeers, PeerConfig{PeerID: parts[0], Addr: parts[1]})
		}
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
