package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncmesh/pkg/config"
)

func TestSplitPeerParsesIDAndAddress(t *testing.T) {
	peer, ok := splitPeer("abc123@10.0.0.1:7331")
	require.True(t, ok)
	assert.Equal(t, config.PeerConfig{PeerID: "abc123", Addr: "10.0.0.1:7331"}, peer)
}

func TestSplitPeerRejectsMissingAt(t *testing.T) {
	_, ok := splitPeer("10.0.0.1:7331")
	assert.False(t, ok)
}

func TestApplyFlagOverridesOnlyTouchesSetFields(t *testing.T) {
	cfg := &config.Config{WatchPath: "/original", PollInterval: 5 * time.Second}
	err := applyFlagOverrides(cfg, "", "", "", "", "", "", "10s", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "/original", cfg.WatchPath)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
}

func TestApplyFlagOverridesRejectsBadBootstrapPeer(t *testing.T) {
	cfg := &config.Config{}
	err := applyFlagOverrides(cfg, "", "", "", "", "", "", "", false, []string{"not-a-peer"})
	assert.Error(t, err)
}

func TestApplyFlagOverridesAppendsValidBootstrapPeers(t *testing.T) {
	cfg := &config.Config{}
	err := applyFlagOverrides(cfg, "", "", "", "", "", "", "", false, []string{"abc@10.0.0.1:7331"})
	require.NoError(t, err)
	require.Len(t, cfg.BootstrapPeers, 1)
	assert.Equal(t, "abc", cfg.BootstrapPeers[0].PeerID)
}
