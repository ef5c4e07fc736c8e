package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"syncmesh/pkg/types"
)

func TestAnnounceFiresOnJoinOnce(t *testing.T) {
	s := NewSwarm("topic", zaptest.NewLogger(t), time.Second, 2*time.Second)

	var joins int
	s.OnJoin(func(m Member) { joins++ })

	s.Announce("peer-a", "10.0.0.1:9000")
	s.Announce("peer-a", "10.0.0.1:9001")

	assert.Equal(t, 1, joins)
	members := s.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "10.0.0.1:9001", members[0].Address)
}

func TestLeaveFiresOnLeaveAndRemoves(t *testing.T) {
	s := NewSwarm("topic", zaptest.NewLogger(t), time.Second, 2*time.Second)

	var left types.PeerID
	s.OnLeave(func(id types.PeerID) { left = id })

	s.Announce("peer-a", "10.0.0.1:9000")
	s.Leave("peer-a")

	assert.Equal(t, types.PeerID("peer-a"), left)
	assert.Empty(t, s.Members())
}

func TestHeartbeatIgnoresUnknownPeer(t *testing.T) {
	s := NewSwarm("topic", zaptest.NewLogger(t), time.Second, 2*time.Second)
	s.Heartbeat("ghost")
	assert.Empty(t, s.Members())
}

func TestDetectFailuresSuspectsThenKills(t *testing.T) {
	s := NewSwarm("topic", zaptest.NewLogger(t), 20*time.Millisecond, 40*time.Millisecond)

	var left types.PeerID
	s.OnLeave(func(id types.PeerID) { left = id })
	s.Announce("peer-a", "10.0.0.1:9000")

	time.Sleep(25 * time.Millisecond)
	s.detectFailures()
	members := s.Members()
	require.Len(t, members, 1)
	assert.Equal(t, StatusSuspected, members[0].Status)

	time.Sleep(20 * time.Millisecond)
	s.detectFailures()
	assert.Empty(t, s.Members())
	assert.Equal(t, types.PeerID("peer-a"), left)
}

func TestAliveHeartbeatClearsSuspicion(t *testing.T) {
	s := NewSwarm("topic", zaptest.NewLogger(t), 20*time.Millisecond, 200*time.Millisecond)
	s.Announce("peer-a", "10.0.0.1:9000")

	time.Sleep(25 * time.Millisecond)
	s.detectFailures()
	require.Equal(t, StatusSuspected, s.Members()[0].Status)

	s.Heartbeat("peer-a")
	assert.Equal(t, StatusAlive, s.Members()[0].Status)
}
