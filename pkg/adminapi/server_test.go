package adminapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"syncmesh/pkg/identity"
	"syncmesh/pkg/metrics"
	"syncmesh/pkg/node"
)

func newTestServer(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	seed, err := identity.NewSeed()
	require.NoError(t, err)
	kp, err := identity.DeriveKeyPair(seed)
	require.NoError(t, err)

	reg := metrics.New()
	n := node.New(node.Options{
		Identity:     kp,
		WatchPath:    t.TempDir(),
		StorePath:    t.TempDir(),
		ControlAddr:  "127.0.0.1:0",
		BlobAddr:     "127.0.0.1:0",
		Logger:       zaptest.NewLogger(t),
		PollInterval: 50 * time.Millisecond,
		Metrics:      reg,
	})
	require.NoError(t, n.Open())
	t.Cleanup(func() { n.Close() })

	srv := httptest.NewServer(New(n, reg, zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL)
}

func TestStatusReflectsNode(t *testing.T) {
	_, client := newTestServer(t)
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, status.PeerID)
	assert.Equal(t, 0, status.PeerCount)
	assert.False(t, status.ArchiveActive)
}

func TestQueueThenStatusReportsPath(t *testing.T) {
	_, client := newTestServer(t)
	require.NoError(t, client.Queue(context.Background(), "wanted.txt"))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, status.QueuedDownloads, "wanted.txt")
}

func TestArchiveToggleReflectedInStatus(t *testing.T) {
	_, client := newTestServer(t)
	require.NoError(t, client.SetArchive(context.Background(), true))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.ArchiveActive)
}

func TestMetricsEndpointServed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestGetWithUnknownPeerFails(t *testing.T) {
	_, client := newTestServer(t)
	err := client.Get(context.Background(), "deadbeef", "missing.txt")
	assert.Error(t, err)
}

func TestJoinWithEmptyKeyReturnsPeerID(t *testing.T) {
	_, client := newTestServer(t)
	resp, err := client.Join(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.PeerID)
}

func TestFilesEmptyByDefault(t *testing.T) {
	_, client := newTestServer(t)
	files, err := client.Files(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files.Local)
	assert.Empty(t, files.NonLocal)
}
