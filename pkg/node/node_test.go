package node

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"syncmesh/pkg/eventbus"
	"syncmesh/pkg/identity"
)

func newTestNode(t *testing.T, watchPath string) *Node {
	t.Helper()
	seed, err := identity.NewSeed()
	require.NoError(t, err)
	kp, err := identity.DeriveKeyPair(seed)
	require.NoError(t, err)

	n := New(Options{
		Identity:     kp,
		WatchPath:    watchPath,
		StorePath:    t.TempDir(),
		ControlAddr:  "127.0.0.1:0",
		BlobAddr:     "127.0.0.1:0",
		Logger:       zaptest.NewLogger(t),
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, n.Open())
	t.Cleanup(func() { n.Close() })
	return n
}

func connect(t *testing.T, a, b *Node) {
	t.Helper()
	require.NoError(t, b.ConnectToPeer(context.Background(), a.ControlAddr()))

	require.Eventually(t, func() bool {
		_, ok := a.getPeer(b.PeerID())
		return ok
	}, 2*time.Second, 10*time.Millisecond, "a never registered b")
	require.Eventually(t, func() bool {
		_, ok := b.getPeer(a.PeerID())
		return ok
	}, 2*time.Second, 10*time.Millisecond, "b never registered a")
}

func TestTwoPeerHappyPath(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	require.NoError(t, os.WriteFile(filepath.Join(dirA, "shared.txt"), []byte("hello from a"), 0644))

	require.Eventually(t, func() bool {
		files := b.ListNetworkFiles()
		recs, ok := files[string(a.PeerID())]
		if !ok {
			return false
		}
		for _, r := range recs {
			if r.Path == "shared.txt" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "b never observed a's file over replication")

	require.NoError(t, b.DownloadFileFromPeer(context.Background(), a.PeerID(), "shared.txt"))

	got, err := os.ReadFile(filepath.Join(dirB, "shared.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from a", string(got))
}

func TestNestedPathPreservedAcrossTransfer(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	nested := filepath.Join(dirA, "docs", "notes")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "todo.md"), []byte("- write tests"), 0644))

	require.Eventually(t, func() bool {
		return len(b.ListNonLocalFiles()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.DownloadFileFromPeer(context.Background(), a.PeerID(), "docs/notes/todo.md"))

	got, err := os.ReadFile(filepath.Join(dirB, "docs", "notes", "todo.md"))
	require.NoError(t, err)
	assert.Equal(t, "- write tests", string(got))
}

func TestQueuedDownloadEndToEnd(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	b.QueueDownload("wanted.txt")
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "wanted.txt"), []byte("queued bytes"), 0644))

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(dirB, "wanted.txt"))
		return err == nil && string(got) == "queued bytes"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestArchivePropagatesWithinBoundedTime(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	require.NoError(t, os.WriteFile(filepath.Join(dirA, "archived.txt"), []byte("archive me"), 0644))
	b.ActivateArchive()
	t.Cleanup(b.DeactivateArchive)

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(dirB, "archived.txt"))
		return err == nil && string(got) == "archive me"
	}, 15*time.Second, 50*time.Millisecond)
}

func TestCustomMessageRoundTrip(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	a.Listen("ping", func(payload any) eventbus.MessageResult {
		var req struct {
			Text string `json:"text"`
		}
		raw, _ := payload.(json.RawMessage)
		_ = json.Unmarshal(raw, &req)
		return eventbus.MessageResult{Data: map[string]string{"echo": req.Text}}
	})

	raw, err := b.SendMessage(context.Background(), a.PeerID(), "ping", map[string]string{"text": "hi"})
	require.NoError(t, err)

	var resp struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "hi", resp.Echo)
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	_, err := b.SendMessage(context.Background(), a.PeerID(), "no_such_type", nil)
	require.Error(t, err)
}

func TestListenOnceFiresAtMostOnce(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	var calls int
	a.ListenOnce("greet", func(payload any) eventbus.MessageResult {
		calls++
		return eventbus.MessageResult{Data: "ok"}
	})

	_, err := b.SendMessage(context.Background(), a.PeerID(), "greet", nil)
	require.NoError(t, err)
	_, err = b.SendMessage(context.Background(), a.PeerID(), "greet", nil)
	require.Error(t, err, "second call must see no handler left")
	assert.Equal(t, 1, calls)
}

func TestUnlistenRemovesHandler(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	a.Listen("chatty", func(payload any) eventbus.MessageResult {
		return eventbus.MessageResult{Data: "ok"}
	})
	a.Unlisten("chatty")

	_, err := b.SendMessage(context.Background(), a.PeerID(), "chatty", nil)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	n := newTestNode(t, dir)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
}

func TestPeerDisconnectEmitsEvent(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := newTestNode(t, dirA)
	b := newTestNode(t, dirB)
	connect(t, a, b)

	var disconnected PeerDisconnectedPayload
	a.Bus().Listen(EventPeerDisconnected, func(p any) { disconnected = p.(PeerDisconnectedPayload) })

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool { return disconnected.PeerID == b.PeerID() }, 2*time.Second, 10*time.Millisecond)
}
