package logstore

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobWriteThenRead(t *testing.T) {
	bs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	ws, err := bs.CreateWriteStream()
	require.NoError(t, err)
	_, err = ws.Write([]byte("hello blob"))
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	rc, size, err := bs.CreateReadStream(ws.ID(), false, time.Second)
	require.NoError(t, err)
	defer rc.Close()

	assert.EqualValues(t, len("hello blob"), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(data))
}

func TestBlobClearRemovesFile(t *testing.T) {
	bs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	ws, err := bs.CreateWriteStream()
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	require.NoError(t, bs.Clear(ws.ID()))
	_, _, err = bs.CreateReadStream(ws.ID(), false, time.Second)
	assert.Error(t, err)
}

func TestBlobReadWaitsForWriter(t *testing.T) {
	bs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	ws, err := bs.CreateWriteStream()
	require.NoError(t, err)

	done := make(chan struct{})
	var readErr error
	var data []byte
	go func() {
		defer close(done)
		rc, _, err := bs.CreateReadStream(ws.ID(), true, 2*time.Second)
		if err != nil {
			readErr = err
			return
		}
		defer rc.Close()
		data, readErr = io.ReadAll(rc)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = ws.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	<-done
	require.NoError(t, readErr)
	assert.Equal(t, "payload", string(data))
}
