package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersStartAtZero(t *testing.T) {
	r := New()
	body := scrape(t, r)
	assert.Contains(t, body, "syncmesh_downloads_total 0")
	assert.Contains(t, body, "syncmesh_uploads_total 0")
}

func TestCountersIncrement(t *testing.T) {
	r := New()
	r.DownloadsTotal.Inc()
	r.DownloadsTotal.Inc()
	r.UploadBytesTotal.Add(1024)
	r.DiffEventsTotal.WithLabelValues("added").Inc()
	r.PeersConnected.Set(3)

	body := scrape(t, r)
	assert.Contains(t, body, "syncmesh_downloads_total 2")
	assert.Contains(t, body, "syncmesh_upload_bytes_total 1024")
	assert.Contains(t, body, `syncmesh_diff_events_total{kind="added"} 1`)
	assert.Contains(t, body, "syncmesh_peers_connected 3")
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.DownloadsTotal.Inc()

	assert.Contains(t, scrape(t, a), "syncmesh_downloads_total 1")
	assert.Contains(t, scrape(t, b), "syncmesh_downloads_total 0")
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	return buf.String()
}
